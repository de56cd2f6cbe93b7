package sip

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ironpbx/ironpbx/internal/media"
	"github.com/ironpbx/ironpbx/internal/sdp"
)

// Bridge manages the two-phase media setup for a call. Phase 1 runs on
// the caller's INVITE: parse and validate the offer, allocate the relay
// and point its A side at the caller. Phase 2 runs when a callee answers
// (or the PBX answers locally): fix the codec, point the B side and
// produce the answer SDP for the caller. A bodiless INVITE swaps the
// roles for the caller's leg: the 200 carries our own offer and the
// caller answers in its ACK.
type Bridge struct {
	session *media.Session
	mediaIP string
	callID  string
	prefs   []sdp.Preference
	logger  *slog.Logger

	callerOffer *sdp.SessionDescription // nil on late-offer calls
	offerBody   []byte
	codecName   string
	localAnswer []byte

	// mu guards the late-offer handshake; the ACK lands on a different
	// goroutine than the one that sent the 200.
	mu             sync.Mutex
	pinned         sdp.Codec
	awaitingAnswer bool
}

// AllocateBridge parses the caller's offer, verifies at least one codec
// is serveable and binds a relay for the call. An empty callerSDP is a
// late offer: the relay is bound with no A endpoint and negotiation is
// deferred until the caller answers our SDP in its ACK.
// sdp.ErrUnsupportedMedia surfaces when nothing in the offer can be
// negotiated (answer 488); media.ErrPoolExhausted when no RTP ports are
// free (answer 503).
func AllocateBridge(
	mgr *media.Manager,
	callID string,
	callerSDP []byte,
	prefs []sdp.Preference,
	logger *slog.Logger,
) (*Bridge, error) {
	var offer *sdp.SessionDescription
	if len(callerSDP) > 0 {
		parsed, err := sdp.Parse(callerSDP)
		if err != nil {
			return nil, fmt.Errorf("parsing caller sdp: %w", err)
		}
		offer = parsed
	}

	session, err := mgr.Allocate(callID)
	if err != nil {
		return nil, err
	}

	mediaIP := mgr.MediaIP().String()

	// Probe negotiation now so an unserveable offer is refused before
	// anything rings.
	if offer != nil {
		if _, err := sdp.BuildAnswer(offer, mediaIP, session.Port(), prefs); err != nil {
			session.Release()
			return nil, err
		}
	}

	b := &Bridge{
		session:     session,
		mediaIP:     mediaIP,
		callID:      callID,
		prefs:       prefs,
		logger:      logger.With("subsystem", "bridge", "call_id", callID),
		callerOffer: offer,
		offerBody:   callerSDP,
	}

	// Point the A side at the caller's advertised address; symmetric
	// learning corrects it once packets arrive. Late offers leave it
	// unset until the ACK.
	if offer != nil {
		b.session.Relay().SetEndpoints(offer.AudioEndpoint(), nil)
	}

	return b, nil
}

// OriginateBridge allocates a relay before any SDP exists, for calls the
// PBX places itself. The returned offer rings the initiating party; their
// answer comes back through AbsorbInitiator.
func OriginateBridge(
	mgr *media.Manager,
	callID string,
	prefs []sdp.Preference,
	logger *slog.Logger,
) (*Bridge, []byte, error) {
	session, err := mgr.Allocate(callID)
	if err != nil {
		return nil, nil, err
	}
	if len(prefs) == 0 {
		prefs = sdp.DefaultPreferences()
	}
	mediaIP := mgr.MediaIP().String()
	b := &Bridge{
		session: session,
		mediaIP: mediaIP,
		callID:  callID,
		prefs:   prefs,
		logger:  logger.With("subsystem", "bridge", "call_id", callID),
	}
	offer := sdp.BuildOffer(mediaIP, session.Port(), prefs)
	return b, offer.Marshal(), nil
}

// AbsorbInitiator runs phase 2 for an originated call: the initiating
// party answered our offer, so their codec choice fixes the call's codec
// and their address becomes the relay's A side. The destination is then
// offered that codec alone via ReferOffer.
func (b *Bridge) AbsorbInitiator(answerSDP []byte) error {
	answer, err := sdp.Parse(answerSDP)
	if err != nil {
		return fmt.Errorf("parsing initiator sdp: %w", err)
	}
	audio := answer.Audio()
	if audio == nil || len(audio.Formats) == 0 {
		return fmt.Errorf("initiator answer has no audio")
	}
	ep := answer.AudioEndpoint()
	if ep == nil {
		return fmt.Errorf("initiator answer has no routable audio")
	}

	chosen := b.codecFromAnswer(audio)
	b.codecName = normalizeCodecName(chosen.Name)

	relay := b.session.Relay()
	relay.SetCodec(chosen.PayloadType, audio.TelephoneEventPayload())
	relay.SetEndpoints(ep, nil)
	relay.Start()

	b.logger.Info("originate media up",
		"codec", b.codecName,
		"payload_type", chosen.PayloadType,
		"rtp_port", b.session.Port(),
	)
	return nil
}

// OfferForCallee returns the SDP to carry in outbound INVITEs: the
// caller's offer with the connection address and audio port rewritten to
// the relay, so the callee's RTP lands on our socket. A late-offer call
// has nothing to rewrite; the callee gets a fresh offer with every
// preferred codec instead.
func (b *Bridge) OfferForCallee() ([]byte, error) {
	if b.callerOffer == nil {
		return sdp.BuildOffer(b.mediaIP, b.session.Port(), b.prefs).Marshal(), nil
	}
	rewritten, err := sdp.RewriteBytes(b.offerBody, b.mediaIP, b.session.Port())
	if err != nil {
		return nil, fmt.Errorf("rewriting offer for callee: %w", err)
	}
	return rewritten, nil
}

// CompleteWithCallee runs phase 2 against the callee's answer: adopt the
// codec the callee selected, point the B side of the relay at it, start
// forwarding and build the body for the caller's 200. With a caller
// offer on file that body answers it; on a late-offer call it is our own
// offer pinned to the callee's codec, and the caller answers in its ACK.
func (b *Bridge) CompleteWithCallee(calleeSDP []byte) ([]byte, error) {
	answer, err := sdp.Parse(calleeSDP)
	if err != nil {
		return nil, fmt.Errorf("parsing callee sdp: %w", err)
	}
	audio := answer.Audio()
	if audio == nil || len(audio.Formats) == 0 {
		return nil, fmt.Errorf("callee answer has no audio")
	}

	chosen := b.codecFromAnswer(audio)
	relay := b.session.Relay()

	var body []byte
	switch {
	case b.callerOffer != nil:
		// The callee chose from the caller's own codec list, so answering
		// the caller with that codec always succeeds.
		callerAnswer, err := sdp.BuildAnswer(
			b.callerOffer, b.mediaIP, b.session.Port(),
			sdp.PreferencesFromNames([]string{chosen.Name}),
		)
		if err != nil {
			return nil, fmt.Errorf("answering caller with %s: %w", chosen.Name, err)
		}
		relay.SetCodec(callerAnswer.Codec.PayloadType, callerAnswer.TelephoneEvent)
		body = callerAnswer.Description.Marshal()
	case b.localAnswer != nil:
		// Transfer on an already answered call: codec and telephone-event
		// stay as negotiated with the caller, only the B side moves.
		body = b.localAnswer
	default:
		// Late offer: the 200 carries our offer, pinned to the codec the
		// callee picked so both legs speak the same thing.
		offer := sdp.BuildOffer(b.mediaIP, b.session.Port(),
			sdp.PreferencesFromNames([]string{chosen.Name}))
		relay.SetCodec(chosen.PayloadType, audio.TelephoneEventPayload())
		body = offer.Marshal()
		b.expectAnswer(chosen)
	}

	b.codecName = normalizeCodecName(chosen.Name)
	relay.SetEndpoints(nil, answer.AudioEndpoint())
	relay.Start()

	b.logger.Info("media bridge active",
		"codec", b.codecName,
		"payload_type", relay.PayloadType(),
		"rtp_port", b.session.Port(),
	)

	return body, nil
}

// AnswerLocally runs phase 2 with the PBX itself as the far end, for
// calls terminated by voicemail or the attendant. The relay starts with
// no B side; prompts are injected toward the caller. On a late-offer
// call the returned body is our own offer, pinned to the first codec
// preference so prompt encoding never has to wait for the ACK.
func (b *Bridge) AnswerLocally() ([]byte, error) {
	if b.callerOffer == nil {
		prefs := b.prefs
		if len(prefs) == 0 {
			prefs = sdp.DefaultPreferences()
		}
		pin := sdp.Codec{
			PayloadType: prefs[0].PayloadType,
			Name:        prefs[0].Name,
			ClockRate:   prefs[0].ClockRate,
		}
		offer := sdp.BuildOffer(b.mediaIP, b.session.Port(), prefs[:1])

		b.codecName = normalizeCodecName(pin.Name)
		relay := b.session.Relay()
		relay.SetCodec(pin.PayloadType, sdp.DefaultTelephoneEventPayload)
		relay.Start()
		b.expectAnswer(pin)

		b.logger.Info("answering locally with late offer",
			"codec", b.codecName,
			"payload_type", pin.PayloadType,
		)

		b.localAnswer = offer.Marshal()
		return b.localAnswer, nil
	}

	answer, err := sdp.BuildAnswer(b.callerOffer, b.mediaIP, b.session.Port(), b.prefs)
	if err != nil {
		return nil, err
	}

	b.codecName = normalizeCodecName(answer.Codec.Name)
	relay := b.session.Relay()
	relay.SetCodec(answer.Codec.PayloadType, answer.TelephoneEvent)
	relay.Start()

	b.logger.Info("answering locally",
		"codec", b.codecName,
		"payload_type", answer.Codec.PayloadType,
	)

	b.localAnswer = answer.Description.Marshal()
	return b.localAnswer, nil
}

// TransferOffer returns the SDP to offer a transfer target after the
// call was answered locally: our own answer, which pins the codec the
// caller is already using. Nil before AnswerLocally.
func (b *Bridge) TransferOffer() []byte {
	return b.localAnswer
}

// expectAnswer arms ACK-answer absorption for a late-offer call.
func (b *Bridge) expectAnswer(codec sdp.Codec) {
	b.mu.Lock()
	b.pinned = codec
	b.awaitingAnswer = true
	b.mu.Unlock()
}

// AwaitingAnswer reports whether the caller still owes an SDP answer in
// its ACK.
func (b *Bridge) AwaitingAnswer() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.awaitingAnswer
}

// AbsorbCallerAnswer completes a late-offer negotiation from the SDP the
// caller's ACK carried: point the A side of the relay at the caller and
// adopt the telephone-event payload it answered with. A no-op when no
// answer is owed, so ACK retransmissions are harmless.
func (b *Bridge) AbsorbCallerAnswer(answerSDP []byte) error {
	b.mu.Lock()
	if !b.awaitingAnswer {
		b.mu.Unlock()
		return nil
	}
	pinned := b.pinned
	b.awaitingAnswer = false
	b.mu.Unlock()

	answer, err := sdp.Parse(answerSDP)
	if err != nil {
		return fmt.Errorf("parsing ack sdp: %w", err)
	}
	audio := answer.Audio()
	if audio == nil || len(audio.Formats) == 0 {
		return fmt.Errorf("ack answer has no audio")
	}
	ep := answer.AudioEndpoint()
	if ep == nil {
		return fmt.Errorf("ack answer has no routable audio")
	}

	relay := b.session.Relay()
	if te := audio.TelephoneEventPayload(); te >= 0 {
		relay.SetCodec(pinned.PayloadType, te)
	}
	relay.SetEndpoints(ep, nil)

	b.logger.Info("late offer answered",
		"codec", normalizeCodecName(pinned.Name),
		"payload_type", pinned.PayloadType,
		"rtp_port", b.session.Port(),
	)
	return nil
}

// ReferOffer builds a fresh offer at the relay for replacing one party
// mid-call. Only the codec the call already runs is offered; the
// remaining party's stream is untouched, so the newcomer has to match.
func (b *Bridge) ReferOffer() ([]byte, error) {
	if b.codecName == "" {
		return nil, fmt.Errorf("no codec negotiated yet")
	}
	offer := sdp.BuildOffer(b.mediaIP, b.session.Port(), sdp.PreferencesFromNames([]string{b.codecName}))
	return offer.Marshal(), nil
}

// CompleteTransfer points one side of the relay at the party that
// answered a transfer INVITE and clears any hold state the departing
// party left behind.
func (b *Bridge) CompleteTransfer(answerSDP []byte, callerSide bool) error {
	answer, err := sdp.Parse(answerSDP)
	if err != nil {
		return fmt.Errorf("parsing transfer answer: %w", err)
	}
	ep := answer.AudioEndpoint()
	if ep == nil {
		return fmt.Errorf("transfer answer has no routable audio")
	}
	relay := b.session.Relay()
	if callerSide {
		relay.SetEndpoints(ep, nil)
	} else {
		relay.SetEndpoints(nil, ep)
	}
	relay.SetForwarding(media.DirAToB, true)
	relay.SetForwarding(media.DirBToA, true)
	return nil
}

// Renegotiate handles a re-INVITE offer from either party: relearn the
// endpoint, keep the codec and report whether the offer holds media.
// The returned body answers the re-INVITE.
func (b *Bridge) Renegotiate(offerSDP []byte, fromCaller bool) ([]byte, bool, error) {
	offer, err := sdp.Parse(offerSDP)
	if err != nil {
		return nil, false, fmt.Errorf("parsing reinvite sdp: %w", err)
	}

	answer, err := sdp.BuildAnswer(offer, b.mediaIP, b.session.Port(), b.prefs)
	if err != nil {
		return nil, false, err
	}

	hold := offer.IsHold()
	relay := b.session.Relay()
	if !hold {
		if fromCaller {
			relay.SetEndpoints(offer.AudioEndpoint(), nil)
		} else {
			relay.SetEndpoints(nil, offer.AudioEndpoint())
		}
	}

	// On hold, stop forwarding audio sourced from the holding party;
	// resume re-enables it.
	dir := media.DirAToB
	if !fromCaller {
		dir = media.DirBToA
	}
	relay.SetForwarding(dir, !hold)

	return answer.Description.Marshal(), hold, nil
}

// codecFromAnswer resolves the single codec the callee answered with.
func (b *Bridge) codecFromAnswer(audio *sdp.MediaDescription) sdp.Codec {
	for _, pt := range audio.Formats {
		c := audio.CodecByPayloadType(pt)
		if c == nil {
			// Static payload types may omit rtpmap.
			switch pt {
			case 0:
				return sdp.Codec{PayloadType: 0, Name: "PCMU", ClockRate: 8000}
			case 8:
				return sdp.Codec{PayloadType: 8, Name: "PCMA", ClockRate: 8000}
			}
			continue
		}
		if c.Name == "telephone-event" {
			continue
		}
		return *c
	}
	// Degenerate answer; fall back to the first preference.
	prefs := b.prefs
	if len(prefs) == 0 {
		prefs = sdp.DefaultPreferences()
	}
	return sdp.Codec{PayloadType: prefs[0].PayloadType, Name: prefs[0].Name, ClockRate: 8000}
}

// Session exposes the underlying media session.
func (b *Bridge) Session() *media.Session {
	return b.session
}

// Codec returns the negotiated codec name, empty before phase 2.
func (b *Bridge) Codec() string {
	return b.codecName
}

// Release tears the relay down and returns its ports to the pool.
func (b *Bridge) Release() {
	b.session.Release()
}

func normalizeCodecName(name string) string {
	switch name {
	case "PCMU", "pcmu":
		return "pcmu"
	case "PCMA", "pcma":
		return "pcma"
	default:
		return name
	}
}
