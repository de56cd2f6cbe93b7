package sip

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/ironpbx/ironpbx/internal/cdr"
	"github.com/ironpbx/ironpbx/internal/events"
	"github.com/ironpbx/ironpbx/internal/ivr"
	"github.com/ironpbx/ironpbx/internal/media"
	"github.com/ironpbx/ironpbx/internal/sdp"
	"github.com/ironpbx/ironpbx/internal/store"
	"github.com/ironpbx/ironpbx/internal/voicemail"
)

// Handler is the B2BUA core. It terminates the caller's INVITE on one
// side and, on the other, rings registered devices, runs voicemail and
// attendant menus, or joins conferences, bridging media through the
// RTP relay in every case.
type Handler struct {
	registrar   *Registrar
	auth        *Authenticator
	limiter     *RateLimiter
	calls       *CallTable
	mediaMgr    *media.Manager
	conferences *media.ConferenceManager
	extensions  store.ExtensionStore
	dialplan    *Dialplan
	ringer      *Ringer
	runner      *ivr.Runner
	flows       *ivr.VoicemailFlows
	mailboxes   *voicemail.Store
	bus         *events.Bus
	cdr         cdr.Sink
	codecPrefs  []sdp.Preference
	contact     sip.Uri
	dataDir     string
	recordCalls bool
	inbandDTMF  bool
	maxCalls    int
	ringTimeout time.Duration
	logger      *slog.Logger

	// confRooms maps internal call ID to the conference room the call
	// joined, so teardown detaches the member before the relay dies.
	confRooms sync.Map
}

// HandlerConfig carries the dependencies a Handler routes with.
type HandlerConfig struct {
	Registrar   *Registrar
	Auth        *Authenticator
	Limiter     *RateLimiter
	Calls       *CallTable
	Media       *media.Manager
	Conferences *media.ConferenceManager
	Extensions  store.ExtensionStore
	Dialplan    *Dialplan
	Ringer      *Ringer
	Runner      *ivr.Runner
	Flows       *ivr.VoicemailFlows
	Mailboxes   *voicemail.Store
	Bus         *events.Bus
	CDR         cdr.Sink
	CodecPrefs  []sdp.Preference
	Contact     sip.Uri
	DataDir     string
	RecordCalls bool
	InbandDTMF  bool
	MaxCalls    int
	RingTimeout time.Duration
	Logger      *slog.Logger
}

// NewHandler wires the B2BUA request handler.
func NewHandler(hc HandlerConfig) *Handler {
	ringTimeout := hc.RingTimeout
	if ringTimeout <= 0 {
		ringTimeout = 30 * time.Second
	}
	prefs := hc.CodecPrefs
	if len(prefs) == 0 {
		prefs = sdp.DefaultPreferences()
	}
	return &Handler{
		registrar:   hc.Registrar,
		auth:        hc.Auth,
		limiter:     hc.Limiter,
		calls:       hc.Calls,
		mediaMgr:    hc.Media,
		conferences: hc.Conferences,
		extensions:  hc.Extensions,
		dialplan:    hc.Dialplan,
		ringer:      hc.Ringer,
		runner:      hc.Runner,
		flows:       hc.Flows,
		mailboxes:   hc.Mailboxes,
		bus:         hc.Bus,
		cdr:         hc.CDR,
		codecPrefs:  prefs,
		contact:     hc.Contact,
		dataDir:     hc.DataDir,
		recordCalls: hc.RecordCalls,
		inbandDTMF:  hc.InbandDTMF,
		maxCalls:    hc.MaxCalls,
		ringTimeout: ringTimeout,
		logger:      hc.Logger.With("component", "sip"),
	}
}

// HandleInvite routes a new call. sipgo dispatches each request on its
// own goroutine, so the handler blocks through ringing, menus and
// conferences until the call is answered or refused.
func (h *Handler) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	// A To tag means this INVITE renegotiates an existing dialog.
	if to := req.To(); to != nil {
		if tag, _ := to.Params.Get("tag"); tag != "" {
			h.handleReinvite(req, tx)
			return
		}
	}

	source := req.Source()
	if !h.limiter.Allow(source) {
		h.logger.Warn("invite rate limited", "source", source)
		h.respondError(req, tx, 503, "Service Unavailable")
		return
	}

	// Authenticate self-responds with 401/403 when the caller has no
	// valid credentials yet.
	ext := h.auth.Authenticate(req, tx)
	if ext == nil {
		return
	}

	dialed := req.Recipient.User
	h.logger.Info("invite received",
		"from", ext.Number,
		"dialed", dialed,
		"source", source,
		"transport", req.Transport(),
	)

	// Send 100 Trying immediately to stop UAC retransmissions
	// (RFC 3261 §8.2.6.1) before media allocation and ringing.
	if err := tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil)); err != nil {
		h.logger.Error("failed to send 100 trying", "error", err)
		return
	}

	if h.maxCalls > 0 && h.calls.Active() >= h.maxCalls {
		h.logger.Warn("concurrent call ceiling reached",
			"active", h.calls.Active(),
			"max", h.maxCalls,
		)
		h.respondError(req, tx, 503, "Service Unavailable")
		return
	}

	callID := uuid.NewString()
	if len(req.Body()) == 0 {
		// Late offer: we send our own SDP in the 200 and the caller
		// answers in its ACK.
		h.logger.Info("late-offer invite", "call_id", callID, "from", ext.Number)
	}
	bridge, err := AllocateBridge(h.mediaMgr, callID, req.Body(), h.codecPrefs, h.logger)
	if err != nil {
		switch {
		case errors.Is(err, sdp.ErrUnsupportedMedia):
			h.logger.Info("offer not serveable", "call_id", callID, "error", err)
			h.respondError(req, tx, 488, "Not Acceptable Here")
		case errors.Is(err, media.ErrPoolExhausted):
			h.logger.Warn("rtp port pool exhausted", "call_id", callID)
			h.respondError(req, tx, 503, "Service Unavailable")
		default:
			h.logger.Error("media allocation failed", "call_id", callID, "error", err)
			h.respondError(req, tx, 500, "Server Internal Error")
		}
		return
	}

	legA := NewUASLeg(req, sip.GenerateTagN(16), h.contact)
	call := NewCall(callID, req, tx, legA, h.logger)
	call.SetMedia(bridge.Session())
	call.SetBridge(bridge)

	if err := h.calls.Insert(legA.CallID(), call); err != nil {
		// Same Call-ID on a second transaction: merged or looped
		// request (RFC 3261 §8.2.2.2).
		h.logger.Warn("duplicate call-id", "sip_call_id", legA.CallID())
		bridge.Release()
		h.respondError(req, tx, 482, "Loop Detected")
		return
	}

	_ = call.MarkCalling()
	h.publish(events.CallStarted, call, map[string]string{
		"from":   call.FromAOR(),
		"dialed": dialed,
	})

	routeCtx, cancelRouting := context.WithCancel(context.Background())
	defer cancelRouting()
	call.SetCancelRouting(cancelRouting)
	go h.watchCancel(tx, call, routeCtx)

	action, matched := h.dialplan.Match(dialed)
	if !matched {
		// Anything the dialplan doesn't claim is a direct extension
		// dial.
		action = RingAction{Extension: dialed, Timeout: h.ringTimeout}
	}

	h.dispatch(routeCtx, call, ext, action)
}

// watchCancel turns a CANCEL on the caller's INVITE transaction into a
// routing abort. sipgo delivers matched CANCELs via the transaction's
// OnCancel callback; the 487 on the INVITE is sent here as well, which
// is a harmless retransmission on stacks that already did it.
func (h *Handler) watchCancel(tx sip.ServerTransaction, call *Call, routeCtx context.Context) {
	cancels := make(chan *sip.Request, 1)
	tx.OnCancel(func(r *sip.Request) {
		select {
		case cancels <- r:
		default:
		}
	})
	select {
	case cancelReq := <-cancels:
		h.logger.Info("caller cancelled", "call_id", call.ID)
		if cancelReq != nil {
			if err := tx.Respond(sip.NewResponseFromRequest(cancelReq, 200, "OK", nil)); err != nil {
				h.logger.Debug("responding to cancel failed", "call_id", call.ID, "error", err)
			}
		}
		_ = call.MarkTerminating(eventCancel, "caller_cancel")
		call.AbortRouting()
		if err := tx.Respond(h.newResponse(call, 487, "Request Terminated", nil)); err != nil {
			h.logger.Debug("sending 487 failed", "call_id", call.ID, "error", err)
		}
	case <-tx.Done():
		// The transaction died without a CANCEL passing through us:
		// transport failure or a final from another path. If nobody
		// answered, unwind any in-flight routing.
		if !call.Answered() {
			call.AbortRouting()
		}
	case <-routeCtx.Done():
	}
}

// dispatch runs the routing action the dialplan resolved.
func (h *Handler) dispatch(ctx context.Context, call *Call, caller *store.Extension, action Action) {
	switch act := action.(type) {
	case RingAction:
		if !h.requirePermission(call, caller, store.PermInternal) {
			return
		}
		h.ringExtensions(ctx, call, []string{act.Extension}, act.Timeout, false)
	case GroupAction:
		if !h.requirePermission(call, caller, store.PermInternal) {
			return
		}
		h.ringExtensions(ctx, call, act.Extensions, act.Timeout, false)
	case HuntAction:
		if !h.requirePermission(call, caller, store.PermInternal) {
			return
		}
		h.ringExtensions(ctx, call, act.Extensions, act.Timeout, true)
	case VoicemailAction:
		if act.Mailbox == "" || act.Mailbox == caller.MailboxID {
			h.voicemailRetrieval(ctx, call, caller)
		} else {
			h.voicemailRetrievalFor(ctx, call, caller, act.Mailbox)
		}
	case DepositAction:
		mailbox := act.Mailbox
		if mailbox == "" {
			mailbox = caller.MailboxID
		}
		if mailbox == "" {
			h.respondCall(call, 404, "Not Found")
			h.finish(call, "no_mailbox")
			return
		}
		h.voicemailDeposit(ctx, call, mailbox)
	case AttendantAction:
		h.attendant(ctx, call, act.Name)
	case ConferenceAction:
		if !h.requirePermission(call, caller, store.PermConference) {
			return
		}
		h.conference(ctx, call, act.Room)
	case RejectAction:
		h.logger.Info("dialplan rejected call",
			"call_id", call.ID,
			"dialed", call.Dialed(),
			"status", act.Status,
		)
		h.respondCall(call, act.Status, act.Reason)
		h.finish(call, causeForStatus(act.Status))
	default:
		h.logger.Error("unhandled dialplan action", "call_id", call.ID)
		h.respondCall(call, 500, "Server Internal Error")
		h.finish(call, "config_error")
	}
}

// requirePermission refuses the call with 403 when the caller lacks
// the capability. Returns true when the call may proceed.
func (h *Handler) requirePermission(call *Call, caller *store.Extension, perm store.Permission) bool {
	if caller.Permissions.Has(perm) {
		return true
	}
	h.logger.Info("permission denied",
		"call_id", call.ID,
		"from", caller.Number,
		"permission", string(perm),
	)
	h.respondCall(call, 403, "Forbidden")
	h.finish(call, "forbidden")
	return false
}

// ringExtensions places outbound legs toward every registered device
// of the given extensions; serial hunts try one extension at a time.
func (h *Handler) ringExtensions(ctx context.Context, call *Call, extensions []string, timeout time.Duration, serial bool) {
	if timeout <= 0 {
		timeout = h.ringTimeout
	}

	var targets []RingTarget
	for _, ext := range extensions {
		for _, b := range h.registrar.Lookup(ext) {
			targets = append(targets, RingTarget{AOR: ext, Binding: b})
		}
	}

	if len(targets) == 0 {
		if mb := h.mailboxFor(ctx, extensions); mb != "" {
			h.logger.Info("no registered devices, diverting to voicemail",
				"call_id", call.ID,
				"dialed", call.Dialed(),
				"mailbox", mb,
			)
			h.voicemailDeposit(ctx, call, mb)
			return
		}
		h.logger.Info("no registered devices",
			"call_id", call.ID,
			"dialed", call.Dialed(),
		)
		h.respondCall(call, 480, "Temporarily Unavailable")
		h.finish(call, "no_registrations")
		return
	}

	offer, err := call.Bridge().OfferForCallee()
	if err != nil {
		h.logger.Error("rewriting offer failed", "call_id", call.ID, "error", err)
		h.respondCall(call, 500, "Server Internal Error")
		h.finish(call, "media_error")
		return
	}

	onRinging := func(status int, reason string) {
		if call.MarkRinging() != nil {
			return // already ringing or past it
		}
		h.respondCall(call, 180, "Ringing")
		h.publish(events.CallRinging, call, map[string]string{
			"leg_status": strconv.Itoa(status),
			"leg_reason": reason,
		})
	}

	var outcome *RingOutcome
	if serial {
		outcome = h.ringer.Hunt(ctx, call, targets, timeout, offer, onRinging)
	} else {
		ringCtx, cancel := context.WithTimeout(ctx, timeout)
		outcome = h.ringer.Ring(ringCtx, call, targets, offer, onRinging)
		cancel()
	}

	if call.Terminating() {
		// CANCEL won the race; the 487 already went out.
		h.finish(call, "caller_cancel")
		return
	}

	switch {
	case outcome.Answered:
		h.completeAnswer(call, outcome)
	case outcome.Err != nil:
		h.logger.Error("ringing failed", "call_id", call.ID, "error", outcome.Err)
		h.respondCall(call, 500, "Server Internal Error")
		h.finish(call, "ring_error")
	case outcome.AllBusy:
		h.logger.Info("all devices busy", "call_id", call.ID, "dialed", call.Dialed())
		h.respondCall(call, 486, "Busy Here")
		h.finish(call, "busy")
	case outcome.TimedOut:
		if mb := h.mailboxFor(ctx, extensions); mb != "" {
			h.logger.Info("no answer, diverting to voicemail",
				"call_id", call.ID,
				"mailbox", mb,
			)
			h.voicemailDeposit(ctx, call, mb)
			return
		}
		h.logger.Info("ring timeout", "call_id", call.ID, "dialed", call.Dialed())
		h.respondCall(call, 480, "Temporarily Unavailable")
		h.finish(call, "ring_timeout")
	default:
		h.logger.Info("all legs failed", "call_id", call.ID, "dialed", call.Dialed())
		h.respondCall(call, 480, "Temporarily Unavailable")
		h.finish(call, "no_answer")
	}
}

// completeAnswer bridges the answered leg to the caller: phase 2 of
// the media setup, the 200 toward the caller and the bookkeeping that
// makes the call findable under both dialogs.
func (h *Handler) completeAnswer(call *Call, outcome *RingOutcome) {
	bridge := call.Bridge()
	answerSDP, err := bridge.CompleteWithCallee(outcome.Response.Body())
	if err != nil {
		h.logger.Error("completing media bridge failed", "call_id", call.ID, "error", err)
		h.byeLeg(outcome.Leg, 47)
		h.respondCall(call, 500, "Server Internal Error")
		h.finish(call, "media_error")
		return
	}

	legB := outcome.Leg
	call.SetLegB(legB)
	h.calls.Alias(legB.CallID(), call)
	call.SetCodec(bridge.Codec())

	tx := call.InviteTransaction()
	if tx == nil {
		h.byeLeg(legB, 16)
		h.finish(call, "caller_cancel")
		return
	}
	res := h.newResponse(call, 200, "OK", answerSDP)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("relaying 200 to caller failed", "call_id", call.ID, "error", err)
		h.byeLeg(legB, 16)
		h.finish(call, "caller_gone")
		return
	}
	_ = call.MarkAnswered()
	call.CloseInviteTransaction()

	h.logger.Info("call answered",
		"call_id", call.ID,
		"dialed", call.Dialed(),
		"codec", bridge.Codec(),
	)
	h.publish(events.CallAnswered, call, map[string]string{
		"dialed": call.Dialed(),
		"codec":  bridge.Codec(),
	})

	h.startRecording(call)
	call.DTMF().Bind(call.Media().Relay(), h.inbandDTMF)
	go h.confirmCaller(tx, call, res)
	go h.watchMedia(call)
}

// confirmCaller retransmits our 2xx until the caller's ACK lands
// (RFC 3261 §13.3.1.4) and marks the dialog confirmed. ACKs that ride
// a fresh transaction land in HandleAck instead; both paths confirm.
func (h *Handler) confirmCaller(tx sip.ServerTransaction, call *Call, res *sip.Response) {
	interval := 500 * time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()
	deadline := time.NewTimer(32 * time.Second)
	defer deadline.Stop()

	for {
		select {
		case ack := <-tx.Acks():
			if ack != nil {
				h.absorbLateAnswer(call, ack.Body())
			}
			call.LegA().Confirm()
			_ = call.MarkActive()
			return
		case <-timer.C:
			if err := tx.Respond(res); err != nil {
				return
			}
			if interval < 4*time.Second {
				interval *= 2
			}
			timer.Reset(interval)
		case <-deadline.C:
			if call.LegA().State() == LegConfirmed || call.Terminating() {
				return
			}
			h.logger.Warn("no ack for 200, hanging up", "call_id", call.ID)
			h.hangupBothLegs(call, "no_ack")
			return
		case <-tx.Done():
			// Stacks that terminate the INVITE transaction on 2xx
			// deliver the ACK as a separate request; HandleAck takes
			// over from here.
			return
		case <-call.Done():
			return
		}
	}
}

// HandleAck confirms a dialog when the ACK arrives outside the INVITE
// transaction. ACKs have no response.
func (h *Handler) HandleAck(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	call := h.calls.Lookup(callID)
	if call == nil {
		h.logger.Debug("ack for unknown call", "sip_call_id", callID, "source", req.Source())
		return
	}
	if leg := call.LegFor(callID); leg != nil {
		if leg == call.LegA() {
			h.absorbLateAnswer(call, req.Body())
		}
		leg.Confirm()
	}
	if call.MarkActive() == nil {
		h.logger.Debug("caller confirmed", "call_id", call.ID)
	}
}

// absorbLateAnswer completes late-offer negotiation with the SDP the
// caller's ACK carried. An ACK without a usable answer on a call that
// owes one is fatal: there is no endpoint to send audio to.
func (h *Handler) absorbLateAnswer(call *Call, body []byte) {
	bridge := call.Bridge()
	if bridge == nil || !bridge.AwaitingAnswer() {
		return
	}
	if len(body) == 0 {
		h.logger.Warn("ack missing sdp answer", "call_id", call.ID)
		h.hangupBothLegs(call, "media_error")
		return
	}
	if err := bridge.AbsorbCallerAnswer(body); err != nil {
		h.logger.Warn("ack answer unusable", "call_id", call.ID, "error", err)
		h.hangupBothLegs(call, "media_error")
	}
}

// watchMedia tears the call down when the relay declares its sockets
// dead. Unwinds quietly once the call finalizes.
func (h *Handler) watchMedia(call *Call) {
	m := call.Media()
	if m == nil {
		return
	}
	select {
	case <-m.Relay().Failed():
		if call.Terminating() {
			return
		}
		h.logger.Warn("media failure, hanging up", "call_id", call.ID)
		h.hangupBothLegs(call, "media_timeout")
	case <-call.Done():
	}
}

// startRecording attaches a mixed-audio recorder when the server is
// configured to keep call audio.
func (h *Handler) startRecording(call *Call) {
	if !h.recordCalls {
		return
	}
	path := media.RecordingPath(h.dataDir, call.ID, time.Now())
	if err := call.Media().Relay().RecordTo(path); err != nil {
		h.logger.Error("starting call recording failed",
			"call_id", call.ID,
			"path", path,
			"error", err,
		)
		return
	}
	call.SetRecordingPath(path)
}

// handleReinvite renegotiates media on an established dialog: endpoint
// relearn, hold and resume.
func (h *Handler) handleReinvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	call := h.calls.Lookup(callID)
	if call == nil {
		h.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	leg := call.LegFor(callID)
	if leg == nil {
		h.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	if !leg.BumpRemoteCSeq(req) {
		// Stale or out-of-order in-dialog request (RFC 3261 §12.2.2).
		h.respondError(req, tx, 500, "Server Internal Error")
		return
	}
	leg.RefreshTarget(req)

	bridge := call.Bridge()
	if len(req.Body()) == 0 || bridge == nil {
		h.respondError(req, tx, 488, "Not Acceptable Here")
		return
	}

	fromCaller := leg == call.LegA()
	answer, hold, err := bridge.Renegotiate(req.Body(), fromCaller)
	if err != nil {
		if errors.Is(err, sdp.ErrUnsupportedMedia) {
			h.respondError(req, tx, 488, "Not Acceptable Here")
		} else {
			h.logger.Error("reinvite renegotiation failed", "call_id", call.ID, "error", err)
			h.respondError(req, tx, 500, "Server Internal Error")
		}
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	res.AppendHeader(&sip.ContactHeader{Address: *h.contact.Clone()})
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		h.logger.Error("responding to reinvite failed", "call_id", call.ID, "error", err)
		return
	}

	if fromCaller && call.SetHold(hold) != hold {
		if hold {
			h.publish(events.CallHeld, call, nil)
		} else {
			h.publish(events.CallResumed, call, nil)
		}
	}
	h.logger.Info("reinvite renegotiated",
		"call_id", call.ID,
		"from_caller", fromCaller,
		"hold", hold,
	)
}

// byeLeg ends an outbound dialog we no longer want, carrying the Q.850
// cause in a Reason header.
func (h *Handler) byeLeg(leg *Leg, q850 int) {
	if leg == nil {
		return
	}
	h.ringer.SendBye(context.Background(), leg, q850)
}

// hangupBothLegs BYEs every established dialog of the call and
// finalizes it. Used for failures the PBX notices first. The caller's
// dialog counts as established once our 200 went out, even before its
// ACK lands (RFC 3261 §13.3.1.4 teardown is a BYE).
func (h *Handler) hangupBothLegs(call *Call, cause string) {
	_ = call.MarkTerminating(eventTimeout, cause)
	call.AbortRouting()
	q := q850For(cause)
	if leg := call.LegA(); leg != nil && call.Answered() && leg.State() != LegTerminated {
		h.byeLeg(leg, q)
	}
	if leg := call.LegB(); leg != nil && leg.State() == LegConfirmed {
		h.byeLeg(leg, q)
	}
	h.finish(call, cause)
}

// finish releases everything a call holds and emits its CDR. Only the
// first caller acts; later paths into teardown are no-ops.
func (h *Handler) finish(call *Call, cause string) {
	if !call.Finalize() {
		return
	}

	// Land the state machine in Terminated whatever path got us here.
	if !call.Terminating() {
		if call.MarkTerminating(eventReject, cause) != nil {
			_ = call.MarkTerminating(eventTimeout, cause)
		}
	}
	_ = call.MarkTerminated()

	if room, ok := h.confRooms.LoadAndDelete(call.ID); ok {
		name := room.(string)
		if err := h.conferences.Leave(name, call.ID); err != nil {
			h.logger.Debug("conference leave failed", "call_id", call.ID, "error", err)
		}
		h.publish(events.ConferenceLeft, call, map[string]string{"room": name})
	}

	call.CloseDTMF()

	if m := call.Media(); m != nil {
		if path, _ := m.Relay().StopRecording(); path != "" {
			call.SetRecordingPath(path)
		}
		m.Release()
	}

	h.calls.Remove(call)

	rec := call.Record()
	if h.cdr != nil {
		h.cdr.Append(rec)
	}

	h.publish(events.CallEnded, call, map[string]string{
		"cause":       call.HangupCause(),
		"disposition": string(rec.Disposition),
		"duration":    strconv.Itoa(rec.DurationSec),
	})

	h.logger.Info("call finished",
		"call_id", call.ID,
		"cause", call.HangupCause(),
		"disposition", string(rec.Disposition),
		"duration_s", rec.DurationSec,
	)
}

// newResponse builds a response on the caller's INVITE carrying our
// dialog tag, and a Contact on responses that establish dialog state.
func (h *Handler) newResponse(call *Call, status int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(call.InviteRequest(), status, reason, body)
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			if leg := call.LegA(); leg != nil {
				to.Params.Add("tag", leg.LocalTag())
			}
		}
	}
	if status >= 180 && status < 300 {
		res.AppendHeader(&sip.ContactHeader{Address: *h.contact.Clone()})
	}
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return res
}

// respondCall answers the caller's INVITE while its transaction is
// still open. Final responses drop the stored transaction.
func (h *Handler) respondCall(call *Call, status int, reason string) {
	tx := call.InviteTransaction()
	if tx == nil {
		return
	}
	if err := tx.Respond(h.newResponse(call, status, reason, nil)); err != nil {
		h.logger.Error("responding to invite failed",
			"call_id", call.ID,
			"status", status,
			"error", err,
		)
	}
	if status >= 200 {
		call.CloseInviteTransaction()
	}
}

// respondError answers a request that never became a call.
func (h *Handler) respondError(req *sip.Request, tx sip.ServerTransaction, status int, reason string) {
	res := sip.NewResponseFromRequest(req, status, reason, nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("responding to request failed",
			"method", string(req.Method),
			"status", status,
			"error", err,
		)
	}
}

// publish emits a lifecycle event for the call.
func (h *Handler) publish(t events.Type, call *Call, fields map[string]string) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(events.Event{
		Type:   t,
		At:     time.Now(),
		CallID: call.ID,
		AOR:    call.FromAOR(),
		Fields: fields,
	})
}

// mailboxFor resolves the voicemail divert target when exactly one
// extension was rung and it has a mailbox. Group and hunt calls never
// divert: no single mailbox owns them.
func (h *Handler) mailboxFor(ctx context.Context, extensions []string) string {
	if len(extensions) != 1 || h.extensions == nil || h.flows == nil {
		return ""
	}
	ext, err := h.extensions.Get(ctx, extensions[0])
	if err != nil {
		return ""
	}
	return ext.MailboxID
}

func requestCallID(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

// causeForStatus maps a refusal status onto a hangup cause string.
func causeForStatus(status int) string {
	switch status {
	case 486, 600:
		return "busy"
	case 480:
		return "no_answer"
	case 403:
		return "forbidden"
	case 404:
		return "not_found"
	default:
		return "rejected"
	}
}

// q850For maps hangup causes to Q.850 cause codes for Reason headers.
func q850For(cause string) int {
	switch cause {
	case "busy":
		return 17
	case "no_answer", "ring_timeout":
		return 19
	case "media_timeout":
		return 41 // temporary failure: the transport went quiet
	case "media_error":
		return 38
	case "no_ack":
		return 102
	default:
		return 16 // normal clearing
	}
}
