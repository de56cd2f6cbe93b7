package sip

import (
	"context"
	"errors"
	"strconv"

	"github.com/ironpbx/ironpbx/internal/events"
	"github.com/ironpbx/ironpbx/internal/ivr"
	"github.com/ironpbx/ironpbx/internal/store"
)

// maxAttendantHops caps menu-to-menu chaining so a misconfigured
// attendant cannot trap a caller forever.
const maxAttendantHops = 5

var errCallerGone = errors.New("caller's invite transaction is gone")

// answerLocally terminates the call at the PBX itself: negotiate media
// from our own codec preferences, send the 200 and hand back the
// control surface flows drive. Prompts ride the relay's injector toward
// the caller; there is no B side until a transfer attaches one.
func (h *Handler) answerLocally(call *Call) (*callControl, error) {
	tx := call.InviteTransaction()
	if tx == nil {
		return nil, errCallerGone
	}

	bridge := call.Bridge()
	answerSDP, err := bridge.AnswerLocally()
	if err != nil {
		return nil, err
	}

	res := h.newResponse(call, 200, "OK", answerSDP)
	if err := tx.Respond(res); err != nil {
		return nil, err
	}
	_ = call.MarkAnswered()
	call.SetCodec(bridge.Codec())
	call.CloseInviteTransaction()

	h.publish(events.CallAnswered, call, map[string]string{
		"dialed": call.Dialed(),
		"codec":  bridge.Codec(),
		"local":  "true",
	})

	call.DTMF().Bind(call.Media().Relay(), h.inbandDTMF)
	go h.confirmCaller(tx, call, res)
	go h.watchMedia(call)

	return newCallControl(call, h.logger)
}

// failLocalAnswer unwinds a call the PBX could not answer.
func (h *Handler) failLocalAnswer(call *Call, err error) {
	if call.Terminating() || errors.Is(err, errCallerGone) {
		h.finish(call, "caller_cancel")
		return
	}
	h.logger.Error("local answer failed", "call_id", call.ID, "error", err)
	h.respondCall(call, 500, "Server Internal Error")
	h.finish(call, "media_error")
}

// voicemailDeposit answers the call and records a message for mailbox.
// Direct *-dials, ring diverts and attendant handoffs all land here.
func (h *Handler) voicemailDeposit(ctx context.Context, call *Call, mailbox string) {
	if h.flows == nil || h.mailboxes == nil {
		h.respondCall(call, 404, "Not Found")
		h.finish(call, "no_voicemail")
		return
	}
	if err := h.mailboxes.EnsureMailbox(mailbox); err != nil {
		h.logger.Error("mailbox unavailable",
			"call_id", call.ID,
			"mailbox", mailbox,
			"error", err,
		)
		h.respondCall(call, 500, "Server Internal Error")
		h.finish(call, "config_error")
		return
	}

	cc, err := h.answerLocally(call)
	if err != nil {
		h.failLocalAnswer(call, err)
		return
	}
	h.depositWithControl(ctx, call, cc, mailbox)
}

// depositWithControl runs the deposit flow on an already-answered call
// and ends it. The deposited event fires only when the flow actually
// left a new message; abandoned recordings stay silent.
func (h *Handler) depositWithControl(ctx context.Context, call *Call, cc *callControl, mailbox string) {
	if h.flows == nil || h.mailboxes == nil {
		h.hangupLocal(call, "no_voicemail")
		return
	}
	if err := h.mailboxes.EnsureMailbox(mailbox); err != nil {
		h.logger.Error("mailbox unavailable",
			"call_id", call.ID,
			"mailbox", mailbox,
			"error", err,
		)
		h.hangupLocal(call, "config_error")
		return
	}

	before, _ := h.mailboxes.CountsFor(mailbox)

	graph := h.flows.DepositGraph(mailbox, call.FromAOR(), call.CallerName())
	res, err := h.runner.Run(ctx, cc, graph)
	if err != nil {
		h.logger.Error("deposit flow failed",
			"call_id", call.ID,
			"mailbox", mailbox,
			"error", err,
		)
		h.hangupLocal(call, "flow_error")
		return
	}

	if after, cErr := h.mailboxes.CountsFor(mailbox); cErr == nil && after.New > before.New {
		h.publish(events.VoicemailDeposited, call, map[string]string{
			"mailbox": mailbox,
			"new":     strconv.Itoa(after.New),
		})
	}
	h.hangupLocal(call, causeFrom(res))
}

// voicemailRetrieval runs the mailbox owner's menu: PIN gate when the
// extension has one, then playback and management.
func (h *Handler) voicemailRetrieval(ctx context.Context, call *Call, caller *store.Extension) {
	if !h.requirePermission(call, caller, store.PermVoicemail) {
		return
	}
	if h.flows == nil || caller.MailboxID == "" {
		h.logger.Info("no mailbox for caller", "call_id", call.ID, "from", caller.Number)
		h.respondCall(call, 404, "Not Found")
		h.finish(call, "no_mailbox")
		return
	}

	cc, err := h.answerLocally(call)
	if err != nil {
		h.failLocalAnswer(call, err)
		return
	}

	graph := h.flows.RetrievalGraph(caller.MailboxID, caller.PINHash != "")
	res, err := h.runner.Run(ctx, cc, graph)
	if err != nil {
		h.logger.Error("retrieval flow failed",
			"call_id", call.ID,
			"mailbox", caller.MailboxID,
			"error", err,
		)
		h.hangupLocal(call, "flow_error")
		return
	}
	h.hangupLocal(call, causeFrom(res))
}

// voicemailRetrievalFor runs the retrieval menu for a mailbox the
// caller dialed explicitly. The owner's PIN always gates access; a
// mailbox whose owner never set one cannot be picked up by others.
func (h *Handler) voicemailRetrievalFor(ctx context.Context, call *Call, caller *store.Extension, mailbox string) {
	if !h.requirePermission(call, caller, store.PermVoicemail) {
		return
	}
	owner := h.mailboxOwner(ctx, mailbox)
	if h.flows == nil || owner == nil {
		h.logger.Info("dialed mailbox does not exist", "call_id", call.ID, "mailbox", mailbox)
		h.respondCall(call, 404, "Not Found")
		h.finish(call, "no_mailbox")
		return
	}
	if owner.PINHash == "" && owner.Number != caller.Number {
		h.logger.Info("mailbox has no pin, refusing retrieval",
			"call_id", call.ID,
			"mailbox", mailbox,
			"from", caller.Number,
		)
		h.respondCall(call, 403, "Forbidden")
		h.finish(call, "forbidden")
		return
	}

	cc, err := h.answerLocally(call)
	if err != nil {
		h.failLocalAnswer(call, err)
		return
	}

	graph := h.flows.RetrievalGraph(mailbox, owner.PINHash != "")
	res, err := h.runner.Run(ctx, cc, graph)
	if err != nil {
		h.logger.Error("retrieval flow failed",
			"call_id", call.ID,
			"mailbox", mailbox,
			"error", err,
		)
		h.hangupLocal(call, "flow_error")
		return
	}
	h.hangupLocal(call, causeFrom(res))
}

// mailboxOwner finds the extension owning a mailbox ID.
func (h *Handler) mailboxOwner(ctx context.Context, mailbox string) *store.Extension {
	if h.extensions == nil || mailbox == "" {
		return nil
	}
	exts, err := h.extensions.List(ctx)
	if err != nil {
		h.logger.Warn("listing extensions failed", "error", err)
		return nil
	}
	for i := range exts {
		if exts[i].MailboxID == mailbox {
			return &exts[i]
		}
	}
	return nil
}

// attendant answers the caller and walks auto-attendant menus, chaining
// into submenus until a menu routes the call or the hop cap trips.
func (h *Handler) attendant(ctx context.Context, call *Call, name string) {
	if _, ok := h.dialplan.Attendant(name); !ok {
		h.logger.Error("attendant not configured", "call_id", call.ID, "attendant", name)
		h.respondCall(call, 500, "Server Internal Error")
		h.finish(call, "config_error")
		return
	}

	cc, err := h.answerLocally(call)
	if err != nil {
		h.failLocalAnswer(call, err)
		return
	}

	current := name
	for hops := 0; hops < maxAttendantHops; hops++ {
		spec, ok := h.dialplan.Attendant(current)
		if !ok {
			h.logger.Error("attendant chain names unknown menu",
				"call_id", call.ID,
				"attendant", current,
			)
			h.hangupLocal(call, "config_error")
			return
		}
		graph, err := ivr.AttendantGraph(current, spec)
		if err != nil {
			h.logger.Error("attendant menu invalid",
				"call_id", call.ID,
				"attendant", current,
				"error", err,
			)
			h.hangupLocal(call, "config_error")
			return
		}

		res, err := h.runner.Run(ctx, cc, graph)
		if err != nil {
			h.logger.Error("attendant flow failed",
				"call_id", call.ID,
				"attendant", current,
				"error", err,
			)
			h.hangupLocal(call, "flow_error")
			return
		}

		switch {
		case res.NextAttendant != "":
			current = res.NextAttendant
		case res.TransferTo != "":
			h.attendantTransfer(ctx, call, cc, res.TransferTo)
			return
		case res.DepositTo != "":
			h.depositWithControl(ctx, call, cc, res.DepositTo)
			return
		default:
			h.hangupLocal(call, causeFrom(res))
			return
		}
	}

	h.logger.Warn("attendant chain too deep", "call_id", call.ID, "attendant", name)
	h.hangupLocal(call, "attendant_loop")
}

// attendantTransfer rings the extension a menu chose and re-points the
// running media session at whoever answers. The outbound offer is our
// own earlier answer, so the target can only accept the codec the
// caller is already sending.
func (h *Handler) attendantTransfer(ctx context.Context, call *Call, cc *callControl, extension string) {
	call.SetDialed(extension)

	var targets []RingTarget
	for _, b := range h.registrar.Lookup(extension) {
		targets = append(targets, RingTarget{AOR: extension, Binding: b})
	}
	if len(targets) == 0 {
		h.logger.Info("transfer target has no devices",
			"call_id", call.ID,
			"target", extension,
		)
		h.transferFallback(ctx, call, cc, extension, "no_registrations")
		return
	}

	offer := call.Bridge().TransferOffer()
	if offer == nil {
		h.hangupLocal(call, "media_error")
		return
	}

	ringCtx, cancel := context.WithTimeout(ctx, h.ringTimeout)
	outcome := h.ringer.Ring(ringCtx, call, targets, offer, nil)
	cancel()

	if call.Terminating() {
		h.finish(call, "caller_hangup")
		return
	}

	switch {
	case outcome.Answered:
		if _, err := call.Bridge().CompleteWithCallee(outcome.Response.Body()); err != nil {
			h.logger.Error("transfer media failed", "call_id", call.ID, "error", err)
			h.byeLeg(outcome.Leg, 47)
			h.hangupLocal(call, "media_error")
			return
		}
		call.SetLegB(outcome.Leg)
		h.calls.Alias(outcome.Leg.CallID(), call)
		h.startRecording(call)
		h.logger.Info("attendant transfer completed",
			"call_id", call.ID,
			"target", extension,
		)
		h.publish(events.TransferCompleted, call, map[string]string{
			"target": extension,
			"mode":   "attendant",
		})
	case outcome.AllBusy:
		h.transferFallback(ctx, call, cc, extension, "busy")
	default:
		h.transferFallback(ctx, call, cc, extension, "no_answer")
	}
}

// transferFallback deposits the caller into the target's mailbox when
// one exists, else hangs up with the failure cause.
func (h *Handler) transferFallback(ctx context.Context, call *Call, cc *callControl, extension, cause string) {
	if mb := h.mailboxFor(ctx, []string{extension}); mb != "" {
		h.logger.Info("transfer diverting to voicemail",
			"call_id", call.ID,
			"target", extension,
			"mailbox", mb,
		)
		h.depositWithControl(ctx, call, cc, mb)
		return
	}
	h.hangupLocal(call, cause)
}

// conference joins the caller to a mixed room and parks the handler
// goroutine for the life of the call. Membership is released during
// teardown, so the room empties whichever side hangs up first.
func (h *Handler) conference(ctx context.Context, call *Call, room string) {
	// The room outlives any one member; its mixer must not run on a
	// per-call context.
	_, err := h.conferences.Join(context.Background(), room, 0, true, call.ID, call.Media().Relay())
	if err != nil {
		h.logger.Warn("conference join refused",
			"call_id", call.ID,
			"room", room,
			"error", err,
		)
		h.respondCall(call, 486, "Busy Here")
		h.finish(call, "conference_full")
		return
	}
	h.confRooms.Store(call.ID, room)

	if _, err := h.answerLocally(call); err != nil {
		h.failLocalAnswer(call, err)
		return
	}

	h.publish(events.ConferenceJoined, call, map[string]string{"room": room})
	h.logger.Info("joined conference", "call_id", call.ID, "room", room)

	select {
	case <-ctx.Done():
	case <-call.Done():
	}
}

// hangupLocal ends a call the PBX answered itself: BYE toward the
// caller when our 200 went out, then release everything.
func (h *Handler) hangupLocal(call *Call, cause string) {
	if call.Terminating() {
		// Someone else started teardown (caller BYE, media failure);
		// just make sure the call finalizes.
		h.finish(call, cause)
		return
	}
	_ = call.MarkTerminating(eventBye, cause)
	if leg := call.LegA(); leg != nil && call.Answered() && leg.State() != LegTerminated {
		h.byeLeg(leg, q850For(cause))
	}
	h.finish(call, cause)
}

// causeFrom maps a finished flow's result onto a hangup cause.
func causeFrom(res *ivr.Result) string {
	if res == nil || res.HangupCause == "" {
		return "normal_clearing"
	}
	return res.HangupCause
}
