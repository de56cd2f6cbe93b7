package sip

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ironpbx/ironpbx/internal/events"
	"github.com/ironpbx/ironpbx/internal/store"
)

// Originate places a call between two extensions on behalf of the
// operations API: ring the initiator's devices first, then ring the
// destination once the initiator picks up, as if they had dialed it
// themselves. Validation is synchronous; the ringing runs in the
// background once the call ID is returned. onAnswer, when non-nil, fires
// after both parties are bridged.
func (h *Handler) Originate(ctx context.Context, fromAOR, toAOR string, onAnswer func(callID string)) (string, error) {
	if fromAOR == "" || toAOR == "" {
		return "", fmt.Errorf("originate needs both a source and a destination extension")
	}
	if fromAOR == toAOR {
		return "", fmt.Errorf("cannot originate from %s to itself", fromAOR)
	}
	if h.maxCalls > 0 && h.calls.Active() >= h.maxCalls {
		return "", fmt.Errorf("concurrent call ceiling reached")
	}

	initiator, err := h.extensions.Get(ctx, fromAOR)
	if err != nil {
		return "", fmt.Errorf("source extension %s: %w", fromAOR, err)
	}
	if !initiator.Permissions.Has(store.PermInternal) {
		return "", fmt.Errorf("extension %s may not place internal calls", fromAOR)
	}
	if _, err := h.extensions.Get(ctx, toAOR); err != nil {
		return "", fmt.Errorf("destination extension %s: %w", toAOR, err)
	}
	if len(h.registrar.Lookup(fromAOR)) == 0 {
		return "", fmt.Errorf("no registered devices for %s", fromAOR)
	}

	callID := uuid.NewString()
	call := NewOriginatedCall(callID, fromAOR, toAOR, h.logger)
	go h.runOriginate(call, onAnswer)

	h.logger.Info("originate accepted",
		"call_id", callID,
		"from", fromAOR,
		"to", toAOR,
	)
	return callID, nil
}

// runOriginate drives both outbound legs. The initiator's answer fixes
// the codec, and only then does the destination ring with that codec
// pinned, so the relay never has to transcode between the two.
func (h *Handler) runOriginate(call *Call, onAnswer func(string)) {
	bridge, offerA, err := OriginateBridge(h.mediaMgr, call.ID, h.codecPrefs, h.logger)
	if err != nil {
		h.logger.Error("originate media allocation failed", "call_id", call.ID, "error", err)
		h.finish(call, "media_error")
		return
	}
	call.SetMedia(bridge.Session())
	call.SetBridge(bridge)

	_ = call.MarkCalling()
	h.publish(events.CallStarted, call, map[string]string{
		"from":   call.FromAOR(),
		"dialed": call.Dialed(),
		"origin": "api",
	})

	routeCtx, cancelRouting := context.WithCancel(context.Background())
	defer cancelRouting()
	call.SetCancelRouting(cancelRouting)

	// Leg A: the initiator. Their devices hear ringing from the PBX and
	// whoever picks up owns the call.
	var targets []RingTarget
	for _, b := range h.registrar.Lookup(call.FromAOR()) {
		targets = append(targets, RingTarget{AOR: call.FromAOR(), Binding: b})
	}
	onRinging := func(int, string) { _ = call.MarkRinging() }

	ringCtx, cancel := context.WithTimeout(routeCtx, h.ringTimeout)
	outcome := h.ringer.Ring(ringCtx, call, targets, offerA, onRinging)
	cancel()

	if !outcome.Answered {
		h.logger.Info("originate initiator did not answer",
			"call_id", call.ID,
			"from", call.FromAOR(),
		)
		h.finish(call, ringFailureCause(outcome))
		return
	}

	legA := outcome.Leg
	call.SetLegA(legA)
	if err := h.calls.Insert(legA.CallID(), call); err != nil {
		h.logger.Warn("duplicate call-id on originate", "sip_call_id", legA.CallID())
		h.byeLeg(legA, 41)
		h.finish(call, "internal_error")
		return
	}
	if err := bridge.AbsorbInitiator(outcome.Response.Body()); err != nil {
		h.logger.Error("originate initiator media unusable", "call_id", call.ID, "error", err)
		h.byeLeg(legA, 47)
		h.finish(call, "media_error")
		return
	}
	_ = call.MarkAnswered()
	_ = call.MarkActive()
	call.SetCodec(bridge.Codec())

	// Leg B: the destination, offered only the codec the initiator
	// already speaks.
	offerB, err := bridge.ReferOffer()
	if err != nil {
		h.logger.Error("building destination offer failed", "call_id", call.ID, "error", err)
		h.hangupBothLegs(call, "media_error")
		return
	}
	targets = targets[:0]
	for _, b := range h.registrar.Lookup(call.Dialed()) {
		targets = append(targets, RingTarget{AOR: call.Dialed(), Binding: b})
	}
	if len(targets) == 0 {
		h.logger.Info("originate destination has no registered devices",
			"call_id", call.ID,
			"to", call.Dialed(),
		)
		h.hangupBothLegs(call, "no_registrations")
		return
	}

	ringCtx, cancel = context.WithTimeout(routeCtx, h.ringTimeout)
	outcome = h.ringer.Ring(ringCtx, call, targets, offerB, nil)
	cancel()

	if call.Terminating() {
		// The initiator hung up while the destination was ringing.
		h.finish(call, "caller_hangup")
		return
	}
	if !outcome.Answered {
		h.logger.Info("originate destination did not answer",
			"call_id", call.ID,
			"to", call.Dialed(),
		)
		h.hangupBothLegs(call, ringFailureCause(outcome))
		return
	}

	legB := outcome.Leg
	if err := bridge.CompleteTransfer(outcome.Response.Body(), false); err != nil {
		h.logger.Error("originate destination media unusable", "call_id", call.ID, "error", err)
		h.byeLeg(legB, 47)
		h.hangupBothLegs(call, "media_error")
		return
	}
	call.SetLegB(legB)
	h.calls.Alias(legB.CallID(), call)

	h.logger.Info("originated call bridged",
		"call_id", call.ID,
		"from", call.FromAOR(),
		"to", call.Dialed(),
		"codec", bridge.Codec(),
	)
	h.publish(events.CallAnswered, call, map[string]string{
		"dialed": call.Dialed(),
		"codec":  bridge.Codec(),
		"origin": "api",
	})

	h.startRecording(call)
	call.DTMF().Bind(call.Media().Relay(), h.inbandDTMF)
	go h.watchMedia(call)

	if onAnswer != nil {
		onAnswer(call.ID)
	}
}

// ringFailureCause maps an unanswered ring outcome to a hangup cause.
func ringFailureCause(outcome *RingOutcome) string {
	switch {
	case outcome.Err != nil:
		return "ring_error"
	case outcome.AllBusy:
		return "busy"
	case outcome.TimedOut:
		return "no_answer"
	default:
		return "no_answer"
	}
}
