package sip

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/ironpbx/ironpbx/internal/events"
	"github.com/ironpbx/ironpbx/internal/store"
)

// HandleRefer performs a blind transfer: the transferor points us at a
// new extension, we ring it, splice whoever answers into the place of
// the transferor's peer and report progress back through sipfrag
// NOTIFYs (RFC 3515) on the transferor's dialog. The transferor stays
// in the call, now talking to the target; the displaced peer is BYEd.
func (h *Handler) HandleRefer(req *sip.Request, tx sip.ServerTransaction) {
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
		h.respondError(req, tx, 500, "Server Internal Error")
		return
	}
	if !call.Answered() {
		h.respondError(req, tx, 603, "Decline")
		return
	}

	referTo := req.GetHeader("Refer-To")
	if referTo == nil {
		h.respondError(req, tx, 400, "Missing Refer-To")
		return
	}
	target, err := parseReferTarget(referTo.Value())
	if err != nil {
		h.logger.Info("refer with unusable target", "call_id", call.ID, "error", err)
		h.respondError(req, tx, 400, "Bad Refer-To")
		return
	}

	var transferor string
	if from := req.From(); from != nil {
		transferor = from.Address.User
	}
	ext, err := h.extensions.Get(context.Background(), transferor)
	if err != nil || !ext.Permissions.Has(store.PermTransfer) {
		h.logger.Info("transfer permission denied",
			"call_id", call.ID,
			"transferor", transferor,
		)
		h.respondError(req, tx, 403, "Forbidden")
		return
	}

	var targets []RingTarget
	for _, b := range h.registrar.Lookup(target) {
		targets = append(targets, RingTarget{AOR: target, Binding: b})
	}
	if len(targets) == 0 {
		h.respondError(req, tx, 404, "Not Found")
		return
	}

	offer, err := call.Bridge().ReferOffer()
	if err != nil {
		h.logger.Error("building transfer offer failed", "call_id", call.ID, "error", err)
		h.respondError(req, tx, 500, "Server Internal Error")
		return
	}

	var referCSeq uint32
	if cseq := req.CSeq(); cseq != nil {
		referCSeq = cseq.SeqNo
	}

	if err := tx.Respond(sip.NewResponseFromRequest(req, 202, "Accepted", nil)); err != nil {
		h.logger.Error("accepting refer failed", "call_id", call.ID, "error", err)
		return
	}
	h.logger.Info("blind transfer started",
		"call_id", call.ID,
		"transferor", transferor,
		"target", target,
	)
	h.notifyReferProgress(leg, referCSeq, 100, "Trying", false)

	// The transfer rings on its own clock; the routing context of the
	// original INVITE is long gone.
	ringCtx, cancel := context.WithTimeout(context.Background(), h.ringTimeout)
	go func() {
		select {
		case <-call.Done():
			cancel()
		case <-ringCtx.Done():
		}
	}()
	outcome := h.ringer.Ring(ringCtx, call, targets, offer, nil)
	cancel()

	if call.Terminating() {
		h.notifyReferProgress(leg, referCSeq, 487, "Request Terminated", true)
		return
	}

	switch {
	case outcome.Answered:
		h.completeBlindTransfer(call, leg, outcome, target, referCSeq)
	case outcome.AllBusy:
		h.notifyReferProgress(leg, referCSeq, 486, "Busy Here", true)
	case outcome.TimedOut:
		h.notifyReferProgress(leg, referCSeq, 408, "Request Timeout", true)
	default:
		h.notifyReferProgress(leg, referCSeq, 480, "Temporarily Unavailable", true)
	}
}

// completeBlindTransfer splices the answered leg into the place of the
// transferor's peer: media first, then bookkeeping, then the BYE that
// releases the displaced peer. The transferor keeps its dialog and its
// side of the relay untouched.
func (h *Handler) completeBlindTransfer(call *Call, transferorLeg *Leg, outcome *RingOutcome, target string, referCSeq uint32) {
	peer, peerSide := transferRoles(call, transferorLeg)
	if peer == nil {
		h.byeLeg(outcome.Leg, 47)
		h.notifyReferProgress(transferorLeg, referCSeq, 500, "Server Internal Error", true)
		return
	}
	if err := call.Bridge().CompleteTransfer(outcome.Response.Body(), peerSide); err != nil {
		h.logger.Error("transfer media splice failed", "call_id", call.ID, "error", err)
		h.byeLeg(outcome.Leg, 47)
		h.notifyReferProgress(transferorLeg, referCSeq, 500, "Server Internal Error", true)
		return
	}

	if peerSide {
		call.SetLegA(outcome.Leg)
	} else {
		call.SetLegB(outcome.Leg)
	}
	h.calls.Alias(outcome.Leg.CallID(), call)
	h.calls.DropAlias(peer.CallID())
	_ = call.SetHold(false)

	h.notifyReferProgress(transferorLeg, referCSeq, 200, "OK", true)
	h.byeLeg(peer, 16)

	h.logger.Info("blind transfer completed", "call_id", call.ID, "target", target)
	h.publish(events.TransferCompleted, call, map[string]string{
		"target": target,
		"mode":   "blind",
	})
}

// transferRoles resolves which leg a completed blind transfer displaces:
// the transferor keeps talking, its peer is replaced by the target.
// peerSide reports whether that peer occupies the caller (A) slot of the
// call and its relay, which is where the target's media must land.
func transferRoles(call *Call, transferorLeg *Leg) (peer *Leg, peerSide bool) {
	peer = call.PeerOf(transferorLeg)
	return peer, peer != nil && peer == call.LegA()
}

// notifyReferProgress sends one sipfrag NOTIFY on the transferor's
// dialog (RFC 3515 §2.4.5). Delivery is best effort: a transferor that
// already hung up just stops hearing progress.
func (h *Handler) notifyReferProgress(leg *Leg, referCSeq uint32, status int, reason string, final bool) {
	notify := buildReferNotify(leg, referCSeq, status, reason, final)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.ringer.SendRequest(ctx, notify); err != nil {
		h.logger.Debug("refer notify undeliverable",
			"sip_call_id", leg.CallID(),
			"status", status,
			"error", err,
		)
	}
}

// buildReferNotify constructs the in-dialog NOTIFY carrying one line of
// transfer progress as a message/sipfrag body.
func buildReferNotify(leg *Leg, referCSeq uint32, status int, reason string, final bool) *sip.Request {
	notify := leg.NewRequest(sip.NOTIFY)
	notify.AppendHeader(sip.NewHeader("Event", fmt.Sprintf("refer;id=%d", referCSeq)))
	if final {
		notify.AppendHeader(sip.NewHeader("Subscription-State", "terminated;reason=noresource"))
	} else {
		notify.AppendHeader(sip.NewHeader("Subscription-State", "active;expires=60"))
	}
	notify.AppendHeader(sip.NewHeader("Content-Type", "message/sipfrag;version=2.0"))
	notify.SetBody([]byte(fmt.Sprintf("SIP/2.0 %d %s\r\n", status, reason)))
	return notify
}

// parseReferTarget extracts the user part of a Refer-To header value,
// accepting both "<sip:100@host>" and bare "sip:100@host" forms.
func parseReferTarget(value string) (string, error) {
	v := strings.TrimSpace(value)
	if i := strings.IndexByte(v, '<'); i >= 0 {
		j := strings.IndexByte(v[i:], '>')
		if j < 0 {
			return "", fmt.Errorf("unterminated bracket in refer-to %q", value)
		}
		v = v[i+1 : i+j]
	}
	var uri sip.Uri
	if err := sip.ParseUri(v, &uri); err != nil {
		return "", fmt.Errorf("parsing refer-to uri %q: %w", v, err)
	}
	if uri.User == "" {
		return "", fmt.Errorf("refer-to %q has no user part", value)
	}
	return uri.User, nil
}
