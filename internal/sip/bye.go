package sip

import (
	"github.com/emiago/sipgo/sip"
)

// HandleBye tears down a call when either party hangs up. The B2BUA
// answers the BYE on the dialog it arrived on and sends its own BYE on
// the other one.
func (h *Handler) HandleBye(req *sip.Request, tx sip.ServerTransaction) {
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

	fromCaller := leg == call.LegA()
	h.logger.Info("bye received", "call_id", call.ID, "from_caller", fromCaller)

	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		h.logger.Error("responding to bye failed", "call_id", call.ID, "error", err)
	}
	leg.Terminate()

	// An early BYE from the caller (instead of a CANCEL) still has to
	// stop routing; the cancel transition covers the pre-answer states.
	first := call.MarkTerminating(eventBye, "normal_clearing") == nil
	if !first {
		first = call.MarkTerminating(eventCancel, "caller_hangup") == nil
	}
	call.AbortRouting()

	// Ringing legs die with the aborted routing context; only an
	// established dialog on the far side gets a BYE.
	if first {
		if peer := call.PeerOf(leg); peer != nil && peer.State() == LegConfirmed {
			h.byeLeg(peer, 16)
		}
	}

	h.finish(call, "normal_clearing")
}
