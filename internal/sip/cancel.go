package sip

import (
	"github.com/emiago/sipgo/sip"
)

// HandleCancel catches CANCELs the transaction layer could not match to
// a pending INVITE transaction: late arrivals and retransmissions after
// the final response. Matched CANCELs surface on the INVITE
// transaction's channel instead and never reach this handler.
func (h *Handler) HandleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	call := h.calls.Lookup(callID)
	if call == nil {
		h.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	h.logger.Info("unmatched cancel", "call_id", call.ID)
	if err := tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)); err != nil {
		h.logger.Debug("responding to cancel failed", "call_id", call.ID, "error", err)
	}

	// CANCEL only cancels a pending INVITE; an answered call keeps
	// going until someone sends BYE.
	if !call.Answered() {
		_ = call.MarkTerminating(eventCancel, "caller_cancel")
		call.AbortRouting()
	}
}
