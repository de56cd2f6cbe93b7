package sip

import (
	"github.com/emiago/sipgo/sip"
)

// HandleInfo processes SIP INFO requests: DTMF digits from endpoints
// that signal with INFO instead of RFC 2833 telephone-event. Anything
// that is not DTMF gets a 200 and is otherwise ignored.
func (h *Handler) HandleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := requestCallID(req)
	call := h.calls.Lookup(callID)
	if call == nil {
		h.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	ct := req.ContentType()
	if ct == nil {
		h.logger.Debug("sip info without content-type, ignoring",
			"call_id", call.ID,
			"source", req.Source(),
		)
	} else if err := call.DTMF().PushInfo(ct.Value(), req.Body()); err != nil {
		h.logger.Debug("sip info with unsupported content type",
			"content_type", ct.Value(),
			"call_id", call.ID,
			"source", req.Source(),
			"error", err,
		)
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to respond to info", "call_id", call.ID, "error", err)
	}
}
