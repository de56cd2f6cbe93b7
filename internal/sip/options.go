package sip

import (
	"github.com/emiago/sipgo/sip"
)

// HandleOptions answers keepalive pings from phones. The ping also
// refreshes the liveness of any binding registered from that source, so
// NAT mappings kept open by OPTIONS don't expire their registration.
func (h *Handler) HandleOptions(req *sip.Request, tx sip.ServerTransaction) {
	source := req.Source()
	var fromUser string
	if from := req.From(); from != nil {
		fromUser = from.Address.User
	}
	h.logger.Debug("sip options received",
		"from", fromUser,
		"source", source,
	)

	h.registrar.Touch(source)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, INFO, REFER, NOTIFY"))

	if err := tx.Respond(res); err != nil {
		h.logger.Error("failed to respond to options", "error", err)
	}
}
