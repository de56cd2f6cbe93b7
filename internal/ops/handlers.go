package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ironpbx/ironpbx/internal/sip"
)

// handleHealth answers liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the shape returned by GET /v1/status.
type statusResponse struct {
	ActiveCalls   int    `json:"active_calls"`
	Registrations int    `json:"registrations"`
	RTPSessions   int    `json:"rtp_sessions"`
	SIPPort       int    `json:"sip_port"`
	MediaIP       string `json:"media_ip"`
	UptimeSec     int64  `json:"uptime_sec"`
}

// handleStatus returns a point-in-time engine summary.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		ActiveCalls:   s.calls.Active(),
		Registrations: s.registrar.Count(),
		RTPSessions:   s.media.Count(),
		SIPPort:       s.cfg.SIPPort,
		MediaIP:       s.cfg.MediaIP(),
		UptimeSec:     int64(time.Since(s.startTime).Seconds()),
	})
}

// handleListBindings returns every live registration.
func (s *Server) handleListBindings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registrar.ListBindings())
}

// handleDropBinding removes bindings for an AOR. With a ?contact= query
// parameter only that binding goes; without it the whole AOR is cleared.
// The device stays functional and simply re-registers on its next cycle.
func (s *Server) handleDropBinding(w http.ResponseWriter, r *http.Request) {
	aor := chi.URLParam(r, "aor")
	if aor == "" {
		writeError(w, http.StatusBadRequest, "missing aor")
		return
	}
	contact := r.URL.Query().Get("contact")

	dropped := s.registrar.DropBinding(aor, contact)
	if dropped == 0 {
		writeError(w, http.StatusNotFound, "no matching bindings")
		return
	}
	s.logger.Info("bindings dropped via api", "aor", aor, "count", dropped)
	writeJSON(w, http.StatusOK, map[string]int{"dropped": dropped})
}

// handleListCalls returns a snapshot of every active call.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.calls.Snapshot())
}

// qosDirection is one direction of a call's media quality report.
type qosDirection struct {
	MOS      float64 `json:"mos"`
	JitterMs float64 `json:"jitter_ms"`
	LossPct  float64 `json:"loss_pct"`
	RTTMs    float64 `json:"rtt_ms"`
}

// qosResponse is the shape returned by GET /v1/calls/{id}/qos.
type qosResponse struct {
	CallID string       `json:"call_id"`
	AToB   qosDirection `json:"a_to_b"`
	BToA   qosDirection `json:"b_to_a"`
}

// handleCallQoS reports media quality for one active call, keyed by the
// engine call ID (the one /v1/calls lists).
func (s *Server) handleCallQoS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session := s.media.Get(id)
	if session == nil {
		writeError(w, http.StatusNotFound, "no active call with that id")
		return
	}

	aToB, bToA := session.Relay().QoS()
	writeJSON(w, http.StatusOK, qosResponse{
		CallID: id,
		AToB: qosDirection{
			MOS:      aToB.MOS,
			JitterMs: aToB.JitterMs,
			LossPct:  aToB.LossPct,
			RTTMs:    float64(aToB.RTT) / float64(time.Millisecond),
		},
		BToA: qosDirection{
			MOS:      bToA.MOS,
			JitterMs: bToA.JitterMs,
			LossPct:  bToA.LossPct,
			RTTMs:    float64(bToA.RTT) / float64(time.Millisecond),
		},
	})
}

// originateRequest is the body for POST /v1/originate.
type originateRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// handleOriginate places a call between two extensions: the from side
// rings first, then the destination.
func (s *Server) handleOriginate(w http.ResponseWriter, r *http.Request) {
	var req originateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.From == "" || req.To == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	callID, err := s.engine.Originate(r.Context(), req.From, req.To, nil)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"call_id": callID})
}

// handleListBlocked returns sources currently held by the auth guard.
func (s *Server) handleListBlocked(w http.ResponseWriter, r *http.Request) {
	entries := s.guard.Blocked()
	if entries == nil {
		entries = []sip.BlockedEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleUnblock lifts an auth-guard block early, for example after a
// misconfigured device was fixed.
func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if ip == "" {
		writeError(w, http.StatusBadRequest, "missing ip")
		return
	}
	if !s.guard.Unblock(ip) {
		writeError(w, http.StatusNotFound, "ip not blocked")
		return
	}
	s.logger.Info("source unblocked via api", "ip", ip)
	writeJSON(w, http.StatusOK, map[string]string{"unblocked": ip})
}
