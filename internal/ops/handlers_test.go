package ops

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ironpbx/ironpbx/internal/config"
	"github.com/ironpbx/ironpbx/internal/media"
	sipserver "github.com/ironpbx/ironpbx/internal/sip"
	"github.com/ironpbx/ironpbx/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type emptyExtensions struct{}

func (emptyExtensions) Get(context.Context, string) (*store.Extension, error) {
	return nil, store.ErrNotFound
}

func (emptyExtensions) List(context.Context) ([]store.Extension, error) { return nil, nil }

type fixture struct {
	srv      *Server
	guard    *sipserver.BruteForceGuard
	calls    *sipserver.CallTable
	registry *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()

	cfg := &config.Config{
		SIPPort:    5060,
		ExternalIP: "198.51.100.10",
	}
	auth := sipserver.NewAuthenticator("pbx.example.com", emptyExtensions{}, logger)
	registrar := sipserver.NewRegistrar(auth, nil, logger)
	calls := sipserver.NewCallTable(logger)

	mgr, err := media.NewManager(net.IPv4(127, 0, 0, 1), 42400, 42407, logger)
	if err != nil {
		t.Fatalf("media manager: %v", err)
	}
	t.Cleanup(mgr.ReleaseAll)

	registry := prometheus.NewRegistry()
	srv := NewServer(cfg, nil, registrar, calls, mgr, auth.Guard(), registry, logger)
	return &fixture{srv: srv, guard: auth.Guard(), calls: calls, registry: registry}
}

// do runs one request through the router and decodes the envelope.
func (f *fixture) do(t *testing.T, method, path, body string) (int, json.RawMessage, string) {
	t.Helper()

	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("%s %s: Content-Type = %q", method, path, ct)
	}
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: response not an envelope: %v", method, path, err)
	}
	return rec.Code, env.Data, env.Error
}

func opsInvite(callID, fromUser, toUser string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: toUser, Host: "pbx.example.com", Port: 5060})
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: fromUser, Host: "pbx.example.com"},
		Params:  sip.HeaderParams{"tag": "tag-" + fromUser},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: toUser, Host: "pbx.example.com"},
		Params:  sip.HeaderParams{},
	})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: fromUser, Host: "192.168.1.10", Port: 5062},
	})
	req.SetTransport("UDP")
	req.SetSource("192.168.1.10:5062")
	return req
}

func insertCall(t *testing.T, f *fixture, id, sipCallID, from, to string) {
	t.Helper()
	invite := opsInvite(sipCallID, from, to)
	leg := sipserver.NewUASLeg(invite, "tag-local", sip.Uri{User: "ironpbx", Host: "127.0.0.1", Port: 5060})
	c := sipserver.NewCall(id, invite, nil, leg, testLogger())
	if err := f.calls.Insert(sipCallID, c); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	code, data, errMsg := f.do(t, http.MethodGet, "/healthz", "")
	if code != http.StatusOK || errMsg != "" {
		t.Fatalf("healthz = %d %q", code, errMsg)
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestStatusReportsEngineCounts(t *testing.T) {
	f := newFixture(t)
	insertCall(t, f, "call-1", "cid-ops-1@host", "1001", "1002")

	code, data, _ := f.do(t, http.MethodGet, "/v1/status", "")
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	var st struct {
		ActiveCalls   int    `json:"active_calls"`
		Registrations int    `json:"registrations"`
		RTPSessions   int    `json:"rtp_sessions"`
		SIPPort       int    `json:"sip_port"`
		MediaIP       string `json:"media_ip"`
		UptimeSec     int64  `json:"uptime_sec"`
	}
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatal(err)
	}
	if st.ActiveCalls != 1 {
		t.Errorf("active_calls = %d, want 1", st.ActiveCalls)
	}
	if st.Registrations != 0 || st.RTPSessions != 0 {
		t.Errorf("registrations/rtp_sessions = %d/%d, want 0/0", st.Registrations, st.RTPSessions)
	}
	if st.SIPPort != 5060 {
		t.Errorf("sip_port = %d", st.SIPPort)
	}
	if st.MediaIP != "198.51.100.10" {
		t.Errorf("media_ip = %q", st.MediaIP)
	}
}

func TestListCalls(t *testing.T) {
	f := newFixture(t)
	insertCall(t, f, "call-7", "cid-ops-7@host", "1001", "1002")

	code, data, _ := f.do(t, http.MethodGet, "/v1/calls", "")
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	var calls []struct {
		ID     string `json:"id"`
		State  string `json:"state"`
		From   string `json:"from"`
		Dialed string `json:"dialed"`
	}
	if err := json.Unmarshal(data, &calls); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls listed = %d, want 1", len(calls))
	}
	if calls[0].ID != "call-7" || calls[0].From != "1001" || calls[0].Dialed != "1002" {
		t.Errorf("call = %+v", calls[0])
	}
	if calls[0].State != "init" {
		t.Errorf("state = %q, want init", calls[0].State)
	}
}

func TestCallQoSUnknownCall(t *testing.T) {
	f := newFixture(t)

	code, _, errMsg := f.do(t, http.MethodGet, "/v1/calls/nope/qos", "")
	if code != http.StatusNotFound {
		t.Fatalf("status code = %d, want 404", code)
	}
	if errMsg == "" {
		t.Error("error message missing")
	}
}

func TestListBindingsEmpty(t *testing.T) {
	f := newFixture(t)

	code, data, _ := f.do(t, http.MethodGet, "/v1/bindings", "")
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	var bindings []sipserver.Binding
	if err := json.Unmarshal(data, &bindings); err != nil {
		t.Fatal(err)
	}
	if len(bindings) != 0 {
		t.Errorf("bindings = %d, want 0", len(bindings))
	}
}

func TestDropBindingNotFound(t *testing.T) {
	f := newFixture(t)

	code, _, errMsg := f.do(t, http.MethodDelete, "/v1/bindings/1001", "")
	if code != http.StatusNotFound || errMsg == "" {
		t.Errorf("drop on empty registrar = %d %q, want 404 with message", code, errMsg)
	}
}

func TestOriginateValidation(t *testing.T) {
	f := newFixture(t)

	code, _, errMsg := f.do(t, http.MethodPost, "/v1/originate", "{not json")
	if code != http.StatusBadRequest || errMsg == "" {
		t.Errorf("bad json = %d %q, want 400 with message", code, errMsg)
	}

	code, _, errMsg = f.do(t, http.MethodPost, "/v1/originate", `{"from":"1001"}`)
	if code != http.StatusBadRequest || errMsg == "" {
		t.Errorf("missing to = %d %q, want 400 with message", code, errMsg)
	}
}

func TestBlockedLifecycle(t *testing.T) {
	f := newFixture(t)

	code, data, _ := f.do(t, http.MethodGet, "/v1/blocked", "")
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	var blocked []sipserver.BlockedEntry
	if err := json.Unmarshal(data, &blocked); err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 0 {
		t.Fatalf("blocked = %d entries before any failures", len(blocked))
	}

	source := "203.0.113.9:5060"
	for i := 0; i < 100 && !f.guard.IsBlocked(source); i++ {
		f.guard.RecordFailure(source)
	}
	if !f.guard.IsBlocked(source) {
		t.Fatal("guard never blocked the failing source")
	}

	code, data, _ = f.do(t, http.MethodGet, "/v1/blocked", "")
	if code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if err := json.Unmarshal(data, &blocked); err != nil {
		t.Fatal(err)
	}
	if len(blocked) != 1 || blocked[0].IP != "203.0.113.9" {
		t.Fatalf("blocked = %+v, want one entry for 203.0.113.9", blocked)
	}

	code, _, _ = f.do(t, http.MethodDelete, "/v1/blocked/203.0.113.9", "")
	if code != http.StatusOK {
		t.Fatalf("unblock = %d, want 200", code)
	}
	if f.guard.IsBlocked(source) {
		t.Error("source still blocked after unblock")
	}

	code, _, errMsg := f.do(t, http.MethodDelete, "/v1/blocked/203.0.113.9", "")
	if code != http.StatusNotFound || errMsg == "" {
		t.Errorf("second unblock = %d %q, want 404 with message", code, errMsg)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	probe := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ironpbx_probe_total",
		Help: "Test counter.",
	})
	f.registry.MustRegister(probe)
	probe.Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ironpbx_probe_total 1") {
		t.Errorf("metrics body missing probe counter:\n%s", rec.Body.String())
	}
}
