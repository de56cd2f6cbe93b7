package sip

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/ironpbx/ironpbx/internal/store"
)

func testRegister(aor, contactHost string, contactPort int, source string, expires int) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Host: testRealm, Port: 5060})
	req.AppendHeader(sip.NewHeader("Call-ID", "reg-"+aor+"@"+contactHost))
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{User: aor, Host: testRealm},
		Params:  sip.HeaderParams{"tag": "reg-tag-" + aor},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: aor, Host: testRealm},
		Params:  sip.HeaderParams{},
	})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: aor, Host: contactHost, Port: contactPort},
	})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	req.SetTransport("UDP")
	req.SetSource(source)
	return req
}

func newTestRegistrar(exts ...store.Extension) *Registrar {
	auth := NewAuthenticator(testRealm, &fakeExtensions{exts: exts}, discardLogger())
	return NewRegistrar(auth, nil, discardLogger())
}

// handleAuthed drives the 401 round trip a phone performs: send, take the
// challenge, resend with credentials. Returns the final response.
func handleAuthed(t *testing.T, reg *Registrar, build func() *sip.Request, username, password string) *sip.Response {
	t.Helper()

	tx := &recordTx{}
	reg.HandleRegister(build(), tx)
	res := tx.last()
	if res == nil {
		t.Fatal("no response to unauthenticated register")
	}
	if res.StatusCode != 401 {
		return res
	}

	cred := answerChallenge(t, res, 0, username, password, 1)
	req := build()
	req.AppendHeader(sip.NewHeader("Authorization", cred.String()))
	tx2 := &recordTx{}
	reg.HandleRegister(req, tx2)
	if tx2.last() == nil {
		t.Fatal("no response to authenticated register")
	}
	return tx2.last()
}

func registerExtension(t *testing.T, reg *Registrar, aor, password, contactHost string, contactPort int, source string, expires int) *sip.Response {
	t.Helper()
	return handleAuthed(t, reg, func() *sip.Request {
		return testRegister(aor, contactHost, contactPort, source, expires)
	}, aor, password)
}

func TestRegisterCreatesNATBinding(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"))

	res := registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "203.0.113.5:51234", 600)
	if res.StatusCode != 200 {
		t.Fatalf("register status = %d, want 200", res.StatusCode)
	}
	if exp := res.GetHeader("Expires"); exp == nil || exp.Value() != "600" {
		t.Errorf("response Expires = %v, want 600", exp)
	}
	if res.Contact() == nil {
		t.Error("200 response missing Contact echo")
	}

	bs := reg.Lookup("1001")
	if len(bs) != 1 {
		t.Fatalf("Lookup returned %d bindings, want 1", len(bs))
	}
	b := bs[0]
	if b.Target != "203.0.113.5:51234" {
		t.Errorf("target = %q, want the observed source", b.Target)
	}
	if !b.NAT {
		t.Error("binding not flagged NAT although contact and source differ")
	}
	if b.Transport != "UDP" {
		t.Errorf("transport = %q, want UDP", b.Transport)
	}
	if got := reg.Count(); got != 1 {
		t.Errorf("Count() = %d, want 1", got)
	}
}

func TestRegisterDirectBindingKeepsContactTarget(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"))

	registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)

	bs := reg.Lookup("1001")
	if len(bs) != 1 {
		t.Fatalf("Lookup returned %d bindings, want 1", len(bs))
	}
	if bs[0].NAT {
		t.Error("binding flagged NAT although contact matches source")
	}
	if bs[0].Target != "192.168.1.10:5062" {
		t.Errorf("target = %q, want the advertised contact", bs[0].Target)
	}
}

func TestRegisterClampsExpiry(t *testing.T) {
	cases := []struct {
		requested int
		want      string
	}{
		{5, "60"},
		{604800, "86400"},
	}
	for _, tc := range cases {
		reg := newTestRegistrar(testExtension("1001", "pw-1001"))
		res := registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "192.168.1.10:5062", tc.requested)
		exp := res.GetHeader("Expires")
		if exp == nil || exp.Value() != tc.want {
			t.Errorf("requested expiry %d: response Expires = %v, want %s", tc.requested, exp, tc.want)
		}
	}
}

func TestRegisterDefaultExpiry(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"))

	build := func() *sip.Request {
		req := testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
		req.RemoveHeader("Expires")
		return req
	}
	res := handleAuthed(t, reg, build, "1001", "pw-1001")
	if res.StatusCode != 200 {
		t.Fatalf("register status = %d, want 200", res.StatusCode)
	}
	if exp := res.GetHeader("Expires"); exp == nil || exp.Value() != "3600" {
		t.Errorf("response Expires = %v, want the 3600 default", exp)
	}
}

func TestRegisterContactParamExpiryWins(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"))

	build := func() *sip.Request {
		req := sip.NewRequest(sip.REGISTER, sip.Uri{Host: testRealm, Port: 5060})
		req.AppendHeader(sip.NewHeader("Call-ID", "reg-param@host"))
		req.AppendHeader(&sip.FromHeader{
			Address: sip.Uri{User: "1001", Host: testRealm},
			Params:  sip.HeaderParams{"tag": "reg-tag-param"},
		})
		req.AppendHeader(&sip.ToHeader{
			Address: sip.Uri{User: "1001", Host: testRealm},
			Params:  sip.HeaderParams{},
		})
		req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.REGISTER})
		req.AppendHeader(&sip.ContactHeader{
			Address: sip.Uri{User: "1001", Host: "192.168.1.10", Port: 5062},
			Params:  sip.HeaderParams{"expires": "120"},
		})
		req.AppendHeader(sip.NewHeader("Expires", "600"))
		req.SetTransport("UDP")
		req.SetSource("192.168.1.10:5062")
		return req
	}
	res := handleAuthed(t, reg, build, "1001", "pw-1001")
	if exp := res.GetHeader("Expires"); exp == nil || exp.Value() != "120" {
		t.Errorf("response Expires = %v, want the contact parameter value 120", exp)
	}
}

func TestRegisterRefreshKeepsSingleBinding(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"))

	registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "192.168.1.10:5062", 1200)

	bs := reg.Lookup("1001")
	if len(bs) != 1 {
		t.Fatalf("refresh left %d bindings, want 1", len(bs))
	}
	if !bs[0].ExpiresAt.After(time.Now().Add(700 * time.Second)) {
		t.Errorf("refresh did not extend lifetime, expires at %v", bs[0].ExpiresAt)
	}
}

func TestUnregisterRemovesBinding(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"))

	registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	if reg.Count() != 1 {
		t.Fatal("register did not create a binding")
	}

	res := registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "192.168.1.10:5062", 0)
	if res.StatusCode != 200 {
		t.Fatalf("unregister status = %d, want 200", res.StatusCode)
	}
	if got := reg.Count(); got != 0 {
		t.Errorf("Count() after unregister = %d, want 0", got)
	}
}

func TestUnregisterWildcardDropsAllBindings(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"))

	registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5064, "192.168.1.10:5064", 600)
	if reg.Count() != 2 {
		t.Fatalf("Count() = %d, want 2 bindings before wildcard", reg.Count())
	}

	build := func() *sip.Request {
		req := sip.NewRequest(sip.REGISTER, sip.Uri{Host: testRealm, Port: 5060})
		req.AppendHeader(sip.NewHeader("Call-ID", "reg-wild@host"))
		req.AppendHeader(&sip.FromHeader{
			Address: sip.Uri{User: "1001", Host: testRealm},
			Params:  sip.HeaderParams{"tag": "reg-tag-wild"},
		})
		req.AppendHeader(&sip.ToHeader{
			Address: sip.Uri{User: "1001", Host: testRealm},
			Params:  sip.HeaderParams{},
		})
		req.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.REGISTER})
		req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Wildcard: true}})
		req.AppendHeader(sip.NewHeader("Expires", "0"))
		req.SetTransport("UDP")
		req.SetSource("192.168.1.10:5062")
		return req
	}
	res := handleAuthed(t, reg, build, "1001", "pw-1001")
	if res.StatusCode != 200 {
		t.Fatalf("wildcard unregister status = %d, want 200", res.StatusCode)
	}
	if got := reg.Count(); got != 0 {
		t.Errorf("Count() after wildcard = %d, want 0", got)
	}
}

func TestRegisterQueryListsBindings(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"))

	registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)

	build := func() *sip.Request {
		req := sip.NewRequest(sip.REGISTER, sip.Uri{Host: testRealm, Port: 5060})
		req.AppendHeader(sip.NewHeader("Call-ID", "reg-query@host"))
		req.AppendHeader(&sip.FromHeader{
			Address: sip.Uri{User: "1001", Host: testRealm},
			Params:  sip.HeaderParams{"tag": "reg-tag-query"},
		})
		req.AppendHeader(&sip.ToHeader{
			Address: sip.Uri{User: "1001", Host: testRealm},
			Params:  sip.HeaderParams{},
		})
		req.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.REGISTER})
		req.SetTransport("UDP")
		req.SetSource("192.168.1.10:5062")
		return req
	}
	res := handleAuthed(t, reg, build, "1001", "pw-1001")
	if res.StatusCode != 200 {
		t.Fatalf("query status = %d, want 200", res.StatusCode)
	}
	cts := res.GetHeaders("Contact")
	if len(cts) != 1 {
		t.Fatalf("query returned %d contacts, want 1", len(cts))
	}
	if !strings.Contains(cts[0].Value(), "expires=") {
		t.Errorf("contact %q missing expires parameter", cts[0].Value())
	}
	if got := reg.Count(); got != 1 {
		t.Errorf("query changed binding count to %d", got)
	}
}

func TestRegisterThirdPartyForbidden(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"))

	// Valid credentials for 1001 trying to bind 1002's AOR.
	build := func() *sip.Request {
		return testRegister("1002", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	}
	res := handleAuthed(t, reg, build, "1001", "pw-1001")
	if res.StatusCode != 403 {
		t.Fatalf("third-party register status = %d, want 403", res.StatusCode)
	}
	if got := reg.Count(); got != 0 {
		t.Errorf("third-party register created %d bindings", got)
	}
}

func TestSweepExpiresBindings(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"))

	registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)

	reg.mu.Lock()
	for _, bs := range reg.bindings {
		for _, b := range bs {
			b.ExpiresAt = time.Now().Add(-time.Second)
		}
	}
	reg.mu.Unlock()

	if n := reg.Sweep(); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if got := reg.Count(); got != 0 {
		t.Errorf("Count() after sweep = %d, want 0", got)
	}
	if bs := reg.Lookup("1001"); len(bs) != 0 {
		t.Errorf("Lookup after sweep returned %d bindings", len(bs))
	}
}

func TestTouchRefreshesBindingsAtSource(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"))

	registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "203.0.113.5:51234", 600)

	reg.mu.Lock()
	reg.bindings["1001"][0].LastSeen = time.Now().Add(-time.Minute)
	reg.mu.Unlock()

	reg.Touch("203.0.113.5:51234")

	reg.mu.RLock()
	seen := reg.bindings["1001"][0].LastSeen
	reg.mu.RUnlock()
	if time.Since(seen) > time.Second {
		t.Errorf("Touch did not refresh LastSeen, still %v", seen)
	}

	// Unknown sources touch nothing.
	reg.Touch("198.51.100.9:5060")
}

func TestKeepalivesPingQuietNATBindings(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"), testExtension("1002", "pw-1002"))

	// 1001 is behind NAT, 1002 registers from its advertised address.
	registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "203.0.113.5:51234", 600)
	registerExtension(t, reg, "1002", "pw-1002", "192.168.1.20", 5062, "192.168.1.20:5062", 600)

	var pinged []string
	reg.SetKeepaliveSender(func(b Binding) { pinged = append(pinged, b.AOR) })

	reg.sendKeepalives()
	if len(pinged) != 0 {
		t.Fatalf("fresh bindings pinged: %v", pinged)
	}

	reg.mu.Lock()
	for _, bs := range reg.bindings {
		for _, b := range bs {
			b.LastSeen = time.Now().Add(-keepaliveInterval - time.Second)
		}
	}
	reg.mu.Unlock()

	reg.sendKeepalives()
	if len(pinged) != 1 || pinged[0] != "1001" {
		t.Fatalf("pinged = %v, want only the NAT binding", pinged)
	}

	// The ping it just got holds the next one off for a full interval.
	reg.sendKeepalives()
	if len(pinged) != 1 {
		t.Errorf("keepalive repeated before its interval lapsed: %v", pinged)
	}
}

func TestFlushDropsAllBindings(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"), testExtension("1002", "pw-1002"))

	registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	registerExtension(t, reg, "1002", "pw-1002", "192.168.1.20", 5062, "192.168.1.20:5062", 600)
	if reg.Count() != 2 {
		t.Fatalf("Count() = %d, want 2 before flush", reg.Count())
	}

	reg.Flush()
	if got := reg.Count(); got != 0 {
		t.Errorf("Count() after flush = %d, want 0", got)
	}
}

func TestDropBindingByContact(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"))

	registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5064, "192.168.1.10:5064", 600)

	bs := reg.Lookup("1001")
	if len(bs) != 2 {
		t.Fatalf("Lookup returned %d bindings, want 2", len(bs))
	}

	if n := reg.DropBinding("1001", bs[0].ContactURI); n != 1 {
		t.Fatalf("DropBinding by contact = %d, want 1", n)
	}
	rest := reg.Lookup("1001")
	if len(rest) != 1 || rest[0].ContactURI == bs[0].ContactURI {
		t.Fatalf("wrong binding dropped, left %v", rest)
	}

	if n := reg.DropBinding("1001", ""); n != 1 {
		t.Errorf("DropBinding all = %d, want 1", n)
	}
	if got := reg.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestListBindingsSortedByAOR(t *testing.T) {
	reg := newTestRegistrar(testExtension("1001", "pw-1001"), testExtension("1002", "pw-1002"))

	registerExtension(t, reg, "1002", "pw-1002", "192.168.1.20", 5062, "192.168.1.20:5062", 600)
	registerExtension(t, reg, "1001", "pw-1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)

	all := reg.ListBindings()
	if len(all) != 2 {
		t.Fatalf("ListBindings returned %d, want 2", len(all))
	}
	if all[0].AOR != "1001" || all[1].AOR != "1002" {
		t.Errorf("bindings out of order: %q then %q", all[0].AOR, all[1].AOR)
	}
}
