package sip

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/ironpbx/ironpbx/internal/store"
)

const testRealm = "pbx.example.com"

type fakeExtensions struct {
	exts []store.Extension
}

func (f *fakeExtensions) Get(_ context.Context, number string) (*store.Extension, error) {
	for i := range f.exts {
		if f.exts[i].Number == number {
			return &f.exts[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeExtensions) List(_ context.Context) ([]store.Extension, error) {
	return f.exts, nil
}

func testExtension(number, password string) store.Extension {
	return store.Extension{
		Number:      number,
		DisplayName: "Ext " + number,
		HA1MD5:      store.DigestHA1MD5(number, testRealm, password),
		HA1SHA256:   store.DigestHA1SHA256(number, testRealm, password),
		MailboxID:   number,
	}
}

// recordTx captures responses instead of putting them on the wire.
type recordTx struct {
	responses []*sip.Response
}

func (t *recordTx) Respond(res *sip.Response) error {
	t.responses = append(t.responses, res)
	return nil
}

func (t *recordTx) Acks() <-chan *sip.Request            { return nil }
func (t *recordTx) OnCancel(f sip.FnTxCancel) bool       { return false }
func (t *recordTx) OnTerminate(f sip.FnTxTerminate) bool { return false }
func (t *recordTx) Terminate()                           {}
func (t *recordTx) Done() <-chan struct{}                { return nil }
func (t *recordTx) Err() error                           { return nil }

func (t *recordTx) last() *sip.Response {
	if len(t.responses) == 0 {
		return nil
	}
	return t.responses[len(t.responses)-1]
}

// answerChallenge computes Authorization credentials for the nth challenge
// offered in res, the way a registering phone would.
func answerChallenge(t *testing.T, res *sip.Response, pick int, username, password string, count int) *digest.Credentials {
	t.Helper()

	hdrs := res.GetHeaders("WWW-Authenticate")
	if len(hdrs) <= pick {
		t.Fatalf("response carries %d challenges, want index %d", len(hdrs), pick)
	}
	chal, err := digest.ParseChallenge(hdrs[pick].Value())
	if err != nil {
		t.Fatalf("parsing challenge: %v", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   "REGISTER",
		URI:      "sip:" + testRealm,
		Count:    count,
		Username: username,
		Password: password,
	})
	if err != nil {
		t.Fatalf("computing digest response: %v", err)
	}
	return cred
}

func TestChallengeOffersBothAlgorithms(t *testing.T) {
	auth := NewAuthenticator(testRealm, &fakeExtensions{}, discardLogger())
	tx := &recordTx{}

	auth.Challenge(testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600), tx)

	res := tx.last()
	if res == nil {
		t.Fatal("no response sent")
	}
	if res.StatusCode != 401 {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}

	hdrs := res.GetHeaders("WWW-Authenticate")
	if len(hdrs) != 2 {
		t.Fatalf("WWW-Authenticate headers = %d, want 2", len(hdrs))
	}
	wantAlgo := []string{"SHA-256", "MD5"}
	nonces := map[string]bool{}
	for i, h := range hdrs {
		chal, err := digest.ParseChallenge(h.Value())
		if err != nil {
			t.Fatalf("parsing challenge %d: %v", i, err)
		}
		if chal.Algorithm != wantAlgo[i] {
			t.Errorf("challenge %d algorithm = %q, want %q", i, chal.Algorithm, wantAlgo[i])
		}
		if chal.Realm != testRealm {
			t.Errorf("challenge %d realm = %q, want %q", i, chal.Realm, testRealm)
		}
		if len(chal.QOP) != 1 || chal.QOP[0] != "auth" {
			t.Errorf("challenge %d qop = %v, want [auth]", i, chal.QOP)
		}
		if chal.Nonce == "" || nonces[chal.Nonce] {
			t.Errorf("challenge %d nonce %q empty or reused", i, chal.Nonce)
		}
		nonces[chal.Nonce] = true
	}
}

func TestAuthenticateDigestRoundTrip(t *testing.T) {
	exts := &fakeExtensions{exts: []store.Extension{testExtension("1001", "horse-battery")}}
	auth := NewAuthenticator(testRealm, exts, discardLogger())

	bare := testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	tx := &recordTx{}
	if got := auth.Authenticate(bare, tx); got != nil {
		t.Fatalf("bare request authenticated as %q", got.Number)
	}
	challenge := tx.last()
	if challenge == nil || challenge.StatusCode != 401 {
		t.Fatalf("bare request did not draw a 401 challenge")
	}

	cred := answerChallenge(t, challenge, 0, "1001", "horse-battery", 1)
	if cred.Algorithm != "SHA-256" {
		t.Fatalf("first challenge algorithm = %q, want SHA-256", cred.Algorithm)
	}

	retry := testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	retry.AppendHeader(sip.NewHeader("Authorization", cred.String()))
	tx2 := &recordTx{}
	ext := auth.Authenticate(retry, tx2)
	if ext == nil {
		t.Fatalf("valid SHA-256 credentials refused, response %v", tx2.last())
	}
	if ext.Number != "1001" {
		t.Errorf("authenticated extension = %q, want 1001", ext.Number)
	}
	if len(tx2.responses) != 0 {
		t.Errorf("success sent %d responses, want none", len(tx2.responses))
	}
}

func TestAuthenticateMD5Fallback(t *testing.T) {
	exts := &fakeExtensions{exts: []store.Extension{testExtension("1001", "horse-battery")}}
	auth := NewAuthenticator(testRealm, exts, discardLogger())

	tx := &recordTx{}
	auth.Authenticate(testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600), tx)

	cred := answerChallenge(t, tx.last(), 1, "1001", "horse-battery", 1)
	if cred.Algorithm != "MD5" {
		t.Fatalf("second challenge algorithm = %q, want MD5", cred.Algorithm)
	}

	retry := testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	retry.AppendHeader(sip.NewHeader("Authorization", cred.String()))
	tx2 := &recordTx{}
	ext := auth.Authenticate(retry, tx2)
	if ext == nil {
		t.Fatalf("valid MD5 credentials refused, response %v", tx2.last())
	}
	if ext.Number != "1001" {
		t.Errorf("authenticated extension = %q, want 1001", ext.Number)
	}
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	exts := &fakeExtensions{exts: []store.Extension{testExtension("1001", "horse-battery")}}
	auth := NewAuthenticator(testRealm, exts, discardLogger())

	tx := &recordTx{}
	auth.Authenticate(testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600), tx)

	cred := answerChallenge(t, tx.last(), 0, "1001", "guessed-wrong", 1)
	retry := testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	retry.AppendHeader(sip.NewHeader("Authorization", cred.String()))
	tx2 := &recordTx{}
	if got := auth.Authenticate(retry, tx2); got != nil {
		t.Fatalf("wrong password authenticated as %q", got.Number)
	}
	res := tx2.last()
	if res == nil || res.StatusCode != 401 {
		t.Fatalf("wrong password drew %v, want a fresh 401 challenge", res)
	}
}

func TestAuthenticateConsumesNonce(t *testing.T) {
	exts := &fakeExtensions{exts: []store.Extension{testExtension("1001", "horse-battery")}}
	auth := NewAuthenticator(testRealm, exts, discardLogger())

	tx := &recordTx{}
	auth.Authenticate(testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600), tx)
	cred := answerChallenge(t, tx.last(), 0, "1001", "horse-battery", 1)

	good := testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	good.AppendHeader(sip.NewHeader("Authorization", cred.String()))
	if ext := auth.Authenticate(good, &recordTx{}); ext == nil {
		t.Fatal("first use of credentials refused")
	}

	// The whole Authorization header replayed verbatim must not pass twice.
	replay := testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	replay.AppendHeader(sip.NewHeader("Authorization", cred.String()))
	tx3 := &recordTx{}
	if got := auth.Authenticate(replay, tx3); got != nil {
		t.Fatalf("replayed credentials authenticated as %q", got.Number)
	}
	if res := tx3.last(); res == nil || res.StatusCode != 401 {
		t.Fatalf("replay drew %v, want re-challenge", res)
	}
}

func TestAuthenticateNonceCountHighWaterMark(t *testing.T) {
	exts := &fakeExtensions{exts: []store.Extension{testExtension("1001", "horse-battery")}}
	auth := NewAuthenticator(testRealm, exts, discardLogger())

	tx := &recordTx{}
	auth.Authenticate(testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600), tx)
	challenge := tx.last()

	// A failed attempt burns nc=1 on the nonce even though the digest was
	// wrong.
	bad := testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	bad.AppendHeader(sip.NewHeader("Authorization", answerChallenge(t, challenge, 0, "1001", "guessed-wrong", 1).String()))
	if got := auth.Authenticate(bad, &recordTx{}); got != nil {
		t.Fatalf("wrong password authenticated as %q", got.Number)
	}

	// Correct credentials reusing nc=1 look like a replay.
	stale := testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	stale.AppendHeader(sip.NewHeader("Authorization", answerChallenge(t, challenge, 0, "1001", "horse-battery", 1).String()))
	if got := auth.Authenticate(stale, &recordTx{}); got != nil {
		t.Fatal("nonce count reuse accepted")
	}

	// Advancing the count on the same nonce is fine.
	fresh := testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	fresh.AppendHeader(sip.NewHeader("Authorization", answerChallenge(t, challenge, 0, "1001", "horse-battery", 2).String()))
	if got := auth.Authenticate(fresh, &recordTx{}); got == nil {
		t.Fatal("advanced nonce count refused")
	}
}

func TestAuthenticateUnknownExtension(t *testing.T) {
	exts := &fakeExtensions{exts: []store.Extension{testExtension("1001", "horse-battery")}}
	auth := NewAuthenticator(testRealm, exts, discardLogger())

	tx := &recordTx{}
	auth.Authenticate(testRegister("9999", "192.168.1.10", 5062, "192.168.1.10:5062", 600), tx)

	cred := answerChallenge(t, tx.last(), 0, "9999", "whatever", 1)
	retry := testRegister("9999", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	retry.AppendHeader(sip.NewHeader("Authorization", cred.String()))
	tx2 := &recordTx{}
	if got := auth.Authenticate(retry, tx2); got != nil {
		t.Fatalf("unknown extension authenticated as %q", got.Number)
	}
	if res := tx2.last(); res == nil || res.StatusCode != 403 {
		t.Fatalf("unknown extension drew %v, want 403", res)
	}
}

func TestAuthenticateForeignRealmRechallenges(t *testing.T) {
	exts := &fakeExtensions{exts: []store.Extension{testExtension("1001", "horse-battery")}}
	auth := NewAuthenticator(testRealm, exts, discardLogger())

	cred := &digest.Credentials{
		Username:  "1001",
		Realm:     "other.example.org",
		Nonce:     "deadbeef",
		URI:       "sip:other.example.org",
		Response:  "0123456789abcdef",
		Algorithm: "MD5",
	}
	req := testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600)
	req.AppendHeader(sip.NewHeader("Authorization", cred.String()))
	tx := &recordTx{}
	if got := auth.Authenticate(req, tx); got != nil {
		t.Fatalf("foreign realm authenticated as %q", got.Number)
	}
	if res := tx.last(); res == nil || res.StatusCode != 401 {
		t.Fatalf("foreign realm drew %v, want re-challenge", res)
	}
}

func TestAuthenticateRefusesBlockedSource(t *testing.T) {
	exts := &fakeExtensions{exts: []store.Extension{testExtension("1001", "horse-battery")}}
	auth := NewAuthenticator(testRealm, exts, discardLogger())

	source := "198.51.100.7:5060"
	for i := 0; i < guardMaxFailures; i++ {
		auth.Guard().RecordFailure(source)
	}

	req := testRegister("1001", "198.51.100.7", 5060, source, 600)
	tx := &recordTx{}
	if got := auth.Authenticate(req, tx); got != nil {
		t.Fatalf("blocked source authenticated as %q", got.Number)
	}
	res := tx.last()
	if res == nil || res.StatusCode != 403 {
		t.Fatalf("blocked source drew %v, want outright 403", res)
	}
	if len(res.GetHeaders("WWW-Authenticate")) != 0 {
		t.Error("blocked source still offered a challenge")
	}
}

func TestCleanExpiredDropsStaleNonces(t *testing.T) {
	auth := NewAuthenticator(testRealm, &fakeExtensions{}, discardLogger())
	tx := &recordTx{}
	auth.Challenge(testRegister("1001", "192.168.1.10", 5062, "192.168.1.10:5062", 600), tx)

	auth.mu.Lock()
	if len(auth.nonces) != 2 {
		auth.mu.Unlock()
		t.Fatalf("issued nonces = %d, want 2", len(auth.nonces))
	}
	for _, st := range auth.nonces {
		st.issued = time.Now().Add(-nonceExpiry - time.Second)
	}
	auth.mu.Unlock()

	auth.CleanExpired()

	auth.mu.Lock()
	n := len(auth.nonces)
	auth.mu.Unlock()
	if n != 0 {
		t.Errorf("nonces after sweep = %d, want 0", n)
	}
}
