package sip

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/ironpbx/ironpbx/internal/store"
)

const (
	nonceExpiry = 5 * time.Minute

	algoMD5    = "MD5"
	algoSHA256 = "SHA-256"
)

// nonceState tracks one issued nonce: when it was handed out and the highest
// nonce-count a client has used with it. The nc check rejects replays of a
// captured Authorization header.
type nonceState struct {
	issued time.Time
	lastNC int
}

// Authenticator verifies SIP digest credentials against the extension store.
// Challenges carry qop=auth and are offered for both SHA-256 and MD5;
// verification uses the precomputed HA1 kept alongside each extension, so
// the at-rest password hash never has to be reversible. Failed attempts feed
// the BruteForceGuard.
type Authenticator struct {
	realm      string
	extensions store.ExtensionStore
	logger     *slog.Logger
	guard      *BruteForceGuard

	mu     sync.Mutex
	nonces map[string]*nonceState
}

// NewAuthenticator creates a digest authenticator for the given realm.
func NewAuthenticator(realm string, extensions store.ExtensionStore, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		realm:      realm,
		extensions: extensions,
		logger:     logger.With("subsystem", "auth"),
		guard:      NewBruteForceGuard(logger),
		nonces:     make(map[string]*nonceState),
	}
}

// Realm returns the digest realm this authenticator challenges with.
func (a *Authenticator) Realm() string { return a.realm }

// Challenge rejects the request with 401 Unauthorized carrying two
// WWW-Authenticate headers, SHA-256 first and MD5 second, so upgraded
// clients pick the stronger algorithm while everything else falls back.
func (a *Authenticator) Challenge(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	for _, algo := range []string{algoSHA256, algoMD5} {
		chal := digest.Challenge{
			Realm:     a.realm,
			Nonce:     a.issueNonce(),
			Opaque:    "ironpbx",
			Algorithm: algo,
			QOP:       []string{"auth"},
		}
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
	}

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// Authenticate validates the Authorization header of req against the
// extension store. On success it returns the matched extension. On failure
// it sends the appropriate error or re-challenge itself and returns nil.
//
// Sources blocked by the brute-force guard are refused outright with 403.
func (a *Authenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction) *store.Extension {
	source := req.Source()

	if a.guard.IsBlocked(source) {
		a.logger.Warn("sip auth rejected: source blocked by brute-force guard",
			"source", source,
			"method", req.Method,
		)
		a.respondError(req, tx, 403, "Forbidden")
		return nil
	}

	h := req.GetHeader("Authorization")
	if h == nil {
		a.Challenge(req, tx)
		return nil
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("unparseable authorization header",
			"source", source,
			"error", err,
		)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 400, "Bad Request")
		return nil
	}

	if cred.Realm != a.realm {
		a.logger.Debug("credentials for foreign realm, re-challenging",
			"realm", cred.Realm,
			"source", source,
		)
		a.Challenge(req, tx)
		return nil
	}

	if !a.consumableNonce(cred) {
		a.logger.Debug("stale or replayed nonce, re-challenging",
			"username", cred.Username,
			"source", source,
		)
		a.Challenge(req, tx)
		return nil
	}

	ext, err := a.extensions.Get(context.Background(), cred.Username)
	if errors.Is(err, store.ErrNotFound) {
		a.logger.Warn("auth attempt for unknown extension",
			"username", cred.Username,
			"source", source,
		)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 403, "Forbidden")
		return nil
	}
	if err != nil {
		a.logger.Error("extension lookup failed",
			"username", cred.Username,
			"error", err,
		)
		a.respondError(req, tx, 500, "Internal Server Error")
		return nil
	}

	expected, err := expectedResponse(cred, string(req.Method), ext)
	if err != nil {
		a.logger.Warn("cannot verify digest response",
			"username", cred.Username,
			"source", source,
			"error", err,
		)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 403, "Forbidden")
		return nil
	}

	if cred.Response != expected {
		a.logger.Warn("digest verification failed",
			"username", cred.Username,
			"source", source,
			"algorithm", cred.Algorithm,
		)
		a.guard.RecordFailure(source)
		a.Challenge(req, tx)
		return nil
	}

	a.consumeNonce(cred.Nonce)
	a.guard.RecordSuccess(source)

	a.logger.Debug("digest auth ok",
		"username", cred.Username,
		"algorithm", cred.Algorithm,
	)
	return ext
}

// CleanExpired drops nonces past their expiry window and sweeps the
// brute-force guard. Called periodically by the server's housekeeping
// loop.
func (a *Authenticator) CleanExpired() {
	now := time.Now()
	a.mu.Lock()
	for nonce, st := range a.nonces {
		if now.Sub(st.issued) > nonceExpiry {
			delete(a.nonces, nonce)
		}
	}
	a.mu.Unlock()
	a.guard.Cleanup()
}

// Guard exposes the brute-force guard for the diagnostics surface.
func (a *Authenticator) Guard() *BruteForceGuard { return a.guard }

func (a *Authenticator) issueNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Timestamp fallback keeps the server answering if the entropy
		// pool is somehow unreadable.
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	nonce := hex.EncodeToString(b)

	a.mu.Lock()
	a.nonces[nonce] = &nonceState{issued: time.Now()}
	a.mu.Unlock()
	return nonce
}

// consumableNonce reports whether the nonce in cred was issued by us, is
// still inside its lifetime, and carries a nonce-count strictly above any
// previously accepted one. The nc high-water mark is advanced here so a
// replayed header fails even before digest comparison.
func (a *Authenticator) consumableNonce(cred *digest.Credentials) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.nonces[cred.Nonce]
	if !ok {
		return false
	}
	if time.Since(st.issued) > nonceExpiry {
		delete(a.nonces, cred.Nonce)
		return false
	}
	if cred.QOP == "auth" {
		if cred.Nc <= st.lastNC {
			return false
		}
		st.lastNC = cred.Nc
	}
	return true
}

func (a *Authenticator) consumeNonce(nonce string) {
	a.mu.Lock()
	delete(a.nonces, nonce)
	a.mu.Unlock()
}

func (a *Authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth error response",
			"code", code,
			"error", err,
		)
	}
}

// expectedResponse computes the digest response we expect for cred from the
// extension's stored HA1. digest.Digest wants a plaintext password, which we
// never keep, so the RFC 7616 response is derived here directly:
//
//	HA2      = H(method ":" uri)
//	response = H(HA1 ":" nonce ":" nc ":" cnonce ":" qop ":" HA2)   qop=auth
//	response = H(HA1 ":" nonce ":" HA2)                             no qop
func expectedResponse(cred *digest.Credentials, method string, ext *store.Extension) (string, error) {
	var ha1 string
	var newHash func() hash.Hash

	switch strings.ToUpper(cred.Algorithm) {
	case algoSHA256:
		ha1 = ext.HA1SHA256
		newHash = func() hash.Hash { return sha256.New() }
	case "", algoMD5:
		ha1 = ext.HA1MD5
		newHash = func() hash.Hash { return md5.New() }
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", cred.Algorithm)
	}
	if ha1 == "" {
		return "", fmt.Errorf("no %s credential on file for %s", cred.Algorithm, ext.Number)
	}

	hx := func(parts ...string) string {
		h := newHash()
		h.Write([]byte(strings.Join(parts, ":")))
		return hex.EncodeToString(h.Sum(nil))
	}

	ha2 := hx(method, cred.URI)
	switch cred.QOP {
	case "auth":
		if cred.Cnonce == "" || cred.Nc == 0 {
			return "", fmt.Errorf("qop=auth credentials missing cnonce or nc")
		}
		nc := fmt.Sprintf("%08x", cred.Nc)
		return hx(ha1, cred.Nonce, nc, cred.Cnonce, cred.QOP, ha2), nil
	case "":
		return hx(ha1, cred.Nonce, ha2), nil
	default:
		return "", fmt.Errorf("unsupported qop %q", cred.QOP)
	}
}
