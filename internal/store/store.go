// Package store persists extension records and their credentials. The SIP
// engine consumes the ExtensionStore interface; the bundled implementation
// is SQLite-backed. Registrations, voicemail audio, and CDRs live
// elsewhere: bindings are in-memory by design, mailboxes are directories,
// CDRs go to their own sinks.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no extension.
var ErrNotFound = errors.New("extension not found")

// Permission is one capability an extension may hold.
type Permission string

const (
	PermInternal   Permission = "internal"   // call other extensions
	PermConference Permission = "conference" // join conference rooms
	PermTransfer   Permission = "transfer"   // REFER-initiated transfers
	PermVoicemail  Permission = "voicemail"  // mailbox login
)

// Permissions is the capability set attached to an extension.
type Permissions []Permission

// Has reports whether the set contains the given capability.
func (p Permissions) Has(perm Permission) bool {
	for _, v := range p {
		if v == perm {
			return true
		}
	}
	return false
}

// Extension is one AOR record. Credentials are stored hashed only: the
// account password and voicemail PIN as PBKDF2-HMAC-SHA256 encoded
// strings, the SIP digest secret as precomputed A1 hashes (the digest
// exchange cannot run against a salted KDF, see password.go).
type Extension struct {
	Number        string // unique dial string, e.g. "1001"
	DisplayName   string
	PasswordHash  string
	HA1MD5        string
	HA1SHA256     string
	PINHash       string // voicemail PIN, empty when no mailbox PIN set
	Permissions   Permissions
	AllowExternal bool
	MailboxID     string // directory key under the voicemail root; empty = no mailbox
	NotifyEmail   string // voicemail notification recipient; empty = no email
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ExtensionStore is the lookup surface the engine consumes. Tests
// substitute fakes; production wiring passes the SQLite store.
type ExtensionStore interface {
	// Get returns the extension with the given number, or an error
	// wrapping ErrNotFound.
	Get(ctx context.Context, number string) (*Extension, error)

	// List returns all extensions ordered by number.
	List(ctx context.Context) ([]Extension, error)
}
