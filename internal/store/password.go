package store

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// PBKDF2-HMAC-SHA256 parameters. The iteration count follows current
// OWASP guidance for SHA-256.
const (
	pbkdf2Iterations = 600_000
	pbkdf2KeyLen     = 32
	pbkdf2SaltLen    = 16
)

// HashPassword hashes a plaintext secret with PBKDF2-HMAC-SHA256 under a
// fresh per-record salt and returns an encoded string in the format:
//
//	$pbkdf2-sha256$i=600000$<salt>$<hash>
//
// Voicemail PINs use the same encoding.
func HashPassword(password string) (string, error) {
	salt := make([]byte, pbkdf2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	hash := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, pbkdf2KeyLen, sha256.New)

	return fmt.Sprintf("$pbkdf2-sha256$i=%d$%s$%s",
		pbkdf2Iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// CheckPassword verifies a plaintext secret against an encoded hash.
// Returns true if the secret matches.
func CheckPassword(password, encoded string) (bool, error) {
	salt, hash, iterations, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}

	computed := pbkdf2.Key([]byte(password), salt, iterations, len(hash), sha256.New)
	return subtle.ConstantTimeCompare(hash, computed) == 1, nil
}

func decodeHash(encoded string) (salt, hash []byte, iterations int, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 {
		return nil, nil, 0, fmt.Errorf("invalid hash format: expected 5 parts, got %d", len(parts))
	}

	if parts[1] != "pbkdf2-sha256" {
		return nil, nil, 0, fmt.Errorf("unsupported algorithm: %s", parts[1])
	}

	if _, err := fmt.Sscanf(parts[2], "i=%d", &iterations); err != nil {
		return nil, nil, 0, fmt.Errorf("parsing iterations: %w", err)
	}
	if iterations < 1 {
		return nil, nil, 0, fmt.Errorf("invalid iteration count: %d", iterations)
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, nil, 0, fmt.Errorf("decoding salt: %w", err)
	}

	hash, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, 0, fmt.Errorf("decoding hash: %w", err)
	}

	return salt, hash, iterations, nil
}

// SIP digest authentication needs the A1 hash H(username:realm:password)
// in a directly usable form; a salted KDF output cannot take part in the
// exchange. The A1 hashes are derived once at provisioning so the
// plaintext never rests on disk, and the PBKDF2 hash above guards every
// surface that receives the secret itself.

// DigestHA1MD5 returns the hex MD5 A1 hash for a credential set.
func DigestHA1MD5(username, realm, password string) string {
	sum := md5.Sum([]byte(username + ":" + realm + ":" + password))
	return hex.EncodeToString(sum[:])
}

// DigestHA1SHA256 returns the hex SHA-256 A1 hash for a credential set.
func DigestHA1SHA256(username, realm, password string) string {
	sum := sha256.Sum256([]byte(username + ":" + realm + ":" + password))
	return hex.EncodeToString(sum[:])
}
