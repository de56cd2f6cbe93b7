package dtmf

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SIP INFO digit bodies. Two content types are in the wild:
//
//	application/dtmf-relay:  Signal=5\r\nDuration=160\r\n
//	application/dtmf:        5
//
// Signal is required for the relay form; Duration defaults to 0 when
// missing or unparseable.

// ErrInvalidInfo is returned when a SIP INFO body cannot be read as a digit.
var ErrInvalidInfo = errors.New("invalid dtmf info body")

// Info is one digit carried by a SIP INFO request.
type Info struct {
	Signal     byte // '0'-'9', '*', '#', 'A'-'D'
	DurationMs int
}

const validSignals = "0123456789*#ABCD"

// signalByte normalizes a signal token to its canonical digit byte.
func signalByte(s string) (byte, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 1 || !strings.Contains(validSignals, s) {
		return 0, false
	}
	return s[0], true
}

// ParseInfo interprets a SIP INFO body according to its Content-Type.
// Parameters after a semicolon (charset and the like) are ignored.
func ParseInfo(contentType string, body []byte) (Info, error) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	switch ct {
	case "application/dtmf-relay":
		return ParseInfoRelay(body)
	case "application/dtmf":
		return ParseInfoBody(body)
	}
	return Info{}, fmt.Errorf("%w: unsupported content type %q", ErrInvalidInfo, contentType)
}

// ParseInfoRelay parses the Signal=/Duration= key-value form.
func ParseInfoRelay(body []byte) (Info, error) {
	var info Info
	found := false

	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "signal":
			sig, ok := signalByte(value)
			if !ok {
				return Info{}, fmt.Errorf("%w: bad signal %q", ErrInvalidInfo, value)
			}
			info.Signal = sig
			found = true
		case "duration":
			if d, err := strconv.Atoi(value); err == nil && d >= 0 {
				info.DurationMs = d
			}
		}
	}

	if !found {
		return Info{}, fmt.Errorf("%w: missing signal", ErrInvalidInfo)
	}
	return info, nil
}

// ParseInfoBody parses the bare single-digit form.
func ParseInfoBody(body []byte) (Info, error) {
	sig, ok := signalByte(string(body))
	if !ok {
		return Info{}, fmt.Errorf("%w: %q", ErrInvalidInfo, string(body))
	}
	return Info{Signal: sig}, nil
}
