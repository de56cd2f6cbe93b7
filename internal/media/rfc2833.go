package media

import "encoding/binary"

// RFC2833Event is one completed telephone-event tone as observed by the
// relay: the dial character, how long the key was held, and whether the
// end bit was seen (always true for events emitted on the event stream).
type RFC2833Event struct {
	Digit      byte
	DurationMs int
	End        bool
}

// telephoneEvent is the 4-byte RFC 4733 §2.3 payload: event code, end and
// reserved bits plus volume, and a 16-bit duration in timestamp units.
type telephoneEvent struct {
	code     uint8
	end      bool
	volume   uint8
	duration uint16
}

func parseTelephoneEvent(p []byte) (telephoneEvent, bool) {
	if len(p) < 4 {
		return telephoneEvent{}, false
	}
	return telephoneEvent{
		code:     p[0],
		end:      p[1]&0x80 != 0,
		volume:   p[1] & 0x3F,
		duration: binary.BigEndian.Uint16(p[2:4]),
	}, true
}

// digit maps the event code to its dial character. Codes 0-15 cover the
// sixteen DTMF keys; anything else (flash hook, fax tones) is ignored.
func (e telephoneEvent) digit() (byte, bool) {
	switch {
	case e.code <= 9:
		return '0' + e.code, true
	case e.code == 10:
		return '*', true
	case e.code == 11:
		return '#', true
	case e.code >= 12 && e.code <= 15:
		return 'A' + e.code - 12, true
	}
	return 0, false
}

// durationMs converts the duration field from 8 kHz timestamp units.
func (e telephoneEvent) durationMs() int {
	return int(e.duration) / 8
}

// rfc2833Dedup collapses each tone burst to a single completed event.
// Senders repeat interim packets every 50 ms and transmit the end-marked
// packet up to three times for loss robustness; all packets of one tone
// share the RTP timestamp of the tone's start, so tracking the last
// completed (timestamp, event) pair drops the redundant copies.
type rfc2833Dedup struct {
	lastCode uint8
	lastTS   uint32
	seen     bool
}

// completed reports whether this packet finishes a tone that has not been
// reported yet.
func (d *rfc2833Dedup) completed(code uint8, ts uint32, end bool) bool {
	if !end {
		return false
	}
	if d.seen && code == d.lastCode && ts == d.lastTS {
		return false
	}
	d.lastCode = code
	d.lastTS = ts
	d.seen = true
	return true
}
