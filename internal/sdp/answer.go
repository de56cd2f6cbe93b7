package sdp

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// Preference is one locally supported audio codec. Static payload types
// match by number or by rtpmap name; dynamic ones match by name only.
type Preference struct {
	Name        string
	PayloadType int
	ClockRate   int
}

// DefaultPreferences is the stock preference list: PCMU first, then PCMA.
func DefaultPreferences() []Preference {
	return []Preference{
		{Name: "PCMU", PayloadType: 0, ClockRate: 8000},
		{Name: "PCMA", PayloadType: 8, ClockRate: 8000},
	}
}

// PreferencesFromNames maps configured codec names to preferences.
// Unknown names are skipped.
func PreferencesFromNames(names []string) []Preference {
	var prefs []Preference
	for _, n := range names {
		switch {
		case equalFoldASCII(n, "PCMU"):
			prefs = append(prefs, Preference{Name: "PCMU", PayloadType: 0, ClockRate: 8000})
		case equalFoldASCII(n, "PCMA"):
			prefs = append(prefs, Preference{Name: "PCMA", PayloadType: 8, ClockRate: 8000})
		}
	}
	if len(prefs) == 0 {
		return DefaultPreferences()
	}
	return prefs
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// DefaultTelephoneEventPayload is offered when the PBX builds its own
// offer. Answers always echo the peer's number.
const DefaultTelephoneEventPayload = 101

// Answer is the outcome of offer/answer negotiation for one call leg.
type Answer struct {
	Description *SessionDescription
	// Codec is the single selected audio codec.
	Codec Codec
	// TelephoneEvent is the negotiated telephone-event payload type, or
	// -1 when the offer did not include one.
	TelephoneEvent int
	// Hold is set when the offer disabled media (port 0 or 0.0.0.0).
	Hold bool
}

// sessionIDCounter disambiguates descriptions generated within the same
// microsecond.
var sessionIDCounter atomic.Int64

func newSessionID() string {
	return strconv.FormatInt(time.Now().Unix()<<16|sessionIDCounter.Add(1)&0xFFFF, 10)
}

// BuildAnswer negotiates an answer to the given offer, advertising the
// relay at addr:port. Codec selection intersects the offered payload types
// with prefs, preserving the offerer's order, and picks the first match.
// Media sections the PBX cannot serve are answered with port 0 at the same
// index. Returns ErrUnsupportedMedia when no audio codec matches.
func BuildAnswer(offer *SessionDescription, addr string, port int, prefs []Preference) (*Answer, error) {
	if len(prefs) == 0 {
		prefs = DefaultPreferences()
	}

	audio := offer.Audio()
	if audio == nil {
		return nil, fmt.Errorf("%w: offer has no audio section", ErrUnsupportedMedia)
	}

	ans := &Answer{TelephoneEvent: -1}
	sid := newSessionID()
	desc := &SessionDescription{
		Version: 0,
		Origin: Origin{
			Username:       "-",
			SessionID:      sid,
			SessionVersion: sid,
			NetType:        "IN",
			AddrType:       "IP4",
			Address:        addr,
		},
		SessionName: "ironpbx",
		Connection:  &Connection{NetType: "IN", AddrType: "IP4", Address: addr},
		Time:        "0 0",
	}

	answeredAudio := false
	for i := range offer.Media {
		m := &offer.Media[i]
		if m.Type != "audio" || answeredAudio {
			// Every offered section appears at the same index, refused
			// with port 0 and its format list echoed.
			desc.Media = append(desc.Media, MediaDescription{
				Type:    m.Type,
				Port:    0,
				Proto:   m.Proto,
				Formats: append([]int(nil), m.Formats...),
			})
			continue
		}
		answeredAudio = true

		chosen, ok := selectCodec(m, prefs)
		if !ok {
			return nil, fmt.Errorf("%w: offered formats %v", ErrUnsupportedMedia, m.Formats)
		}
		ans.Codec = chosen

		hold := m.Port == 0 || offer.ConnectionAddress(m) == "0.0.0.0"
		ans.Hold = hold

		md := MediaDescription{
			Type:      "audio",
			Proto:     m.Proto,
			Formats:   []int{chosen.PayloadType},
			Direction: answerDirection(offer.Direction(m)),
		}
		if hold {
			md.Port = 0
		} else {
			md.Port = port
		}

		md.Attributes = append(md.Attributes, "rtpmap:"+chosen.Rtpmap())

		if te := m.TelephoneEventPayload(); te >= 0 {
			ans.TelephoneEvent = te
			md.Formats = append(md.Formats, te)
			md.Attributes = append(md.Attributes, fmt.Sprintf("rtpmap:%d telephone-event/8000", te))
			fmtp := "0-16"
			if c := m.CodecByPayloadType(te); c != nil && c.Fmtp != "" {
				fmtp = c.Fmtp
			}
			md.Attributes = append(md.Attributes, fmt.Sprintf("fmtp:%d %s", te, fmtp))
		}

		md.Attributes = append(md.Attributes, "ptime:20", md.Direction)
		desc.Media = append(desc.Media, md)
	}

	if !answeredAudio {
		return nil, fmt.Errorf("%w: offer has no audio section", ErrUnsupportedMedia)
	}

	ans.Description = desc
	return ans, nil
}

// selectCodec returns the first offered codec that matches the local
// preference list, honoring the offerer's ordering.
func selectCodec(m *MediaDescription, prefs []Preference) (Codec, bool) {
	for _, pt := range m.Formats {
		mapped := m.CodecByPayloadType(pt)
		for _, pref := range prefs {
			if pt == pref.PayloadType && (mapped == nil || equalFoldASCII(mapped.Name, pref.Name)) {
				return Codec{PayloadType: pref.PayloadType, Name: pref.Name, ClockRate: pref.ClockRate}, true
			}
			if mapped != nil && equalFoldASCII(mapped.Name, pref.Name) && mapped.ClockRate == pref.ClockRate {
				return *mapped, true
			}
		}
	}
	return Codec{}, false
}

// answerDirection maps the offered stream direction to the answer's per
// RFC 3264 §6.1.
func answerDirection(offered string) string {
	switch offered {
	case DirSendOnly:
		return DirRecvOnly
	case DirRecvOnly:
		return DirSendOnly
	case DirInactive:
		return DirInactive
	default:
		return DirSendRecv
	}
}

// BuildOffer constructs a fresh local offer advertising the relay at
// addr:port with all preferred codecs plus telephone-event.
func BuildOffer(addr string, port int, prefs []Preference) *SessionDescription {
	if len(prefs) == 0 {
		prefs = DefaultPreferences()
	}

	sid := newSessionID()
	md := MediaDescription{
		Type:      "audio",
		Port:      port,
		Proto:     "RTP/AVP",
		Direction: DirSendRecv,
	}
	for _, p := range prefs {
		md.Formats = append(md.Formats, p.PayloadType)
		md.Attributes = append(md.Attributes,
			"rtpmap:"+Codec{PayloadType: p.PayloadType, Name: p.Name, ClockRate: p.ClockRate}.Rtpmap())
	}
	md.Formats = append(md.Formats, DefaultTelephoneEventPayload)
	md.Attributes = append(md.Attributes,
		fmt.Sprintf("rtpmap:%d telephone-event/8000", DefaultTelephoneEventPayload),
		fmt.Sprintf("fmtp:%d 0-16", DefaultTelephoneEventPayload),
		"ptime:20",
		DirSendRecv,
	)

	return &SessionDescription{
		Version: 0,
		Origin: Origin{
			Username:       "-",
			SessionID:      sid,
			SessionVersion: sid,
			NetType:        "IN",
			AddrType:       "IP4",
			Address:        addr,
		},
		SessionName: "ironpbx",
		Connection:  &Connection{NetType: "IN", AddrType: "IP4", Address: addr},
		Time:        "0 0",
		Media:       []MediaDescription{md},
	}
}

// Clone returns a deep copy of the description.
func (s *SessionDescription) Clone() *SessionDescription {
	out := &SessionDescription{
		Version:     s.Version,
		Origin:      s.Origin,
		SessionName: s.SessionName,
		Time:        s.Time,
		Attributes:  append([]string(nil), s.Attributes...),
	}
	if s.Connection != nil {
		c := *s.Connection
		out.Connection = &c
	}
	out.Media = make([]MediaDescription, len(s.Media))
	for i := range s.Media {
		m := s.Media[i]
		m.Formats = append([]int(nil), s.Media[i].Formats...)
		m.Codecs = append([]Codec(nil), s.Media[i].Codecs...)
		m.Attributes = append([]string(nil), s.Media[i].Attributes...)
		if s.Media[i].Connection != nil {
			c := *s.Media[i].Connection
			m.Connection = &c
		}
		out.Media[i] = m
	}
	return out
}

// Rewrite deep-copies the description and redirects its media at the relay:
// origin and connection addresses become addr, and the first audio section's
// port becomes port. Other sections are left as offered. The input is not
// modified.
func Rewrite(s *SessionDescription, addr string, port int) *SessionDescription {
	out := s.Clone()
	out.Origin.Address = addr
	out.Origin.AddrType = "IP4"
	if out.Connection != nil {
		out.Connection.Address = addr
		out.Connection.AddrType = "IP4"
	} else {
		out.Connection = &Connection{NetType: "IN", AddrType: "IP4", Address: addr}
	}

	for i := range out.Media {
		if out.Media[i].Type != "audio" {
			continue
		}
		if out.Media[i].Connection != nil {
			out.Media[i].Connection.Address = addr
			out.Media[i].Connection.AddrType = "IP4"
		}
		if out.Media[i].Port != 0 {
			out.Media[i].Port = port
		}
		break
	}
	return out
}

// RewriteBytes parses, rewrites, and re-serializes an SDP body.
func RewriteBytes(body []byte, addr string, port int) ([]byte, error) {
	sd, err := Parse(body)
	if err != nil {
		return nil, err
	}
	return Rewrite(sd, addr, port).Marshal(), nil
}
