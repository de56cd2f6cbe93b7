// Package sdp implements the session description handling for offer/answer
// negotiation per RFC 3264: parsing, serialization, answer construction
// against a codec preference list, and rewriting of descriptions to point
// media at the relay.
package sdp

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	// ErrMalformed reports an SDP body that cannot be parsed.
	ErrMalformed = errors.New("malformed sdp")
	// ErrUnsupportedMedia reports an offer with no audio section the PBX
	// can negotiate.
	ErrUnsupportedMedia = errors.New("no supported media in sdp")
)

// Connection holds the c= line fields.
type Connection struct {
	NetType  string // "IN"
	AddrType string // "IP4"
	Address  string
}

func (c Connection) String() string {
	return c.NetType + " " + c.AddrType + " " + c.Address
}

// Origin holds the o= line fields.
type Origin struct {
	Username       string
	SessionID      string
	SessionVersion string
	NetType        string
	AddrType       string
	Address        string
}

func (o Origin) String() string {
	return o.Username + " " + o.SessionID + " " + o.SessionVersion + " " +
		o.NetType + " " + o.AddrType + " " + o.Address
}

// Codec is one rtpmap entry plus its fmtp parameters.
type Codec struct {
	PayloadType int
	Name        string // "PCMU", "PCMA", "telephone-event"
	ClockRate   int
	Channels    int    // 0 means unspecified (mono)
	Fmtp        string // raw fmtp parameters, e.g. "0-16"
}

// Rtpmap returns the a=rtpmap value for this codec.
func (c Codec) Rtpmap() string {
	s := strconv.Itoa(c.PayloadType) + " " + c.Name + "/" + strconv.Itoa(c.ClockRate)
	if c.Channels > 1 {
		s += "/" + strconv.Itoa(c.Channels)
	}
	return s
}

// Media directions per RFC 3264. The zero value means the line was absent
// and sendrecv applies.
const (
	DirSendRecv = "sendrecv"
	DirSendOnly = "sendonly"
	DirRecvOnly = "recvonly"
	DirInactive = "inactive"
)

// MediaDescription is one m= section.
type MediaDescription struct {
	Type       string // "audio", "video", ...
	Port       int
	Proto      string // "RTP/AVP"
	Formats    []int
	Connection *Connection // media-level c=, overrides session-level
	Codecs     []Codec
	Attributes []string // raw a= values in order
	Direction  string
}

// CodecByPayloadType returns the codec with the given payload type, or nil.
func (m *MediaDescription) CodecByPayloadType(pt int) *Codec {
	for i := range m.Codecs {
		if m.Codecs[i].PayloadType == pt {
			return &m.Codecs[i]
		}
	}
	return nil
}

// CodecByName returns the first codec with the given name, case-insensitive,
// or nil.
func (m *MediaDescription) CodecByName(name string) *Codec {
	for i := range m.Codecs {
		if strings.EqualFold(m.Codecs[i].Name, name) {
			return &m.Codecs[i]
		}
	}
	return nil
}

// TelephoneEventPayload returns the payload number the peer assigned to
// telephone-event/8000, or -1 when not offered.
func (m *MediaDescription) TelephoneEventPayload() int {
	if c := m.CodecByName("telephone-event"); c != nil && c.ClockRate == 8000 {
		return c.PayloadType
	}
	return -1
}

// SessionDescription is a parsed SDP body.
type SessionDescription struct {
	Version     int
	Origin      Origin
	SessionName string
	Connection  *Connection
	Time        string
	Attributes  []string // session-level a= values
	Media       []MediaDescription
}

// Audio returns the first audio section, or nil.
func (s *SessionDescription) Audio() *MediaDescription {
	for i := range s.Media {
		if s.Media[i].Type == "audio" {
			return &s.Media[i]
		}
	}
	return nil
}

// ConnectionAddress returns the effective peer address for a media section,
// preferring its own c= line over the session-level one.
func (s *SessionDescription) ConnectionAddress(m *MediaDescription) string {
	if m.Connection != nil {
		return m.Connection.Address
	}
	if s.Connection != nil {
		return s.Connection.Address
	}
	return ""
}

// AudioEndpoint resolves the remote RTP address of the first audio section.
// Returns nil when the section is absent, holds port 0, or advertises the
// 0.0.0.0 hold address.
func (s *SessionDescription) AudioEndpoint() *net.UDPAddr {
	m := s.Audio()
	if m == nil || m.Port == 0 {
		return nil
	}
	addr := s.ConnectionAddress(m)
	if addr == "" || addr == "0.0.0.0" {
		return nil
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: m.Port}
}

// Direction returns the effective direction of a media section, falling
// back to the session level and then to sendrecv.
func (s *SessionDescription) Direction(m *MediaDescription) string {
	if m.Direction != "" {
		return m.Direction
	}
	for _, a := range s.Attributes {
		switch a {
		case DirSendRecv, DirSendOnly, DirRecvOnly, DirInactive:
			return a
		}
	}
	return DirSendRecv
}

// IsHold reports whether the description signals hold: a sendonly or
// inactive audio direction, a 0.0.0.0 connection address, or audio port 0.
func (s *SessionDescription) IsHold() bool {
	m := s.Audio()
	if m == nil {
		return false
	}
	if m.Port == 0 {
		return true
	}
	if addr := s.ConnectionAddress(m); addr == "0.0.0.0" {
		return true
	}
	switch s.Direction(m) {
	case DirSendOnly, DirInactive:
		return true
	}
	return false
}

// Parse parses an SDP body. Line order follows RFC 4566; unknown line
// types are ignored, malformed mandatory lines fail the parse.
func Parse(data []byte) (*SessionDescription, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	sd := &SessionDescription{}
	var cur *MediaDescription

	for _, line := range strings.Split(text, "\n") {
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'v':
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%w: version %q", ErrMalformed, value)
			}
			sd.Version = v

		case 'o':
			o, err := parseOrigin(value)
			if err != nil {
				return nil, fmt.Errorf("%w: origin: %v", ErrMalformed, err)
			}
			sd.Origin = o

		case 's':
			sd.SessionName = value

		case 'c':
			c, err := parseConnection(value)
			if err != nil {
				return nil, fmt.Errorf("%w: connection: %v", ErrMalformed, err)
			}
			if cur != nil {
				cur.Connection = &c
			} else {
				sd.Connection = &c
			}

		case 't':
			sd.Time = value

		case 'm':
			md, err := parseMediaLine(value)
			if err != nil {
				return nil, fmt.Errorf("%w: media: %v", ErrMalformed, err)
			}
			sd.Media = append(sd.Media, md)
			cur = &sd.Media[len(sd.Media)-1]

		case 'a':
			if cur != nil {
				cur.Attributes = append(cur.Attributes, value)
				applyMediaAttribute(cur, value)
			} else {
				sd.Attributes = append(sd.Attributes, value)
			}
		}
	}

	return sd, nil
}

// Marshal serializes the description with CRLF line endings in canonical
// v/o/s/c/t, session attributes, then per-media order.
func (s *SessionDescription) Marshal() []byte {
	var b strings.Builder

	b.WriteString("v=" + strconv.Itoa(s.Version) + "\r\n")
	b.WriteString("o=" + s.Origin.String() + "\r\n")
	name := s.SessionName
	if name == "" {
		name = "-"
	}
	b.WriteString("s=" + name + "\r\n")
	if s.Connection != nil {
		b.WriteString("c=" + s.Connection.String() + "\r\n")
	}
	t := s.Time
	if t == "" {
		t = "0 0"
	}
	b.WriteString("t=" + t + "\r\n")
	for _, a := range s.Attributes {
		b.WriteString("a=" + a + "\r\n")
	}

	for i := range s.Media {
		m := &s.Media[i]
		fmts := make([]string, len(m.Formats))
		for j, f := range m.Formats {
			fmts[j] = strconv.Itoa(f)
		}
		b.WriteString("m=" + m.Type + " " + strconv.Itoa(m.Port) + " " + m.Proto)
		if len(fmts) > 0 {
			b.WriteString(" " + strings.Join(fmts, " "))
		}
		b.WriteString("\r\n")
		if m.Connection != nil {
			b.WriteString("c=" + m.Connection.String() + "\r\n")
		}
		for _, a := range m.Attributes {
			b.WriteString("a=" + a + "\r\n")
		}
	}

	return []byte(b.String())
}

func parseConnection(value string) (Connection, error) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return Connection{}, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	addr := parts[2]
	// Strip a TTL or address-count suffix.
	if idx := strings.IndexByte(addr, '/'); idx >= 0 {
		addr = addr[:idx]
	}
	if net.ParseIP(addr) == nil {
		return Connection{}, fmt.Errorf("invalid address %q", addr)
	}
	return Connection{NetType: parts[0], AddrType: parts[1], Address: addr}, nil
}

func parseOrigin(value string) (Origin, error) {
	parts := strings.Fields(value)
	if len(parts) < 6 {
		return Origin{}, fmt.Errorf("expected 6 fields, got %d", len(parts))
	}
	return Origin{
		Username:       parts[0],
		SessionID:      parts[1],
		SessionVersion: parts[2],
		NetType:        parts[3],
		AddrType:       parts[4],
		Address:        parts[5],
	}, nil
}

func parseMediaLine(value string) (MediaDescription, error) {
	parts := strings.Fields(value)
	if len(parts) < 3 {
		return MediaDescription{}, fmt.Errorf("expected at least 3 fields, got %d", len(parts))
	}

	md := MediaDescription{Type: parts[0], Proto: parts[2]}

	portStr := parts[1]
	// A port count suffix ("5004/2") is parsed and discarded; the PBX
	// never negotiates multi-port media.
	if idx := strings.IndexByte(portStr, '/'); idx >= 0 {
		portStr = portStr[:idx]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return MediaDescription{}, fmt.Errorf("invalid port %q", parts[1])
	}
	md.Port = port

	for _, f := range parts[3:] {
		pt, err := strconv.Atoi(f)
		if err != nil {
			return MediaDescription{}, fmt.Errorf("invalid payload type %q", f)
		}
		md.Formats = append(md.Formats, pt)
	}

	return md, nil
}

func applyMediaAttribute(md *MediaDescription, attr string) {
	switch {
	case strings.HasPrefix(attr, "rtpmap:"):
		c, err := parseRtpmap(attr[len("rtpmap:"):])
		if err != nil {
			return
		}
		for i := range md.Codecs {
			if md.Codecs[i].PayloadType == c.PayloadType {
				c.Fmtp = md.Codecs[i].Fmtp
				md.Codecs[i] = c
				return
			}
		}
		md.Codecs = append(md.Codecs, c)

	case strings.HasPrefix(attr, "fmtp:"):
		pt, params, ok := parseFmtp(attr[len("fmtp:"):])
		if !ok {
			return
		}
		for i := range md.Codecs {
			if md.Codecs[i].PayloadType == pt {
				md.Codecs[i].Fmtp = params
				return
			}
		}
		// fmtp can precede its rtpmap; hold a placeholder.
		md.Codecs = append(md.Codecs, Codec{PayloadType: pt, Fmtp: params})

	case attr == DirSendRecv || attr == DirSendOnly || attr == DirRecvOnly || attr == DirInactive:
		md.Direction = attr
	}
}

func parseRtpmap(value string) (Codec, error) {
	ptStr, enc, ok := strings.Cut(value, " ")
	if !ok {
		return Codec{}, fmt.Errorf("rtpmap %q missing encoding", value)
	}
	pt, err := strconv.Atoi(ptStr)
	if err != nil {
		return Codec{}, fmt.Errorf("rtpmap payload type %q", ptStr)
	}

	encParts := strings.Split(enc, "/")
	if len(encParts) < 2 {
		return Codec{}, fmt.Errorf("rtpmap encoding %q", enc)
	}
	rate, err := strconv.Atoi(encParts[1])
	if err != nil {
		return Codec{}, fmt.Errorf("rtpmap clock rate %q", encParts[1])
	}

	c := Codec{PayloadType: pt, Name: encParts[0], ClockRate: rate}
	if len(encParts) >= 3 {
		if ch, err := strconv.Atoi(encParts[2]); err == nil {
			c.Channels = ch
		}
	}
	return c, nil
}

func parseFmtp(value string) (int, string, bool) {
	ptStr, params, ok := strings.Cut(value, " ")
	if !ok {
		return 0, "", false
	}
	pt, err := strconv.Atoi(ptStr)
	if err != nil {
		return 0, "", false
	}
	return pt, params, true
}
