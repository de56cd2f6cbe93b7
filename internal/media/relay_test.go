package media

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ironpbx/ironpbx/internal/audio"
)

// makeRTPPacket builds a minimal RTP packet with the given payload type,
// sequence number, timestamp, and payload.
func makeRTPPacket(payloadType int, seq uint16, ts uint32, payload []byte) []byte {
	pkt := make([]byte, rtpHeaderSize+len(payload))
	pkt[0] = 0x80 // V=2
	pkt[1] = byte(payloadType & 0x7F)
	binary.BigEndian.PutUint16(pkt[2:4], seq)
	binary.BigEndian.PutUint32(pkt[4:8], ts)
	binary.BigEndian.PutUint32(pkt[8:12], 0x12345678)
	copy(pkt[rtpHeaderSize:], payload)
	return pkt
}

// makeEventPacket builds an RFC 4733 telephone-event packet.
func makeEventPacket(eventPT int, seq uint16, ts uint32, code byte, end bool, duration uint16) []byte {
	flags := byte(0x0A) // volume 10
	if end {
		flags |= 0x80
	}
	payload := []byte{code, flags, byte(duration >> 8), byte(duration)}
	return makeRTPPacket(eventPT, seq, ts, payload)
}

// newTestPair binds a socket pair on localhost. The ports are not an
// even/odd pair, which the relay does not care about.
func newTestPair(t *testing.T) *SocketPair {
	t.Helper()

	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen rtp: %v", err)
	}
	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		rtpConn.Close()
		t.Fatalf("listen rtcp: %v", err)
	}
	return &SocketPair{
		Ports: PortPair{
			RTP:  rtpConn.LocalAddr().(*net.UDPAddr).Port,
			RTCP: rtcpConn.LocalAddr().(*net.UDPAddr).Port,
		},
		RTPConn:  rtpConn,
		RTCPConn: rtcpConn,
	}
}

func relayAddr(pair *SocketPair) *net.UDPAddr {
	return pair.RTPConn.LocalAddr().(*net.UDPAddr)
}

// newPhone creates a UDP socket standing in for an endpoint's phone.
func newPhone(t *testing.T) (*net.UDPConn, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen phone: %v", err)
	}
	return conn, conn.LocalAddr().(*net.UDPAddr)
}

func readPacket(t *testing.T, conn *net.UDPConn, timeout time.Duration) ([]byte, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, maxRTPPacket)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func waitForStat(t *testing.T, get func() uint64, want uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for get() < want && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := get(); got != want {
		t.Fatalf("counter = %d, want %d", got, want)
	}
}

func TestRelayForwardsBothDirections(t *testing.T) {
	pair := newTestPair(t)
	defer pair.Close()
	phoneA, addrA := newPhone(t)
	defer phoneA.Close()
	phoneB, addrB := newPhone(t)
	defer phoneB.Close()

	r := NewRelay("call-fwd", pair, slog.Default())
	r.SetCodec(audio.PayloadPCMU, -1)
	r.SetEndpoints(addrA, addrB)
	r.Start()
	defer r.Stop()

	t.Run("a to b", func(t *testing.T) {
		sent := makeRTPPacket(audio.PayloadPCMU, 100, 1600, bytes.Repeat([]byte{0xFE}, 160))
		if _, err := phoneA.WriteToUDP(sent, relayAddr(pair)); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := readPacket(t, phoneB, 2*time.Second)
		if err != nil {
			t.Fatalf("phone B read: %v", err)
		}
		if !bytes.Equal(got, sent) {
			t.Error("forwarded packet does not match the original")
		}
	})

	t.Run("b to a", func(t *testing.T) {
		sent := makeRTPPacket(audio.PayloadPCMU, 200, 3200, bytes.Repeat([]byte{0x7F}, 160))
		if _, err := phoneB.WriteToUDP(sent, relayAddr(pair)); err != nil {
			t.Fatalf("write: %v", err)
		}
		got, err := readPacket(t, phoneA, 2*time.Second)
		if err != nil {
			t.Fatalf("phone A read: %v", err)
		}
		if !bytes.Equal(got, sent) {
			t.Error("forwarded packet does not match the original")
		}
	})

	st := r.Stats()
	if st.AToB.Packets != 1 || st.BToA.Packets != 1 {
		t.Errorf("packets = %d/%d, want 1/1", st.AToB.Packets, st.BToA.Packets)
	}
}

func TestRelayDropsShortDatagrams(t *testing.T) {
	pair := newTestPair(t)
	defer pair.Close()
	phoneA, addrA := newPhone(t)
	defer phoneA.Close()
	phoneB, addrB := newPhone(t)
	defer phoneB.Close()

	r := NewRelay("call-short", pair, slog.Default())
	r.SetEndpoints(addrA, addrB)
	r.Start()
	defer r.Stop()

	if _, err := phoneA.WriteToUDP([]byte{0x80, 0x00, 0x01}, relayAddr(pair)); err != nil {
		t.Fatalf("write: %v", err)
	}

	waitForStat(t, func() uint64 { return r.Stats().ShortDrops }, 1)

	if _, err := readPacket(t, phoneB, 200*time.Millisecond); err == nil {
		t.Error("short datagram was forwarded")
	}
}

func TestRelayConsumesTelephoneEvents(t *testing.T) {
	pair := newTestPair(t)
	defer pair.Close()
	phoneA, addrA := newPhone(t)
	defer phoneA.Close()
	phoneB, addrB := newPhone(t)
	defer phoneB.Close()

	r := NewRelay("call-dtmf", pair, slog.Default())
	r.SetCodec(audio.PayloadPCMU, 101)
	r.SetEndpoints(addrA, addrB)
	r.Start()
	defer r.Stop()

	// A tone burst: two interim packets, then the end packet sent three
	// times for loss robustness. All share the tone's start timestamp.
	dst := relayAddr(pair)
	phoneA.WriteToUDP(makeEventPacket(101, 10, 8000, 5, false, 400), dst)
	phoneA.WriteToUDP(makeEventPacket(101, 11, 8000, 5, false, 800), dst)
	for seq := uint16(12); seq <= 14; seq++ {
		phoneA.WriteToUDP(makeEventPacket(101, seq, 8000, 5, true, 800), dst)
	}

	select {
	case ev := <-r.Events():
		if ev.Digit != '5' {
			t.Errorf("Digit = %q, want '5'", ev.Digit)
		}
		if ev.DurationMs != 100 {
			t.Errorf("DurationMs = %d, want 100", ev.DurationMs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for telephone event")
	}

	// The redundant end copies must not produce more events.
	select {
	case ev := <-r.Events():
		t.Errorf("unexpected extra event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}

	// Telephone-event packets never reach the other leg.
	if _, err := readPacket(t, phoneB, 200*time.Millisecond); err == nil {
		t.Error("telephone-event packet was forwarded")
	}
}

func TestRelayLearnsRealSource(t *testing.T) {
	pair := newTestPair(t)
	defer pair.Close()
	phoneA, addrA := newPhone(t)
	defer phoneA.Close()
	phoneB, addrB := newPhone(t)
	defer phoneB.Close()

	// Leg A's SDP advertised an address it does not really send from,
	// which is what a phone behind NAT looks like.
	advertised := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 40000}

	r := NewRelay("call-learn", pair, slog.Default())
	r.SetCodec(audio.PayloadPCMU, -1)
	r.SetEndpoints(advertised, addrB)
	r.Start()
	defer r.Stop()

	// Leg B sends first from its advertised address and is confirmed.
	phoneB.WriteToUDP(makeRTPPacket(audio.PayloadPCMU, 1, 0, []byte{0xFF, 0xFF}), relayAddr(pair))
	waitForStat(t, func() uint64 { return r.Stats().BToA.Packets }, 1)

	// Leg A's first packet arrives from a wholly different address. It
	// must rebind leg A, not displace the confirmed leg B.
	sent := makeRTPPacket(audio.PayloadPCMU, 2, 160, bytes.Repeat([]byte{0xD5}, 160))
	phoneA.WriteToUDP(sent, relayAddr(pair))

	got, err := readPacket(t, phoneB, 2*time.Second)
	if err != nil {
		t.Fatalf("phone B read: %v", err)
	}
	if !bytes.Equal(got, sent) {
		t.Error("forwarded packet does not match the original")
	}

	learned := r.EndpointA()
	if learned == nil || !learned.IP.Equal(addrA.IP) || learned.Port != addrA.Port {
		t.Fatalf("EndpointA() = %v, want %v", learned, addrA)
	}
	if ep := r.EndpointB(); !ep.IP.Equal(addrB.IP) || ep.Port != addrB.Port {
		t.Fatalf("EndpointB() = %v, want %v (must not be displaced)", ep, addrB)
	}

	// Return traffic now reaches leg A's real address.
	phoneB.WriteToUDP(makeRTPPacket(audio.PayloadPCMU, 3, 320, []byte{0xFF, 0xFF}), relayAddr(pair))
	if _, err := readPacket(t, phoneA, 2*time.Second); err != nil {
		t.Fatalf("phone A read after learning: %v", err)
	}
}

func TestRelayRejectsUnknownAfterWindow(t *testing.T) {
	pair := newTestPair(t)
	defer pair.Close()
	phoneA, addrA := newPhone(t)
	defer phoneA.Close()
	phoneB, addrB := newPhone(t)
	defer phoneB.Close()
	stranger, _ := newPhone(t)
	defer stranger.Close()

	r := NewRelay("call-window", pair, slog.Default())
	r.SetEndpoints(addrA, addrB)
	r.learnWindow = time.Millisecond
	r.Start()
	defer r.Stop()

	time.Sleep(50 * time.Millisecond)

	stranger.WriteToUDP(makeRTPPacket(audio.PayloadPCMU, 1, 0, []byte{0x00, 0x00}), relayAddr(pair))
	waitForStat(t, func() uint64 { return r.Stats().UnknownDrops }, 1)

	if ep := r.EndpointA(); ep.Port != addrA.Port {
		t.Errorf("EndpointA() = %v, want %v", ep, addrA)
	}
	if ep := r.EndpointB(); ep.Port != addrB.Port {
		t.Errorf("EndpointB() = %v, want %v", ep, addrB)
	}
}

func TestRelayHoldStopsForwarding(t *testing.T) {
	pair := newTestPair(t)
	defer pair.Close()
	phoneA, addrA := newPhone(t)
	defer phoneA.Close()
	phoneB, addrB := newPhone(t)
	defer phoneB.Close()

	r := NewRelay("call-hold", pair, slog.Default())
	r.SetEndpoints(addrA, addrB)
	r.Start()
	defer r.Stop()

	r.SetForwarding(DirAToB, false)

	phoneA.WriteToUDP(makeRTPPacket(audio.PayloadPCMU, 1, 0, []byte{0xFF, 0xFF}), relayAddr(pair))
	waitForStat(t, func() uint64 { return r.Stats().AToB.Packets }, 1)
	if _, err := readPacket(t, phoneB, 200*time.Millisecond); err == nil {
		t.Fatal("held direction still forwarded")
	}

	r.SetForwarding(DirAToB, true)

	phoneA.WriteToUDP(makeRTPPacket(audio.PayloadPCMU, 2, 160, []byte{0xFF, 0xFF}), relayAddr(pair))
	if _, err := readPacket(t, phoneB, 2*time.Second); err != nil {
		t.Fatalf("resumed direction not forwarded: %v", err)
	}
}

func TestRelayBeforeCalleeKnown(t *testing.T) {
	pair := newTestPair(t)
	defer pair.Close()
	phoneA, addrA := newPhone(t)
	defer phoneA.Close()
	phoneB, addrB := newPhone(t)
	defer phoneB.Close()

	r := NewRelay("call-early", pair, slog.Default())
	r.SetEndpoints(addrA, nil)
	r.Start()
	defer r.Stop()

	// Early packets from the caller are accepted but have nowhere to go.
	phoneA.WriteToUDP(makeRTPPacket(audio.PayloadPCMU, 1, 0, []byte{0xFF, 0xFF}), relayAddr(pair))
	waitForStat(t, func() uint64 { return r.Stats().AToB.Packets }, 1)

	// Once the answer's SDP names leg B, traffic flows.
	r.SetEndpoints(nil, addrB)
	phoneA.WriteToUDP(makeRTPPacket(audio.PayloadPCMU, 2, 160, []byte{0xFF, 0xFF}), relayAddr(pair))
	if _, err := readPacket(t, phoneB, 2*time.Second); err != nil {
		t.Fatalf("phone B read: %v", err)
	}
}

func TestRelayRecordsAudio(t *testing.T) {
	pair := newTestPair(t)
	defer pair.Close()
	phoneA, addrA := newPhone(t)
	defer phoneA.Close()
	phoneB, addrB := newPhone(t)
	defer phoneB.Close()

	r := NewRelay("call-rec", pair, slog.Default())
	r.SetCodec(audio.PayloadPCMU, -1)
	r.SetEndpoints(addrA, addrB)
	r.Start()
	defer r.Stop()

	path := filepath.Join(t.TempDir(), "call.wav")
	if err := r.RecordTo(path); err != nil {
		t.Fatalf("RecordTo: %v", err)
	}

	payload := bytes.Repeat([]byte{0xFE}, 160)
	for seq := uint16(1); seq <= 5; seq++ {
		phoneA.WriteToUDP(makeRTPPacket(audio.PayloadPCMU, seq, uint32(seq)*160, payload), relayAddr(pair))
	}
	// Forwarding happens after the recording tap, so once phone B has all
	// five packets the recorder has been fed all five.
	for i := 0; i < 5; i++ {
		if _, err := readPacket(t, phoneB, 2*time.Second); err != nil {
			t.Fatalf("phone B read %d: %v", i, err)
		}
	}

	gotPath, _ := r.StopRecording()
	if gotPath != path {
		t.Fatalf("StopRecording path = %q, want %q", gotPath, path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer f.Close()
	info, err := audio.ReadWAVHeader(f)
	if err != nil {
		t.Fatalf("ReadWAVHeader: %v", err)
	}
	if info.Format != audio.WAVFormatPCMU {
		t.Errorf("Format = %d, want %d", info.Format, audio.WAVFormatPCMU)
	}
	if info.DataSize != 5*160 {
		t.Errorf("DataSize = %d, want %d", info.DataSize, 5*160)
	}
}
