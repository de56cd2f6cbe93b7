package media

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/ironpbx/ironpbx/internal/audio"
)

// confLeg builds a started relay whose leg A is a local phone socket,
// which is what a conference participant's call looks like.
func confLeg(t *testing.T, callID string) (*Relay, *SocketPair, *net.UDPConn) {
	t.Helper()
	pair := newTestPair(t)
	phone, addr := newPhone(t)

	r := NewRelay(callID, pair, slog.Default())
	r.SetCodec(audio.PayloadPCMU, -1)
	r.SetEndpoints(addr, nil)
	r.Start()
	return r, pair, phone
}

func TestMixerCrossFeed(t *testing.T) {
	r1, pair1, phone1 := confLeg(t, "conf-1")
	defer func() { r1.Stop(); pair1.Close(); phone1.Close() }()
	r2, pair2, phone2 := confLeg(t, "conf-2")
	defer func() { r2.Stop(); pair2.Close(); phone2.Close() }()

	m := NewMixer(slog.Default())
	m.Start(context.Background())
	defer m.Stop()

	if _, err := m.AddParticipant("conf-1", r1); err != nil {
		t.Fatalf("AddParticipant conf-1: %v", err)
	}
	if _, err := m.AddParticipant("conf-2", r2); err != nil {
		t.Fatalf("AddParticipant conf-2: %v", err)
	}

	// Phone 1 talks for half a second.
	payload := bytes.Repeat([]byte{0x30}, 160)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 25; i++ {
			select {
			case <-stop:
				return
			default:
			}
			phone1.WriteToUDP(makeRTPPacket(audio.PayloadPCMU, uint16(i+1), uint32(i*160), payload), relayAddr(pair1))
			time.Sleep(20 * time.Millisecond)
		}
	}()
	defer func() { close(stop); <-done }()

	// Phone 2 hears phone 1. With a single contributor the mix is the
	// original audio, modulo one decode and encode round trip.
	raw, err := readPacket(t, phone2, 2*time.Second)
	if err != nil {
		t.Fatalf("phone 2 heard nothing: %v", err)
	}
	p := &rtp.Packet{}
	if err := p.Unmarshal(raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := audio.EncodePCMU(audio.DecodePCMU(payload))
	if !bytes.Equal(p.Payload, want) {
		t.Error("mixed audio does not match the single contributor's audio")
	}

	// Phone 1 must not hear its own audio back.
	if _, err := readPacket(t, phone1, 300*time.Millisecond); err == nil {
		t.Error("participant heard their own echo")
	}
}

func TestMixerRejectsDuplicateAndUnknown(t *testing.T) {
	r1, pair1, phone1 := confLeg(t, "dup-1")
	defer func() { r1.Stop(); pair1.Close(); phone1.Close() }()

	m := NewMixer(slog.Default())

	if _, err := m.AddParticipant("dup-1", r1); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if _, err := m.AddParticipant("dup-1", r1); err == nil {
		t.Error("duplicate participant accepted")
	}
	if err := m.RemoveParticipant("ghost"); err == nil {
		t.Error("removing an unknown participant succeeded")
	}
	if err := m.RemoveParticipant("dup-1"); err != nil {
		t.Errorf("RemoveParticipant: %v", err)
	}
	if m.ParticipantCount() != 0 {
		t.Errorf("ParticipantCount = %d, want 0", m.ParticipantCount())
	}
}

func TestConferenceManagerLifecycle(t *testing.T) {
	r1, pair1, phone1 := confLeg(t, "room-call-1")
	defer func() { r1.Stop(); pair1.Close(); phone1.Close() }()
	r2, pair2, phone2 := confLeg(t, "room-call-2")
	defer func() { r2.Stop(); pair2.Close(); phone2.Close() }()

	cm := NewConferenceManager(slog.Default())
	ctx := context.Background()

	room, err := cm.Join(ctx, "9000", 0, false, "room-call-1", r1)
	if err != nil {
		t.Fatalf("Join 1: %v", err)
	}
	if room.Number != "9000" {
		t.Errorf("room number = %q, want %q", room.Number, "9000")
	}
	if cm.ActiveRooms() != 1 {
		t.Fatalf("ActiveRooms = %d, want 1", cm.ActiveRooms())
	}

	if _, err := cm.Join(ctx, "9000", 0, false, "room-call-2", r2); err != nil {
		t.Fatalf("Join 2: %v", err)
	}

	parts := cm.Participants("9000")
	if len(parts) != 2 {
		t.Fatalf("Participants = %d, want 2", len(parts))
	}

	if err := cm.MuteParticipant("9000", "room-call-1", true); err != nil {
		t.Fatalf("MuteParticipant: %v", err)
	}
	if p := room.Mixer.GetParticipant("room-call-1"); !p.IsMuted() {
		t.Error("participant not muted")
	}

	if err := cm.Leave("9000", "room-call-1"); err != nil {
		t.Fatalf("Leave 1: %v", err)
	}
	if cm.ActiveRooms() != 1 {
		t.Errorf("room destroyed while occupied")
	}

	if err := cm.Leave("9000", "room-call-2"); err != nil {
		t.Fatalf("Leave 2: %v", err)
	}
	if cm.ActiveRooms() != 0 {
		t.Errorf("empty room not destroyed")
	}
}

func TestConferenceManagerFullRoom(t *testing.T) {
	r1, pair1, phone1 := confLeg(t, "full-1")
	defer func() { r1.Stop(); pair1.Close(); phone1.Close() }()
	r2, pair2, phone2 := confLeg(t, "full-2")
	defer func() { r2.Stop(); pair2.Close(); phone2.Close() }()

	cm := NewConferenceManager(slog.Default())
	ctx := context.Background()

	if _, err := cm.Join(ctx, "9001", 1, false, "full-1", r1); err != nil {
		t.Fatalf("Join 1: %v", err)
	}
	if _, err := cm.Join(ctx, "9001", 1, false, "full-2", r2); err == nil {
		t.Error("join succeeded on a full room")
	}

	cm.ReleaseAll()
	if cm.ActiveRooms() != 0 {
		t.Errorf("ActiveRooms after ReleaseAll = %d, want 0", cm.ActiveRooms())
	}
}
