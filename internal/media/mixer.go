package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironpbx/ironpbx/internal/audio"
)

// MixerParticipant is one leg of a conference mix. Audio arriving from
// the participant's phone is decoded off the relay's tap; mixed audio
// from everyone else is injected back toward the phone.
type MixerParticipant struct {
	// ID uniquely identifies this participant (the call ID).
	ID string

	relay *Relay

	// muted excludes this participant's audio from the mix. A muted
	// participant still hears the others.
	muted atomic.Bool

	// frame holds the most recent decoded packet from this participant.
	// fresh marks it unconsumed; the mix loop clears it each cycle.
	mu    sync.Mutex
	frame [samplesPerPacket]int16
	fresh bool
}

// SetMuted sets the mute state for this participant.
func (p *MixerParticipant) SetMuted(muted bool) {
	p.muted.Store(muted)
}

// IsMuted returns true if this participant is muted.
func (p *MixerParticipant) IsMuted() bool {
	return p.muted.Load()
}

// takeAudio copies the pending frame into dst and reports whether one was
// available this cycle.
func (p *MixerParticipant) takeAudio(dst *[samplesPerPacket]int16) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.fresh {
		return false
	}
	*dst = p.frame
	p.fresh = false
	return true
}

// feedAudio decodes one inbound payload into the pending frame. It runs
// on the relay loop, so it only decodes and stores.
func (p *MixerParticipant) feedAudio(payload []byte, payloadType uint8) {
	pt := int(payloadType)
	if pt != audio.PayloadPCMU && pt != audio.PayloadPCMA {
		return
	}
	pcm := audio.Decode(pt, payload)

	p.mu.Lock()
	n := copy(p.frame[:], pcm)
	for i := n; i < samplesPerPacket; i++ {
		p.frame[i] = 0
	}
	p.fresh = true
	p.mu.Unlock()
}

// Mixer implements N-way audio mixing for conference rooms.
//
// Each participant is an answered call whose relay already owns the
// socket pair and codec. A single mix goroutine runs every 20ms: it
// collects the latest decoded frame from each participant, sums them,
// and hands each participant the sum minus their own contribution, so
// nobody hears their own echo. Mixed frames ride the relay's injector,
// which owns the outbound RTP stream state.
type Mixer struct {
	logger *slog.Logger

	mu           sync.RWMutex
	participants map[string]*MixerParticipant

	stopped atomic.Bool
	mixDone chan struct{}

	// toneMu guards toneFrames and tonePos. When toneFrames is non-nil,
	// the mix loop adds the tone to every participant's output.
	toneMu     sync.Mutex
	toneFrames []int16
	tonePos    int

	recorder atomic.Pointer[Recorder]
}

// NewMixer creates a conference audio mixer.
func NewMixer(logger *slog.Logger) *Mixer {
	return &Mixer{
		logger:       logger.With("subsystem", "conference-mixer"),
		participants: make(map[string]*MixerParticipant),
	}
}

// AddParticipant bridges a call's relay into the mix. The relay must
// have negotiated a G.711 codec.
func (m *Mixer) AddParticipant(id string, relay *Relay) (*MixerParticipant, error) {
	pt := relay.PayloadType()
	if pt != audio.PayloadPCMU && pt != audio.PayloadPCMA {
		return nil, fmt.Errorf("unsupported conference codec: payload type %d, only PCMU (0) and PCMA (8) supported", pt)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.participants[id]; exists {
		return nil, fmt.Errorf("participant %q already in conference", id)
	}

	p := &MixerParticipant{ID: id, relay: relay}
	relay.SetAudioTap(DirAToB, p.feedAudio)
	m.participants[id] = p

	m.logger.Info("participant added to conference",
		"participant_id", id,
		"payload_type", pt,
		"total_participants", len(m.participants),
	)
	return p, nil
}

// RemoveParticipant unhooks a participant's relay from the mix. The
// relay itself stays up; it belongs to the call.
func (m *Mixer) RemoveParticipant(id string) error {
	m.mu.Lock()
	p, exists := m.participants[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("participant %q not in conference", id)
	}
	delete(m.participants, id)
	count := len(m.participants)
	m.mu.Unlock()

	p.relay.SetAudioTap(DirAToB, nil)

	m.logger.Info("participant removed from conference",
		"participant_id", id,
		"remaining_participants", count,
	)
	return nil
}

// ParticipantCount returns the number of active participants.
func (m *Mixer) ParticipantCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.participants)
}

// GetParticipant returns the participant with the given ID, or nil.
func (m *Mixer) GetParticipant(id string) *MixerParticipant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.participants[id]
}

// ParticipantIDs returns a snapshot of all current participant IDs.
func (m *Mixer) ParticipantIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.participants))
	for id := range m.participants {
		ids = append(ids, id)
	}
	return ids
}

// Start begins the mix loop. It runs until Stop or context cancellation.
func (m *Mixer) Start(ctx context.Context) {
	m.mixDone = make(chan struct{})
	go m.mixLoop(ctx)

	m.logger.Info("conference mixer started")
}

// Stop signals the mix loop to stop and waits for it to finish.
func (m *Mixer) Stop() {
	m.stopped.Store(true)
	if m.mixDone != nil {
		<-m.mixDone
	}
	m.logger.Info("conference mixer stopped")
}

// Release stops the mixer, unhooks all participants, and finalizes any
// room recording. Participant relays are left running; they belong to
// their calls.
func (m *Mixer) Release() {
	m.Stop()

	m.mu.Lock()
	participants := make([]*MixerParticipant, 0, len(m.participants))
	for _, p := range m.participants {
		participants = append(participants, p)
	}
	m.participants = make(map[string]*MixerParticipant)
	m.mu.Unlock()

	for _, p := range participants {
		p.relay.SetAudioTap(DirAToB, nil)
	}
	m.StopRecording()

	m.logger.Info("conference mixer released",
		"participants_released", len(participants),
	)
}

// RecordTo starts capturing the full room mix to a WAV file.
func (m *Mixer) RecordTo(path string) error {
	rec, err := NewRecorder(path, m.logger)
	if err != nil {
		return err
	}
	if old := m.recorder.Swap(rec); old != nil {
		old.Stop()
	}
	return nil
}

// StopRecording finalizes the room recording, returning its path and
// duration in seconds, or "" and 0 when nothing was recording.
func (m *Mixer) StopRecording() (string, int) {
	rec := m.recorder.Swap(nil)
	if rec == nil {
		return "", 0
	}
	return rec.Stop()
}

func (m *Mixer) mixLoop(ctx context.Context) {
	defer close(m.mixDone)

	ticker := time.NewTicker(packetDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.stopped.Load() {
				return
			}
			m.mixCycle()
		}
	}
}

// mixCycle performs one iteration of the mix loop:
//  1. Collect the latest decoded frame from each participant.
//  2. Sum everything, including any active tone.
//  3. Hand each participant the sum minus their own contribution.
func (m *Mixer) mixCycle() {
	m.mu.RLock()
	parts := make([]*MixerParticipant, 0, len(m.participants))
	for _, p := range m.participants {
		parts = append(parts, p)
	}
	m.mu.RUnlock()

	if len(parts) == 0 {
		return
	}

	frames := make([][samplesPerPacket]int16, len(parts))
	heard := make([]bool, len(parts))
	heardCount := 0
	for i, p := range parts {
		if !p.takeAudio(&frames[i]) {
			continue
		}
		if p.IsMuted() {
			continue
		}
		heard[i] = true
		heardCount++
	}

	var toneBuf [samplesPerPacket]int16
	hasTone := m.drainTone(toneBuf[:], samplesPerPacket) > 0

	// Full sum in 32-bit to survive clipping until the final clamp.
	var full [samplesPerPacket]int32
	anyAudio := hasTone
	for i := range parts {
		if !heard[i] {
			continue
		}
		anyAudio = true
		for s := 0; s < samplesPerPacket; s++ {
			full[s] += int32(frames[i][s])
		}
	}
	if hasTone {
		for s := 0; s < samplesPerPacket; s++ {
			full[s] += int32(toneBuf[s])
		}
	}
	if !anyAudio {
		return
	}

	if rec := m.recorder.Load(); rec != nil {
		var mix [samplesPerPacket]int16
		for s := 0; s < samplesPerPacket; s++ {
			mix[s] = clampPCM(full[s])
		}
		rec.Feed(audio.EncodePCMU(mix[:]), audio.PayloadPCMU)
	}

	for i, dest := range parts {
		// Nothing to hear: everyone else is silent and no tone plays.
		others := heardCount
		if heard[i] {
			others--
		}
		if others == 0 && !hasTone {
			continue
		}

		var out [samplesPerPacket]int16
		for s := 0; s < samplesPerPacket; s++ {
			v := full[s]
			if heard[i] {
				v -= int32(frames[i][s])
			}
			out[s] = clampPCM(v)
		}
		frame := audio.Encode(dest.relay.PayloadType(), out[:])
		dest.relay.Inject(DirBToA, frame)
	}
}

func clampPCM(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// InjectTone queues a sine tone to be mixed into every participant's
// output over the next cycles, used for join and leave notifications.
func (m *Mixer) InjectTone(frequencyHz, amplitude float64, duration time.Duration) {
	samples := audio.GenerateBeep(frequencyHz, amplitude, duration)

	m.toneMu.Lock()
	m.toneFrames = samples
	m.tonePos = 0
	m.toneMu.Unlock()

	m.logger.Debug("tone injected into conference",
		"frequency_hz", frequencyHz,
		"duration_ms", duration.Milliseconds(),
	)
}

// drainTone copies up to n samples from the active tone buffer into dst,
// returning the number of samples written. When the tone is fully
// consumed the buffer is cleared.
func (m *Mixer) drainTone(dst []int16, n int) int {
	m.toneMu.Lock()
	defer m.toneMu.Unlock()

	if m.toneFrames == nil {
		return 0
	}

	remaining := len(m.toneFrames) - m.tonePos
	if remaining <= 0 {
		m.toneFrames = nil
		m.tonePos = 0
		return 0
	}

	count := n
	if count > remaining {
		count = remaining
	}
	copy(dst[:count], m.toneFrames[m.tonePos:m.tonePos+count])
	m.tonePos += count

	if m.tonePos >= len(m.toneFrames) {
		m.toneFrames = nil
		m.tonePos = 0
	}
	return count
}
