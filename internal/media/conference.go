package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConferenceRoom is an active conference backed by an audio Mixer. Rooms
// are created on demand when the first participant joins and destroyed
// when the last one leaves.
type ConferenceRoom struct {
	Number        string
	Mixer         *Mixer
	MaxMembers    int
	AnnounceJoins bool

	// done is closed when the room is empty and has been removed.
	done chan struct{}
}

// ConferenceParticipant describes one member of a room.
type ConferenceParticipant struct {
	ID          string // call ID
	Room        string
	PayloadType int
	Port        int // the relay's local RTP port
	Muted       bool
}

// ConferenceManager maps room numbers to live Mixer instances and
// handles the full lifecycle: create on first join, add and remove
// participants, kick, and destroy when empty.
type ConferenceManager struct {
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*ConferenceRoom
}

// NewConferenceManager creates a conference manager.
func NewConferenceManager(logger *slog.Logger) *ConferenceManager {
	return &ConferenceManager{
		logger: logger.With("subsystem", "conference-manager"),
		rooms:  make(map[string]*ConferenceRoom),
	}
}

const (
	// conferenceToneHz is the frequency of the join and leave tones.
	conferenceToneHz = 440.0

	// conferenceToneAmplitude keeps the tone well under speech level.
	conferenceToneAmplitude = 0.25

	// A longer tone for joins, a shorter one for leaves.
	conferenceJoinToneDuration  = 200 * time.Millisecond
	conferenceLeaveToneDuration = 100 * time.Millisecond
)

// Join adds a call to a conference room, creating the room and starting
// its mixer on first join. The call's relay carries the audio; the
// caller must call Leave when the participant hangs up.
func (cm *ConferenceManager) Join(ctx context.Context, number string, maxMembers int, announceJoins bool, participantID string, relay *Relay) (*ConferenceRoom, error) {
	cm.mu.Lock()

	room, exists := cm.rooms[number]
	if !exists {
		mixer := NewMixer(cm.logger)
		room = &ConferenceRoom{
			Number:        number,
			Mixer:         mixer,
			MaxMembers:    maxMembers,
			AnnounceJoins: announceJoins,
			done:          make(chan struct{}),
		}
		cm.rooms[number] = room
		mixer.Start(ctx)

		cm.logger.Info("conference room created",
			"room", number,
			"max_members", maxMembers,
			"announce_joins", announceJoins,
		)
	}

	current := room.Mixer.ParticipantCount()
	if maxMembers > 0 && current >= maxMembers {
		cm.mu.Unlock()
		return nil, fmt.Errorf("conference %q is full (%d/%d members)", number, current, maxMembers)
	}

	cm.mu.Unlock()

	if _, err := room.Mixer.AddParticipant(participantID, relay); err != nil {
		return nil, fmt.Errorf("adding participant to conference %q: %w", number, err)
	}

	cm.logger.Info("participant joined conference",
		"room", number,
		"participant_id", participantID,
		"participants", room.Mixer.ParticipantCount(),
	)

	if room.AnnounceJoins {
		room.Mixer.InjectTone(conferenceToneHz, conferenceToneAmplitude, conferenceJoinToneDuration)
	}
	return room, nil
}

// Leave removes a participant from a room. An empty room is destroyed
// and its mixer released.
func (cm *ConferenceManager) Leave(number, participantID string) error {
	cm.mu.Lock()
	room, exists := cm.rooms[number]
	if !exists {
		cm.mu.Unlock()
		return fmt.Errorf("conference room %q not found", number)
	}
	cm.mu.Unlock()

	if err := room.Mixer.RemoveParticipant(participantID); err != nil {
		return fmt.Errorf("removing participant from conference: %w", err)
	}

	remaining := room.Mixer.ParticipantCount()

	cm.logger.Info("participant left conference",
		"room", number,
		"participant_id", participantID,
		"remaining", remaining,
	)

	if room.AnnounceJoins && remaining > 0 {
		room.Mixer.InjectTone(conferenceToneHz, conferenceToneAmplitude, conferenceLeaveToneDuration)
	}

	cm.mu.Lock()
	if room.Mixer.ParticipantCount() == 0 {
		delete(cm.rooms, number)
		cm.mu.Unlock()

		room.Mixer.Release()
		close(room.done)

		cm.logger.Info("conference room destroyed (empty)", "room", number)
		return nil
	}
	cm.mu.Unlock()

	return nil
}

// Kick forcibly removes a participant. Same as Leave with audit logging.
func (cm *ConferenceManager) Kick(number, participantID string) error {
	cm.logger.Info("kicking participant from conference",
		"room", number,
		"participant_id", participantID,
	)
	return cm.Leave(number, participantID)
}

// MuteParticipant sets the mute state for a room member.
func (cm *ConferenceManager) MuteParticipant(number, participantID string, muted bool) error {
	cm.mu.Lock()
	room, exists := cm.rooms[number]
	cm.mu.Unlock()

	if !exists {
		return fmt.Errorf("conference room %q not found", number)
	}

	p := room.Mixer.GetParticipant(participantID)
	if p == nil {
		return fmt.Errorf("participant %q not in conference %q", participantID, number)
	}
	p.SetMuted(muted)

	cm.logger.Info("participant mute state changed",
		"room", number,
		"participant_id", participantID,
		"muted", muted,
	)
	return nil
}

// StartRecording begins capturing a room's full mix to the given path.
func (cm *ConferenceManager) StartRecording(number, path string) error {
	cm.mu.Lock()
	room, exists := cm.rooms[number]
	cm.mu.Unlock()

	if !exists {
		return fmt.Errorf("conference room %q not found", number)
	}
	return room.Mixer.RecordTo(path)
}

// StopRecording finalizes a room recording, returning path and duration.
func (cm *ConferenceManager) StopRecording(number string) (string, int, error) {
	cm.mu.Lock()
	room, exists := cm.rooms[number]
	cm.mu.Unlock()

	if !exists {
		return "", 0, fmt.Errorf("conference room %q not found", number)
	}
	path, seconds := room.Mixer.StopRecording()
	return path, seconds, nil
}

// GetRoom returns the active room with the given number, or nil.
func (cm *ConferenceManager) GetRoom(number string) *ConferenceRoom {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.rooms[number]
}

// ActiveRooms returns the number of currently active rooms.
func (cm *ConferenceManager) ActiveRooms() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.rooms)
}

// Participants lists the members of a room. A missing room yields nil.
func (cm *ConferenceManager) Participants(number string) []ConferenceParticipant {
	cm.mu.Lock()
	room, exists := cm.rooms[number]
	cm.mu.Unlock()

	if !exists {
		return nil
	}

	ids := room.Mixer.ParticipantIDs()
	result := make([]ConferenceParticipant, 0, len(ids))
	for _, id := range ids {
		p := room.Mixer.GetParticipant(id)
		if p == nil {
			continue
		}
		result = append(result, ConferenceParticipant{
			ID:          id,
			Room:        number,
			PayloadType: p.relay.PayloadType(),
			Port:        p.relay.Port(),
			Muted:       p.IsMuted(),
		})
	}
	return result
}

// ReleaseAll tears down every room. Used during shutdown.
func (cm *ConferenceManager) ReleaseAll() {
	cm.mu.Lock()
	rooms := make([]*ConferenceRoom, 0, len(cm.rooms))
	for _, room := range cm.rooms {
		rooms = append(rooms, room)
	}
	cm.rooms = make(map[string]*ConferenceRoom)
	cm.mu.Unlock()

	for _, room := range rooms {
		room.Mixer.Release()
		close(room.done)
	}

	cm.logger.Info("all conference rooms released", "count", len(rooms))
}
