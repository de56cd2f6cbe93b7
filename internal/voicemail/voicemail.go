// Package voicemail stores recorded messages on disk, one directory per
// mailbox. Audio is captured elsewhere (the media relay records straight
// to a scratch WAV); this package owns naming, metadata, message state,
// and retention.
//
// Layout under the store root:
//
//	<root>/<mailbox>/greeting.wav
//	<root>/<mailbox>/messages/<id>.wav
//	<root>/<mailbox>/messages/<id>.meta.json
package voicemail

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a mailbox or message does not exist.
var ErrNotFound = errors.New("voicemail: not found")

const (
	greetingFile = "greeting.wav"
	messagesDir  = "messages"
	metaSuffix   = ".meta.json"

	// scratchPrefix marks half-written recordings. Listings skip them
	// and the sweeper removes stale ones.
	scratchPrefix = ".tmp."

	// scratchMaxAge is how long an uncommitted scratch file may linger
	// before the sweeper treats it as abandoned.
	scratchMaxAge = time.Hour
)

// Message is the metadata stored next to each recording.
type Message struct {
	ID          string    `json:"id"`
	Mailbox     string    `json:"mailbox"`
	From        string    `json:"from"`
	CallerName  string    `json:"caller_name,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
	DurationSec int       `json:"duration_sec"`
	Heard       bool      `json:"heard"`
}

// Counts summarizes a mailbox for MWI: unheard and heard totals.
type Counts struct {
	New int
	Old int
}

// Store manages mailboxes under a single root directory.
type Store struct {
	root   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewStore creates the root directory if needed.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create voicemail root: %w", err)
	}
	return &Store{
		root:   root,
		logger: logger.With("subsystem", "voicemail"),
	}, nil
}

// EnsureMailbox creates the mailbox directories if they do not exist.
func (s *Store) EnsureMailbox(mailbox string) error {
	if err := validMailbox(mailbox); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.root, mailbox, messagesDir), 0o755)
}

// GreetingPath returns the custom greeting for the mailbox and whether
// one has been recorded.
func (s *Store) GreetingPath(mailbox string) (string, bool) {
	path := filepath.Join(s.root, mailbox, greetingFile)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return "", false
	}
	return path, true
}

// ScratchPath reserves a unique temp file name inside the mailbox for an
// in-progress recording. It lives next to the final location so the
// commit rename never crosses filesystems.
func (s *Store) ScratchPath(mailbox string) (string, error) {
	if err := s.EnsureMailbox(mailbox); err != nil {
		return "", err
	}
	name := scratchPrefix + uuid.NewString() + ".wav"
	return filepath.Join(s.root, mailbox, messagesDir, name), nil
}

// Commit moves a finished scratch recording into place and writes its
// metadata. The message ID and timestamp are assigned here.
func (s *Store) Commit(mailbox, scratchPath string, msg Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.EnsureMailbox(mailbox); err != nil {
		return nil, err
	}
	if _, err := os.Stat(scratchPath); err != nil {
		return nil, fmt.Errorf("scratch recording missing: %w", err)
	}

	msg.ID = uuid.NewString()
	msg.Mailbox = mailbox
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}

	wavPath := s.messagePath(mailbox, msg.ID)
	if err := os.Rename(scratchPath, wavPath); err != nil {
		return nil, fmt.Errorf("commit recording: %w", err)
	}
	if err := s.writeMeta(mailbox, &msg); err != nil {
		os.Remove(wavPath)
		return nil, err
	}

	s.logger.Info("voicemail stored",
		"mailbox", mailbox,
		"message_id", msg.ID,
		"from", msg.From,
		"duration_sec", msg.DurationSec,
	)
	return &msg, nil
}

// CommitGreeting replaces the mailbox greeting with a finished scratch
// recording.
func (s *Store) CommitGreeting(mailbox, scratchPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.EnsureMailbox(mailbox); err != nil {
		return err
	}
	if err := os.Rename(scratchPath, filepath.Join(s.root, mailbox, greetingFile)); err != nil {
		return fmt.Errorf("commit greeting: %w", err)
	}
	s.logger.Info("voicemail greeting updated", "mailbox", mailbox)
	return nil
}

// Discard removes an abandoned scratch recording.
func (s *Store) Discard(scratchPath string) {
	if scratchPath == "" {
		return
	}
	if err := os.Remove(scratchPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to discard scratch recording", "path", scratchPath, "error", err)
	}
}

// Messages lists a mailbox, newest first. A missing mailbox is an empty
// list, not an error.
func (s *Store) Messages(mailbox string) ([]Message, error) {
	if err := validMailbox(mailbox); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, mailbox, messagesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list mailbox %s: %w", mailbox, err)
	}

	var msgs []Message
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, metaSuffix) || strings.HasPrefix(name, scratchPrefix) {
			continue
		}
		msg, err := s.readMeta(filepath.Join(dir, name))
		if err != nil {
			s.logger.Warn("skipping unreadable voicemail metadata", "path", name, "error", err)
			continue
		}
		msgs = append(msgs, *msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ReceivedAt.After(msgs[j].ReceivedAt) })
	return msgs, nil
}

// Get loads one message's metadata.
func (s *Store) Get(mailbox, id string) (*Message, error) {
	if err := validMailbox(mailbox); err != nil {
		return nil, err
	}
	msg, err := s.readMeta(s.metaPath(mailbox, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return msg, nil
}

// MessagePath returns where a message's audio lives. The file may not
// exist; callers stat or open it.
func (s *Store) MessagePath(mailbox, id string) string {
	return s.messagePath(mailbox, id)
}

// MarkHeard flips a message to heard. Idempotent.
func (s *Store) MarkHeard(mailbox, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.Get(mailbox, id)
	if err != nil {
		return err
	}
	if msg.Heard {
		return nil
	}
	msg.Heard = true
	return s.writeMeta(mailbox, msg)
}

// Delete removes a message's audio and metadata.
func (s *Store) Delete(mailbox, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validMailbox(mailbox); err != nil {
		return err
	}
	metaErr := os.Remove(s.metaPath(mailbox, id))
	wavErr := os.Remove(s.messagePath(mailbox, id))
	if os.IsNotExist(metaErr) && os.IsNotExist(wavErr) {
		return ErrNotFound
	}
	if metaErr != nil && !os.IsNotExist(metaErr) {
		return fmt.Errorf("delete message %s: %w", id, metaErr)
	}
	if wavErr != nil && !os.IsNotExist(wavErr) {
		return fmt.Errorf("delete message audio %s: %w", id, wavErr)
	}
	s.logger.Info("voicemail deleted", "mailbox", mailbox, "message_id", id)
	return nil
}

// CountsFor reports unheard and heard message totals for MWI.
func (s *Store) CountsFor(mailbox string) (Counts, error) {
	msgs, err := s.Messages(mailbox)
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	for i := range msgs {
		if msgs[i].Heard {
			c.Old++
		} else {
			c.New++
		}
	}
	return c, nil
}

// TotalMessages sums message counts across every mailbox, for the
// metrics collector. Unreadable boxes are skipped.
func (s *Store) TotalMessages() (newCount, oldCount int, err error) {
	boxes, err := s.Mailboxes()
	if err != nil {
		return 0, 0, err
	}
	for _, mb := range boxes {
		c, err := s.CountsFor(mb)
		if err != nil {
			continue
		}
		newCount += c.New
		oldCount += c.Old
	}
	return newCount, oldCount, nil
}

// Mailboxes lists every mailbox directory under the root.
func (s *Store) Mailboxes() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	var boxes []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			boxes = append(boxes, e.Name())
		}
	}
	sort.Strings(boxes)
	return boxes, nil
}

func (s *Store) messagePath(mailbox, id string) string {
	return filepath.Join(s.root, mailbox, messagesDir, id+".wav")
}

func (s *Store) metaPath(mailbox, id string) string {
	return filepath.Join(s.root, mailbox, messagesDir, id+metaSuffix)
}

func (s *Store) readMeta(path string) (*Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode voicemail metadata %s: %w", filepath.Base(path), err)
	}
	return &msg, nil
}

// writeMeta writes metadata through a temp file and rename so readers
// never observe a half-written document.
func (s *Store) writeMeta(mailbox string, msg *Message) error {
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode voicemail metadata: %w", err)
	}
	final := s.metaPath(mailbox, msg.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write voicemail metadata: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit voicemail metadata: %w", err)
	}
	return nil
}

// validMailbox rejects names that could escape the store root.
func validMailbox(mailbox string) error {
	if mailbox == "" {
		return fmt.Errorf("voicemail: empty mailbox")
	}
	if strings.ContainsAny(mailbox, "/\\") || strings.Contains(mailbox, "..") {
		return fmt.Errorf("voicemail: invalid mailbox name %q", mailbox)
	}
	return nil
}
