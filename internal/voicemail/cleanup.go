package voicemail

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sweep removes messages older than retention and scratch files older
// than scratchMaxAge. It returns how many messages were deleted.
func (s *Store) Sweep(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention)

	boxes, err := s.Mailboxes()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, mailbox := range boxes {
		msgs, err := s.Messages(mailbox)
		if err != nil {
			s.logger.Warn("retention sweep skipped mailbox", "mailbox", mailbox, "error", err)
			continue
		}
		for i := range msgs {
			if msgs[i].ReceivedAt.After(cutoff) {
				continue
			}
			if err := s.Delete(mailbox, msgs[i].ID); err != nil {
				s.logger.Warn("retention sweep delete failed",
					"mailbox", mailbox,
					"message_id", msgs[i].ID,
					"error", err,
				)
				continue
			}
			deleted++
		}
		s.sweepScratch(mailbox)
	}

	if deleted > 0 {
		s.logger.Info("voicemail retention sweep", "deleted", deleted)
	}
	return deleted, nil
}

// sweepScratch drops abandoned half-written recordings.
func (s *Store) sweepScratch(mailbox string) {
	dir := filepath.Join(s.root, mailbox, messagesDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), scratchPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < scratchMaxAge {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err == nil {
			s.logger.Info("removed abandoned recording", "path", path)
		}
	}
}

// Run sweeps on a timer until ctx ends. Meant to be launched as a
// goroutine at startup.
func (s *Store) Run(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(retention); err != nil {
				s.logger.Error("voicemail retention sweep failed", "error", err)
			}
		}
	}
}
