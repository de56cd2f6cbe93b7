package cdr

import "sync"

// Stats is a Sink that tallies records by disposition, feeding the
// metrics collector without touching storage.
type Stats struct {
	mu     sync.Mutex
	counts map[string]uint64
}

// NewStats creates an empty tally sink.
func NewStats() *Stats {
	return &Stats{counts: make(map[string]uint64)}
}

// Append counts the record under its disposition.
func (s *Stats) Append(rec Record) {
	s.mu.Lock()
	s.counts[string(rec.Disposition)]++
	s.mu.Unlock()
}

// Close implements Sink; the tally has nothing to flush.
func (s *Stats) Close() error { return nil }

// Dispositions returns a copy of the per-disposition totals.
func (s *Stats) Dispositions() map[string]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]uint64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}
