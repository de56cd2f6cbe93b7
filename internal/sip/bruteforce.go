package sip

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// guardMaxFailures is how many failed digest attempts a source gets
	// inside guardWindow before it is blocked.
	guardMaxFailures = 10

	// guardBaseBlock is the first block duration. Every further block of
	// the same source doubles it, capped at guardMaxBlock.
	guardBaseBlock = 5 * time.Minute
	guardMaxBlock  = 24 * time.Hour

	// guardWindow is the sliding window over which failures count.
	guardWindow = 10 * time.Minute
)

// sourceRecord is the per-IP failure and block state.
type sourceRecord struct {
	failures  []time.Time
	blockedAt time.Time
	blockFor  time.Duration // zero while unblocked
	nextBlock time.Duration // progressive backoff for the next offence
}

func (r *sourceRecord) blocked(now time.Time) bool {
	return r.blockFor > 0 && now.Sub(r.blockedAt) <= r.blockFor
}

// BruteForceGuard blocks source IPs that keep failing SIP digest auth.
// After guardMaxFailures failures within guardWindow the source is blocked
// for a progressively doubling duration. Blocks expire on their own.
type BruteForceGuard struct {
	mu      sync.Mutex
	records map[string]*sourceRecord
	logger  *slog.Logger
}

// NewBruteForceGuard creates a guard with empty state.
func NewBruteForceGuard(logger *slog.Logger) *BruteForceGuard {
	return &BruteForceGuard{
		records: make(map[string]*sourceRecord),
		logger:  logger.With("subsystem", "bruteforce"),
	}
}

// IsBlocked reports whether the source ("ip:port" or bare IP) is currently
// blocked.
func (g *BruteForceGuard) IsBlocked(source string) bool {
	ip := sourceIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		return false
	}
	now := time.Now()
	if rec.blockFor > 0 && !rec.blocked(now) {
		// Block lapsed; start the source from a clean failure slate.
		rec.blockFor = 0
		rec.failures = nil
	}
	return rec.blocked(now)
}

// RecordFailure counts one failed auth attempt and blocks the source once
// it crosses the threshold.
func (g *BruteForceGuard) RecordFailure(source string) {
	ip := sourceIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		rec = &sourceRecord{nextBlock: guardBaseBlock}
		g.records[ip] = rec
	}

	now := time.Now()
	if rec.blocked(now) {
		return
	}

	cutoff := now.Add(-guardWindow)
	kept := rec.failures[:0]
	for _, t := range rec.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rec.failures = append(kept, now)

	if len(rec.failures) < guardMaxFailures {
		return
	}

	rec.blockedAt = now
	rec.blockFor = rec.nextBlock
	rec.failures = nil

	g.logger.Warn("source blocked after repeated sip auth failures",
		"ip", ip,
		"block_duration", rec.blockFor.String(),
	)

	if rec.nextBlock *= 2; rec.nextBlock > guardMaxBlock {
		rec.nextBlock = guardMaxBlock
	}
}

// RecordSuccess clears the failure counter for a source. The progressive
// backoff is kept so a source alternating success and abuse still escalates.
func (g *BruteForceGuard) RecordSuccess(source string) {
	ip := sourceIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[ip]; ok {
		rec.failures = nil
	}
}

// Cleanup expires lapsed blocks and forgets idle sources. Runs alongside
// the nonce sweep.
func (g *BruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for ip, rec := range g.records {
		if rec.blockFor > 0 && !rec.blocked(now) {
			rec.blockFor = 0
			rec.failures = nil
		}
		if rec.blockFor == 0 && len(rec.failures) == 0 {
			delete(g.records, ip)
		}
	}
}

// BlockedEntry describes one active block for the diagnostics listener.
type BlockedEntry struct {
	IP        string    `json:"ip"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Blocked returns a snapshot of currently blocked sources.
func (g *BruteForceGuard) Blocked() []BlockedEntry {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	var entries []BlockedEntry
	for ip, rec := range g.records {
		if rec.blocked(now) {
			entries = append(entries, BlockedEntry{
				IP:        ip,
				BlockedAt: rec.blockedAt,
				ExpiresAt: rec.blockedAt.Add(rec.blockFor),
			})
		}
	}
	return entries
}

// Unblock lifts an active block. Returns false if the IP was not blocked.
func (g *BruteForceGuard) Unblock(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blocked(time.Now()) {
		return false
	}
	rec.blockFor = 0
	rec.failures = nil
	g.logger.Info("source unblocked", "ip", ip)
	return true
}

// sourceIP strips the port from a "host:port" source, tolerating bare IPs.
func sourceIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}
