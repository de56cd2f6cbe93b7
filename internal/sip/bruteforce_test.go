package sip

import (
	"fmt"
	"testing"
	"time"
)

func failUntilBlocked(g *BruteForceGuard, source string) {
	for i := 0; i < guardMaxFailures; i++ {
		g.RecordFailure(source)
	}
}

func TestGuardNotBlockedInitially(t *testing.T) {
	g := NewBruteForceGuard(discardLogger())
	if g.IsBlocked("192.168.1.1:5060") {
		t.Fatal("fresh source reported blocked")
	}
}

func TestGuardBlocksAtThreshold(t *testing.T) {
	g := NewBruteForceGuard(discardLogger())
	source := "10.0.0.1:5060"

	for i := 0; i < guardMaxFailures-1; i++ {
		g.RecordFailure(source)
	}
	if g.IsBlocked(source) {
		t.Fatalf("blocked after %d failures", guardMaxFailures-1)
	}

	g.RecordFailure(source)
	if !g.IsBlocked(source) {
		t.Fatal("not blocked at threshold")
	}
}

func TestGuardBlocksPerIP(t *testing.T) {
	g := NewBruteForceGuard(discardLogger())

	failUntilBlocked(g, "10.0.0.1:5060")

	if !g.IsBlocked("10.0.0.1:5060") {
		t.Fatal("offender not blocked")
	}
	// Same IP from another port is the same offender.
	if !g.IsBlocked("10.0.0.1:49201") {
		t.Fatal("block should cover the IP, not the port")
	}
	if g.IsBlocked("10.0.0.2:5060") {
		t.Fatal("unrelated IP blocked")
	}
}

func TestGuardSuccessResetsFailures(t *testing.T) {
	g := NewBruteForceGuard(discardLogger())
	source := "10.0.0.1:5060"

	for i := 0; i < guardMaxFailures-1; i++ {
		g.RecordFailure(source)
	}
	g.RecordSuccess(source)
	for i := 0; i < guardMaxFailures-1; i++ {
		g.RecordFailure(source)
	}
	if g.IsBlocked(source) {
		t.Fatal("blocked although a success cleared the counter")
	}
}

func TestGuardBlockExpires(t *testing.T) {
	g := NewBruteForceGuard(discardLogger())
	source := "10.0.0.1:5060"

	failUntilBlocked(g, source)
	if !g.IsBlocked(source) {
		t.Fatal("not blocked")
	}

	g.mu.Lock()
	rec := g.records[sourceIP(source)]
	rec.blockedAt = time.Now().Add(-rec.blockFor - time.Second)
	g.mu.Unlock()

	if g.IsBlocked(source) {
		t.Fatal("block did not expire")
	}
}

func TestGuardProgressiveBackoff(t *testing.T) {
	g := NewBruteForceGuard(discardLogger())
	source := "10.0.0.1:5060"
	ip := sourceIP(source)

	failUntilBlocked(g, source)

	g.mu.Lock()
	first := g.records[ip].blockFor
	g.records[ip].blockedAt = time.Now().Add(-first - time.Second)
	g.mu.Unlock()
	if g.IsBlocked(source) {
		t.Fatal("first block did not expire")
	}

	failUntilBlocked(g, source)

	g.mu.Lock()
	second := g.records[ip].blockFor
	g.mu.Unlock()
	if second != 2*first {
		t.Fatalf("second block = %v, want double of %v", second, first)
	}
}

func TestGuardBackoffCapped(t *testing.T) {
	g := NewBruteForceGuard(discardLogger())
	source := "10.0.0.1:5060"
	ip := sourceIP(source)

	for round := 0; round < 12; round++ {
		failUntilBlocked(g, source)
		g.mu.Lock()
		g.records[ip].blockedAt = time.Now().Add(-g.records[ip].blockFor - time.Second)
		g.mu.Unlock()
		g.IsBlocked(source) // lapse the block
	}

	g.mu.Lock()
	next := g.records[ip].nextBlock
	g.mu.Unlock()
	if next > guardMaxBlock {
		t.Fatalf("backoff %v exceeds cap %v", next, guardMaxBlock)
	}
}

func TestGuardWindowForgetsOldFailures(t *testing.T) {
	g := NewBruteForceGuard(discardLogger())
	source := "10.0.0.1:5060"
	ip := sourceIP(source)

	for i := 0; i < guardMaxFailures-1; i++ {
		g.RecordFailure(source)
	}

	// Age every recorded failure past the window.
	g.mu.Lock()
	rec := g.records[ip]
	for i := range rec.failures {
		rec.failures[i] = time.Now().Add(-guardWindow - time.Minute)
	}
	g.mu.Unlock()

	// The next failure stands alone and must not trip the block.
	g.RecordFailure(source)
	if g.IsBlocked(source) {
		t.Fatal("stale failures counted toward the threshold")
	}
}

func TestGuardBlockedSnapshotAndUnblock(t *testing.T) {
	g := NewBruteForceGuard(discardLogger())

	failUntilBlocked(g, "10.0.0.1:5060")
	failUntilBlocked(g, "10.0.0.2:6060")

	entries := g.Blocked()
	if len(entries) != 2 {
		t.Fatalf("Blocked() = %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if !e.ExpiresAt.After(e.BlockedAt) {
			t.Errorf("entry %s: expiry %v not after block time %v", e.IP, e.ExpiresAt, e.BlockedAt)
		}
	}

	if !g.Unblock("10.0.0.1") {
		t.Fatal("Unblock refused an active block")
	}
	if g.IsBlocked("10.0.0.1:5060") {
		t.Fatal("still blocked after Unblock")
	}
	if g.Unblock("10.0.0.1") {
		t.Fatal("Unblock succeeded twice")
	}
	if g.Unblock("203.0.113.9") {
		t.Fatal("Unblock succeeded for an unknown IP")
	}
}

func TestGuardCleanupForgetsIdleSources(t *testing.T) {
	g := NewBruteForceGuard(discardLogger())
	source := "10.0.0.1:5060"
	ip := sourceIP(source)

	failUntilBlocked(g, source)
	g.mu.Lock()
	g.records[ip].blockedAt = time.Now().Add(-g.records[ip].blockFor - time.Second)
	g.mu.Unlock()

	g.Cleanup()

	g.mu.Lock()
	_, kept := g.records[ip]
	g.mu.Unlock()
	if kept {
		t.Fatal("lapsed source survived cleanup")
	}
}

func TestGuardIgnoresUnparseableSources(t *testing.T) {
	g := NewBruteForceGuard(discardLogger())
	for i := 0; i < guardMaxFailures*2; i++ {
		g.RecordFailure("not-an-address")
	}
	if g.IsBlocked("not-an-address") {
		t.Fatal("unparseable source ended up blocked")
	}
	if n := len(g.Blocked()); n != 0 {
		t.Fatalf("Blocked() = %d entries, want none", n)
	}
}

func TestSourceIP(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"10.0.0.1:5060", "10.0.0.1"},
		{"10.0.0.1", "10.0.0.1"},
		{"[2001:db8::1]:5060", "2001:db8::1"},
		{"", ""},
		{"garbage", ""},
	}
	for _, tc := range cases {
		if got := sourceIP(tc.in); got != tc.want {
			t.Errorf("sourceIP(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func BenchmarkGuardIsBlocked(b *testing.B) {
	g := NewBruteForceGuard(discardLogger())
	for i := 0; i < 100; i++ {
		g.RecordFailure(fmt.Sprintf("10.0.%d.1:5060", i))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		g.IsBlocked("10.0.50.1:5060")
	}
}
