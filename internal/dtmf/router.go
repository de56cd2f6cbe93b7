// Package dtmf merges the three transports that can carry a caller's key
// presses into one ordered per-call digit stream: RFC 2833 telephone-events
// surfaced by the RTP relay, SIP INFO bodies, and Goertzel detection over
// the decoded audio. Consumers drain the stream through a Buffer, which
// applies menu-style collection timeouts.
package dtmf

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironpbx/ironpbx/internal/audio"
	"github.com/ironpbx/ironpbx/internal/media"
)

// Source identifies the transport that carried a digit.
type Source uint8

const (
	// SourceRFC2833 is an end-marked telephone-event from the relay.
	SourceRFC2833 Source = iota
	// SourceInfo is a digit delivered in a SIP INFO body.
	SourceInfo
	// SourceInband is a Goertzel detection over decoded call audio.
	SourceInband

	sourceCount
)

func (s Source) String() string {
	switch s {
	case SourceRFC2833:
		return "rfc2833"
	case SourceInfo:
		return "info"
	case SourceInband:
		return "inband"
	default:
		return "unknown"
	}
}

// Digit is one key press as delivered to the consumer.
type Digit struct {
	Char   byte // '0'-'9', '*', '#', 'A'-'D'
	Source Source
	At     time.Time
}

const (
	// dedupWindow collapses repeats of the same digit arriving within this
	// span, whichever transports carried the copies. One key press commonly
	// shows up on two transports a few tens of milliseconds apart.
	dedupWindow = 100 * time.Millisecond

	// queueSize bounds the per-call digit queue. Pushes beyond a stalled
	// consumer are dropped and counted rather than blocking a media or
	// signaling goroutine.
	queueSize = 32
)

// Process-wide digit totals, for the metrics collector. Per-call detail
// stays on each Router's own counters.
var (
	totalAccepted atomic.Uint64
	totalDeduped  atomic.Uint64
	totalDropped  atomic.Uint64
)

// Totals reports digits handled across every router since process start.
func Totals() (accepted, deduped, dropped uint64) {
	return totalAccepted.Load(), totalDeduped.Load(), totalDropped.Load()
}

// Router is the per-call digit merge point. It is the sole producer for the
// call's digit stream; the IVR (or any other consumer) drains it through
// Digits, typically via a Buffer.
type Router struct {
	callID string
	logger *slog.Logger

	mu     sync.Mutex
	last   map[byte]time.Time
	queue  chan Digit
	closed bool

	// detector is only touched from the relay's read goroutine via the
	// audio tap; it needs no locking of its own.
	detector *audio.DTMFDetector

	accepted [sourceCount]atomic.Uint64
	deduped  atomic.Uint64
	dropped  atomic.Uint64

	wg sync.WaitGroup
}

// NewRouter creates a router for one call.
func NewRouter(callID string, logger *slog.Logger) *Router {
	return &Router{
		callID: callID,
		logger: logger.With("subsystem", "dtmf", "call_id", callID),
		last:   make(map[byte]time.Time, 12),
		queue:  make(chan Digit, queueSize),
	}
}

// Bind attaches the router to the call's relay. Telephone-events are pumped
// from the relay's event stream; when inband is set, a decoded-audio tap
// runs the Goertzel detector over the caller's stream. Enable inband only
// when telephone-event was not negotiated: a long key press otherwise
// registers on both transports further apart than the dedup window.
//
// The caller-side audio tap is shared with conference mixing; joining a
// room replaces it and in-band detection stops for the room's duration.
func (r *Router) Bind(relay *media.Relay, inband bool) {
	r.wg.Add(1)
	go r.pumpEvents(relay.Events())

	if inband {
		r.detector = audio.NewDTMFDetector()
		relay.SetAudioTap(media.DirAToB, r.feedAudio)
	}
	r.logger.Debug("dtmf router bound", "inband", inband)
}

// pumpEvents forwards completed telephone-events into the queue until the
// relay closes its event stream on Stop.
func (r *Router) pumpEvents(events <-chan media.RFC2833Event) {
	defer r.wg.Done()
	for ev := range events {
		r.Push(ev.Digit, SourceRFC2833)
	}
}

// feedAudio runs the in-band detector over one G.711 payload. Non-G.711
// payload types (comfort noise and the like) are ignored.
func (r *Router) feedAudio(payload []byte, payloadType uint8) {
	pt := int(payloadType)
	if pt != audio.PayloadPCMU && pt != audio.PayloadPCMA {
		return
	}
	for _, d := range r.detector.FeedG711(pt, payload) {
		r.Push(d, SourceInband)
	}
}

// PushInfo parses a SIP INFO body and queues the digit it carries.
func (r *Router) PushInfo(contentType string, body []byte) error {
	info, err := ParseInfo(contentType, body)
	if err != nil {
		return err
	}
	r.Push(info.Signal, SourceInfo)
	return nil
}

// Push offers one digit to the stream. A repeat of the same digit within
// dedupWindow of any prior push is discarded regardless of source; when
// the queue is full the digit is dropped and counted.
func (r *Router) Push(char byte, src Source) {
	now := time.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	prev, seen := r.last[char]
	r.last[char] = now
	if seen && now.Sub(prev) < dedupWindow {
		r.mu.Unlock()
		r.deduped.Add(1)
		totalDeduped.Add(1)
		return
	}

	var full bool
	select {
	case r.queue <- Digit{Char: char, Source: src, At: now}:
	default:
		full = true
	}
	r.mu.Unlock()

	if full {
		r.dropped.Add(1)
		totalDropped.Add(1)
		r.logger.Warn("digit queue full, dropping",
			"digit", string(char),
			"source", src,
		)
		return
	}
	r.accepted[src].Add(1)
	totalAccepted.Add(1)
	r.logger.Debug("digit queued",
		"digit", string(char),
		"source", src,
	)
}

// Digits returns the call's ordered digit stream. The channel is closed by
// Close; digits queued before the close can still be drained.
func (r *Router) Digits() <-chan Digit {
	return r.queue
}

// Close shuts the digit stream. Call after the bound relay has stopped so
// the telephone-event pump has drained; pushes arriving afterwards are
// discarded without panic.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.wg.Wait()
	close(r.queue)

	st := r.Stats()
	r.logger.Debug("dtmf router closed",
		"rfc2833", st.RFC2833,
		"info", st.Info,
		"inband", st.Inband,
		"deduped", st.Deduped,
		"dropped", st.Dropped,
	)
}

// RouterStats counts digit dispositions since the router was created.
type RouterStats struct {
	RFC2833 uint64 // accepted from relay telephone-events
	Info    uint64 // accepted from SIP INFO
	Inband  uint64 // accepted from the audio detector
	Deduped uint64 // discarded as cross-source repeats
	Dropped uint64 // discarded because the queue was full
}

// Stats returns a snapshot of the router's counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		RFC2833: r.accepted[SourceRFC2833].Load(),
		Info:    r.accepted[SourceInfo].Load(),
		Inband:  r.accepted[SourceInband].Load(),
		Deduped: r.deduped.Load(),
		Dropped: r.dropped.Load(),
	}
}
