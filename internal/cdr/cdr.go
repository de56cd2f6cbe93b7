// Package cdr assembles and persists call detail records. Records are
// handed to a Sink at call teardown; sinks queue internally and never
// block the calling goroutine.
package cdr

import (
	"errors"
	"time"
)

// Disposition classifies how a call ended.
type Disposition string

const (
	DispositionAnswered  Disposition = "answered"
	DispositionBusy      Disposition = "busy"
	DispositionNoAnswer  Disposition = "no-answer"
	DispositionFailed    Disposition = "failed"
	DispositionCancelled Disposition = "cancelled"
)

// DispositionForStatus maps the final SIP status seen on the callee leg
// to a record disposition.
func DispositionForStatus(code int) Disposition {
	switch {
	case code >= 200 && code < 300:
		return DispositionAnswered
	case code == 486 || code == 600:
		return DispositionBusy
	case code == 487:
		return DispositionCancelled
	case code == 408 || code == 480:
		return DispositionNoAnswer
	default:
		return DispositionFailed
	}
}

// Record is one call detail record.
type Record struct {
	CallID      string      `json:"call_id"`
	FromAOR     string      `json:"from_aor"`
	ToAOR       string      `json:"to_aor"`
	CallerID    string      `json:"caller_id,omitempty"`
	Disposition Disposition `json:"disposition"`

	StartedAt   time.Time  `json:"started_at"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty"`
	EndedAt     time.Time  `json:"ended_at"`
	DurationSec int        `json:"duration_sec"` // answer to end; 0 when never answered

	HangupCause string `json:"hangup_cause,omitempty"` // Q.850 cause or SIP status line
	Codec       string `json:"codec,omitempty"`

	PacketsAToB uint64 `json:"packets_a_to_b"`
	PacketsBToA uint64 `json:"packets_b_to_a"`
	LostAToB    uint64 `json:"lost_a_to_b"`
	LostBToA    uint64 `json:"lost_b_to_a"`

	RecordingPath string `json:"recording_path,omitempty"`
}

// Sink receives completed records. Append must return promptly and never
// block call teardown; implementations queue internally and log their own
// failures.
type Sink interface {
	Append(rec Record)
	Close() error
}

// Fanout duplicates records to several sinks.
type Fanout []Sink

func (f Fanout) Append(rec Record) {
	for _, s := range f {
		s.Append(rec)
	}
}

func (f Fanout) Close() error {
	var errs []error
	for _, s := range f {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sinkQueueSize bounds each sink's internal queue; teardown bursts beyond
// a stalled writer are dropped and counted.
const sinkQueueSize = 256
