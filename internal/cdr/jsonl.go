package cdr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// JSONLSink appends records as JSON lines to one file per day:
// <dir>/cdr-YYYY-MM-DD.jsonl. A single writer goroutine owns the file.
type JSONLSink struct {
	dir    string
	logger *slog.Logger

	queue chan Record
	quit  chan struct{}
	done  chan struct{}

	stopped atomic.Bool
	written atomic.Uint64
	drops   atomic.Uint64

	file    *os.File
	fileDay string
}

// NewJSONLSink creates the daily-file sink rooted at dir and starts its
// writer.
func NewJSONLSink(dir string, logger *slog.Logger) (*JSONLSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cdr directory: %w", err)
	}

	s := &JSONLSink{
		dir:    dir,
		logger: logger.With("subsystem", "cdr-jsonl"),
		queue:  make(chan Record, sinkQueueSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// Append queues one record; when the writer is behind by a full queue the
// record is dropped and counted.
func (s *JSONLSink) Append(rec Record) {
	if s.stopped.Load() {
		return
	}
	select {
	case s.queue <- rec:
	default:
		s.drops.Add(1)
	}
}

// Written returns the number of records flushed to disk.
func (s *JSONLSink) Written() uint64 { return s.written.Load() }

// Dropped returns the number of records discarded on queue overflow.
func (s *JSONLSink) Dropped() uint64 { return s.drops.Load() }

// Close drains the queue, closes the current file, and stops the writer.
func (s *JSONLSink) Close() error {
	if s.stopped.Swap(true) {
		return nil
	}
	close(s.quit)
	<-s.done

	s.logger.Info("cdr sink closed",
		"written", s.written.Load(),
		"dropped", s.drops.Load(),
	)
	return nil
}

func (s *JSONLSink) writeLoop() {
	defer close(s.done)

	for {
		select {
		case rec := <-s.queue:
			s.write(rec)
		case <-s.quit:
			for {
				select {
				case rec := <-s.queue:
					s.write(rec)
				default:
					if s.file != nil {
						s.file.Close()
						s.file = nil
					}
					return
				}
			}
		}
	}
}

func (s *JSONLSink) write(rec Record) {
	end := rec.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	day := end.Format("2006-01-02")

	if s.file == nil || day != s.fileDay {
		if s.file != nil {
			s.file.Close()
		}
		path := filepath.Join(s.dir, "cdr-"+day+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.logger.Error("opening cdr file", "path", path, "error", err)
			s.file = nil
			return
		}
		s.file = f
		s.fileDay = day
	}

	line, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("encoding cdr record", "call_id", rec.CallID, "error", err)
		return
	}
	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		s.logger.Error("writing cdr record", "call_id", rec.CallID, "error", err)
		return
	}
	s.written.Add(1)
}
