package media

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironpbx/ironpbx/internal/audio"
)

const (
	// recorderChanSize bounds the queue between the relay loop and the
	// disk writer. The relay never blocks on disk; overflow frames are
	// counted and dropped.
	recorderChanSize = 128

	// recorderFlushSize batches disk writes to one second of audio.
	recorderFlushSize = 8000
)

// Recorder captures call audio to a mu-law WAV file. Feed is safe to call
// from the relay loop: it copies the payload, hands it to the writer
// goroutine, and drops the frame rather than wait when the writer falls
// behind.
type Recorder struct {
	path   string
	file   *os.File
	logger *slog.Logger

	packets chan recorderPacket
	quit    chan struct{}
	done    chan struct{}

	stopped  atomic.Bool
	stopOnce sync.Once
	drops    atomic.Uint64

	// writer goroutine state
	buf      []byte
	dataSize uint32
	writeErr error
}

type recorderPacket struct {
	payload     []byte
	payloadType int
}

// NewRecorder creates the output file, writes a placeholder WAV header,
// and starts the writer. The parent directory is created as needed.
func NewRecorder(path string, logger *slog.Logger) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	if err := audio.WriteWAVHeader(f, audio.WAVFormatPCMU, 0); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write recording header: %w", err)
	}

	r := &Recorder{
		path:    path,
		file:    f,
		logger:  logger.With("component", "recorder", "path", path),
		packets: make(chan recorderPacket, recorderChanSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		buf:     make([]byte, 0, recorderFlushSize),
	}
	go r.writeLoop()
	return r, nil
}

// Feed queues one RTP payload for recording. Frames offered after Stop,
// or while the queue is full, are dropped and counted.
func (r *Recorder) Feed(payload []byte, payloadType int) {
	if r.stopped.Load() {
		return
	}
	p := recorderPacket{
		payload:     make([]byte, len(payload)),
		payloadType: payloadType,
	}
	copy(p.payload, payload)

	select {
	case r.packets <- p:
	default:
		r.drops.Add(1)
	}
}

// Dropped reports how many frames were discarded because the writer
// could not keep up.
func (r *Recorder) Dropped() uint64 {
	return r.drops.Load()
}

// Stop drains the queue, finalizes the WAV header, and closes the file.
// It returns the recording path and its duration in whole seconds. Safe
// to call more than once; later calls return the same result.
func (r *Recorder) Stop() (string, int) {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.quit)
		<-r.done
	})
	return r.path, int(r.dataSize) / audio.SampleRate
}

func (r *Recorder) writeLoop() {
	defer close(r.done)

	for {
		select {
		case p := <-r.packets:
			r.write(p)
		case <-r.quit:
			for {
				select {
				case p := <-r.packets:
					r.write(p)
				default:
					r.finalize()
					return
				}
			}
		}
	}
}

// write appends one payload as mu-law. PCMU passes through untouched;
// anything else is decoded to linear and re-encoded.
func (r *Recorder) write(p recorderPacket) {
	if r.writeErr != nil {
		return
	}
	var ulaw []byte
	if p.payloadType == audio.PayloadPCMU {
		ulaw = p.payload
	} else {
		ulaw = audio.EncodePCMU(audio.Decode(p.payloadType, p.payload))
	}

	r.buf = append(r.buf, ulaw...)
	r.dataSize += uint32(len(ulaw))
	if len(r.buf) >= recorderFlushSize {
		r.flush()
	}
}

func (r *Recorder) flush() {
	if len(r.buf) == 0 {
		return
	}
	if _, err := r.file.Write(r.buf); err != nil {
		r.writeErr = err
		r.logger.Error("recording write failed", "error", err)
	}
	r.buf = r.buf[:0]
}

// finalize flushes buffered audio and rewrites the header with the real
// data size.
func (r *Recorder) finalize() {
	r.flush()

	if _, err := r.file.Seek(0, 0); err == nil {
		if err := audio.WriteWAVHeader(r.file, audio.WAVFormatPCMU, r.dataSize); err != nil {
			r.logger.Error("recording header rewrite failed", "error", err)
		}
	} else {
		r.logger.Error("recording seek failed", "error", err)
	}
	if err := r.file.Close(); err != nil {
		r.logger.Error("recording close failed", "error", err)
	}

	r.logger.Info("recording finished",
		"bytes", r.dataSize,
		"seconds", int(r.dataSize)/audio.SampleRate,
		"dropped", r.drops.Load(),
	)
}

// RecordingPath builds the on-disk location for a call recording:
// recordings/<yyyy-mm-dd>/<call_id>.wav under the data directory.
func RecordingPath(dataDir, callID string, t time.Time) string {
	return filepath.Join(dataDir, "recordings", t.Format("2006-01-02"), callID+".wav")
}
