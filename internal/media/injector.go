package media

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/ironpbx/ironpbx/internal/audio"
)

const (
	// samplesPerPacket is 20ms of 8kHz audio.
	samplesPerPacket = 160

	// packetDuration is the wall-clock spacing between audio packets.
	packetDuration = 20 * time.Millisecond

	// timestampIncrement advances the RTP clock by one packet.
	timestampIncrement = 160

	// injectorRingSize is one second of queued frames. Blocking feeders
	// wait here, which keeps prompt playback memory-bounded.
	injectorRingSize = 50
)

// ErrInjectorStopped is returned by playback calls when the injector is
// torn down mid-play, normally because the call ended.
var ErrInjectorStopped = errors.New("audio injector stopped")

// Injector synthesizes an RTP stream toward one leg of a relay: prompts,
// announcements, beeps, and mixed conference audio all enter the media
// path through here. Frames are drained at a steady 20ms cadence with the
// relay's negotiated codec, and the injector yields whenever both legs
// are exchanging live audio so it never talks over an answered call.
type Injector struct {
	relay  *Relay
	dir    Direction
	logger *slog.Logger

	ssrc      uint32
	seq       uint16
	ts        uint32
	talkSpurt bool

	frames chan []byte

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newInjector(r *Relay, dir Direction) *Injector {
	inj := &Injector{
		relay:     r,
		dir:       dir,
		logger:    r.logger.With("component", "injector", "direction", dir.String()),
		ssrc:      rand.Uint32(),
		seq:       uint16(rand.UintN(65536)),
		ts:        rand.Uint32(),
		talkSpurt: true,
		frames:    make(chan []byte, injectorRingSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go inj.loop()
	return inj
}

// Enqueue offers one frame of the relay's negotiated codec without
// blocking. It reports false when the ring is full or the injector has
// stopped; the mixer treats that as a dropped frame.
func (inj *Injector) Enqueue(frame []byte) bool {
	select {
	case <-inj.quit:
		return false
	default:
	}
	select {
	case inj.frames <- frame:
		return true
	default:
		return false
	}
}

func (inj *Injector) enqueueFrame(ctx context.Context, frame []byte) error {
	select {
	case inj.frames <- frame:
		return nil
	case <-inj.quit:
		return ErrInjectorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Play streams already-encoded audio in the relay's negotiated codec and
// returns once every frame has left the ring. The tail is padded with
// codec silence to a full packet.
func (inj *Injector) Play(ctx context.Context, data []byte) error {
	silence := audio.SilenceByte(inj.relay.PayloadType())
	for len(data) > 0 {
		n := samplesPerPacket
		if n > len(data) {
			n = len(data)
		}
		frame := make([]byte, samplesPerPacket)
		copy(frame, data[:n])
		for i := n; i < samplesPerPacket; i++ {
			frame[i] = silence
		}
		if err := inj.enqueueFrame(ctx, frame); err != nil {
			return err
		}
		data = data[n:]
	}
	return inj.drain(ctx)
}

// PlaySamples encodes linear PCM with the relay's codec and plays it.
func (inj *Injector) PlaySamples(ctx context.Context, pcm []int16) error {
	return inj.Play(ctx, audio.Encode(inj.relay.PayloadType(), pcm))
}

// PlayFile streams a telephony WAV prompt. The file is read in one-second
// chunks and converted to the relay's negotiated codec chunk by chunk, so
// long prompts never sit in memory whole. Playback ends when the last
// frame has been sent or the context is cancelled.
func (inj *Injector) PlayFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open prompt: %w", err)
	}
	defer f.Close()

	info, err := audio.ReadWAVHeader(f)
	if err != nil {
		return fmt.Errorf("prompt %s: %w", path, err)
	}
	if err := info.ValidateTelephony(); err != nil {
		return fmt.Errorf("prompt %s: %w", path, err)
	}

	pt := inj.relay.PayloadType()
	chunk := make([]byte, int(info.ByteRate))
	var pending []byte
	remaining := int64(info.DataSize)
	for remaining > 0 {
		n := len(chunk)
		if int64(n) > remaining {
			n = int(remaining)
		}
		if _, err := io.ReadFull(f, chunk[:n]); err != nil {
			return fmt.Errorf("read prompt %s: %w", path, err)
		}
		remaining -= int64(n)

		converted, err := convertToCodec(chunk[:n], info.Format, pt)
		if err != nil {
			return fmt.Errorf("prompt %s: %w", path, err)
		}
		pending = append(pending, converted...)
		for len(pending) >= samplesPerPacket {
			frame := make([]byte, samplesPerPacket)
			copy(frame, pending[:samplesPerPacket])
			pending = pending[samplesPerPacket:]
			if err := inj.enqueueFrame(ctx, frame); err != nil {
				return err
			}
		}
	}

	if len(pending) > 0 {
		silence := audio.SilenceByte(pt)
		frame := make([]byte, samplesPerPacket)
		n := copy(frame, pending)
		for i := n; i < samplesPerPacket; i++ {
			frame[i] = silence
		}
		if err := inj.enqueueFrame(ctx, frame); err != nil {
			return err
		}
	}
	return inj.drain(ctx)
}

// Flush discards all queued frames. Digit barge-in cuts prompts this way.
func (inj *Injector) Flush() {
	for {
		select {
		case <-inj.frames:
		default:
			return
		}
	}
}

// drain waits until the ring has emptied plus one packet interval so the
// final frame is on the wire before playback reports completion.
func (inj *Injector) drain(ctx context.Context) error {
	ticker := time.NewTicker(packetDuration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-inj.quit:
			return ErrInjectorStopped
		case <-ticker.C:
			if len(inj.frames) == 0 {
				time.Sleep(packetDuration)
				return nil
			}
		}
	}
}

func (inj *Injector) stop() {
	inj.stopOnce.Do(func() {
		close(inj.quit)
		<-inj.done
	})
}

// loop paces transmission. The RTP clock advances every interval whether
// or not a frame is sent, so receivers see correct timestamps across
// silence gaps, and the marker bit flags the first packet after one.
func (inj *Injector) loop() {
	defer close(inj.done)

	ticker := time.NewTicker(packetDuration)
	defer ticker.Stop()
	for {
		select {
		case <-inj.quit:
			return
		case <-ticker.C:
		}

		inj.ts += timestampIncrement

		if inj.relay.twoWayAudio() {
			inj.talkSpurt = true
			continue
		}

		select {
		case frame := <-inj.frames:
			inj.send(frame)
		default:
			inj.talkSpurt = true
		}
	}
}

func (inj *Injector) send(frame []byte) {
	dst := inj.relay.targetEndpoint(inj.dir)
	if dst == nil {
		return
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         inj.talkSpurt,
			PayloadType:    uint8(inj.relay.PayloadType()),
			SequenceNumber: inj.seq,
			Timestamp:      inj.ts,
			SSRC:           inj.ssrc,
		},
		Payload: frame,
	}
	buf, err := pkt.Marshal()
	if err != nil {
		return
	}
	if _, err := inj.relay.pair.RTPConn.WriteToUDP(buf, dst); err != nil {
		inj.logger.Debug("inject write error", "error", err)
		return
	}
	inj.talkSpurt = false
	inj.seq++
}

// convertToCodec transcodes one chunk of WAV audio into the negotiated
// G.711 codec. Same-codec chunks are copied through untouched.
func convertToCodec(data []byte, wavFormat uint16, payloadType int) ([]byte, error) {
	switch wavFormat {
	case audio.WAVFormatPCM:
		return audio.Encode(payloadType, pcmFromLE(data)), nil
	default:
		srcPT, err := audio.PayloadTypeForWAVFormat(wavFormat)
		if err != nil {
			return nil, err
		}
		if srcPT == payloadType {
			out := make([]byte, len(data))
			copy(out, data)
			return out, nil
		}
		return audio.Encode(payloadType, audio.Decode(srcPT, data)), nil
	}
}

func pcmFromLE(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return pcm
}
