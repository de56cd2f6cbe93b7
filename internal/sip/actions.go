package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ironpbx/ironpbx/internal/audio"
	"github.com/ironpbx/ironpbx/internal/dtmf"
	"github.com/ironpbx/ironpbx/internal/ivr"
	"github.com/ironpbx/ironpbx/internal/media"
)

// callControl implements ivr.CallControl for a call whose media
// terminates at the PBX: prompts go out through the relay's injector
// toward the caller, digits come off the call's DTMF stream, and
// recordings tap the caller's audio direction.
type callControl struct {
	call   *Call
	relay  *media.Relay
	digits *dtmf.Buffer
	logger *slog.Logger
}

// newCallControl builds the adapter for an answered call. The call must
// already have a media session and a bound DTMF router.
func newCallControl(call *Call, logger *slog.Logger) (*callControl, error) {
	sess := call.Media()
	if sess == nil {
		return nil, fmt.Errorf("call %s has no media session", call.ID)
	}
	return &callControl{
		call:   call,
		relay:  sess.Relay(),
		digits: dtmf.NewBuffer(call.DTMF().Digits(), logger),
		logger: logger.With("call_id", call.ID),
	}, nil
}

var _ ivr.CallControl = (*callControl)(nil)

func (c *callControl) CallID() string {
	return c.call.ID
}

func (c *callControl) Play(ctx context.Context, path string) error {
	return c.relay.Injector(media.DirBToA).PlayFile(ctx, path)
}

func (c *callControl) Beep(ctx context.Context) error {
	tone := audio.GenerateBeep(1000, 0.5, 300*time.Millisecond)
	return c.relay.Injector(media.DirBToA).PlaySamples(ctx, tone)
}

// PlayAndCollect overlaps prompt playback with digit collection. The
// prompt is cut off as soon as collection finishes, so a digit during
// the prompt barges in.
func (c *callControl) PlayAndCollect(ctx context.Context, path string, spec ivr.CollectSpec) (*dtmf.CollectResult, error) {
	inj := c.relay.Injector(media.DirBToA)

	playCtx, stopPlay := context.WithCancel(ctx)
	defer stopPlay()
	if path != "" {
		go func() {
			err := inj.PlayFile(playCtx, path)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, media.ErrInjectorStopped) {
				c.logger.Warn("prompt playback failed", "path", path, "error", err)
			}
		}()
	}

	c.configure(spec)
	result := c.digits.Collect(ctx)

	stopPlay()
	inj.Flush()
	return result, nil
}

func (c *callControl) FlushDigits() {
	c.digits.Drain()
}

// Record taps the caller's audio to a WAV file until maxDur elapses,
// the caller presses '#', or the call ends. The caller hanging up is
// the normal way a voicemail recording finishes, so the seconds count
// is valid even when ctx was cancelled.
func (c *callControl) Record(ctx context.Context, path string, maxDur time.Duration, stopOnHash bool) (int, error) {
	if err := c.relay.RecordDirection(path, media.DirAToB); err != nil {
		return 0, err
	}

	recCtx, cancel := context.WithTimeout(ctx, maxDur)
	defer cancel()

	if stopOnHash {
		c.configure(ivr.CollectSpec{
			MaxDigits:         1,
			FirstDigitTimeout: maxDur,
			InterDigitTimeout: maxDur,
		})
		for recCtx.Err() == nil {
			result := c.digits.Collect(recCtx)
			if result.Digits == "#" || result.TimedOut {
				break
			}
		}
	} else {
		<-recCtx.Done()
	}

	_, seconds := c.relay.StopRecording()
	c.logger.Info("recording finished", "path", path, "seconds", seconds)
	return seconds, ctx.Err()
}

// configure applies one collection spec to the digit buffer, restoring
// defaults for anything the spec leaves zero.
func (c *callControl) configure(spec ivr.CollectSpec) {
	first := spec.FirstDigitTimeout
	if first <= 0 {
		first = dtmf.DefaultFirstDigitTimeout
	}
	inter := spec.InterDigitTimeout
	if inter <= 0 {
		inter = dtmf.DefaultInterDigitTimeout
	}
	c.digits.SetFirstDigitTimeout(first)
	c.digits.SetInterDigitTimeout(inter)
	c.digits.SetMaxDigits(spec.MaxDigits)
	c.digits.SetTerminator(spec.Terminator)
}
