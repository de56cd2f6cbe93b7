package dtmf

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default timing for digit collection.
const (
	// DefaultFirstDigitTimeout is how long to wait for the first digit
	// before declaring a timeout. Typical for IVR menus.
	DefaultFirstDigitTimeout = 5 * time.Second

	// DefaultInterDigitTimeout is how long to wait between consecutive
	// digits before delivering the collected input.
	DefaultInterDigitTimeout = 3 * time.Second
)

// CollectResult holds the outcome of one digit collection.
type CollectResult struct {
	// Digits is the collected input. A terminator that ended collection
	// is not included.
	Digits string

	// TimedOut is true when collection ended on a timeout: first-digit
	// timeout with empty Digits, or inter-digit timeout with partial
	// input. Context cancellation also reports as a timeout.
	TimedOut bool

	// Terminated is true when the terminator digit ended collection.
	Terminated bool
}

// Buffer accumulates digits from a router stream and applies collection
// timeouts for multi-digit input. Collection ends when any of these is met:
//
//   - the max digits limit is reached
//   - the terminator digit arrives (not included in the result)
//   - the inter-digit timeout expires after at least one digit
//   - the first-digit timeout expires with no input
//   - the source stream closes or the context is cancelled
type Buffer struct {
	source            <-chan Digit
	firstDigitTimeout time.Duration
	interDigitTimeout time.Duration
	maxDigits         int  // 0 means unlimited
	terminator        byte // 0 means no terminator
	logger            *slog.Logger

	mu     sync.Mutex
	digits []byte
}

// NewBuffer creates a buffer reading from the given digit stream, normally
// a Router's Digits channel.
func NewBuffer(source <-chan Digit, logger *slog.Logger) *Buffer {
	return &Buffer{
		source:            source,
		firstDigitTimeout: DefaultFirstDigitTimeout,
		interDigitTimeout: DefaultInterDigitTimeout,
		logger:            logger.With("subsystem", "digit-buffer"),
		digits:            make([]byte, 0, 32),
	}
}

// SetFirstDigitTimeout sets the maximum wait for the first digit.
func (b *Buffer) SetFirstDigitTimeout(d time.Duration) {
	b.firstDigitTimeout = d
}

// SetInterDigitTimeout sets the maximum wait between consecutive digits.
func (b *Buffer) SetInterDigitTimeout(d time.Duration) {
	b.interDigitTimeout = d
}

// SetMaxDigits caps the number of digits collected; reaching the cap ends
// collection immediately with TimedOut=false. Zero means unlimited.
func (b *Buffer) SetMaxDigits(n int) {
	b.maxDigits = n
}

// SetTerminator sets the digit that ends collection early, commonly '#'.
// The terminator is not included in the result. Zero disables it.
func (b *Buffer) SetTerminator(digit byte) {
	b.terminator = digit
}

// Collect blocks until collection completes and returns the accumulated
// digits. The buffer is cleared at the start of each call.
func (b *Buffer) Collect(ctx context.Context) *CollectResult {
	b.mu.Lock()
	b.digits = b.digits[:0]
	b.mu.Unlock()

	timer := time.NewTimer(b.firstDigitTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return &CollectResult{Digits: b.collected(), TimedOut: true}

		case d, ok := <-b.source:
			if !ok {
				// Stream closed: the call is over, deliver what we have.
				return &CollectResult{Digits: b.collected()}
			}

			if b.terminator != 0 && d.Char == b.terminator {
				b.logger.Debug("terminator received",
					"terminator", string(d.Char),
					"buffer", b.collected(),
				)
				return &CollectResult{Digits: b.collected(), Terminated: true}
			}

			b.mu.Lock()
			b.digits = append(b.digits, d.Char)
			count := len(b.digits)
			b.mu.Unlock()

			b.logger.Debug("digit buffered",
				"digit", string(d.Char),
				"source", d.Source,
				"buffer", b.collected(),
			)

			if b.maxDigits > 0 && count >= b.maxDigits {
				return &CollectResult{Digits: b.collected()}
			}

			// Switch to the inter-digit timeout after the first digit.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(b.interDigitTimeout)

		case <-timer.C:
			return &CollectResult{Digits: b.collected(), TimedOut: true}
		}
	}
}

// collected returns the current buffer contents as a string.
func (b *Buffer) collected() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.digits)
}

// Buffered returns the number of digits currently held.
func (b *Buffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.digits)
}

// Peek returns the current buffer contents without consuming them.
func (b *Buffer) Peek() string {
	return b.collected()
}

// Reset clears the buffer.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.digits = b.digits[:0]
}

// Drain discards digits already queued on the source without blocking
// and clears the buffer. IVR nodes call it so input pressed during an
// earlier prompt does not leak into the next collection.
func (b *Buffer) Drain() int {
	n := 0
	for {
		select {
		case _, ok := <-b.source:
			if !ok {
				b.Reset()
				return n
			}
			n++
		default:
			b.Reset()
			return n
		}
	}
}
