// Package prompts manages the system audio prompts played by voicemail
// and the auto attendant. Prompts are G.711 u-law WAV files (8 kHz,
// mono, 8-bit) played straight onto the RTP stream without transcoding.
//
// Default prompts are distinguishable tone patterns generated on first
// boot into $DATA_DIR/prompts/system/. Deployments replace them with
// real voice recordings by dropping same-named files into
// $DATA_DIR/prompts/custom/, which always wins during lookup.
package prompts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ironpbx/ironpbx/internal/audio"
)

// Prompt file names referenced by the call flows.
const (
	VoicemailGreeting = "voicemail_greeting.wav"
	VoicemailWelcome  = "voicemail_welcome.wav"
	VoicemailMenu     = "voicemail_menu.wav"
	NoMessages        = "no_messages.wav"
	PlaybackMenu      = "playback_menu.wav"
	GreetingReview    = "greeting_review.wav"
	PinPrompt         = "pin_prompt.wav"
	InvalidOption     = "invalid_option.wav"
	Timeout           = "timeout.wav"
	Goodbye           = "goodbye.wav"
	AttendantGreeting = "attendant_greeting.wav"
)

// toneStep is one segment of a generated prompt: a tone followed by a
// gap of silence. A zero frequency is pure silence.
type toneStep struct {
	hz  float64
	dur time.Duration
	gap time.Duration
}

// catalog defines the default prompt set. Patterns are chosen to be
// tellable apart by ear: ascending for greetings, low buzz for errors,
// descending for goodbye.
var catalog = map[string][]toneStep{
	VoicemailGreeting: {
		{hz: 660, dur: 150 * time.Millisecond, gap: 50 * time.Millisecond},
		{hz: 880, dur: 150 * time.Millisecond, gap: 50 * time.Millisecond},
		{hz: 1100, dur: 200 * time.Millisecond, gap: 400 * time.Millisecond},
	},
	VoicemailWelcome: {
		{hz: 523, dur: 120 * time.Millisecond, gap: 40 * time.Millisecond},
		{hz: 880, dur: 180 * time.Millisecond, gap: 300 * time.Millisecond},
	},
	VoicemailMenu: {
		{hz: 880, dur: 100 * time.Millisecond, gap: 80 * time.Millisecond},
		{hz: 880, dur: 100 * time.Millisecond, gap: 200 * time.Millisecond},
	},
	NoMessages: {
		{hz: 392, dur: 250 * time.Millisecond, gap: 250 * time.Millisecond},
	},
	PlaybackMenu: {
		{hz: 880, dur: 80 * time.Millisecond, gap: 60 * time.Millisecond},
		{hz: 880, dur: 80 * time.Millisecond, gap: 60 * time.Millisecond},
		{hz: 880, dur: 80 * time.Millisecond, gap: 200 * time.Millisecond},
	},
	GreetingReview: {
		{hz: 660, dur: 100 * time.Millisecond, gap: 60 * time.Millisecond},
		{hz: 740, dur: 100 * time.Millisecond, gap: 200 * time.Millisecond},
	},
	PinPrompt: {
		{hz: 740, dur: 120 * time.Millisecond, gap: 80 * time.Millisecond},
		{hz: 740, dur: 120 * time.Millisecond, gap: 300 * time.Millisecond},
	},
	InvalidOption: {
		{hz: 300, dur: 400 * time.Millisecond, gap: 200 * time.Millisecond},
	},
	Timeout: {
		{hz: 440, dur: 150 * time.Millisecond, gap: 100 * time.Millisecond},
		{hz: 330, dur: 150 * time.Millisecond, gap: 200 * time.Millisecond},
	},
	Goodbye: {
		{hz: 880, dur: 120 * time.Millisecond, gap: 40 * time.Millisecond},
		{hz: 660, dur: 120 * time.Millisecond, gap: 40 * time.Millisecond},
		{hz: 440, dur: 180 * time.Millisecond, gap: 100 * time.Millisecond},
	},
	AttendantGreeting: {
		{hz: 523, dur: 150 * time.Millisecond, gap: 30 * time.Millisecond},
		{hz: 659, dur: 150 * time.Millisecond, gap: 30 * time.Millisecond},
		{hz: 784, dur: 250 * time.Millisecond, gap: 400 * time.Millisecond},
	},
}

// SystemDir is where generated default prompts live.
func SystemDir(dataDir string) string {
	return filepath.Join(dataDir, "prompts", "system")
}

// CustomDir is where operator-recorded prompts live.
func CustomDir(dataDir string) string {
	return filepath.Join(dataDir, "prompts", "custom")
}

// EnsureDefaults generates any missing default prompts into the system
// directory and creates the custom directory. Files already on disk are
// left alone, preserving manual replacements.
func EnsureDefaults(dataDir string, logger *slog.Logger) error {
	sysDir := SystemDir(dataDir)
	if err := os.MkdirAll(sysDir, 0o750); err != nil {
		return fmt.Errorf("creating system prompts directory: %w", err)
	}
	if err := os.MkdirAll(CustomDir(dataDir), 0o750); err != nil {
		return fmt.Errorf("creating custom prompts directory: %w", err)
	}

	for name, steps := range catalog {
		dest := filepath.Join(sysDir, name)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := writePrompt(dest, steps); err != nil {
			return fmt.Errorf("generating prompt %s: %w", name, err)
		}
		logger.Info("generated system prompt", "file", name)
	}
	return nil
}

// writePrompt renders the tone pattern to u-law and writes the WAV.
func writePrompt(path string, steps []toneStep) error {
	var pcm []int16
	for _, step := range steps {
		if step.hz > 0 {
			pcm = append(pcm, audio.GenerateBeep(step.hz, 0.4, step.dur)...)
		} else {
			pcm = append(pcm, make([]int16, int(step.dur.Seconds()*audio.SampleRate))...)
		}
		if step.gap > 0 {
			pcm = append(pcm, make([]int16, int(step.gap.Seconds()*audio.SampleRate))...)
		}
	}
	return audio.WriteWAVFile(path, audio.WAVFormatPCMU, audio.EncodePCMU(pcm))
}

// Library resolves prompt names to file paths, custom recordings first.
type Library struct {
	dataDir string
}

// NewLibrary creates a resolver rooted at the data directory.
func NewLibrary(dataDir string) *Library {
	return &Library{dataDir: dataDir}
}

// Resolve returns the playable path for a prompt name. The custom
// directory shadows the system one. False means no file exists and the
// prompt should simply be skipped.
func (l *Library) Resolve(name string) (string, bool) {
	for _, dir := range []string{CustomDir(l.dataDir), SystemDir(l.dataDir)} {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return path, true
		}
	}
	return "", false
}

// Names lists the default prompt set, sorted for stable iteration in
// tests and the ops API.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
