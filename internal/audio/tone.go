package audio

import (
	"fmt"
	"math"
	"time"
)

// DTMF keypad frequencies (ITU-T Q.23). Each digit is the sum of one row
// tone and one column tone.
var (
	dtmfRows = [4]float64{697, 770, 852, 941}
	dtmfCols = [4]float64{1209, 1336, 1477, 1633}
)

// dtmfKeypad maps (row, col) to the digit character.
var dtmfKeypad = [4][4]byte{
	{'1', '2', '3', 'A'},
	{'4', '5', '6', 'B'},
	{'7', '8', '9', 'C'},
	{'*', '0', '#', 'D'},
}

// dtmfFreqs returns the row and column frequency for a DTMF digit.
func dtmfFreqs(digit byte) (row, col float64, err error) {
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			if dtmfKeypad[r][c] == digit {
				return dtmfRows[r], dtmfCols[c], nil
			}
		}
	}
	return 0, 0, fmt.Errorf("not a dtmf digit: %q", digit)
}

// GenerateTone produces linear PCM samples for a dual-frequency tone at
// 8 kHz. Either frequency may be zero for a single tone. Amplitude is
// split between the two components and clamped to the int16 range.
func GenerateTone(lowHz, highHz float64, duration time.Duration) []int16 {
	total := int(duration.Seconds() * SampleRate)
	samples := make([]int16, total)

	components := 0.0
	if lowHz > 0 {
		components++
	}
	if highHz > 0 {
		components++
	}
	if components == 0 {
		return samples
	}
	// Headroom below full scale so the summed tones never clip.
	perTone := 0.45 * 32767.0 / components

	for i := 0; i < total; i++ {
		t := float64(i) / SampleRate
		v := 0.0
		if lowHz > 0 {
			v += perTone * math.Sin(2*math.Pi*lowHz*t)
		}
		if highHz > 0 {
			v += perTone * math.Sin(2*math.Pi*highHz*t)
		}
		samples[i] = clampPCM(v)
	}
	return samples
}

// GenerateDTMF produces the dual tone for a single DTMF digit followed by
// trailing silence, both as linear PCM. The digit must be one of
// 0-9, *, #, A-D.
func GenerateDTMF(digit byte, toneDur, silenceDur time.Duration) ([]int16, error) {
	row, col, err := dtmfFreqs(digit)
	if err != nil {
		return nil, err
	}
	tone := GenerateTone(row, col, toneDur)
	if silenceDur <= 0 {
		return tone, nil
	}
	gap := make([]int16, int(silenceDur.Seconds()*SampleRate))
	return append(tone, gap...), nil
}

// GenerateBeep produces a single sine tone, used for confirmation beeps
// and conference join/leave notifications.
func GenerateBeep(frequencyHz, amplitude float64, duration time.Duration) []int16 {
	total := int(duration.Seconds() * SampleRate)
	samples := make([]int16, total)
	peak := amplitude * 32767.0
	for i := 0; i < total; i++ {
		t := float64(i) / SampleRate
		samples[i] = clampPCM(peak * math.Sin(2*math.Pi*frequencyHz*t))
	}
	return samples
}

func clampPCM(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
