package audio

import "math"

// In-band DTMF detection runs Goertzel filters at the eight keypad
// frequencies over a sliding 20 ms window advanced in 5 ms steps. A digit
// registers once its tone has persisted for 40 ms; a repeat of the same
// digit is only registered after at least 15 ms of silence.
const (
	goertzelWindow = 160 // 20 ms at 8 kHz
	goertzelStep   = 40  // 5 ms at 8 kHz

	minToneMs = 40
	minGapMs  = 15

	// Mean-square level below which a step is treated as silence.
	silenceFloor = 1e5

	// A band winner must exceed the runner-up in its band by this factor.
	bandDominance = 8.0

	// The two winning bands together must carry at least this share of
	// the window's total energy.
	minToneShare = 0.55
)

// DTMFDetector recognizes in-band DTMF digits from a stream of linear PCM
// samples. Feed returns the digits that completed registration during that
// call. The zero value is not usable; construct with NewDTMFDetector.
type DTMFDetector struct {
	pending []int16

	cur   byte // digit of the active tone run, 0 when idle
	runMs int  // accumulated tone duration for cur
	gapMs int  // accumulated silence since the last energetic step
	fired bool // cur already emitted
}

// NewDTMFDetector returns a detector ready to receive samples.
func NewDTMFDetector() *DTMFDetector {
	return &DTMFDetector{pending: make([]int16, 0, goertzelWindow*4)}
}

// Feed appends samples to the detection stream and returns any digits that
// registered. Samples may arrive in arbitrary chunk sizes.
func (d *DTMFDetector) Feed(pcm []int16) []byte {
	d.pending = append(d.pending, pcm...)

	var digits []byte
	for len(d.pending) >= goertzelWindow {
		if dig := d.analyzeStep(); dig != 0 {
			digits = append(digits, dig)
		}
		d.pending = d.pending[goertzelStep:]
	}

	// Keep the buffer from growing without bound between feeds.
	if cap(d.pending) > goertzelWindow*32 {
		trimmed := make([]int16, len(d.pending), goertzelWindow*4)
		copy(trimmed, d.pending)
		d.pending = trimmed
	}
	return digits
}

// FeedG711 decodes one G.711 payload and feeds it to the detector.
func (d *DTMFDetector) FeedG711(payloadType int, data []byte) []byte {
	return d.Feed(Decode(payloadType, data))
}

// analyzeStep advances the state machine by one 5 ms step using the
// current 20 ms window. Returns a digit when one crosses the 40 ms
// registration threshold.
func (d *DTMFDetector) analyzeStep() byte {
	window := d.pending[:goertzelWindow]
	step := d.pending[:goertzelStep]

	if meanSquare(step) < silenceFloor {
		d.gapMs += goertzelStep * 1000 / SampleRate
		if d.gapMs >= minGapMs && d.cur != 0 {
			d.cur = 0
			d.runMs = 0
			d.fired = false
		}
	} else {
		d.gapMs = 0
	}

	cand := classifyWindow(window)
	if cand == 0 {
		// Energetic but unclassifiable audio neither extends nor breaks
		// a run; only sustained silence ends one.
		return 0
	}

	stepMs := goertzelStep * 1000 / SampleRate
	windowMs := goertzelWindow * 1000 / SampleRate
	if cand == d.cur {
		d.runMs += stepMs
	} else {
		d.cur = cand
		d.runMs = windowMs
		d.fired = false
	}

	if d.runMs >= minToneMs && !d.fired {
		d.fired = true
		return d.cur
	}
	return 0
}

// DetectDTMF runs the detector over a complete buffer and returns the
// registered digits in order.
func DetectDTMF(pcm []int16) []byte {
	d := NewDTMFDetector()
	return d.Feed(pcm)
}

// classifyWindow returns the DTMF digit dominating the window, or 0 when
// no digit passes the energy and dominance checks.
func classifyWindow(window []int16) byte {
	total := 0.0
	for _, s := range window {
		total += float64(s) * float64(s)
	}
	if total/float64(len(window)) < silenceFloor {
		return 0
	}

	var rowPow, colPow [4]float64
	for i, f := range dtmfRows {
		rowPow[i] = goertzelPower(window, f)
	}
	for i, f := range dtmfCols {
		colPow[i] = goertzelPower(window, f)
	}

	rowIdx, rowMax, rowSecond := maxPair(rowPow)
	colIdx, colMax, colSecond := maxPair(colPow)

	if rowMax < bandDominance*rowSecond || colMax < bandDominance*colSecond {
		return 0
	}

	// Scale Goertzel magnitudes back to sample-energy units so the two
	// winners can be compared against the window's total energy.
	bandEnergy := (rowMax + colMax) * 2 / float64(len(window))
	if bandEnergy < minToneShare*total {
		return 0
	}

	return dtmfKeypad[rowIdx][colIdx]
}

// goertzelPower computes the squared magnitude of the Goertzel filter
// response at the target frequency.
func goertzelPower(samples []int16, freq float64) float64 {
	coeff := 2 * math.Cos(2*math.Pi*freq/SampleRate)
	var s1, s2 float64
	for _, x := range samples {
		s0 := float64(x) + coeff*s1 - s2
		s2, s1 = s1, s0
	}
	return s1*s1 + s2*s2 - coeff*s1*s2
}

func meanSquare(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return sum / float64(len(samples))
}

// maxPair returns the index and value of the largest element and the value
// of the second largest.
func maxPair(pow [4]float64) (idx int, max, second float64) {
	for i, p := range pow {
		if p > max {
			second = max
			max = p
			idx = i
		} else if p > second {
			second = p
		}
	}
	return idx, max, second
}
