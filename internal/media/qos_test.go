package media

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
)

func TestMOSFromStats(t *testing.T) {
	perfect := mosFromStats(0, 0, 0)
	if perfect < 4.2 {
		t.Errorf("perfect conditions MOS = %.2f, want at least 4.2", perfect)
	}

	lossy := mosFromStats(20, 0, 0)
	if lossy > 2.8 {
		t.Errorf("20%% loss MOS = %.2f, want under 2.8", lossy)
	}
	if mosFromStats(5, 0, 0) <= lossy {
		t.Error("MOS is not decreasing in loss")
	}

	if delayed := mosFromStats(0, 0, 500*time.Millisecond); delayed >= perfect {
		t.Errorf("500ms round trip MOS = %.2f, want under %.2f", delayed, perfect)
	}

	// The scale is bounded even for absurd inputs.
	if floor := mosFromStats(100, 500, 10*time.Second); floor < 1 || floor > 4.5 {
		t.Errorf("MOS out of range: %.2f", floor)
	}
}

func TestRTCPTrackerRoundTrip(t *testing.T) {
	var tr rtcpTracker
	base := time.Now()

	ntp := uint64(0xABCDEF0123456789)
	tr.sawForwardedSR(ntp, base)

	// The leg answers 300ms later, having held the report for 250ms
	// (16384 units of 1/65536s), leaving a 50ms round trip.
	tr.sawReports([]rtcp.ReceptionReport{{
		LastSenderReport: uint32(ntp >> 16),
		Delay:            16384,
	}}, base.Add(300*time.Millisecond))

	if got := tr.snapshot(); got != 50*time.Millisecond {
		t.Errorf("rtt = %v, want 50ms", got)
	}
}

func TestRTCPTrackerIgnoresUnknownLSR(t *testing.T) {
	var tr rtcpTracker
	tr.sawReports([]rtcp.ReceptionReport{{LastSenderReport: 42, Delay: 100}}, time.Now())
	if got := tr.snapshot(); got != 0 {
		t.Errorf("rtt = %v, want 0 for an unmatched report", got)
	}
}

func TestBuildQoS(t *testing.T) {
	q := buildQoS(DirectionStats{Expected: 200, Lost: 10, JitterMs: 3}, 80*time.Millisecond)
	if q.LossPct != 5 {
		t.Errorf("LossPct = %.1f, want 5", q.LossPct)
	}
	if q.JitterMs != 3 {
		t.Errorf("JitterMs = %.1f, want 3", q.JitterMs)
	}
	if q.RTT != 80*time.Millisecond {
		t.Errorf("RTT = %v, want 80ms", q.RTT)
	}
	if q.MOS < 1 || q.MOS > 4.5 {
		t.Errorf("MOS out of range: %.2f", q.MOS)
	}

	// No packets expected yet: loss is reported as zero, not NaN.
	empty := buildQoS(DirectionStats{}, 0)
	if empty.LossPct != 0 {
		t.Errorf("LossPct on empty stream = %.1f, want 0", empty.LossPct)
	}
}
