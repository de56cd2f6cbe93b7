package media

import (
	"math"
	"sync"
	"time"

	"github.com/pion/rtcp"
)

const (
	// srRetention is how long a forwarded sender report waits for the
	// answering receiver report before its timestamp is discarded.
	srRetention = 10 * time.Second

	// srHistory caps the number of outstanding sender reports tracked
	// per leg.
	srHistory = 8
)

// QoSReport summarizes call quality for one direction of a relay.
type QoSReport struct {
	// MOS is an estimated mean opinion score on the 1.0 to 4.5 scale.
	MOS float64
	// JitterMs is the interarrival jitter in milliseconds.
	JitterMs float64
	// LossPct is the fraction of expected packets never received.
	LossPct float64
	// RTT is the round trip between the relay and this leg, zero until
	// the leg has answered a forwarded sender report.
	RTT time.Duration
}

// rtcpTracker estimates the round trip between the relay and one leg. It
// remembers when sender reports were forwarded toward the leg and matches
// them against the LSR field of the leg's reception reports.
type rtcpTracker struct {
	mu           sync.Mutex
	srTimes      map[uint32]time.Time
	rtt          time.Duration
	fractionLost uint8
	remoteJitter uint32
}

// sawForwardedSR records that a sender report with the given NTP
// timestamp passed through toward this tracker's leg.
func (t *rtcpTracker) sawForwardedSR(ntp uint64, at time.Time) {
	mid := uint32(ntp >> 16)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.srTimes == nil {
		t.srTimes = make(map[uint32]time.Time)
	}
	for k, v := range t.srTimes {
		if at.Sub(v) > srRetention {
			delete(t.srTimes, k)
		}
	}
	if len(t.srTimes) >= srHistory {
		var oldKey uint32
		var oldAt time.Time
		first := true
		for k, v := range t.srTimes {
			if first || v.Before(oldAt) {
				oldKey, oldAt, first = k, v, false
			}
		}
		delete(t.srTimes, oldKey)
	}
	t.srTimes[mid] = at
}

// sawReports consumes reception reports arriving from this tracker's leg.
// A report whose LSR matches a forwarded sender report yields a round
// trip of arrival minus forward time minus the leg's reported DLSR.
func (t *rtcpTracker) sawReports(reports []rtcp.ReceptionReport, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rep := range reports {
		t.fractionLost = rep.FractionLost
		t.remoteJitter = rep.Jitter
		if rep.LastSenderReport == 0 {
			continue
		}
		sent, ok := t.srTimes[rep.LastSenderReport]
		if !ok {
			continue
		}
		delete(t.srTimes, rep.LastSenderReport)
		dlsr := time.Duration(rep.Delay) * time.Second / 65536
		if rtt := at.Sub(sent) - dlsr; rtt > 0 {
			t.rtt = rtt
		}
	}
}

func (t *rtcpTracker) snapshot() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rtt
}

// observeRTCP mines a control packet for round-trip material. Sender
// reports from one leg are timestamped for the other leg's tracker;
// reception reports complete the round trip for the leg they came from.
func (r *Relay) observeRTCP(dir Direction, pkt []byte, arrival time.Time) {
	packets, err := rtcp.Unmarshal(pkt)
	if err != nil {
		return
	}

	var toward, from *rtcpTracker
	if dir == DirAToB {
		toward = &r.rtcpB
		from = &r.rtcpA
	} else {
		toward = &r.rtcpA
		from = &r.rtcpB
	}

	for _, p := range packets {
		switch rp := p.(type) {
		case *rtcp.SenderReport:
			toward.sawForwardedSR(rp.NTPTime, arrival)
			from.sawReports(rp.Reports, arrival)
		case *rtcp.ReceiverReport:
			from.sawReports(rp.Reports, arrival)
		}
	}
}

// QoS reports estimated call quality per direction. The a-to-b report
// describes the stream leg A sends, with the relay-to-A round trip.
func (r *Relay) QoS() (aToB, bToA QoSReport) {
	st := r.Stats()
	return buildQoS(st.AToB, r.rtcpA.snapshot()),
		buildQoS(st.BToA, r.rtcpB.snapshot())
}

func buildQoS(ds DirectionStats, rtt time.Duration) QoSReport {
	var lossPct float64
	if ds.Expected > 0 {
		lossPct = float64(ds.Lost) / float64(ds.Expected) * 100
	}
	return QoSReport{
		MOS:      mosFromStats(lossPct, ds.JitterMs, rtt),
		JitterMs: ds.JitterMs,
		LossPct:  lossPct,
		RTT:      rtt,
	}
}

// mosFromStats maps loss, jitter, and round trip to a mean opinion score
// with a simplified E-model (ITU-T G.107): an R factor is reduced by a
// delay impairment and a loss impairment, then converted to MOS.
func mosFromStats(lossPct, jitterMs float64, rtt time.Duration) float64 {
	delay := float64(rtt.Milliseconds())/2 + jitterMs + 10
	id := 0.024 * delay
	if delay > 177.3 {
		id += 0.11 * (delay - 177.3)
	}
	ie := 30 * math.Log(1+15*lossPct/100)

	rf := 93.2 - id - ie
	if rf < 0 {
		rf = 0
	}
	if rf > 100 {
		rf = 100
	}

	mos := 1 + 0.035*rf + rf*(rf-60)*(100-rf)*7e-6
	if mos < 1 {
		mos = 1
	}
	if mos > 4.5 {
		mos = 4.5
	}
	return mos
}
