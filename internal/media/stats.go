package media

import (
	"time"

	"github.com/ironpbx/ironpbx/internal/audio"
)

// Direction identifies one media flow through a relay. DirAToB is the
// stream leg A (the caller) sends; DirBToA is the stream leg B sends.
type Direction int

const (
	DirAToB Direction = iota
	DirBToA
)

func (d Direction) String() string {
	if d == DirAToB {
		return "a_to_b"
	}
	return "b_to_a"
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirAToB {
		return DirBToA
	}
	return DirAToB
}

// streamStats tracks one direction's RTP flow: raw packet and byte counts,
// extended sequence numbers for loss, and the RFC 3550 appendix A.8
// interarrival jitter estimator. The relay loop is the only writer;
// snapshots are taken under the relay's stats lock.
type streamStats struct {
	packets uint64
	bytes   uint64

	started  bool
	epoch    time.Time // arrival of the first packet, for the RTP clock
	ssrc     uint32
	baseSeq  uint16
	maxSeq   uint16
	cycles   uint32 // sequence number wraparounds
	received uint64

	transit int64   // last packet's transit time, in timestamp units
	jitter  float64 // RFC 3550 A.8 estimator, in timestamp units
}

func (s *streamStats) update(seq uint16, ts, ssrc uint32, size int, arrival time.Time) {
	s.packets++
	s.bytes += uint64(size)

	if !s.started || ssrc != s.ssrc {
		// First packet, or the sender restarted with a new SSRC:
		// (re)baseline the sequence space and the jitter estimator.
		s.started = true
		s.epoch = arrival
		s.ssrc = ssrc
		s.baseSeq = seq
		s.maxSeq = seq
		s.cycles = 0
		s.received = 1
		s.transit = s.rtpTime(arrival) - int64(ts)
		s.jitter = 0
		return
	}

	s.received++

	// Extended sequence number bookkeeping (RFC 3550 A.1, simplified):
	// a much smaller sequence number after a high one means the 16-bit
	// counter rolled over; small backward steps are reordering and leave
	// the high-water mark alone.
	if seq > s.maxSeq {
		s.maxSeq = seq
	} else if s.maxSeq-seq > 0x8000 {
		s.cycles++
		s.maxSeq = seq
	}

	// Interarrival jitter (RFC 3550 appendix A.8).
	transit := s.rtpTime(arrival) - int64(ts)
	d := transit - s.transit
	s.transit = transit
	if d < 0 {
		d = -d
	}
	s.jitter += (float64(d) - s.jitter) / 16.0
}

// rtpTime expresses the arrival instant in RTP timestamp units relative
// to the first packet of the stream.
func (s *streamStats) rtpTime(t time.Time) int64 {
	return t.Sub(s.epoch).Nanoseconds() * audio.SampleRate / int64(time.Second)
}

// DirectionStats is a point-in-time copy of one direction's counters.
type DirectionStats struct {
	Packets  uint64
	Bytes    uint64
	Expected uint64
	Lost     uint64
	JitterMs float64
	LastSeq  uint16
}

func (s *streamStats) snapshot() DirectionStats {
	ds := DirectionStats{
		Packets:  s.packets,
		Bytes:    s.bytes,
		JitterMs: s.jitter * 1000 / audio.SampleRate,
		LastSeq:  s.maxSeq,
	}
	if s.started {
		extended := uint64(s.cycles)<<16 | uint64(s.maxSeq)
		ds.Expected = extended - uint64(s.baseSeq) + 1
		if ds.Expected > s.received {
			ds.Lost = ds.Expected - s.received
		}
	}
	return ds
}
