package media

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/ironpbx/ironpbx/internal/audio"
)

const (
	// maxRTPPacket is the maximum UDP datagram size we handle.
	maxRTPPacket = 1500

	// rtpHeaderSize is the fixed RTP header size (no CSRCs, no extensions).
	// Anything shorter cannot be RTP and is dropped.
	rtpHeaderSize = 12

	// readTimeout is the read deadline for the relay's UDP sockets; it
	// bounds how long the loops take to notice a stop request.
	readTimeout = 100 * time.Millisecond

	// defaultLearnWindow is how long after Start the relay accepts
	// symmetric-RTP rebinding. Longer windows are a late-rebinding risk.
	defaultLearnWindow = 10 * time.Second

	// socketFailureGrace is how long the sockets may keep failing before
	// the relay gives up and signals the owning call.
	socketFailureGrace = 5 * time.Second

	// eventQueueSize bounds the telephone-event stream. The relay never
	// blocks on a slow consumer; overflow events are counted and dropped.
	eventQueueSize = 16
)

// endpoint is an immutable snapshot of one leg's remote media address.
// confirmed is set once traffic has been observed from the address, which
// freezes it against symmetric-RTP rebinding by other sources.
type endpoint struct {
	addr      *net.UDPAddr
	confirmed bool
}

type atomicEndpoint struct {
	v atomic.Pointer[endpoint]
}

func (a *atomicEndpoint) load() *endpoint {
	return a.v.Load()
}

func (a *atomicEndpoint) addr() *net.UDPAddr {
	ep := a.v.Load()
	if ep == nil {
		return nil
	}
	return ep.addr
}

func (a *atomicEndpoint) store(addr *net.UDPAddr, confirmed bool) {
	a.v.Store(&endpoint{addr: addr, confirmed: confirmed})
}

// AudioTap receives the G.711 payload of every audio packet flowing in
// one direction. Taps run on the relay loop and must not block; the
// in-band DTMF detector is wired this way.
type AudioTap func(payload []byte, payloadType uint8)

// recordingSink pairs a recorder with the directions it captures.
type recordingSink struct {
	rec  *Recorder
	dirs [2]bool
}

// Relay forwards RTP between the two legs of one call over a single
// socket pair: both legs send to the same local port and datagrams are
// attributed to a leg by their source address. Telephone-event packets
// are consumed into the event stream instead of being forwarded, and a
// recorder or audio tap can observe the audio path.
//
// Symmetric RTP: within the learning window a leg's real address is
// learned from observed traffic, so phones behind NAT are reachable even
// when their SDP advertises a private address.
type Relay struct {
	callID string
	pair   *SocketPair
	logger *slog.Logger

	payloadType    atomic.Int32 // negotiated audio payload type
	telephoneEvent atomic.Int32 // negotiated telephone-event payload type, -1 when absent

	endpointA atomicEndpoint
	endpointB atomicEndpoint

	learnWindow time.Duration
	learnUntil  time.Time // set by Start, read-only afterwards

	muted     [2]atomic.Bool  // forwarding suppressed per direction (hold)
	lastAudio [2]atomic.Int64 // unix nanos of the last inbound audio per direction

	statsMu sync.Mutex
	stats   [2]streamStats

	shortDrops    atomic.Uint64
	unknownDrops  atomic.Uint64
	eventOverflow atomic.Uint64

	dedup  [2]rfc2833Dedup // loop-owned
	events chan RFC2833Event

	recording atomic.Pointer[recordingSink]
	taps      [2]atomic.Pointer[AudioTap]

	injMu     sync.Mutex
	injectors [2]*Injector
	injClosed bool

	rtcpA rtcpTracker // round trip relay↔leg A
	rtcpB rtcpTracker // round trip relay↔leg B

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	failOnce sync.Once
	failed   chan struct{}
	wg       sync.WaitGroup
}

// NewRelay wires a relay for one call onto an allocated socket pair. The
// relay does not read or forward anything until Start. The audio payload
// type defaults to PCMU until SetCodec records the negotiated one.
func NewRelay(callID string, pair *SocketPair, logger *slog.Logger) *Relay {
	r := &Relay{
		callID:      callID,
		pair:        pair,
		logger:      logger.With("subsystem", "rtp-relay", "call_id", callID),
		learnWindow: defaultLearnWindow,
		events:      make(chan RFC2833Event, eventQueueSize),
		failed:      make(chan struct{}),
	}
	r.payloadType.Store(audio.PayloadPCMU)
	r.telephoneEvent.Store(-1)
	return r
}

// SetCodec records the negotiated audio payload type and the
// telephone-event payload number (-1 when the peer did not offer one).
func (r *Relay) SetCodec(payloadType, telephoneEvent int) {
	r.payloadType.Store(int32(payloadType))
	r.telephoneEvent.Store(int32(telephoneEvent))
}

// PayloadType returns the negotiated audio payload type.
func (r *Relay) PayloadType() int {
	return int(r.payloadType.Load())
}

// SetEndpoints configures the remote media addresses for one or both
// legs. A nil argument never overwrites a previously set endpoint.
// Initial setup typically sets a from the INVITE's SDP and b later from
// the 200 OK's SDP. Setting an endpoint marks it unconfirmed so the
// learning window may still rebind the real source address.
func (r *Relay) SetEndpoints(a, b *net.UDPAddr) {
	if a != nil {
		r.endpointA.store(cloneUDPAddr(a), false)
	}
	if b != nil {
		r.endpointB.store(cloneUDPAddr(b), false)
	}
}

// EndpointA returns the current remote address for leg A, nil if unset.
// After symmetric-RTP learning this may differ from the SDP address.
func (r *Relay) EndpointA() *net.UDPAddr {
	return r.endpointA.addr()
}

// EndpointB returns the current remote address for leg B, nil if unset.
func (r *Relay) EndpointB() *net.UDPAddr {
	return r.endpointB.addr()
}

// Port returns the local RTP port both legs send to.
func (r *Relay) Port() int {
	return r.pair.Ports.RTP
}

// Start opens the learning window and launches the forwarding loops.
func (r *Relay) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.learnUntil = time.Now().Add(r.learnWindow)

	r.wg.Add(2)
	go r.rtpLoop()
	go r.rtcpLoop()

	r.logger.Info("rtp relay started",
		"rtp_port", r.pair.Ports.RTP,
		"rtcp_port", r.pair.Ports.RTCP,
		"endpoint_a", addrString(r.EndpointA()),
		"endpoint_b", addrString(r.EndpointB()),
	)
}

// Stop terminates the loops, the injectors, and any active recording,
// then closes the event stream. Safe to call more than once.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		r.wg.Wait()

		r.injMu.Lock()
		r.injClosed = true
		for _, inj := range r.injectors {
			if inj != nil {
				inj.stop()
			}
		}
		r.injMu.Unlock()

		r.StopRecording()
		close(r.events)

		st := r.Stats()
		r.logger.Info("rtp relay stopped",
			"packets_a_to_b", st.AToB.Packets,
			"packets_b_to_a", st.BToA.Packets,
			"bytes_a_to_b", st.AToB.Bytes,
			"bytes_b_to_a", st.BToA.Bytes,
			"short_drops", st.ShortDrops,
			"unknown_drops", st.UnknownDrops,
		)
	})
}

// Events is the stream of completed telephone-event tones. It is closed
// by Stop.
func (r *Relay) Events() <-chan RFC2833Event {
	return r.events
}

// Failed is closed when the relay's sockets have been unusable for longer
// than the failure grace period; the owning call tears down on it.
func (r *Relay) Failed() <-chan struct{} {
	return r.failed
}

func (r *Relay) fail() {
	r.failOnce.Do(func() { close(r.failed) })
}

// SetForwarding enables or disables forwarding for one direction. Hold
// flips the held direction off; resume restores it.
func (r *Relay) SetForwarding(dir Direction, enabled bool) {
	r.muted[dir].Store(!enabled)
}

// SetAudioTap installs (or, with nil, removes) an observer on the audio
// path for one direction.
func (r *Relay) SetAudioTap(dir Direction, tap AudioTap) {
	if tap == nil {
		r.taps[dir].Store(nil)
		return
	}
	r.taps[dir].Store(&tap)
}

// Inject queues one G.711 frame for synthesized playback in the given
// direction. It reports false when the injector ring is full.
func (r *Relay) Inject(dir Direction, frame []byte) bool {
	return r.Injector(dir).Enqueue(frame)
}

// Injector returns the synthesized-audio source for one direction,
// creating it on first use. After Stop the returned injector is already
// stopped, so playback calls fail with ErrInjectorStopped instead of
// stranding a goroutine.
func (r *Relay) Injector(dir Direction) *Injector {
	r.injMu.Lock()
	defer r.injMu.Unlock()
	if r.injectors[dir] == nil {
		r.injectors[dir] = newInjector(r, dir)
		if r.injClosed {
			r.injectors[dir].stop()
		}
	}
	return r.injectors[dir]
}

// RecordTo starts capturing both directions of call audio to a WAV file.
func (r *Relay) RecordTo(path string) error {
	return r.record(path, [2]bool{true, true})
}

// RecordDirection captures a single direction, which is how voicemail
// takes down the caller's message without its own prompts mixed in.
func (r *Relay) RecordDirection(path string, dir Direction) error {
	var dirs [2]bool
	dirs[dir] = true
	return r.record(path, dirs)
}

func (r *Relay) record(path string, dirs [2]bool) error {
	rec, err := NewRecorder(path, r.logger)
	if err != nil {
		return err
	}
	old := r.recording.Swap(&recordingSink{rec: rec, dirs: dirs})
	if old != nil {
		old.rec.Stop()
	}
	return nil
}

// StopRecording finalizes the active recording and returns its path and
// duration in seconds. It returns "" and 0 when nothing was recording.
func (r *Relay) StopRecording() (string, int) {
	sink := r.recording.Swap(nil)
	if sink == nil {
		return "", 0
	}
	return sink.rec.Stop()
}

// RelayStats is a point-in-time view of a relay's counters.
type RelayStats struct {
	AToB          DirectionStats
	BToA          DirectionStats
	ShortDrops    uint64
	UnknownDrops  uint64
	EventOverflow uint64
}

// Stats snapshots both directions and the drop counters.
func (r *Relay) Stats() RelayStats {
	r.statsMu.Lock()
	ab := r.stats[DirAToB].snapshot()
	ba := r.stats[DirBToA].snapshot()
	r.statsMu.Unlock()
	return RelayStats{
		AToB:          ab,
		BToA:          ba,
		ShortDrops:    r.shortDrops.Load(),
		UnknownDrops:  r.unknownDrops.Load(),
		EventOverflow: r.eventOverflow.Load(),
	}
}

// rtpLoop receives on the media port, classifies by source, and forwards.
// Read errors are retried; the relay gives up only after the socket has
// been unusable for the full failure grace period.
func (r *Relay) rtpLoop() {
	defer r.wg.Done()

	buf := make([]byte, maxRTPPacket)
	var badSince time.Time
	for {
		if r.stopped.Load() {
			return
		}

		r.pair.RTPConn.SetReadDeadline(time.Now().Add(readTimeout))
		n, src, err := r.pair.RTPConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				badSince = time.Time{}
				continue
			}
			if r.stopped.Load() {
				return
			}
			if badSince.IsZero() {
				badSince = time.Now()
			} else if time.Since(badSince) > socketFailureGrace {
				r.logger.Error("rtp socket unusable, giving up", "error", err)
				r.fail()
				return
			}
			r.logger.Warn("rtp read error", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		badSince = time.Time{}

		r.handleRTP(buf[:n], src, time.Now())
	}
}

func (r *Relay) handleRTP(pkt []byte, src *net.UDPAddr, arrival time.Time) {
	if len(pkt) < rtpHeaderSize {
		r.shortDrops.Add(1)
		return
	}

	dir, ok := r.classify(src, arrival)
	if !ok {
		r.unknownDrops.Add(1)
		return
	}

	var hdr rtp.Header
	hdrLen, err := hdr.Unmarshal(pkt)
	if err != nil {
		r.shortDrops.Add(1)
		return
	}
	payload := pkt[hdrLen:]

	r.statsMu.Lock()
	r.stats[dir].update(hdr.SequenceNumber, hdr.Timestamp, hdr.SSRC, len(pkt), arrival)
	r.statsMu.Unlock()

	// Telephone events are consumed into the event stream: never
	// forwarded to the other leg, never recorded.
	if te := r.telephoneEvent.Load(); te >= 0 && int32(hdr.PayloadType) == te {
		r.handleTelephoneEvent(dir, hdr.Timestamp, payload)
		return
	}

	r.lastAudio[dir].Store(arrival.UnixNano())

	if tap := r.taps[dir].Load(); tap != nil {
		(*tap)(payload, hdr.PayloadType)
	}
	if sink := r.recording.Load(); sink != nil && sink.dirs[dir] {
		sink.rec.Feed(payload, int(hdr.PayloadType))
	}

	if r.muted[dir].Load() {
		return
	}

	dst := r.oppositeEndpoint(dir)
	if dst == nil {
		// The other leg is not known yet (common before the 200 OK);
		// accept the packet for learning but drop it silently.
		return
	}
	if _, err := r.pair.RTPConn.WriteToUDP(pkt, dst); err != nil {
		r.logger.Debug("rtp write error",
			"direction", dir.String(),
			"error", err,
		)
	}
}

// classify attributes a datagram source to one of the legs.
//
// Exact matches always win. Within the learning window an address-only
// match re-learns that leg's port, and a wholly unknown source may rebind
// the single leg that was configured but never heard from. That is the
// symmetric-RTP path for phones whose SDP advertises a private address.
// A leg that has produced traffic is confirmed and is never evicted.
// After the window, unknown sources are rejected.
func (r *Relay) classify(src *net.UDPAddr, arrival time.Time) (Direction, bool) {
	a := r.endpointA.load()
	b := r.endpointB.load()

	if a != nil && sameAddr(a.addr, src) {
		if !a.confirmed {
			r.endpointA.store(a.addr, true)
		}
		return DirAToB, true
	}
	if b != nil && sameAddr(b.addr, src) {
		if !b.confirmed {
			r.endpointB.store(b.addr, true)
		}
		return DirBToA, true
	}

	if arrival.After(r.learnUntil) {
		return 0, false
	}

	// Same address, different port: the leg's real source port differs
	// from its SDP. Only an unheard-from leg may be re-learned; two
	// phones behind one NAT would otherwise steal each other's stream.
	if a != nil && !a.confirmed && a.addr.IP.Equal(src.IP) {
		r.learn(&r.endpointA, DirAToB, src)
		return DirAToB, true
	}
	if b != nil && !b.confirmed && b.addr.IP.Equal(src.IP) {
		r.learn(&r.endpointB, DirBToA, src)
		return DirBToA, true
	}

	// Unknown source: rebind only when exactly one leg is configured
	// and unconfirmed, so the packet cannot be attributed to the wrong
	// leg and a confirmed peer is never displaced.
	aOpen := a != nil && !a.confirmed
	bOpen := b != nil && !b.confirmed
	if aOpen && !bOpen {
		r.learn(&r.endpointA, DirAToB, src)
		return DirAToB, true
	}
	if bOpen && !aOpen {
		r.learn(&r.endpointB, DirBToA, src)
		return DirBToA, true
	}
	return 0, false
}

func (r *Relay) learn(ep *atomicEndpoint, dir Direction, src *net.UDPAddr) {
	ep.store(cloneUDPAddr(src), true)
	r.logger.Info("symmetric rtp: learned remote address",
		"direction", dir.String(),
		"address", src.String(),
	)
}

func (r *Relay) handleTelephoneEvent(dir Direction, ts uint32, payload []byte) {
	ev, ok := parseTelephoneEvent(payload)
	if !ok {
		return
	}
	if !r.dedup[dir].completed(ev.code, ts, ev.end) {
		return
	}
	digit, ok := ev.digit()
	if !ok {
		return
	}

	e := RFC2833Event{Digit: digit, DurationMs: ev.durationMs(), End: true}
	select {
	case r.events <- e:
	default:
		r.eventOverflow.Add(1)
	}

	r.logger.Debug("telephone-event completed",
		"direction", dir.String(),
		"digit", string(digit),
		"duration_ms", e.DurationMs,
	)
}

// oppositeEndpoint returns where traffic flowing in dir should be sent.
func (r *Relay) oppositeEndpoint(dir Direction) *net.UDPAddr {
	if dir == DirAToB {
		return r.endpointB.addr()
	}
	return r.endpointA.addr()
}

// targetEndpoint returns the leg an injector sending in dir delivers to.
func (r *Relay) targetEndpoint(dir Direction) *net.UDPAddr {
	if dir == DirBToA {
		return r.endpointA.addr()
	}
	return r.endpointB.addr()
}

// twoWayAudio reports whether both legs have produced audio within the
// last second, which is when injectors must keep quiet.
func (r *Relay) twoWayAudio() bool {
	now := time.Now().UnixNano()
	const window = int64(time.Second)
	a := r.lastAudio[DirAToB].Load()
	b := r.lastAudio[DirBToA].Load()
	return a != 0 && b != 0 && now-a < window && now-b < window
}

// rtcpLoop forwards control traffic on the odd port and mines sender and
// receiver reports for round-trip estimates.
func (r *Relay) rtcpLoop() {
	defer r.wg.Done()

	buf := make([]byte, maxRTPPacket)
	for {
		if r.stopped.Load() {
			return
		}

		r.pair.RTCPConn.SetReadDeadline(time.Now().Add(readTimeout))
		n, src, err := r.pair.RTCPConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if r.stopped.Load() {
				return
			}
			r.logger.Debug("rtcp read error", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		r.handleRTCP(buf[:n], src, time.Now())
	}
}

func (r *Relay) handleRTCP(pkt []byte, src *net.UDPAddr, arrival time.Time) {
	dir, ok := r.classifyRTCP(src)
	if !ok {
		return
	}

	r.observeRTCP(dir, pkt, arrival)

	dst := r.oppositeEndpoint(dir)
	if dst == nil {
		return
	}
	rtcpDst := &net.UDPAddr{IP: dst.IP, Port: dst.Port + 1}
	if _, err := r.pair.RTCPConn.WriteToUDP(pkt, rtcpDst); err != nil {
		r.logger.Debug("rtcp write error",
			"direction", dir.String(),
			"error", err,
		)
	}
}

// classifyRTCP attributes control traffic by address. The media port + 1
// convention is preferred so two legs sharing an IP stay distinguishable.
func (r *Relay) classifyRTCP(src *net.UDPAddr) (Direction, bool) {
	a := r.endpointA.addr()
	b := r.endpointB.addr()

	if a != nil && a.IP.Equal(src.IP) && src.Port == a.Port+1 {
		return DirAToB, true
	}
	if b != nil && b.IP.Equal(src.IP) && src.Port == b.Port+1 {
		return DirBToA, true
	}
	if a != nil && a.IP.Equal(src.IP) {
		return DirAToB, true
	}
	if b != nil && b.IP.Equal(src.IP) {
		return DirBToA, true
	}
	return 0, false
}

func sameAddr(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

func cloneUDPAddr(a *net.UDPAddr) *net.UDPAddr {
	ip := make(net.IP, len(a.IP))
	copy(ip, a.IP)
	return &net.UDPAddr{IP: ip, Port: a.Port, Zone: a.Zone}
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return "unset"
	}
	return a.String()
}
