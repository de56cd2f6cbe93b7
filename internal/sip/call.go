package sip

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/ironpbx/ironpbx/internal/cdr"
	"github.com/ironpbx/ironpbx/internal/dtmf"
	"github.com/ironpbx/ironpbx/internal/media"
)

// Call lifecycle states.
const (
	StateInit        = "init"
	StateCalling     = "calling"
	StateRinging     = "ringing"
	StateAnswered    = "answered"
	StateActive      = "active"
	StateTerminating = "terminating"
	StateTerminated  = "terminated"
)

// Call lifecycle events.
const (
	eventInvite      = "invite"
	eventProvisional = "provisional"
	eventAnswer      = "answer"
	eventAck         = "ack"
	eventBye         = "bye"
	eventCancel      = "cancel"
	eventReject      = "reject"
	eventTimeout     = "timeout"
	eventRelease     = "release"
)

// Leg dialog states.
const (
	LegEarly      = "early"
	LegConfirmed  = "confirmed"
	LegTerminated = "terminated"
)

// Leg holds the dialog state for one side of a bridged call: the RFC 3261
// triple plus CSeq counters, route set and remote target, everything needed
// to build in-dialog requests toward that party.
type Leg struct {
	mu         sync.Mutex
	callID     string
	localURI   sip.Uri
	remoteURI  sip.Uri
	localTag   string
	remoteTag  string
	localCSeq  uint32
	remoteCSeq uint32
	routeSet   []sip.Uri
	target     sip.Uri // remote Contact, NAT-corrected
	contact    sip.Uri // our Contact toward this party
	transport  string
	state      string
}

// NewUASLeg builds the dialog leg facing the party whose INVITE we
// received. The route set is the INVITE's Record-Route headers in order;
// the remote target is its Contact with the host rewritten to the packet
// source when they disagree (the phone is behind NAT).
func NewUASLeg(invite *sip.Request, localTag string, contact sip.Uri) *Leg {
	l := &Leg{
		localTag:  localTag,
		contact:   contact,
		transport: invite.Transport(),
		state:     LegEarly,
		localCSeq: 1,
	}
	if cid := invite.CallID(); cid != nil {
		l.callID = cid.Value()
	}
	if from := invite.From(); from != nil {
		l.remoteURI = *from.Address.Clone()
		l.remoteTag, _ = from.Params.Get("tag")
	}
	if to := invite.To(); to != nil {
		l.localURI = *to.Address.Clone()
	}
	if cseq := invite.CSeq(); cseq != nil {
		l.remoteCSeq = cseq.SeqNo
	}
	if ct := invite.Contact(); ct != nil {
		l.target = *ct.Address.Clone()
		natFixUri(&l.target, invite.Source())
	}
	for _, h := range invite.GetHeaders("Record-Route") {
		if rr, ok := h.(*sip.RecordRouteHeader); ok {
			l.routeSet = append(l.routeSet, *rr.Address.Clone())
		}
	}
	return l
}

// NewUACLeg builds the dialog leg facing a party we are calling. The
// remote tag, target and route set are absorbed from the first response
// carrying them via AbsorbResponse.
func NewUACLeg(callID string, localURI, remoteURI sip.Uri, localTag string, contact sip.Uri, transport string) *Leg {
	return &Leg{
		callID:    callID,
		localURI:  *localURI.Clone(),
		remoteURI: *remoteURI.Clone(),
		localTag:  localTag,
		contact:   contact,
		transport: transport,
		state:     LegEarly,
		localCSeq: 1, // the INVITE itself
	}
}

// AbsorbResponse updates UAC dialog state from a provisional or final
// response: remote tag from To, remote target from Contact, route set
// from Record-Route reversed.
func (l *Leg) AbsorbResponse(res *sip.Response) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if to := res.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok && tag != "" {
			l.remoteTag = tag
		}
	}
	if ct := res.Contact(); ct != nil {
		l.target = *ct.Address.Clone()
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		rrs := res.GetHeaders("Record-Route")
		routes := make([]sip.Uri, 0, len(rrs))
		for i := len(rrs) - 1; i >= 0; i-- {
			if rr, ok := rrs[i].(*sip.RecordRouteHeader); ok {
				routes = append(routes, *rr.Address.Clone())
			}
		}
		l.routeSet = routes
		l.state = LegConfirmed
	}
}

// Confirm marks a UAS leg confirmed once our 2xx has been ACKed.
func (l *Leg) Confirm() {
	l.mu.Lock()
	l.state = LegConfirmed
	l.mu.Unlock()
}

// Terminate marks the leg's dialog over.
func (l *Leg) Terminate() {
	l.mu.Lock()
	l.state = LegTerminated
	l.mu.Unlock()
}

// State returns the leg dialog state.
func (l *Leg) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CallID returns the SIP Call-ID of this leg's dialog.
func (l *Leg) CallID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.callID
}

// SetCallID records the Call-ID once it is known (UAC legs get theirs
// when the outbound INVITE is built).
func (l *Leg) SetCallID(id string) {
	l.mu.Lock()
	l.callID = id
	l.mu.Unlock()
}

// RemoteTag returns the remote party's dialog tag.
func (l *Leg) RemoteTag() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteTag
}

// LocalTag returns our dialog tag on this leg.
func (l *Leg) LocalTag() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localTag
}

// RefreshTarget updates the remote target from an in-dialog request's
// Contact (target refresh per RFC 3261 §12.2).
func (l *Leg) RefreshTarget(req *sip.Request) {
	ct := req.Contact()
	if ct == nil {
		return
	}
	l.mu.Lock()
	l.target = *ct.Address.Clone()
	natFixUri(&l.target, req.Source())
	l.mu.Unlock()
}

// BumpRemoteCSeq validates and advances the remote CSeq. In-dialog
// requests with a lower sequence number than already seen are stale
// retransmissions or out-of-order and must be rejected with 500.
func (l *Leg) BumpRemoteCSeq(req *sip.Request) bool {
	cseq := req.CSeq()
	if cseq == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// ACK and CANCEL carry the INVITE's own sequence number.
	if cseq.MethodName == sip.ACK || cseq.MethodName == sip.CANCEL {
		return cseq.SeqNo >= l.remoteCSeq
	}
	if cseq.SeqNo <= l.remoteCSeq {
		return false
	}
	l.remoteCSeq = cseq.SeqNo
	return true
}

// NewRequest builds an in-dialog request toward this leg's remote party:
// Request-URI from the remote target, From/To carrying the dialog tags,
// a fresh CSeq and the stored route set.
func (l *Leg) NewRequest(method sip.RequestMethod) *sip.Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.localCSeq++

	req := sip.NewRequest(method, *l.target.Clone())
	req.AppendHeader(sip.NewHeader("Call-ID", l.callID))
	req.AppendHeader(&sip.FromHeader{
		Address: *l.localURI.Clone(),
		Params:  sip.HeaderParams{"tag": l.localTag},
	})
	to := &sip.ToHeader{Address: *l.remoteURI.Clone(), Params: sip.HeaderParams{}}
	if l.remoteTag != "" {
		to.Params["tag"] = l.remoteTag
	}
	req.AppendHeader(to)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: l.localCSeq, MethodName: method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	if l.contact.Host != "" {
		req.AppendHeader(&sip.ContactHeader{Address: *l.contact.Clone()})
	}
	for _, route := range l.routeSet {
		req.AppendHeader(&sip.RouteHeader{Address: *route.Clone()})
	}
	req.SetTransport(l.transport)
	return req
}

// natFixUri rewrites the URI's host and port to the packet source when
// the advertised address does not match where the traffic actually came
// from. Keeps in-dialog requests routable to phones behind NAT.
func natFixUri(u *sip.Uri, source string) {
	host, port, ok := splitSource(source)
	if !ok {
		return
	}
	advertised := u.Port
	if advertised == 0 {
		advertised = 5060
	}
	if u.Host == host && advertised == port {
		return
	}
	u.Host = host
	u.Port = port
}

// splitSource parses a transport source address into host and port.
func splitSource(source string) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}

// Call is one bridged call: the caller's dialog, zero or more callee
// dialogs collapsing to one on answer, the media relay between them and
// the lifecycle state machine driving teardown and CDR emission.
type Call struct {
	// ID is the internal call identifier, distinct from either leg's
	// SIP Call-ID.
	ID        string
	StartedAt time.Time

	machine *fsm.FSM
	logger  *slog.Logger

	mu         sync.RWMutex
	fromAOR    string
	dialed     string
	callerName string

	legA *Leg // caller
	legB *Leg // answered callee, nil until answered

	inviteReq *sip.Request          // the caller's INVITE
	inviteTx  sip.ServerTransaction // open until we send a final response

	media         *media.Session
	bridge        *Bridge
	dtmfRouter    *dtmf.Router
	codec         string
	onHold        bool
	recordingPath string

	// finalized flips once so concurrent BYE handling and feature
	// goroutines cannot double-release media or double-emit the CDR.
	finalized atomic.Bool
	done      chan struct{}

	answeredAt  *time.Time
	endedAt     *time.Time
	hangupCause string

	// cancelRouting aborts in-flight ringing/hunting/IVR when the
	// caller hangs up early.
	cancelRouting context.CancelFunc
}

// NewCall creates a call in the Init state for an incoming INVITE.
func NewCall(id string, invite *sip.Request, tx sip.ServerTransaction, legA *Leg, logger *slog.Logger) *Call {
	c := &Call{
		ID:        id,
		StartedAt: time.Now(),
		logger:    logger.With("subsystem", "call", "call_id", id),
		legA:      legA,
		inviteReq: invite,
		inviteTx:  tx,
		done:      make(chan struct{}),
	}
	if from := invite.From(); from != nil {
		c.fromAOR = from.Address.User
		c.callerName = from.DisplayName
	}
	c.dialed = invite.Recipient.User
	c.machine = newCallFSM(c)
	return c
}

// NewOriginatedCall creates a call the PBX places itself, for example
// from the operations API. There is no inbound INVITE or server
// transaction; the ringer builds both legs outbound.
func NewOriginatedCall(id, fromAOR, dialed string, logger *slog.Logger) *Call {
	c := &Call{
		ID:        id,
		StartedAt: time.Now(),
		logger:    logger.With("subsystem", "call", "call_id", id),
		fromAOR:   fromAOR,
		dialed:    dialed,
		done:      make(chan struct{}),
	}
	c.machine = newCallFSM(c)
	return c
}

func newCallFSM(c *Call) *fsm.FSM {
	return fsm.NewFSM(
		StateInit,
		fsm.Events{
			{Name: eventInvite, Src: []string{StateInit}, Dst: StateCalling},
			{Name: eventProvisional, Src: []string{StateCalling}, Dst: StateRinging},
			{Name: eventAnswer, Src: []string{StateCalling, StateRinging}, Dst: StateAnswered},
			{Name: eventAck, Src: []string{StateAnswered}, Dst: StateActive},
			{Name: eventBye, Src: []string{StateAnswered, StateActive}, Dst: StateTerminating},
			{Name: eventCancel, Src: []string{StateInit, StateCalling, StateRinging}, Dst: StateTerminating},
			{Name: eventReject, Src: []string{StateInit, StateCalling, StateRinging}, Dst: StateTerminating},
			{Name: eventTimeout, Src: []string{StateCalling, StateRinging, StateAnswered, StateActive}, Dst: StateTerminating},
			{Name: eventRelease, Src: []string{StateTerminating}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug("call state change",
					"event", e.Event,
					"from", e.Src,
					"to", e.Dst,
				)
			},
		},
	)
}

// fire drives the state machine; an invalid transition is reported to
// the caller so request handlers can answer 481/491 appropriately.
func (c *Call) fire(event string) error {
	return c.machine.Event(context.Background(), event)
}

// State returns the current lifecycle state.
func (c *Call) State() string {
	return c.machine.Current()
}

// MarkCalling transitions Init → Calling once routing has started.
func (c *Call) MarkCalling() error { return c.fire(eventInvite) }

// MarkRinging transitions Calling → Ringing on the first 180.
func (c *Call) MarkRinging() error { return c.fire(eventProvisional) }

// MarkAnswered transitions to Answered and stamps the answer time.
func (c *Call) MarkAnswered() error {
	if err := c.fire(eventAnswer); err != nil {
		return err
	}
	now := time.Now()
	c.mu.Lock()
	c.answeredAt = &now
	c.mu.Unlock()
	return nil
}

// MarkActive transitions Answered → Active when the caller's ACK lands.
func (c *Call) MarkActive() error { return c.fire(eventAck) }

// MarkTerminating moves the call into teardown, recording why. The first
// cause wins; later transitions keep it.
func (c *Call) MarkTerminating(event, cause string) error {
	if err := c.fire(event); err != nil {
		return err
	}
	c.mu.Lock()
	if c.hangupCause == "" {
		c.hangupCause = cause
	}
	c.mu.Unlock()
	return nil
}

// MarkTerminated finishes teardown and stamps the end time.
func (c *Call) MarkTerminated() error {
	if err := c.fire(eventRelease); err != nil {
		return err
	}
	now := time.Now()
	c.mu.Lock()
	c.endedAt = &now
	c.mu.Unlock()
	return nil
}

// Terminating reports whether the call is in or past teardown.
func (c *Call) Terminating() bool {
	s := c.State()
	return s == StateTerminating || s == StateTerminated
}

// Answered reports whether the call ever reached Answered.
func (c *Call) Answered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.answeredAt != nil
}

// LegA returns the caller-side dialog leg.
func (c *Call) LegA() *Leg {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.legA
}

// LegB returns the callee-side dialog leg, nil before answer.
func (c *Call) LegB() *Leg {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.legB
}

// SetLegA replaces the caller-side leg when a transfer moves that
// party out of the call.
func (c *Call) SetLegA(l *Leg) {
	c.mu.Lock()
	c.legA = l
	c.mu.Unlock()
}

// SetLegB installs the answered callee leg.
func (c *Call) SetLegB(l *Leg) {
	c.mu.Lock()
	c.legB = l
	c.mu.Unlock()
}

// LegFor returns the leg whose dialog matches the given SIP Call-ID,
// or nil when neither matches.
func (c *Call) LegFor(sipCallID string) *Leg {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.legA != nil && c.legA.CallID() == sipCallID {
		return c.legA
	}
	if c.legB != nil && c.legB.CallID() == sipCallID {
		return c.legB
	}
	return nil
}

// PeerOf returns the opposite leg of the given one, or nil.
func (c *Call) PeerOf(l *Leg) *Leg {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch l {
	case c.legA:
		return c.legB
	case c.legB:
		return c.legA
	}
	return nil
}

// InviteRequest returns the caller's original INVITE.
func (c *Call) InviteRequest() *sip.Request {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inviteReq
}

// InviteTransaction returns the caller-side server transaction while it
// is still open, nil after a final response has been sent.
func (c *Call) InviteTransaction() sip.ServerTransaction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inviteTx
}

// CloseInviteTransaction drops the stored transaction once a final
// response has gone out.
func (c *Call) CloseInviteTransaction() {
	c.mu.Lock()
	c.inviteTx = nil
	c.mu.Unlock()
}

// Media returns the call's media session.
func (c *Call) Media() *media.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.media
}

// SetMedia installs the allocated media session.
func (c *Call) SetMedia(s *media.Session) {
	c.mu.Lock()
	c.media = s
	c.mu.Unlock()
}

// Bridge returns the call's media bridge, nil when the INVITE carried
// no offer we could serve.
func (c *Call) Bridge() *Bridge {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bridge
}

// SetBridge installs the media bridge so re-INVITEs can renegotiate.
func (c *Call) SetBridge(b *Bridge) {
	c.mu.Lock()
	c.bridge = b
	c.mu.Unlock()
}

// Finalize returns true exactly once per call. The winner runs media
// release and CDR emission; later callers back off. The call's Done
// channel closes as a side effect so per-call watchers unwind.
func (c *Call) Finalize() bool {
	if c.finalized.CompareAndSwap(false, true) {
		close(c.done)
		return true
	}
	return false
}

// Done is closed when the call has been finalized.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// CloseDTMF shuts down the digit router if one was ever created.
func (c *Call) CloseDTMF() {
	c.mu.Lock()
	r := c.dtmfRouter
	c.dtmfRouter = nil
	c.mu.Unlock()
	if r != nil {
		r.Close()
	}
}

// DTMF returns the call's digit router, creating it on first use.
func (c *Call) DTMF() *dtmf.Router {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dtmfRouter == nil {
		c.dtmfRouter = dtmf.NewRouter(c.ID, c.logger)
	}
	return c.dtmfRouter
}

// SetCodec records the negotiated codec name for the CDR.
func (c *Call) SetCodec(name string) {
	c.mu.Lock()
	c.codec = name
	c.mu.Unlock()
}

// Codec returns the negotiated codec name.
func (c *Call) Codec() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.codec
}

// SetHold flips the hold flag; returns the previous value.
func (c *Call) SetHold(held bool) bool {
	c.mu.Lock()
	prev := c.onHold
	c.onHold = held
	c.mu.Unlock()
	return prev
}

// OnHold reports whether the call is held.
func (c *Call) OnHold() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onHold
}

// SetRecordingPath records where the call's mixed audio is written.
func (c *Call) SetRecordingPath(path string) {
	c.mu.Lock()
	c.recordingPath = path
	c.mu.Unlock()
}

// SetCancelRouting stores the cancel func covering in-flight routing.
func (c *Call) SetCancelRouting(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancelRouting = cancel
	c.mu.Unlock()
}

// AbortRouting cancels any in-flight ringing, hunting or IVR work.
func (c *Call) AbortRouting() {
	c.mu.Lock()
	cancel := c.cancelRouting
	c.cancelRouting = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// FromAOR returns the caller's address-of-record user part.
func (c *Call) FromAOR() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fromAOR
}

// CallerName returns the caller's display name, empty when the INVITE
// carried none.
func (c *Call) CallerName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callerName
}

// Dialed returns the originally dialed string.
func (c *Call) Dialed() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dialed
}

// SetDialed overrides the dialed string (attendant transfers re-route).
func (c *Call) SetDialed(dialed string) {
	c.mu.Lock()
	c.dialed = dialed
	c.mu.Unlock()
}

// HangupCause returns the recorded teardown reason.
func (c *Call) HangupCause() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hangupCause
}

// Record assembles the call detail record. Call after MarkTerminated;
// relay counters are read from the media session when one was allocated.
func (c *Call) Record() cdr.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec := cdr.Record{
		CallID:        c.ID,
		FromAOR:       c.fromAOR,
		ToAOR:         c.dialed,
		CallerID:      c.callerName,
		StartedAt:     c.StartedAt,
		AnsweredAt:    c.answeredAt,
		HangupCause:   c.hangupCause,
		Codec:         c.codec,
		RecordingPath: c.recordingPath,
	}
	if c.endedAt != nil {
		rec.EndedAt = *c.endedAt
	} else {
		rec.EndedAt = time.Now()
	}
	if c.answeredAt != nil {
		rec.Disposition = cdr.DispositionAnswered
		rec.DurationSec = int(rec.EndedAt.Sub(*c.answeredAt).Round(time.Second) / time.Second)
	} else {
		rec.Disposition = dispositionForCause(c.hangupCause)
	}
	if c.media != nil {
		stats := c.media.Relay().Stats()
		rec.PacketsAToB = stats.AToB.Packets
		rec.PacketsBToA = stats.BToA.Packets
		rec.LostAToB = stats.AToB.Lost
		rec.LostBToA = stats.BToA.Lost
	}
	return rec
}

func dispositionForCause(cause string) cdr.Disposition {
	switch cause {
	case "caller_cancel":
		return cdr.DispositionCancelled
	case "no_answer", "ring_timeout":
		return cdr.DispositionNoAnswer
	case "busy":
		return cdr.DispositionBusy
	default:
		return cdr.DispositionFailed
	}
}

// CallSnapshot is the wire-safe view of a call for inspection endpoints.
type CallSnapshot struct {
	ID         string     `json:"id"`
	State      string     `json:"state"`
	From       string     `json:"from"`
	Dialed     string     `json:"dialed"`
	Codec      string     `json:"codec,omitempty"`
	OnHold     bool       `json:"on_hold"`
	StartedAt  time.Time  `json:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
}

// Snapshot returns a copy of the call's externally visible state.
func (c *Call) Snapshot() CallSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CallSnapshot{
		ID:         c.ID,
		State:      c.machine.Current(),
		From:       c.fromAOR,
		Dialed:     c.dialed,
		Codec:      c.codec,
		OnHold:     c.onHold,
		StartedAt:  c.StartedAt,
		AnsweredAt: c.answeredAt,
	}
}

// callShards must be a power of two so the hash can be masked.
const callShards = 16

type callShard struct {
	mu    sync.RWMutex
	calls map[string]*Call // keyed by SIP Call-ID
}

// CallTable maps SIP Call-IDs to active calls. Both legs of a bridged
// call index the same *Call. Sharded so concurrent INVITE and BYE
// processing for unrelated calls never contend on one lock.
type CallTable struct {
	shards [callShards]*callShard
	count  atomic.Int64 // distinct calls, not index entries
	logger *slog.Logger
}

// NewCallTable creates an empty call table.
func NewCallTable(logger *slog.Logger) *CallTable {
	t := &CallTable{logger: logger.With("subsystem", "calls")}
	for i := range t.shards {
		t.shards[i] = &callShard{calls: make(map[string]*Call)}
	}
	return t
}

func (t *CallTable) shard(sipCallID string) *callShard {
	h := fnv.New32a()
	h.Write([]byte(sipCallID))
	return t.shards[h.Sum32()&(callShards-1)]
}

// Insert registers a new call under its caller-leg Call-ID.
func (t *CallTable) Insert(sipCallID string, c *Call) error {
	sh := t.shard(sipCallID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.calls[sipCallID]; exists {
		return fmt.Errorf("call-id %q already active", sipCallID)
	}
	sh.calls[sipCallID] = c
	t.count.Add(1)
	return nil
}

// Alias indexes the same call under an additional Call-ID (the B leg's).
func (t *CallTable) Alias(sipCallID string, c *Call) {
	sh := t.shard(sipCallID)
	sh.mu.Lock()
	sh.calls[sipCallID] = c
	sh.mu.Unlock()
}

// DropAlias removes a secondary Call-ID index without ending the call.
func (t *CallTable) DropAlias(sipCallID string) {
	sh := t.shard(sipCallID)
	sh.mu.Lock()
	delete(sh.calls, sipCallID)
	sh.mu.Unlock()
}

// Lookup resolves a SIP Call-ID to its call, or nil.
func (t *CallTable) Lookup(sipCallID string) *Call {
	sh := t.shard(sipCallID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.calls[sipCallID]
}

// Remove unindexes the call under every Call-ID it is known by.
func (t *CallTable) Remove(c *Call) {
	removed := false
	for _, id := range []string{legCallID(c.LegA()), legCallID(c.LegB())} {
		if id == "" {
			continue
		}
		sh := t.shard(id)
		sh.mu.Lock()
		if cur, ok := sh.calls[id]; ok && cur == c {
			delete(sh.calls, id)
			removed = true
		}
		sh.mu.Unlock()
	}
	if removed {
		t.count.Add(-1)
	}
}

func legCallID(l *Leg) string {
	if l == nil {
		return ""
	}
	return l.CallID()
}

// Active returns the number of distinct active calls.
func (t *CallTable) Active() int {
	return int(t.count.Load())
}

// Snapshot lists every active call once, for the inspection API.
func (t *CallTable) Snapshot() []CallSnapshot {
	seen := make(map[*Call]struct{})
	var out []CallSnapshot
	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, c := range sh.calls {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c.Snapshot())
		}
		sh.mu.RUnlock()
	}
	return out
}

// Each visits every distinct active call. The callback runs without any
// shard lock held so it may call back into the table.
func (t *CallTable) Each(fn func(*Call)) {
	seen := make(map[*Call]struct{})
	var calls []*Call
	for _, sh := range t.shards {
		sh.mu.RLock()
		for _, c := range sh.calls {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			calls = append(calls, c)
		}
		sh.mu.RUnlock()
	}
	for _, c := range calls {
		fn(c)
	}
}
