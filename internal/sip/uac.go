package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// RingTarget is one device to ring: the extension it registered for and
// the binding describing where to reach it.
type RingTarget struct {
	AOR     string
	Binding Binding
}

// RingOutcome reports how a ring attempt ended.
type RingOutcome struct {
	// Answered is set when a device sent 200 OK.
	Answered bool
	// Leg is the confirmed dialog to the answering device.
	Leg *Leg
	// Response is the winning 200 OK.
	Response *sip.Response
	// AllBusy is set when every target answered 486/600.
	AllBusy bool
	// TimedOut is set when the ring window elapsed with no answer.
	TimedOut bool
	// Err is set for non-SIP failures (transport errors and the like).
	Err error
}

// ringLeg is one outbound INVITE attempt.
type ringLeg struct {
	target  RingTarget
	req     *sip.Request
	tx      sip.ClientTransaction
	callID  string
	fromTag string
}

// ringResponse pairs a response or error with its leg.
type ringResponse struct {
	leg *ringLeg
	res *sip.Response
	err error
}

// Ringer places outbound INVITE legs toward registered devices: all at
// once for group rings, one at a time for hunts. The first 200 OK wins
// and every other leg is CANCELed.
type Ringer struct {
	client  *sipgo.Client
	contact sip.Uri // our Contact toward callees
	realm   string
	logger  *slog.Logger
}

// NewRinger creates a ringer sending through the given client.
func NewRinger(client *sipgo.Client, contact sip.Uri, realm string, logger *slog.Logger) *Ringer {
	return &Ringer{
		client:  client,
		contact: contact,
		realm:   realm,
		logger:  logger.With("subsystem", "ringer"),
	}
}

// Client exposes the underlying SIP client for in-dialog sends.
func (r *Ringer) Client() *sipgo.Client {
	return r.client
}

// Ring sends INVITEs to every target in parallel and waits for the first
// answer, all targets to fail, or ctx to end. Provisional 180/183 from
// the fastest device is reported once through onRinging.
func (r *Ringer) Ring(
	ctx context.Context,
	call *Call,
	targets []RingTarget,
	offer []byte,
	onRinging func(status int, reason string),
) *RingOutcome {
	if len(targets) == 0 {
		return &RingOutcome{Err: fmt.Errorf("no targets to ring")}
	}

	ringCtx, cancelRing := context.WithCancel(ctx)
	defer cancelRing()

	legs := make([]*ringLeg, 0, len(targets))
	for i := range targets {
		leg, err := r.placeLeg(ringCtx, call, &targets[i], offer)
		if err != nil {
			r.logger.Warn("ring leg failed to start",
				"call_id", call.ID,
				"aor", targets[i].AOR,
				"target", targets[i].Binding.Target,
				"error", err,
			)
			continue
		}
		legs = append(legs, leg)
	}
	if len(legs) == 0 {
		return &RingOutcome{Err: fmt.Errorf("no ring leg could be placed")}
	}

	r.logger.Info("ringing",
		"call_id", call.ID,
		"legs", len(legs),
	)

	responseCh := make(chan ringResponse, len(legs)*4)
	var wg sync.WaitGroup
	for _, leg := range legs {
		wg.Add(1)
		go func(l *ringLeg) {
			defer wg.Done()
			r.collect(ringCtx, l, responseCh)
		}(leg)
	}
	go func() {
		wg.Wait()
		close(responseCh)
	}()

	ringingRelayed := false
	busy := 0
	failed := 0
	var winner *ringLeg
	var winning *sip.Response

	for lr := range responseCh {
		if lr.err != nil {
			failed++
			r.logger.Debug("ring leg error",
				"call_id", call.ID,
				"aor", lr.leg.target.AOR,
				"error", lr.err,
			)
			if busy+failed >= len(legs) {
				break
			}
			continue
		}

		res := lr.res
		switch {
		case res.StatusCode == 100:
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			if !ringingRelayed && onRinging != nil {
				ringingRelayed = true
				onRinging(res.StatusCode, res.Reason)
			}

		case res.StatusCode >= 200 && res.StatusCode < 300:
			winner = lr.leg
			winning = res
			cancelRing()
			goto answered

		case res.StatusCode == 486 || res.StatusCode == 600:
			busy++
			if busy+failed >= len(legs) {
				goto drained
			}

		case res.StatusCode == 487:
			failed++
			if busy+failed >= len(legs) {
				goto drained
			}

		case res.StatusCode >= 300:
			failed++
			r.logger.Debug("ring leg refused",
				"call_id", call.ID,
				"aor", lr.leg.target.AOR,
				"status", res.StatusCode,
				"reason", res.Reason,
			)
			if busy+failed >= len(legs) {
				goto drained
			}
		}
	}

drained:
	cancelRing()
	r.cancelLegs(legs, nil)
	r.terminateLegs(legs, nil)

	if busy > 0 && busy+failed >= len(legs) && failed == 0 {
		return &RingOutcome{AllBusy: true}
	}
	if ctx.Err() != nil {
		return &RingOutcome{TimedOut: true}
	}
	return &RingOutcome{}

answered:
	r.cancelLegs(legs, winner)
	r.terminateLegs(legs, winner)

	leg := r.confirmLeg(winner, winning)
	r.logger.Info("ring answered",
		"call_id", call.ID,
		"aor", winner.target.AOR,
		"target", winner.target.Binding.Target,
	)
	return &RingOutcome{Answered: true, Leg: leg, Response: winning}
}

// Hunt tries targets one at a time, giving each perLeg before moving on.
// Busy and failed targets are skipped immediately.
func (r *Ringer) Hunt(
	ctx context.Context,
	call *Call,
	targets []RingTarget,
	perLeg time.Duration,
	offer []byte,
	onRinging func(status int, reason string),
) *RingOutcome {
	if len(targets) == 0 {
		return &RingOutcome{Err: fmt.Errorf("no targets to hunt")}
	}

	// The caller hears ringing once, no matter which leg in the hunt
	// produced it first.
	var ringOnce sync.Once
	relayRinging := onRinging
	if relayRinging != nil {
		orig := relayRinging
		relayRinging = func(status int, reason string) {
			ringOnce.Do(func() { orig(status, reason) })
		}
	}

	allBusy := true
	for i := range targets {
		if ctx.Err() != nil {
			return &RingOutcome{TimedOut: true}
		}

		legCtx, cancelLeg := context.WithTimeout(ctx, perLeg)
		outcome := r.Ring(legCtx, call, targets[i:i+1], offer, relayRinging)
		cancelLeg()

		if outcome.Answered {
			return outcome
		}
		if !outcome.AllBusy {
			allBusy = false
		}
	}
	if allBusy {
		return &RingOutcome{AllBusy: true}
	}
	return &RingOutcome{TimedOut: ctx.Err() != nil}
}

// placeLeg builds and sends the INVITE for one target. Each leg is its
// own dialog: fresh Call-ID, fresh From tag, the caller's identity in
// From and our Contact for the return path.
func (r *Ringer) placeLeg(ctx context.Context, call *Call, target *RingTarget, offer []byte) (*ringLeg, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(target.Binding.ContactURI, &recipient); err != nil {
		return nil, fmt.Errorf("parsing contact uri %q: %w", target.Binding.ContactURI, err)
	}

	// Send to where the device's registration traffic actually came
	// from, not where its Contact claims to be.
	if host, port, err := splitTargetHostPort(target.Binding.Target); err == nil {
		recipient.Host = host
		recipient.Port = port
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(normalizeTransport(target.Binding.Transport))

	callID := uuid.NewString()
	fromTag := sip.GenerateTagN(16)

	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: callerDisplayName(call),
		Address:     sip.Uri{User: call.FromAOR(), Host: r.realm},
		Params:      sip.HeaderParams{"tag": fromTag},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: target.AOR, Host: r.realm},
		Params:  sip.HeaderParams{},
	})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: *r.contact.Clone()})
	req.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS, INFO, REFER, NOTIFY, UPDATE"))

	if len(offer) > 0 {
		req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		req.SetBody(offer)
	}

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("sending invite: %w", err)
	}

	return &ringLeg{
		target:  *target,
		req:     req,
		tx:      tx,
		callID:  callID,
		fromTag: fromTag,
	}, nil
}

// collect forwards every response (and the terminal error, if any) from
// one leg into the shared channel, stopping after a final response.
func (r *Ringer) collect(ctx context.Context, leg *ringLeg, ch chan<- ringResponse) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-leg.tx.Done():
			if err := leg.tx.Err(); err != nil {
				ch <- ringResponse{leg: leg, err: err}
			}
			return
		case res, ok := <-leg.tx.Responses():
			if !ok {
				return
			}
			ch <- ringResponse{leg: leg, res: res}
			if res.StatusCode >= 200 {
				return
			}
		}
	}
}

// confirmLeg builds the dialog leg for the winner and ACKs its 200.
func (r *Ringer) confirmLeg(winner *ringLeg, res *sip.Response) *Leg {
	var localURI, remoteURI sip.Uri
	if from := winner.req.From(); from != nil {
		localURI = *from.Address.Clone()
	}
	if to := winner.req.To(); to != nil {
		remoteURI = *to.Address.Clone()
	}

	leg := NewUACLeg(winner.callID, localURI, remoteURI, winner.fromTag, *r.contact.Clone(), winner.req.Transport())
	leg.AbsorbResponse(res)

	ack := buildACKFor2xx(winner.req, res)
	if err := r.client.WriteRequest(ack); err != nil {
		r.logger.Error("failed to send ack",
			"call_id", winner.callID,
			"error", err,
		)
	}
	return leg
}

// cancelLegs sends CANCEL to every leg except the winner. The CANCEL
// reuses the INVITE's Via so it matches the pending transaction at the
// far end.
func (r *Ringer) cancelLegs(legs []*ringLeg, winner *ringLeg) {
	for _, leg := range legs {
		if leg == winner {
			continue
		}
		cancel := buildCancel(leg.req)
		tx, err := r.client.TransactionRequest(context.Background(), cancel, sipgo.ClientRequestBuild)
		if err != nil {
			r.logger.Debug("failed to cancel ring leg",
				"aor", leg.target.AOR,
				"error", err,
			)
			continue
		}
		tx.Terminate()
	}
}

func (r *Ringer) terminateLegs(legs []*ringLeg, winner *ringLeg) {
	for _, leg := range legs {
		if leg == winner {
			continue
		}
		leg.tx.Terminate()
	}
}

// buildCancel derives the CANCEL for a pending INVITE: same Request-URI,
// Via, From, To, Call-ID and CSeq number with the method flipped.
func buildCancel(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *invite.Recipient.Clone())
	cancel.SipVersion = invite.SipVersion

	if via := invite.Via(); via != nil {
		cancel.AppendHeader(sip.HeaderClone(via))
	}
	if len(invite.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", invite, cancel)
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)
	if h := invite.From(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cancel.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := cancel.CSeq(); cseq != nil {
		cseq.MethodName = sip.CANCEL
	}
	cancel.SetTransport(invite.Transport())
	return cancel
}

// SendBye tears one leg down with an in-dialog BYE. The Q.850 cause, when
// set, is carried in a Reason header so the far end can log why.
func (r *Ringer) SendBye(ctx context.Context, leg *Leg, q850Cause int) {
	bye := leg.NewRequest(sip.BYE)
	if q850Cause > 0 {
		bye.AppendHeader(sip.NewHeader("Reason", fmt.Sprintf("Q.850;cause=%d", q850Cause)))
	}

	sendCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	tx, err := r.client.TransactionRequest(sendCtx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		r.logger.Warn("failed to send bye",
			"call_id", leg.CallID(),
			"error", err,
		)
		leg.Terminate()
		return
	}
	defer tx.Terminate()

	for {
		select {
		case <-sendCtx.Done():
			leg.Terminate()
			return
		case <-tx.Done():
			leg.Terminate()
			return
		case res, ok := <-tx.Responses():
			if !ok {
				leg.Terminate()
				return
			}
			if res.StatusCode >= 200 {
				leg.Terminate()
				return
			}
		}
	}
}

// SendRequest runs one in-dialog client transaction to completion and
// returns the final response.
func (r *Ringer) SendRequest(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("transaction ended without final response")
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, fmt.Errorf("response channel closed")
			}
			if res.StatusCode >= 200 {
				return res, nil
			}
		}
	}
}

// buildACKFor2xx creates the ACK for a 2xx response. Per RFC 3261
// §13.2.2.4 the UAC core generates this ACK itself: Request-URI from the
// response Contact, From and CSeq number from the INVITE, To from the
// response so the remote tag rides along.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	} else {
		rrs := inviteRes.GetHeaders("Record-Route")
		for i := len(rrs) - 1; i >= 0; i-- {
			if rr, ok := rrs[i].(*sip.RecordRouteHeader); ok {
				ack.AppendHeader(&sip.RouteHeader{Address: *rr.Address.Clone()})
			}
		}
	}

	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())
	return ack
}

func callerDisplayName(call *Call) string {
	call.mu.RLock()
	defer call.mu.RUnlock()
	if call.callerName != "" {
		return call.callerName
	}
	return call.fromAOR
}
