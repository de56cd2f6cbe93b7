package sip

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/emiago/sipgo/sip"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testInvite(callID, fromUser, toUser string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: toUser, Host: "pbx.example.com", Port: 5060})
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Test Caller",
		Address:     sip.Uri{User: fromUser, Host: "pbx.example.com"},
		Params:      sip.HeaderParams{"tag": "from-tag-" + fromUser},
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{User: toUser, Host: "pbx.example.com"},
		Params:  sip.HeaderParams{},
	})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{User: fromUser, Host: "192.168.1.10", Port: 5062},
	})
	req.SetTransport("UDP")
	req.SetSource("192.168.1.10:5062")
	return req
}

func testCall(id, callID, from, to string) *Call {
	invite := testInvite(callID, from, to)
	legA := NewUASLeg(invite, "local-tag-a", sip.Uri{User: "ironpbx", Host: "10.0.0.1", Port: 5060})
	return NewCall(id, invite, nil, legA, discardLogger())
}

func TestCallLifecycleHappyPath(t *testing.T) {
	c := testCall("call-1", "cid-1@host", "1001", "1002")

	if c.State() != StateInit {
		t.Fatalf("initial state = %q, want init", c.State())
	}

	steps := []struct {
		fire func() error
		want string
	}{
		{c.MarkCalling, StateCalling},
		{c.MarkRinging, StateRinging},
		{c.MarkAnswered, StateAnswered},
		{c.MarkActive, StateActive},
		{func() error { return c.MarkTerminating(eventBye, "callee_bye") }, StateTerminating},
		{c.MarkTerminated, StateTerminated},
	}
	for _, step := range steps {
		if err := step.fire(); err != nil {
			t.Fatalf("transition to %s: %v", step.want, err)
		}
		if c.State() != step.want {
			t.Fatalf("state = %q, want %q", c.State(), step.want)
		}
	}

	if !c.Answered() {
		t.Error("Answered() = false after answer")
	}
	if c.HangupCause() != "callee_bye" {
		t.Errorf("hangup cause = %q", c.HangupCause())
	}
}

func TestCallAnswerSkipsRinging(t *testing.T) {
	// Some endpoints send 200 with no prior 180.
	c := testCall("call-2", "cid-2@host", "1001", "1002")
	if err := c.MarkCalling(); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkAnswered(); err != nil {
		t.Fatalf("calling → answered should be legal: %v", err)
	}
}

func TestCallRejectsInvalidTransitions(t *testing.T) {
	c := testCall("call-3", "cid-3@host", "1001", "1002")

	// ACK before answer is out of order.
	if err := c.MarkActive(); err == nil {
		t.Error("init → active accepted")
	}

	if err := c.MarkCalling(); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkTerminating(eventCancel, "caller_cancel"); err != nil {
		t.Fatal(err)
	}
	// Answer after CANCEL must not resurrect the call.
	if err := c.MarkAnswered(); err == nil {
		t.Error("terminating → answered accepted")
	}
	if !c.Terminating() {
		t.Error("Terminating() = false after cancel")
	}
}

func TestCallFirstHangupCauseWins(t *testing.T) {
	c := testCall("call-4", "cid-4@host", "1001", "1002")
	if err := c.MarkCalling(); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkAnswered(); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkActive(); err != nil {
		t.Fatal(err)
	}
	if err := c.MarkTerminating(eventBye, "caller_bye"); err != nil {
		t.Fatal(err)
	}
	// A second teardown attempt fails the transition and must not
	// overwrite the recorded cause.
	_ = c.MarkTerminating(eventTimeout, "media_timeout")
	if c.HangupCause() != "caller_bye" {
		t.Errorf("hangup cause = %q, want caller_bye", c.HangupCause())
	}
}

func TestCallRecordDispositions(t *testing.T) {
	tests := []struct {
		name     string
		answered bool
		cause    string
		want     string
	}{
		{"answered", true, "caller_bye", "answered"},
		{"cancelled", false, "caller_cancel", "cancelled"},
		{"no answer", false, "ring_timeout", "no-answer"},
		{"busy", false, "busy", "busy"},
		{"failed", false, "media_unavailable", "failed"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCall(fmt.Sprintf("call-d%d", i), fmt.Sprintf("cid-d%d@host", i), "1001", "1002")
			if err := c.MarkCalling(); err != nil {
				t.Fatal(err)
			}
			if tt.answered {
				if err := c.MarkAnswered(); err != nil {
					t.Fatal(err)
				}
				if err := c.MarkActive(); err != nil {
					t.Fatal(err)
				}
				if err := c.MarkTerminating(eventBye, tt.cause); err != nil {
					t.Fatal(err)
				}
			} else {
				if err := c.MarkTerminating(eventReject, tt.cause); err != nil {
					t.Fatal(err)
				}
			}
			if err := c.MarkTerminated(); err != nil {
				t.Fatal(err)
			}

			rec := c.Record()
			if string(rec.Disposition) != tt.want {
				t.Errorf("disposition = %q, want %q", rec.Disposition, tt.want)
			}
			if rec.FromAOR != "1001" || rec.ToAOR != "1002" {
				t.Errorf("record parties = %q → %q", rec.FromAOR, rec.ToAOR)
			}
			if rec.CallerID != "Test Caller" {
				t.Errorf("caller id = %q", rec.CallerID)
			}
		})
	}
}

func TestUASLegFromInvite(t *testing.T) {
	invite := testInvite("cid-leg@host", "1001", "1002")
	leg := NewUASLeg(invite, "our-tag", sip.Uri{User: "ironpbx", Host: "10.0.0.1", Port: 5060})

	if leg.CallID() != "cid-leg@host" {
		t.Errorf("call-id = %q", leg.CallID())
	}
	if leg.RemoteTag() != "from-tag-1001" {
		t.Errorf("remote tag = %q", leg.RemoteTag())
	}
	if leg.LocalTag() != "our-tag" {
		t.Errorf("local tag = %q", leg.LocalTag())
	}
	if leg.State() != LegEarly {
		t.Errorf("state = %q, want early", leg.State())
	}
}

func TestLegNewRequestBuildsDialogHeaders(t *testing.T) {
	invite := testInvite("cid-req@host", "1001", "1002")
	leg := NewUASLeg(invite, "our-tag", sip.Uri{User: "ironpbx", Host: "10.0.0.1", Port: 5060})

	bye := leg.NewRequest(sip.BYE)

	if cid := bye.CallID(); cid == nil || cid.Value() != "cid-req@host" {
		t.Fatalf("bye call-id = %v", cid)
	}
	from := bye.From()
	if from == nil {
		t.Fatal("no From header")
	}
	if tag, _ := from.Params.Get("tag"); tag != "our-tag" {
		t.Errorf("from tag = %q, want our local tag", tag)
	}
	to := bye.To()
	if to == nil {
		t.Fatal("no To header")
	}
	if tag, _ := to.Params.Get("tag"); tag != "from-tag-1001" {
		t.Errorf("to tag = %q, want the caller's tag", tag)
	}
	if to.Address.User != "1001" {
		t.Errorf("to user = %q, want the remote party", to.Address.User)
	}

	cseq := bye.CSeq()
	if cseq == nil || cseq.MethodName != sip.BYE {
		t.Fatalf("cseq = %v", cseq)
	}
	first := cseq.SeqNo

	// A second request must advance CSeq.
	info := leg.NewRequest(sip.INFO)
	if got := info.CSeq().SeqNo; got != first+1 {
		t.Errorf("second cseq = %d, want %d", got, first+1)
	}
}

func TestLegNATTargetRewrite(t *testing.T) {
	// The phone advertises a private address but packets arrive from
	// elsewhere; in-dialog requests must chase the observed source.
	invite := testInvite("cid-nat@host", "1001", "1002")
	invite.SetSource("203.0.113.9:1024")
	leg := NewUASLeg(invite, "our-tag", sip.Uri{User: "ironpbx", Host: "10.0.0.1", Port: 5060})

	bye := leg.NewRequest(sip.BYE)
	if bye.Recipient.Host != "203.0.113.9" || bye.Recipient.Port != 1024 {
		t.Errorf("request-uri = %s:%d, want observed source", bye.Recipient.Host, bye.Recipient.Port)
	}
}

func TestLegBumpRemoteCSeq(t *testing.T) {
	invite := testInvite("cid-cseq@host", "1001", "1002")
	leg := NewUASLeg(invite, "our-tag", sip.Uri{Host: "10.0.0.1"})

	reinvite := testInvite("cid-cseq@host", "1001", "1002")
	reinvite.RemoveHeader("CSeq")
	reinvite.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.INVITE})
	if !leg.BumpRemoteCSeq(reinvite) {
		t.Error("higher cseq rejected")
	}

	stale := testInvite("cid-cseq@host", "1001", "1002")
	if leg.BumpRemoteCSeq(stale) {
		t.Error("stale cseq accepted")
	}

	// ACK repeats the INVITE's sequence number and must pass.
	ack := sip.NewRequest(sip.ACK, sip.Uri{User: "1002", Host: "pbx.example.com"})
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.ACK})
	if !leg.BumpRemoteCSeq(ack) {
		t.Error("ack with invite cseq rejected")
	}
}

func TestCallTableAliasBothLegs(t *testing.T) {
	table := NewCallTable(discardLogger())
	c := testCall("call-t1", "a-leg@host", "1001", "1002")

	if err := table.Insert("a-leg@host", c); err != nil {
		t.Fatal(err)
	}
	if err := table.Insert("a-leg@host", c); err == nil {
		t.Error("duplicate insert accepted")
	}

	legB := NewUACLeg("b-leg@host", sip.Uri{User: "1001", Host: "h"}, sip.Uri{User: "1002", Host: "h"}, "btag", sip.Uri{Host: "10.0.0.1"}, "UDP")
	c.SetLegB(legB)
	table.Alias("b-leg@host", c)

	if table.Lookup("a-leg@host") != c {
		t.Error("lookup by caller leg failed")
	}
	if table.Lookup("b-leg@host") != c {
		t.Error("lookup by callee leg failed")
	}
	if table.Active() != 1 {
		t.Errorf("active = %d, want 1 (alias must not double count)", table.Active())
	}

	table.Remove(c)
	if table.Lookup("a-leg@host") != nil || table.Lookup("b-leg@host") != nil {
		t.Error("call still indexed after Remove")
	}
	if table.Active() != 0 {
		t.Errorf("active = %d after remove", table.Active())
	}
}

func TestCallTableSnapshotDistinct(t *testing.T) {
	table := NewCallTable(discardLogger())
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("snap-%d", i)
		c := testCall(id, id+"@host", "1001", "1002")
		if err := table.Insert(id+"@host", c); err != nil {
			t.Fatal(err)
		}
		table.Alias(id+"-b@host", c)
	}

	snaps := table.Snapshot()
	if len(snaps) != 5 {
		t.Fatalf("snapshot has %d entries, want 5 distinct calls", len(snaps))
	}
	if table.Active() != 5 {
		t.Errorf("active = %d", table.Active())
	}
}

func TestCallSnapshotFields(t *testing.T) {
	c := testCall("call-snap", "cid-snap@host", "1004", "1005")
	if err := c.MarkCalling(); err != nil {
		t.Fatal(err)
	}
	c.SetCodec("pcmu")

	snap := c.Snapshot()
	if snap.ID != "call-snap" || snap.State != StateCalling {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.From != "1004" || snap.Dialed != "1005" {
		t.Errorf("snapshot parties = %s → %s", snap.From, snap.Dialed)
	}
	if snap.Codec != "pcmu" {
		t.Errorf("snapshot codec = %q", snap.Codec)
	}
}
