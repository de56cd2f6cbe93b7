package ivr

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ironpbx/ironpbx/internal/config"
	"github.com/ironpbx/ironpbx/internal/dtmf"
	"github.com/ironpbx/ironpbx/internal/prompts"
	"github.com/ironpbx/ironpbx/internal/voicemail"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCall is a scripted CallControl: each PlayAndCollect pops the next
// entry from digits, Record writes a stub file and reports a scripted
// duration.
type fakeCall struct {
	digits        []string
	recordSeconds int
	played        []string
	beeps         int
	flushes       int
}

func (f *fakeCall) CallID() string { return "test-call" }

func (f *fakeCall) Play(_ context.Context, path string) error {
	f.played = append(f.played, path)
	return nil
}

func (f *fakeCall) Beep(_ context.Context) error {
	f.beeps++
	return nil
}

func (f *fakeCall) PlayAndCollect(_ context.Context, path string, _ CollectSpec) (*dtmf.CollectResult, error) {
	if path != "" {
		f.played = append(f.played, path)
	}
	if len(f.digits) == 0 {
		return &dtmf.CollectResult{TimedOut: true}, nil
	}
	next := f.digits[0]
	f.digits = f.digits[1:]
	return &dtmf.CollectResult{Digits: next, TimedOut: next == ""}, nil
}

func (f *fakeCall) FlushDigits() { f.flushes++ }

func (f *fakeCall) Record(_ context.Context, path string, _ time.Duration, _ bool) (int, error) {
	if err := os.WriteFile(path, []byte("RIFFrecorded"), 0o644); err != nil {
		return 0, err
	}
	return f.recordSeconds, nil
}

func testRunner(t *testing.T) *Runner {
	t.Helper()
	return NewRunner(prompts.NewLibrary(t.TempDir()), testLogger())
}

func testFlows(t *testing.T) (*VoicemailFlows, *[]string) {
	t.Helper()
	store, err := voicemail.NewStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	var changed []string
	flows := &VoicemailFlows{
		Store:    store,
		OnChange: func(mailbox string) { changed = append(changed, mailbox) },
		Logger:   testLogger(),
	}
	return flows, &changed
}

func TestRunnerFollowsEdges(t *testing.T) {
	visited := []string{}
	g := NewGraph("a")
	g.Add("a", &Func{Name: "a", Fn: func(_ context.Context, _ CallControl, _ *Env) (string, error) {
		visited = append(visited, "a")
		return "go", nil
	}}, map[string]string{"go": "b"})
	g.Add("b", &Hangup{Cause: "normal_clearing"}, nil)

	result, err := testRunner(t).Run(context.Background(), &fakeCall{}, g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(visited) != 1 || visited[0] != "a" {
		t.Errorf("visited = %v", visited)
	}
	if result.HangupCause != "normal_clearing" {
		t.Errorf("hangup cause = %q", result.HangupCause)
	}
}

func TestRunnerDeadlineFollowsTimeoutEdge(t *testing.T) {
	g := NewGraph("slow")
	g.Add("slow", &Func{Name: "slow", Fn: func(_ context.Context, _ CallControl, _ *Env) (string, error) {
		return "", context.DeadlineExceeded
	}}, map[string]string{EdgeTimeout: "done"})
	g.Add("done", &Hangup{Cause: "timeout"}, nil)

	result, err := testRunner(t).Run(context.Background(), &fakeCall{}, g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.HangupCause != "timeout" {
		t.Errorf("deadline did not follow the timeout edge, cause = %q", result.HangupCause)
	}
}

func TestRunnerRejectsMissingEdge(t *testing.T) {
	g := NewGraph("a")
	g.Add("a", &Func{Name: "a", Fn: func(_ context.Context, _ CallControl, _ *Env) (string, error) {
		return "nowhere", nil
	}}, nil)

	if _, err := testRunner(t).Run(context.Background(), &fakeCall{}, g); err == nil {
		t.Fatal("expected an error for an unwired edge")
	}
}

func TestRunnerStopsRunawayFlows(t *testing.T) {
	g := NewGraph("loop")
	g.Add("loop", &Func{Name: "loop", Fn: func(_ context.Context, _ CallControl, _ *Env) (string, error) {
		return "again", nil
	}}, map[string]string{"again": "loop"})

	if _, err := testRunner(t).Run(context.Background(), &fakeCall{}, g); err == nil {
		t.Fatal("expected the step limit to abort the flow")
	}
}

func TestMenuDigitAndInvalidAndTimeout(t *testing.T) {
	build := func() *Graph {
		g := NewGraph("menu")
		g.Add("menu", &Menu{Choices: "12", Tries: 2}, map[string]string{
			"1":         "one",
			"2":         "two",
			EdgeTimeout: "timedout",
			EdgeInvalid: "invalid",
		})
		g.Add("one", &Hangup{Cause: "one"}, nil)
		g.Add("two", &Hangup{Cause: "two"}, nil)
		g.Add("timedout", &Hangup{Cause: "timedout"}, nil)
		g.Add("invalid", &Hangup{Cause: "invalid"}, nil)
		return g
	}

	cases := []struct {
		name   string
		digits []string
		want   string
	}{
		{"match", []string{"2"}, "two"},
		{"match after timeout", []string{"", "1"}, "one"},
		{"invalid after tries", []string{"9", "9"}, "invalid"},
		{"timeout after tries", []string{"", ""}, "timedout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := testRunner(t).Run(context.Background(), &fakeCall{digits: tc.digits}, build())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if result.HangupCause != tc.want {
				t.Errorf("ended at %q, want %q", result.HangupCause, tc.want)
			}
		})
	}
}

func TestDepositGraphCommitsMessage(t *testing.T) {
	flows, changed := testFlows(t)
	call := &fakeCall{recordSeconds: 5}

	g := flows.DepositGraph("1001", "1002", "Bob")
	result, err := testRunner(t).Run(context.Background(), call, g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.HangupCause == "" {
		t.Error("deposit flow should end in hangup")
	}
	if call.beeps == 0 {
		t.Error("no record beep played")
	}

	msgs, err := flows.Store.Messages("1001")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want 1", len(msgs))
	}
	if msgs[0].From != "1002" || msgs[0].CallerName != "Bob" || msgs[0].DurationSec != 5 {
		t.Errorf("message = %+v", msgs[0])
	}
	if len(*changed) != 1 || (*changed)[0] != "1001" {
		t.Errorf("mailbox change notifications = %v", *changed)
	}
}

func TestDepositGraphDiscardsShortRecording(t *testing.T) {
	flows, changed := testFlows(t)
	call := &fakeCall{recordSeconds: 0}

	g := flows.DepositGraph("1001", "1002", "")
	if _, err := testRunner(t).Run(context.Background(), call, g); err != nil {
		t.Fatalf("Run: %v", err)
	}

	msgs, err := flows.Store.Messages("1001")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("empty recording was committed")
	}
	if len(*changed) != 0 {
		t.Errorf("change notified for a discarded recording")
	}
}

func TestRetrievalGraphLocksAfterBadPINs(t *testing.T) {
	flows, _ := testFlows(t)
	flows.CheckPIN = func(_, _ string) bool { return false }

	call := &fakeCall{digits: []string{"1111", "2222", "3333"}}
	g := flows.RetrievalGraph("1001", true)

	result, err := testRunner(t).Run(context.Background(), call, g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.HangupCause != "normal_clearing" {
		t.Errorf("lockout should hang up, got %+v", result)
	}
	if len(call.digits) != 0 {
		t.Errorf("expected exactly three PIN attempts, %d scripts left", len(call.digits))
	}
}

func TestRetrievalGraphPlayAndDelete(t *testing.T) {
	flows, changed := testFlows(t)
	flows.CheckPIN = func(mailbox, pin string) bool {
		return mailbox == "1001" && pin == "4321"
	}

	scratch, err := flows.Store.ScratchPath("1001")
	if err != nil {
		t.Fatalf("ScratchPath: %v", err)
	}
	if err := os.WriteFile(scratch, []byte("RIFFmsg"), 0o644); err != nil {
		t.Fatalf("writing scratch: %v", err)
	}
	msg, err := flows.Store.Commit("1001", scratch, voicemail.Message{From: "1002", DurationSec: 3})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// PIN, enter playback, delete the message, then let the main menu
	// time out.
	call := &fakeCall{digits: []string{"4321", "1", "3", "", "", ""}}
	g := flows.RetrievalGraph("1001", true)

	if _, err := testRunner(t).Run(context.Background(), call, g); err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantPath := flows.Store.MessagePath("1001", msg.ID)
	found := false
	for _, p := range call.played {
		if p == wantPath {
			found = true
		}
	}
	if !found {
		t.Errorf("message audio never played, played = %v", call.played)
	}

	msgs, err := flows.Store.Messages("1001")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("message not deleted, %d left", len(msgs))
	}
	if len(*changed) == 0 {
		t.Error("no mailbox change notifications fired")
	}
}

func TestRetrievalGraphSkipsPINWhenUnset(t *testing.T) {
	flows, _ := testFlows(t)
	flows.CheckPIN = func(_, _ string) bool {
		t.Fatal("PIN checked for a mailbox without one")
		return false
	}

	call := &fakeCall{digits: []string{"", "", ""}}
	g := flows.RetrievalGraph("1001", false)

	if _, err := testRunner(t).Run(context.Background(), call, g); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRetrievalGraphWelcomeBeepsPerUnheard(t *testing.T) {
	flows, _ := testFlows(t)

	for i := 0; i < 2; i++ {
		scratch, err := flows.Store.ScratchPath("1001")
		if err != nil {
			t.Fatalf("ScratchPath: %v", err)
		}
		if err := os.WriteFile(scratch, []byte("RIFFmsg"), 0o644); err != nil {
			t.Fatalf("writing scratch: %v", err)
		}
		if _, err := flows.Store.Commit("1001", scratch, voicemail.Message{From: "1002"}); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}

	call := &fakeCall{digits: []string{"*"}}
	g := flows.RetrievalGraph("1001", false)

	if _, err := testRunner(t).Run(context.Background(), call, g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if call.beeps != 2 {
		t.Errorf("welcome beeps = %d, want 2 (one per unheard message)", call.beeps)
	}
}

func TestRetrievalGraphRecordsGreeting(t *testing.T) {
	flows, _ := testFlows(t)

	// Main menu 2 records a greeting, review 1 plays it back, * saves.
	call := &fakeCall{digits: []string{"2", "1", "*", "", "", ""}, recordSeconds: 3}
	g := flows.RetrievalGraph("1001", false)

	if _, err := testRunner(t).Run(context.Background(), call, g); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := flows.Store.GreetingPath("1001"); !ok {
		t.Fatal("greeting was not saved")
	}
	if len(call.played) == 0 {
		t.Error("review playback never ran")
	}
	if call.beeps != 1 {
		t.Errorf("beeps = %d, want 1 (the record tone)", call.beeps)
	}
}

func TestAttendantGraphChoices(t *testing.T) {
	spec := config.AttendantSpec{
		TimeoutSec: 5,
		Repeats:    2,
		Choices: map[string]string{
			"1": "ext:1001",
			"2": "voicemail:1001",
			"3": "attendant:night",
			"0": "hangup",
		},
	}

	cases := []struct {
		digit string
		check func(t *testing.T, r *Result)
	}{
		{"1", func(t *testing.T, r *Result) {
			if r.TransferTo != "1001" {
				t.Errorf("transfer = %q", r.TransferTo)
			}
		}},
		{"2", func(t *testing.T, r *Result) {
			if r.DepositTo != "1001" {
				t.Errorf("deposit = %q", r.DepositTo)
			}
		}},
		{"3", func(t *testing.T, r *Result) {
			if r.NextAttendant != "night" {
				t.Errorf("chain = %q", r.NextAttendant)
			}
		}},
		{"0", func(t *testing.T, r *Result) {
			if r.HangupCause == "" {
				t.Error("hangup choice did not set a cause")
			}
		}},
	}
	for _, tc := range cases {
		t.Run("digit "+tc.digit, func(t *testing.T) {
			g, err := AttendantGraph("main", spec)
			if err != nil {
				t.Fatalf("AttendantGraph: %v", err)
			}
			result, err := testRunner(t).Run(context.Background(), &fakeCall{digits: []string{tc.digit}}, g)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			tc.check(t, result)
		})
	}
}

func TestAttendantGraphTimeoutHangsUp(t *testing.T) {
	spec := config.AttendantSpec{
		Repeats: 2,
		Choices: map[string]string{"1": "ext:1001"},
	}
	g, err := AttendantGraph("main", spec)
	if err != nil {
		t.Fatalf("AttendantGraph: %v", err)
	}

	result, err := testRunner(t).Run(context.Background(), &fakeCall{digits: []string{"", ""}}, g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.HangupCause == "" || result.TransferTo != "" {
		t.Errorf("timeout should hang up, got %+v", result)
	}
}

func TestAttendantGraphRejectsBadChoice(t *testing.T) {
	spec := config.AttendantSpec{
		Choices: map[string]string{"1": "warp:speed"},
	}
	if _, err := AttendantGraph("main", spec); err == nil {
		t.Fatal("expected an error for an unknown choice kind")
	}
}
