package sip

import (
	"testing"
	"time"

	"github.com/ironpbx/ironpbx/internal/config"
)

func testDialplan(t *testing.T) *Dialplan {
	t.Helper()
	spec := config.DialplanSpec{
		Rules: []config.DialRule{
			{Prefix: "*97", Action: config.ActionVoicemail},
			{Prefix: "*98", Action: config.ActionDeposit, Target: "1001"},
			{Prefix: "**", Action: config.ActionDeposit},
			{Prefix: "*", Action: config.ActionVoicemail},
			{Prefix: "8", Action: config.ActionGroup, Targets: []string{"1001", "1002"}, TimeoutSec: 20},
			{Prefix: "80", Action: config.ActionHunt, Targets: []string{"1003", "1004"}},
			{Prefix: "9", Action: config.ActionReject, Status: 403, Reason: "No trunk configured"},
			{Prefix: "0", Action: config.ActionAttendant, Target: "main"},
			{Prefix: "7000", Action: config.ActionConference, Target: "standup"},
			{Prefix: "71", Action: config.ActionConference},
		},
		Attendants: map[string]config.AttendantSpec{
			"main": {Greeting: "greeting.wav", Choices: map[string]string{"1": "ext:1001"}},
		},
	}
	dp, err := CompileDialplan(spec, 30*time.Second)
	if err != nil {
		t.Fatalf("CompileDialplan: %v", err)
	}
	return dp
}

func TestDialplanLongestPrefixWins(t *testing.T) {
	dp := testDialplan(t)

	// "80" is longer than "8", so 8012 must hunt, not group.
	action, ok := dp.Match("8012")
	if !ok {
		t.Fatal("no match for 8012")
	}
	hunt, ok := action.(HuntAction)
	if !ok {
		t.Fatalf("8012 resolved to %T, want HuntAction", action)
	}
	if len(hunt.Extensions) != 2 || hunt.Extensions[0] != "1003" {
		t.Errorf("hunt targets = %v", hunt.Extensions)
	}

	// Plain "8xxx" that doesn't extend to "80" takes the group rule.
	action, ok = dp.Match("8555")
	if !ok {
		t.Fatal("no match for 8555")
	}
	group, ok := action.(GroupAction)
	if !ok {
		t.Fatalf("8555 resolved to %T, want GroupAction", action)
	}
	if group.Timeout != 20*time.Second {
		t.Errorf("group timeout = %v, want 20s", group.Timeout)
	}
}

func TestDialplanDefaultTimeout(t *testing.T) {
	dp := testDialplan(t)

	action, ok := dp.Match("8099")
	if !ok {
		t.Fatal("no match")
	}
	hunt := action.(HuntAction)
	if hunt.Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want inherited 30s", hunt.Timeout)
	}
}

func TestDialplanNoMatch(t *testing.T) {
	dp := testDialplan(t)

	if _, ok := dp.Match("1001"); ok {
		t.Error("1001 matched a rule; should fall through to extension dialing")
	}
}

func TestDialplanFeatureCodes(t *testing.T) {
	dp := testDialplan(t)

	action, _ := dp.Match("*97")
	if _, ok := action.(VoicemailAction); !ok {
		t.Errorf("*97 resolved to %T, want VoicemailAction", action)
	}

	action, _ = dp.Match("*98")
	dep, ok := action.(DepositAction)
	if !ok {
		t.Fatalf("*98 resolved to %T, want DepositAction", action)
	}
	if dep.Mailbox != "1001" {
		t.Errorf("deposit mailbox = %q", dep.Mailbox)
	}

	action, _ = dp.Match("7000")
	conf, ok := action.(ConferenceAction)
	if !ok {
		t.Fatalf("7000 resolved to %T, want ConferenceAction", action)
	}
	if conf.Room != "standup" {
		t.Errorf("conference room = %q", conf.Room)
	}
}

func TestDialplanRemainderTargets(t *testing.T) {
	dp := testDialplan(t)

	// Star plus a mailbox number retrieves that mailbox.
	action, ok := dp.Match("*1001")
	if !ok {
		t.Fatal("no match for *1001")
	}
	vm, ok := action.(VoicemailAction)
	if !ok {
		t.Fatalf("*1001 resolved to %T, want VoicemailAction", action)
	}
	if vm.Mailbox != "1001" {
		t.Errorf("mailbox = %q, want 1001", vm.Mailbox)
	}

	// *97 is the longer match and keeps its own-mailbox semantics.
	action, _ = dp.Match("*97")
	if vm := action.(VoicemailAction); vm.Mailbox != "" {
		t.Errorf("*97 mailbox = %q, want empty for the caller's own", vm.Mailbox)
	}

	// Double star deposits into the mailbox spelled after it.
	action, ok = dp.Match("**1002")
	if !ok {
		t.Fatal("no match for **1002")
	}
	dep, ok := action.(DepositAction)
	if !ok {
		t.Fatalf("**1002 resolved to %T, want DepositAction", action)
	}
	if dep.Mailbox != "1002" {
		t.Errorf("deposit mailbox = %q, want 1002", dep.Mailbox)
	}
}

func TestDialplanConferenceRoomDefaultsToDialed(t *testing.T) {
	dp := testDialplan(t)

	action, ok := dp.Match("7155")
	if !ok {
		t.Fatal("no match for 7155")
	}
	conf, ok := action.(ConferenceAction)
	if !ok {
		t.Fatalf("7155 resolved to %T, want ConferenceAction", action)
	}
	if conf.Room != "7155" {
		t.Errorf("room = %q, want the dialed number itself", conf.Room)
	}
}

func TestDialplanReject(t *testing.T) {
	dp := testDialplan(t)

	action, ok := dp.Match("914155550100")
	if !ok {
		t.Fatal("no match for 9 prefix")
	}
	rej, ok := action.(RejectAction)
	if !ok {
		t.Fatalf("resolved to %T, want RejectAction", action)
	}
	if rej.Status != 403 || rej.Reason != "No trunk configured" {
		t.Errorf("reject = %+v", rej)
	}
}

func TestDialplanAttendantLookup(t *testing.T) {
	dp := testDialplan(t)

	action, _ := dp.Match("0")
	att, ok := action.(AttendantAction)
	if !ok {
		t.Fatalf("0 resolved to %T, want AttendantAction", action)
	}
	menu, ok := dp.Attendant(att.Name)
	if !ok {
		t.Fatal("attendant main not found")
	}
	if menu.Greeting != "greeting.wav" {
		t.Errorf("greeting = %q", menu.Greeting)
	}
	if _, ok := dp.Attendant("nope"); ok {
		t.Error("unknown attendant name resolved")
	}
}

func TestCompileDialplanRejectsBadSpec(t *testing.T) {
	spec := config.DialplanSpec{
		Rules: []config.DialRule{{Prefix: "1", Action: "warp"}},
	}
	if _, err := CompileDialplan(spec, 30*time.Second); err == nil {
		t.Fatal("compiled a dialplan with an unknown action")
	}
}
