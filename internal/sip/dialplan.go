package sip

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ironpbx/ironpbx/internal/config"
)

// Action is what a dialplan lookup resolves to. The INVITE handler
// switches on the concrete type to decide how to route the call.
type Action interface {
	isAction()
}

// RingAction rings a single extension.
type RingAction struct {
	Extension string
	Timeout   time.Duration
}

// HuntAction tries extensions one at a time, moving on when a leg
// times out or fails, until one answers or the list is exhausted.
type HuntAction struct {
	Extensions []string
	Timeout    time.Duration // per leg
}

// GroupAction rings all extensions at once; first answer wins.
type GroupAction struct {
	Extensions []string
	Timeout    time.Duration
}

// VoicemailAction sends the caller into voicemail retrieval: their own
// mailbox when Mailbox is empty, the named one otherwise.
type VoicemailAction struct {
	Mailbox string
}

// DepositAction records a message straight into a mailbox without
// ringing anyone.
type DepositAction struct {
	Mailbox string
}

// AttendantAction runs the named auto-attendant menu.
type AttendantAction struct {
	Name string
}

// ConferenceAction joins the caller to a named conference room.
type ConferenceAction struct {
	Room string
}

// RejectAction answers the INVITE with a final failure status.
type RejectAction struct {
	Status int
	Reason string
}

func (RingAction) isAction()       {}
func (HuntAction) isAction()       {}
func (GroupAction) isAction()      {}
func (VoicemailAction) isAction()  {}
func (DepositAction) isAction()    {}
func (AttendantAction) isAction()  {}
func (ConferenceAction) isAction() {}
func (RejectAction) isAction()     {}

type compiledRule struct {
	prefix string
	action Action
}

// Dialplan resolves dialed numbers to routing actions. Rules are
// matched by longest prefix; a dialed string that matches no rule is
// left to the caller to treat as a direct extension dial.
type Dialplan struct {
	rules      []compiledRule // sorted longest prefix first
	attendants map[string]config.AttendantSpec
}

// CompileDialplan validates and compiles a dialplan spec. Rules with
// no timeout of their own inherit defaultTimeout.
func CompileDialplan(spec config.DialplanSpec, defaultTimeout time.Duration) (*Dialplan, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	dp := &Dialplan{
		attendants: make(map[string]config.AttendantSpec, len(spec.Attendants)),
	}
	for name, att := range spec.Attendants {
		dp.attendants[name] = att
	}

	for _, rule := range spec.Rules {
		timeout := defaultTimeout
		if rule.TimeoutSec > 0 {
			timeout = time.Duration(rule.TimeoutSec) * time.Second
		}

		var action Action
		switch rule.Action {
		case config.ActionRing:
			action = RingAction{Extension: rule.Target, Timeout: timeout}
		case config.ActionHunt:
			action = HuntAction{Extensions: append([]string(nil), rule.Targets...), Timeout: timeout}
		case config.ActionGroup:
			action = GroupAction{Extensions: append([]string(nil), rule.Targets...), Timeout: timeout}
		case config.ActionVoicemail:
			action = VoicemailAction{Mailbox: rule.Target}
		case config.ActionDeposit:
			action = DepositAction{Mailbox: rule.Target}
		case config.ActionAttendant:
			action = AttendantAction{Name: rule.Target}
		case config.ActionConference:
			action = ConferenceAction{Room: rule.Target}
		case config.ActionReject:
			status := rule.Status
			if status == 0 {
				status = 403
			}
			reason := rule.Reason
			if reason == "" {
				reason = "Forbidden"
			}
			action = RejectAction{Status: status, Reason: reason}
		default:
			return nil, fmt.Errorf("dialplan: unknown action %q", rule.Action)
		}

		dp.rules = append(dp.rules, compiledRule{prefix: rule.Prefix, action: action})
	}

	// Longest prefix first so Match can take the first hit.
	sort.SliceStable(dp.rules, func(i, j int) bool {
		return len(dp.rules[i].prefix) > len(dp.rules[j].prefix)
	})

	return dp, nil
}

// Match resolves a dialed string against the rule table.
func (d *Dialplan) Match(dialed string) (Action, bool) {
	for _, rule := range d.rules {
		if strings.HasPrefix(dialed, rule.prefix) {
			return rule.resolve(dialed), true
		}
	}
	return nil, false
}

// resolve fills an action's empty target from what was dialed: feature
// codes carry a mailbox after the prefix (*1001 retrieves mailbox 1001),
// conference numbers name their own room.
func (r compiledRule) resolve(dialed string) Action {
	switch act := r.action.(type) {
	case VoicemailAction:
		if act.Mailbox == "" {
			act.Mailbox = strings.TrimPrefix(dialed, r.prefix)
		}
		return act
	case DepositAction:
		if act.Mailbox == "" {
			act.Mailbox = strings.TrimPrefix(dialed, r.prefix)
		}
		return act
	case ConferenceAction:
		if act.Room == "" {
			act.Room = dialed
		}
		return act
	default:
		return r.action
	}
}

// Attendant returns the named auto-attendant menu definition.
func (d *Dialplan) Attendant(name string) (config.AttendantSpec, bool) {
	att, ok := d.attendants[name]
	return att, ok
}
