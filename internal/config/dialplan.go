package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Dialplan rule action names accepted in the JSON file.
const (
	ActionRing       = "ring"
	ActionHunt       = "hunt"
	ActionGroup      = "group"
	ActionVoicemail  = "voicemail"
	ActionDeposit    = "vm_deposit"
	ActionAttendant  = "attendant"
	ActionConference = "conference"
	ActionReject     = "reject"
)

// DialRule routes dialed numbers matching Prefix to an action. Rules are
// matched longest-prefix-first; the dialed user part only has to start
// with the prefix.
type DialRule struct {
	Prefix  string   `json:"prefix"`
	Action  string   `json:"action"`
	Target  string   `json:"target,omitempty"`  // single extension, mailbox, room or attendant name
	Targets []string `json:"targets,omitempty"` // ordered list for hunt/group
	// TimeoutSec bounds ringing: per leg for hunt, overall for ring/group.
	TimeoutSec int `json:"timeout_sec,omitempty"`
	// Status and Reason shape the response for reject rules.
	Status int    `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// AttendantSpec is an auto-attendant menu: a greeting prompt and a digit
// map. Choice values take the forms "ext:1001", "voicemail:1001",
// "attendant:support" and "hangup".
type AttendantSpec struct {
	Greeting   string            `json:"greeting"`
	TimeoutSec int               `json:"timeout_sec,omitempty"`
	Repeats    int               `json:"repeats,omitempty"`
	Choices    map[string]string `json:"choices"`
}

// DialplanSpec is the static routing table loaded at startup.
type DialplanSpec struct {
	Rules      []DialRule               `json:"rules"`
	Attendants map[string]AttendantSpec `json:"attendants,omitempty"`
}

// LoadDialplan reads and validates a dialplan JSON file. An empty path
// returns the built-in default plan.
func LoadDialplan(path string) (*DialplanSpec, error) {
	if path == "" {
		return DefaultDialplan(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dialplan: %w", err)
	}

	var spec DialplanSpec
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("parsing dialplan %s: %w", path, err)
	}

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("dialplan %s: %w", path, err)
	}
	return &spec, nil
}

// DefaultDialplan is used when no dialplan file is configured: *97 for
// the caller's own voicemail, *<mailbox> for PIN-gated retrieval of a
// specific mailbox, plus implicit extension-to-extension dialing
// (handled by the engine when no rule matches).
func DefaultDialplan() *DialplanSpec {
	return &DialplanSpec{
		Rules: []DialRule{
			{Prefix: "*97", Action: ActionVoicemail},
			{Prefix: "*", Action: ActionVoicemail},
		},
	}
}

// Validate checks rule and attendant coherence.
func (s *DialplanSpec) Validate() error {
	seen := make(map[string]bool, len(s.Rules))
	for i, r := range s.Rules {
		if r.Prefix == "" {
			return fmt.Errorf("rule %d: empty prefix", i)
		}
		if seen[r.Prefix] {
			return fmt.Errorf("rule %d: duplicate prefix %q", i, r.Prefix)
		}
		seen[r.Prefix] = true
		if r.TimeoutSec < 0 {
			return fmt.Errorf("rule %q: negative timeout", r.Prefix)
		}

		switch r.Action {
		case ActionRing:
			if r.Target == "" {
				return fmt.Errorf("rule %q: ring needs a target extension", r.Prefix)
			}
		case ActionHunt, ActionGroup:
			if len(r.Targets) == 0 {
				return fmt.Errorf("rule %q: %s needs targets", r.Prefix, r.Action)
			}
		case ActionVoicemail, ActionDeposit, ActionConference:
			// Target optional: filled from the digits after the prefix
			// (mailboxes) or the dialed number itself (conference rooms).
		case ActionAttendant:
			if r.Target == "" {
				return fmt.Errorf("rule %q: attendant needs a target menu name", r.Prefix)
			}
			if _, ok := s.Attendants[r.Target]; !ok {
				return fmt.Errorf("rule %q: unknown attendant %q", r.Prefix, r.Target)
			}
		case ActionReject:
			// Status 0 means the compiled default.
			if r.Status != 0 && (r.Status < 400 || r.Status > 699) {
				return fmt.Errorf("rule %q: reject status %d out of range", r.Prefix, r.Status)
			}
		default:
			return fmt.Errorf("rule %q: unknown action %q", r.Prefix, r.Action)
		}
	}

	for name, att := range s.Attendants {
		if len(att.Choices) == 0 {
			return fmt.Errorf("attendant %q: no choices", name)
		}
		for digit, choice := range att.Choices {
			if len(digit) != 1 || !strings.ContainsAny(digit, "0123456789*#") {
				return fmt.Errorf("attendant %q: bad digit %q", name, digit)
			}
			if err := validChoice(s, choice); err != nil {
				return fmt.Errorf("attendant %q digit %q: %w", name, digit, err)
			}
		}
	}
	return nil
}

func validChoice(s *DialplanSpec, choice string) error {
	if choice == "hangup" {
		return nil
	}
	kind, target, ok := strings.Cut(choice, ":")
	if !ok || target == "" {
		return fmt.Errorf("malformed choice %q", choice)
	}
	switch kind {
	case "ext", "voicemail":
		return nil
	case "attendant":
		if _, found := s.Attendants[target]; !found {
			return fmt.Errorf("unknown attendant %q", target)
		}
		return nil
	default:
		return fmt.Errorf("unknown choice kind %q", kind)
	}
}
