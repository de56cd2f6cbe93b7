package ivr

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ironpbx/ironpbx/internal/config"
	"github.com/ironpbx/ironpbx/internal/prompts"
	"github.com/ironpbx/ironpbx/internal/voicemail"
)

const (
	// maxMessageDur caps one voicemail recording.
	maxMessageDur = 3 * time.Minute
	// maxGreetingDur caps a recorded mailbox greeting.
	maxGreetingDur = 2 * time.Minute
	// minMessageSec discards accidental touches of the record flow.
	minMessageSec = 1
	// pinTries locks the retrieval menu after this many bad PINs.
	pinTries = 3
	// maxCountBeeps caps the welcome announcement; counts beyond this
	// all sound the same.
	maxCountBeeps = 9
)

// VoicemailFlows builds the deposit and retrieval graphs over a message
// store. CheckPIN verifies a mailbox PIN; OnChange fires after anything
// that alters a mailbox so MWI can be pushed.
type VoicemailFlows struct {
	Store    *voicemail.Store
	CheckPIN func(mailbox, pin string) bool
	OnChange func(mailbox string)
	Logger   *slog.Logger
}

func (v *VoicemailFlows) notify(mailbox string) {
	if v.OnChange != nil {
		v.OnChange(mailbox)
	}
}

// DepositGraph records one message for a mailbox: greeting, beep,
// record, commit. The caller hanging up mid-recording still commits
// whatever was captured.
func (v *VoicemailFlows) DepositGraph(mailbox, from, callerName string) *Graph {
	greeting := &Play{Prompt: prompts.VoicemailGreeting}
	if path, ok := v.Store.GreetingPath(mailbox); ok {
		greeting = &Play{File: path}
	}

	g := NewGraph("greeting")
	g.Add("greeting", greeting, map[string]string{EdgeNext: "prepare"})

	g.Add("prepare", &Func{
		Name: "prepare deposit",
		Fn: func(_ context.Context, _ CallControl, env *Env) (string, error) {
			scratch, err := v.Store.ScratchPath(mailbox)
			if err != nil {
				return "", err
			}
			env.Set("scratch", scratch)
			return EdgeNext, nil
		},
	}, map[string]string{EdgeNext: "record"})

	g.Add("record", &RecordMsg{
		PathKey:    "scratch",
		SecondsKey: "seconds",
		MaxDur:     maxMessageDur,
		MinSeconds: minMessageSec,
		BeepFirst:  true,
	}, map[string]string{EdgeNext: "commit", EdgeEmpty: "discard"})

	g.Add("commit", &Func{
		Name: "commit message",
		Fn: func(_ context.Context, _ CallControl, env *Env) (string, error) {
			seconds, _ := strconv.Atoi(env.Get("seconds"))
			_, err := v.Store.Commit(mailbox, env.Get("scratch"), voicemail.Message{
				From:        from,
				CallerName:  callerName,
				DurationSec: seconds,
			})
			if err != nil {
				// A failed save must not strand the caller without a
				// word; apologize and end the call normally.
				v.Logger.Error("voicemail commit failed", "mailbox", mailbox, "error", err)
				v.Store.Discard(env.Get("scratch"))
				return "failed", nil
			}
			v.notify(mailbox)
			return EdgeNext, nil
		},
	}, map[string]string{EdgeNext: "thanks", "failed": "apology"})

	g.Add("apology", &Play{Prompt: prompts.InvalidOption}, map[string]string{EdgeNext: "bye"})

	g.Add("discard", &Func{
		Name: "discard empty message",
		Fn: func(_ context.Context, _ CallControl, env *Env) (string, error) {
			v.Store.Discard(env.Get("scratch"))
			return EdgeNext, nil
		},
	}, map[string]string{EdgeNext: "bye"})

	g.Add("thanks", &Play{Prompt: prompts.Goodbye}, map[string]string{EdgeNext: "bye"})
	g.Add("bye", &Hangup{Cause: "normal_clearing"}, nil)
	return g
}

// vmSession is the retrieval menu's cursor over a mailbox, shared by
// the graph's function nodes.
type vmSession struct {
	msgs   []voicemail.Message
	cursor int
}

// RetrievalGraph is the mailbox owner's menu. The welcome announces the
// message count (one beep per unheard message), a PIN gates entry when
// the extension has one, and the main menu fans out: 1 plays messages,
// 2 manages the greeting, * says goodbye.
//
// Inside playback 1 replays the current message, 2 moves to the next,
// 3 deletes it, * returns to the main menu. A fresh greeting gets a
// review pass: 1 plays it back, 2 re-records, 3 discards, * saves.
func (v *VoicemailFlows) RetrievalGraph(mailbox string, hasPIN bool) *Graph {
	session := &vmSession{cursor: -1}
	attempts := 0

	afterWelcome := "menu"
	if hasPIN {
		afterWelcome = "pin"
	}
	g := NewGraph("load")

	g.Add("load", &Func{
		Name: "load mailbox",
		Fn: func(_ context.Context, _ CallControl, _ *Env) (string, error) {
			msgs, err := v.Store.Messages(mailbox)
			if err != nil {
				return "", err
			}
			// Unheard first, each group newest first.
			var unheard, heard []voicemail.Message
			for _, m := range msgs {
				if m.Heard {
					heard = append(heard, m)
				} else {
					unheard = append(unheard, m)
				}
			}
			session.msgs = append(unheard, heard...)
			session.cursor = -1
			return EdgeNext, nil
		},
	}, map[string]string{EdgeNext: "welcome"})

	g.Add("welcome", &Play{Prompt: prompts.VoicemailWelcome}, map[string]string{EdgeNext: "count"})

	g.Add("count", &Func{
		Name: "announce message count",
		Fn: func(ctx context.Context, call CallControl, _ *Env) (string, error) {
			unheard := 0
			for _, m := range session.msgs {
				if !m.Heard {
					unheard++
				}
			}
			if unheard == 0 {
				return "none", nil
			}
			if unheard > maxCountBeeps {
				unheard = maxCountBeeps
			}
			for i := 0; i < unheard; i++ {
				if err := call.Beep(ctx); err != nil {
					break
				}
			}
			return EdgeNext, nil
		},
	}, map[string]string{EdgeNext: afterWelcome, "none": "nonew"})

	g.Add("nonew", &Play{Prompt: prompts.NoMessages}, map[string]string{EdgeNext: afterWelcome})

	g.Add("pin", &Collect{
		Prompt: prompts.PinPrompt,
		Key:    "pin",
		Spec: CollectSpec{
			MaxDigits:         8,
			Terminator:        '#',
			FirstDigitTimeout: 10 * time.Second,
			InterDigitTimeout: 5 * time.Second,
		},
	}, map[string]string{EdgeNext: "verify", EdgeTimeout: "goodbye"})

	g.Add("verify", &Func{
		Name: "verify pin",
		Fn: func(_ context.Context, _ CallControl, env *Env) (string, error) {
			if v.CheckPIN != nil && v.CheckPIN(mailbox, env.Get("pin")) {
				return "ok", nil
			}
			attempts++
			if attempts >= pinTries {
				v.Logger.Warn("voicemail retrieval locked out", "mailbox", mailbox)
				return "locked", nil
			}
			return "retry", nil
		},
	}, map[string]string{"ok": "menu", "retry": "badpin", "locked": "goodbye"})

	g.Add("badpin", &Play{Prompt: prompts.InvalidOption}, map[string]string{EdgeNext: "pin"})

	g.Add("menu", &Menu{
		Prompt:  prompts.VoicemailMenu,
		Choices: "12*",
		Timeout: 10 * time.Second,
		Tries:   3,
	}, map[string]string{
		"1":         "playfirst",
		"2":         "options",
		"*":         "goodbye",
		EdgeTimeout: "goodbye",
		EdgeInvalid: "goodbye",
	})

	// playCurrent plays session.msgs[session.cursor] and marks it heard.
	playCurrent := func(ctx context.Context, call CallControl) {
		msg := session.msgs[session.cursor]
		if err := call.Play(ctx, v.Store.MessagePath(mailbox, msg.ID)); err != nil {
			v.Logger.Warn("message playback failed",
				"mailbox", mailbox,
				"message_id", msg.ID,
				"error", err,
			)
		}
		if !msg.Heard {
			if err := v.Store.MarkHeard(mailbox, msg.ID); err == nil {
				session.msgs[session.cursor].Heard = true
				v.notify(mailbox)
			}
		}
	}

	g.Add("playfirst", &Func{
		Name: "play first message",
		Fn: func(ctx context.Context, call CallControl, _ *Env) (string, error) {
			if len(session.msgs) == 0 {
				return "none", nil
			}
			session.cursor = 0
			playCurrent(ctx, call)
			return EdgeNext, nil
		},
	}, map[string]string{EdgeNext: "playmenu", "none": "nomsgs"})

	g.Add("nomsgs", &Play{Prompt: prompts.NoMessages}, map[string]string{EdgeNext: "menu"})

	g.Add("playmenu", &Menu{
		Prompt:  prompts.PlaybackMenu,
		Choices: "123*",
		Timeout: 10 * time.Second,
		Tries:   3,
	}, map[string]string{
		"1":         "replay",
		"2":         "next",
		"3":         "delete",
		"*":         "menu",
		EdgeTimeout: "goodbye",
		EdgeInvalid: "goodbye",
	})

	g.Add("replay", &Func{
		Name: "replay message",
		Fn: func(ctx context.Context, call CallControl, _ *Env) (string, error) {
			playCurrent(ctx, call)
			return EdgeNext, nil
		},
	}, map[string]string{EdgeNext: "playmenu"})

	g.Add("next", &Func{
		Name: "next message",
		Fn: func(ctx context.Context, call CallControl, _ *Env) (string, error) {
			if session.cursor+1 >= len(session.msgs) {
				return "end", nil
			}
			session.cursor++
			playCurrent(ctx, call)
			return EdgeNext, nil
		},
	}, map[string]string{EdgeNext: "playmenu", "end": "endoflist"})

	g.Add("endoflist", &Play{Prompt: prompts.Timeout}, map[string]string{EdgeNext: "menu"})

	g.Add("delete", &Func{
		Name: "delete message",
		Fn: func(ctx context.Context, call CallControl, _ *Env) (string, error) {
			if session.cursor < 0 || session.cursor >= len(session.msgs) {
				return "end", nil
			}
			msg := session.msgs[session.cursor]
			if err := v.Store.Delete(mailbox, msg.ID); err != nil {
				return "", err
			}
			session.msgs = append(session.msgs[:session.cursor], session.msgs[session.cursor+1:]...)
			v.notify(mailbox)
			if session.cursor >= len(session.msgs) {
				return "end", nil
			}
			playCurrent(ctx, call)
			return EdgeNext, nil
		},
	}, map[string]string{EdgeNext: "playmenu", "end": "endoflist"})

	g.Add("options", &Func{
		Name: "prepare greeting",
		Fn: func(_ context.Context, _ CallControl, env *Env) (string, error) {
			scratch, err := v.Store.ScratchPath(mailbox)
			if err != nil {
				return "", err
			}
			env.Set("gscratch", scratch)
			return EdgeNext, nil
		},
	}, map[string]string{EdgeNext: "recordgreeting"})

	g.Add("recordgreeting", &RecordMsg{
		PathKey:    "gscratch",
		SecondsKey: "gseconds",
		MaxDur:     maxGreetingDur,
		MinSeconds: minMessageSec,
		BeepFirst:  true,
	}, map[string]string{EdgeNext: "review", EdgeEmpty: "discardgreeting"})

	g.Add("review", &Menu{
		Prompt:  prompts.GreetingReview,
		Choices: "123*",
		Timeout: 10 * time.Second,
		Tries:   3,
	}, map[string]string{
		"1":         "playgreeting",
		"2":         "recordgreeting",
		"3":         "discardgreeting",
		"*":         "savegreeting",
		EdgeTimeout: "abandongreeting",
		EdgeInvalid: "abandongreeting",
	})

	g.Add("playgreeting", &Func{
		Name: "play new greeting",
		Fn: func(ctx context.Context, call CallControl, env *Env) (string, error) {
			if err := call.Play(ctx, env.Get("gscratch")); err != nil {
				v.Logger.Warn("greeting playback failed", "mailbox", mailbox, "error", err)
			}
			return EdgeNext, nil
		},
	}, map[string]string{EdgeNext: "review"})

	g.Add("savegreeting", &Func{
		Name: "commit greeting",
		Fn: func(_ context.Context, _ CallControl, env *Env) (string, error) {
			if err := v.Store.CommitGreeting(mailbox, env.Get("gscratch")); err != nil {
				return "", err
			}
			return EdgeNext, nil
		},
	}, map[string]string{EdgeNext: "menu"})

	g.Add("discardgreeting", &Func{
		Name: "discard greeting",
		Fn: func(_ context.Context, _ CallControl, env *Env) (string, error) {
			v.Store.Discard(env.Get("gscratch"))
			return EdgeNext, nil
		},
	}, map[string]string{EdgeNext: "menu"})

	g.Add("abandongreeting", &Func{
		Name: "abandon greeting",
		Fn: func(_ context.Context, _ CallControl, env *Env) (string, error) {
			v.Store.Discard(env.Get("gscratch"))
			return EdgeNext, nil
		},
	}, map[string]string{EdgeNext: "goodbye"})

	g.Add("goodbye", &Play{Prompt: prompts.Goodbye}, map[string]string{EdgeNext: "hangup"})
	g.Add("hangup", &Hangup{Cause: "normal_clearing"}, nil)
	return g
}

// AttendantGraph builds the menu for one auto-attendant: greeting with
// digit collection, then the configured choice. Timeout and repeated
// bad digits play the goodbye prompt and hang up.
func AttendantGraph(name string, spec config.AttendantSpec) (*Graph, error) {
	var digits strings.Builder
	edges := map[string]string{
		EdgeTimeout: "bye",
		EdgeInvalid: "bye",
	}
	g := NewGraph("menu")

	for digit, choice := range spec.Choices {
		nodeID := "choice-" + digit
		node, err := choiceNode(choice)
		if err != nil {
			return nil, fmt.Errorf("attendant %s digit %s: %w", name, digit, err)
		}
		digits.WriteString(digit)
		edges[digit] = nodeID
		g.Add(nodeID, node, nil)
	}

	timeout := time.Duration(spec.TimeoutSec) * time.Second
	g.Add("menu", &Menu{
		File:    spec.Greeting,
		Prompt:  prompts.AttendantGreeting,
		Choices: digits.String(),
		Timeout: timeout,
		Tries:   spec.Repeats,
	}, edges)

	g.Add("bye", &Play{Prompt: prompts.Goodbye}, map[string]string{EdgeNext: "hangup"})
	g.Add("hangup", &Hangup{Cause: "normal_clearing"}, nil)
	return g, nil
}

// choiceNode maps an attendant choice string to its terminal node.
func choiceNode(choice string) (Node, error) {
	if choice == "hangup" {
		return &Hangup{Cause: "normal_clearing"}, nil
	}
	kind, target, ok := strings.Cut(choice, ":")
	if !ok || target == "" {
		return nil, fmt.Errorf("malformed choice %q", choice)
	}
	switch kind {
	case "ext":
		return &Transfer{Target: target}, nil
	case "voicemail":
		return &Deposit{Mailbox: target}, nil
	case "attendant":
		return &Chain{Attendant: target}, nil
	default:
		return nil, fmt.Errorf("unknown choice kind %q", kind)
	}
}
