// Package ivr runs the interactive call flows: voicemail deposit and
// retrieval menus and the auto attendant. A flow is a small graph of
// nodes; each node plays audio, gathers digits, or records, then names
// the edge to follow. The walker is deliberately dumb so all call
// behavior lives in the node definitions.
package ivr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ironpbx/ironpbx/internal/dtmf"
	"github.com/ironpbx/ironpbx/internal/prompts"
)

// Edge names shared by the node types.
const (
	EdgeNext    = "next"
	EdgeTimeout = "timeout"
	EdgeInvalid = "invalid"
	EdgeEmpty   = "empty"
)

// stepLimit caps graph traversal so a miswired flow cannot spin a call
// forever.
const stepLimit = 256

// ErrNoEdge is returned when a node names an edge the graph does not
// define.
var ErrNoEdge = errors.New("ivr: no matching edge")

// CollectSpec configures one digit-gathering pass.
type CollectSpec struct {
	MaxDigits         int
	Terminator        byte
	FirstDigitTimeout time.Duration
	InterDigitTimeout time.Duration
}

// CallControl is what a flow needs from the live call. The SIP layer
// implements it on top of the media session and the call's DTMF stream.
type CallControl interface {
	CallID() string

	// Play streams a WAV file to the caller. It returns once playback
	// finishes or ctx ends.
	Play(ctx context.Context, path string) error

	// Beep plays the record-now tone.
	Beep(ctx context.Context) error

	// PlayAndCollect starts playback (path may be empty for silence) and
	// gathers digits per spec. The first digit stops playback so callers
	// can barge in.
	PlayAndCollect(ctx context.Context, path string, spec CollectSpec) (*dtmf.CollectResult, error)

	// FlushDigits drops any buffered digits from earlier nodes.
	FlushDigits()

	// Record captures caller audio to a WAV file until maxDur, hangup,
	// or '#' when stopOnHash is set. It returns whole seconds captured.
	Record(ctx context.Context, path string, maxDur time.Duration, stopOnHash bool) (int, error)
}

// Result is what a finished flow tells the call router to do next.
type Result struct {
	// TransferTo routes the caller onward to this extension.
	TransferTo string
	// DepositTo drops the caller into this mailbox's deposit flow.
	DepositTo string
	// NextAttendant chains into another attendant menu.
	NextAttendant string
	// HangupCause is recorded when the flow simply ends the call.
	HangupCause string
}

// Env carries state between nodes of one traversal.
type Env struct {
	values map[string]string
	result Result
}

// Set stores a string value for later nodes.
func (e *Env) Set(key, value string) {
	if e.values == nil {
		e.values = make(map[string]string)
	}
	e.values[key] = value
}

// Get returns a value stored by an earlier node.
func (e *Env) Get(key string) string {
	return e.values[key]
}

// Node is one step of a flow. exec returns the edge to follow; an empty
// edge ends the traversal.
type Node interface {
	exec(ctx context.Context, rt *runtime) (string, error)
}

// runtime bundles what nodes need during one traversal.
type runtime struct {
	call    CallControl
	env     *Env
	prompts *prompts.Library
	logger  *slog.Logger
}

// resolvePrompt maps a node's audio reference to a playable path. File
// wins over Prompt; a missing prompt comes back empty, meaning skip.
func (rt *runtime) resolvePrompt(file, prompt string) string {
	if file != "" {
		return file
	}
	if prompt == "" {
		return ""
	}
	path, ok := rt.prompts.Resolve(prompt)
	if !ok {
		rt.logger.Debug("prompt not available, skipping", "prompt", prompt)
		return ""
	}
	return path
}

// play runs playback and swallows failures: an unplayable prompt must
// never kill a call flow.
func (rt *runtime) play(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := rt.call.Play(ctx, path); err != nil && !errors.Is(err, context.Canceled) {
		rt.logger.Warn("prompt playback failed", "path", path, "error", err)
	}
}

// Graph is a flow definition: nodes wired by named edges.
type Graph struct {
	entry string
	nodes map[string]Node
	edges map[string]map[string]string
}

// NewGraph creates an empty graph whose traversal starts at entry.
func NewGraph(entry string) *Graph {
	return &Graph{
		entry: entry,
		nodes: make(map[string]Node),
		edges: make(map[string]map[string]string),
	}
}

// Add registers a node and its outgoing edges (edge name to node ID).
func (g *Graph) Add(id string, n Node, edges map[string]string) *Graph {
	g.nodes[id] = n
	if len(edges) > 0 {
		g.edges[id] = edges
	}
	return g
}

// Validate checks that the entry and every edge target exist.
func (g *Graph) Validate() error {
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("ivr: entry node %q not defined", g.entry)
	}
	for id, out := range g.edges {
		if _, ok := g.nodes[id]; !ok {
			return fmt.Errorf("ivr: edges defined for unknown node %q", id)
		}
		for edge, target := range out {
			if _, ok := g.nodes[target]; !ok {
				return fmt.Errorf("ivr: node %q edge %q points at unknown node %q", id, edge, target)
			}
		}
	}
	return nil
}

// Runner walks flow graphs over live calls.
type Runner struct {
	prompts *prompts.Library
	logger  *slog.Logger
}

// NewRunner creates a runner resolving prompts through lib.
func NewRunner(lib *prompts.Library, logger *slog.Logger) *Runner {
	return &Runner{
		prompts: lib,
		logger:  logger.With("subsystem", "ivr"),
	}
}

// Run walks the graph from its entry until a node returns an empty edge.
// A node deadline maps to the node's "timeout" edge; every other node
// error aborts the flow. Traversal keeps going after the caller hangs
// up so cleanup nodes (committing a recording, say) still run; they get
// the already-cancelled ctx and must not block on it.
func (r *Runner) Run(ctx context.Context, call CallControl, g *Graph) (*Result, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	rt := &runtime{
		call:    call,
		env:     &Env{},
		prompts: r.prompts,
		logger:  r.logger.With("call_id", call.CallID()),
	}

	currentID := g.entry
	for steps := 0; steps < stepLimit; steps++ {
		node := g.nodes[currentID]

		rt.logger.Debug("ivr node", "node", currentID)

		edge, err := node.exec(ctx, rt)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				edge = EdgeTimeout
			} else {
				return nil, fmt.Errorf("ivr node %s: %w", currentID, err)
			}
		}

		if edge == "" {
			result := rt.env.result
			return &result, nil
		}

		next, ok := g.edges[currentID][edge]
		if !ok {
			return nil, fmt.Errorf("%w: node %s edge %q", ErrNoEdge, currentID, edge)
		}
		currentID = next
	}
	return nil, fmt.Errorf("ivr: flow exceeded %d steps, aborting", stepLimit)
}

// Play streams one prompt or file and always follows "next".
type Play struct {
	Prompt string // catalog name, resolved at play time
	File   string // absolute path, takes precedence
}

func (n *Play) exec(ctx context.Context, rt *runtime) (string, error) {
	rt.play(ctx, rt.resolvePrompt(n.File, n.Prompt))
	return EdgeNext, nil
}

// Beep plays the record tone and follows "next".
type Beep struct{}

func (n *Beep) exec(ctx context.Context, rt *runtime) (string, error) {
	if err := rt.call.Beep(ctx); err != nil && !errors.Is(err, context.Canceled) {
		rt.logger.Warn("beep playback failed", "error", err)
	}
	return EdgeNext, nil
}

// Menu plays a prompt and waits for a single digit from Choices. The
// prompt replays on every attempt. After Tries attempts the final
// timeout follows "timeout" and the final bad digit follows "invalid".
type Menu struct {
	Prompt  string
	File    string
	Choices string // valid digits, e.g. "12390"
	Timeout time.Duration
	Tries   int
}

func (n *Menu) exec(ctx context.Context, rt *runtime) (string, error) {
	tries := n.Tries
	if tries <= 0 {
		tries = 3
	}
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	path := rt.resolvePrompt(n.File, n.Prompt)

	rt.call.FlushDigits()
	for attempt := 1; attempt <= tries; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		result, err := rt.call.PlayAndCollect(ctx, path, CollectSpec{
			MaxDigits:         1,
			FirstDigitTimeout: timeout,
		})
		if err != nil {
			return "", err
		}

		if result.Digits == "" {
			if attempt == tries {
				return EdgeTimeout, nil
			}
			continue
		}

		digit := result.Digits
		if strings.Contains(n.Choices, digit) {
			return digit, nil
		}

		rt.logger.Debug("menu digit not offered", "digit", digit, "attempt", attempt)
		if attempt == tries {
			return EdgeInvalid, nil
		}
		rt.play(ctx, rt.resolvePrompt("", prompts.InvalidOption))
		rt.call.FlushDigits()
	}
	return EdgeTimeout, nil
}

// Collect plays an optional prompt and gathers a digit string into the
// env under Key. Ending with nothing collected follows "timeout".
type Collect struct {
	Prompt string
	File   string
	Key    string
	Spec   CollectSpec
}

func (n *Collect) exec(ctx context.Context, rt *runtime) (string, error) {
	path := rt.resolvePrompt(n.File, n.Prompt)

	result, err := rt.call.PlayAndCollect(ctx, path, n.Spec)
	if err != nil {
		return "", err
	}
	if result.Digits == "" {
		return EdgeTimeout, nil
	}
	rt.env.Set(n.Key, result.Digits)
	return EdgeNext, nil
}

// RecordMsg captures caller audio to the path stored in the env under
// PathKey. Recordings shorter than MinSeconds follow "empty". The
// captured length in seconds is stored under SecondsKey.
type RecordMsg struct {
	PathKey    string
	SecondsKey string
	MaxDur     time.Duration
	MinSeconds int
	BeepFirst  bool
}

func (n *RecordMsg) exec(ctx context.Context, rt *runtime) (string, error) {
	path := rt.env.Get(n.PathKey)
	if path == "" {
		return "", fmt.Errorf("record node: env key %q has no path", n.PathKey)
	}

	if n.BeepFirst {
		if err := rt.call.Beep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Warn("record beep failed", "error", err)
		}
	}

	rt.call.FlushDigits()
	seconds, err := rt.call.Record(ctx, path, n.MaxDur, true)
	if err != nil && !errors.Is(err, context.Canceled) {
		return "", fmt.Errorf("recording: %w", err)
	}
	rt.env.Set(n.SecondsKey, strconv.Itoa(seconds))

	if seconds < n.MinSeconds {
		return EdgeEmpty, nil
	}
	return EdgeNext, nil
}

// Func embeds domain logic as a node. The name shows up in errors.
type Func struct {
	Name string
	Fn   func(ctx context.Context, call CallControl, env *Env) (string, error)
}

func (n *Func) exec(ctx context.Context, rt *runtime) (string, error) {
	edge, err := n.Fn(ctx, rt.call, rt.env)
	if err != nil {
		return "", fmt.Errorf("%s: %w", n.Name, err)
	}
	return edge, nil
}

// Transfer ends the flow and asks the router to send the caller to an
// extension. TargetKey reads the target from the env when Target is
// empty.
type Transfer struct {
	Target    string
	TargetKey string
}

func (n *Transfer) exec(_ context.Context, rt *runtime) (string, error) {
	target := n.Target
	if target == "" && n.TargetKey != "" {
		target = rt.env.Get(n.TargetKey)
	}
	if target == "" {
		return "", fmt.Errorf("transfer node: no target")
	}
	rt.env.result.TransferTo = target
	return "", nil
}

// Deposit ends the flow and asks the router to run the voicemail
// deposit flow for a mailbox.
type Deposit struct {
	Mailbox string
}

func (n *Deposit) exec(_ context.Context, rt *runtime) (string, error) {
	rt.env.result.DepositTo = n.Mailbox
	return "", nil
}

// Chain ends the flow and asks the router to start another attendant.
type Chain struct {
	Attendant string
}

func (n *Chain) exec(_ context.Context, rt *runtime) (string, error) {
	rt.env.result.NextAttendant = n.Attendant
	return "", nil
}

// Hangup ends the flow; the router tears the call down with the given
// cause.
type Hangup struct {
	Cause string
}

func (n *Hangup) exec(_ context.Context, rt *runtime) (string, error) {
	rt.env.result.HangupCause = n.Cause
	return "", nil
}
