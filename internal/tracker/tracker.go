// Package tracker detects when a page's whole subtree of derived requests has
// finished. A single goroutine owns every pending counter; callers talk to it
// over a channel and receive the completions their call produced, so ledger
// writes never happen while tracker state is held.
//
// A node is created when its task starts, counts children as they are
// spawned, and is sealed once its own task has delivered an outcome. A sealed
// node whose count is zero completes, which in turn finishes one child of its
// parent. Completions cascade inside a single call and are returned deepest
// first.
package tracker

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
)

// ErrProtocolViolation marks events that contradict the tracker's state. The
// offending operation is ignored.
var ErrProtocolViolation = errors.New("tracker protocol violation")

// ErrClosed is returned by operations issued after Close.
var ErrClosed = errors.New("tracker closed")

// ErrAlreadyTracked is returned by Spawn when the child is already pending
// under some parent or already running, as happens when one page is linked
// from several others. The spawn is counted as a request of the parent but
// adds no pending child.
var ErrAlreadyTracked = errors.New("child already tracked")

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// NodeInfo describes a task as it starts.
type NodeInfo struct {
	Fingerprint string
	Parent      string
	URL         string
	Kind        crawler.PageKind
}

// Completion reports a node whose subtree finished.
type Completion struct {
	Fingerprint string
	Parent      string
	URL         string
	Kind        crawler.PageKind
	// MarkLedger is false when the node's own task failed; its ledger row must
	// stay in_progress so a later run retries it.
	MarkLedger bool
	// Empty is set when the task ran to completion without spawning children
	// or yielding records.
	Empty bool
}

// PendingNode is a read-only view of a live node.
type PendingNode struct {
	Fingerprint string           `json:"fingerprint"`
	Parent      string           `json:"parent,omitempty"`
	URL         string           `json:"url"`
	Kind        crawler.PageKind `json:"page_kind"`
	Pending     int              `json:"pending"`
	Sealed      bool             `json:"sealed"`
	Spawned     int              `json:"spawned"`
	Shared      int              `json:"shared,omitempty"`
	Records     int              `json:"records"`
}

type node struct {
	info       NodeInfo
	pending    int
	sealed     bool
	registered bool
	declared   int
	// attached counts unresolved edges of children that joined a registered
	// node through Begin.
	attached int
	spawned  int
	// shared counts spawns of children another node already tracks.
	shared  int
	records int
	failed  bool
}

type command struct {
	fn   func(*state)
	done chan struct{}
}

// Tracker owns the hierarchical child counters.
type Tracker struct {
	cmds      chan command
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New starts the tracker goroutine.
func New() *Tracker {
	t := &Tracker{
		cmds:    make(chan command),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go t.loop(newState())
	return t
}

func (t *Tracker) loop(s *state) {
	defer close(t.stopped)
	for {
		select {
		case cmd := <-t.cmds:
			cmd.fn(s)
			close(cmd.done)
		case <-t.quit:
			return
		}
	}
}

// do runs fn on the tracker goroutine and waits for it.
func (t *Tracker) do(fn func(*state)) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case t.cmds <- cmd:
	case <-t.quit:
		return ErrClosed
	}
	<-cmd.done
	return nil
}

// Close stops the tracker goroutine. Live nodes are discarded; their ledger
// rows stay in_progress for the next run.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.quit) })
	<-t.stopped
}

// Begin records that a task started. The parent recorded at Spawn time wins
// over info.Parent; a mismatch is reported but the node is still created.
// Without a spawn edge, a task naming a parent whose children were declared
// with RegisterChildren claims one of the declared slots.
func (t *Tracker) Begin(info NodeInfo) error {
	var err error
	if doErr := t.do(func(s *state) { err = s.begin(info) }); doErr != nil {
		return doErr
	}
	return err
}

// Spawn registers child as pending under parent.
func (t *Tracker) Spawn(parent, child string) error {
	var err error
	if doErr := t.do(func(s *state) { err = s.spawn(parent, child) }); doErr != nil {
		return doErr
	}
	return err
}

// Record counts a terminal record yielded by fingerprint's task.
func (t *Tracker) Record(fingerprint string) error {
	var err error
	if doErr := t.do(func(s *state) { err = s.record(fingerprint) }); doErr != nil {
		return doErr
	}
	return err
}

// Seal declares that fingerprint will spawn no more children.
func (t *Tracker) Seal(fingerprint string) ([]Completion, error) {
	return t.mutate(func(s *state, out *[]Completion) error {
		return s.seal(fingerprint, false, out)
	})
}

// RegisterChildren sets fingerprint's child count in one step and seals it.
// It may be used at most once per node and never after Spawn. Each declared
// child is finished either by a raw ChildFinished or, when the child's task
// begins naming fingerprint as parent, by that child's Outcome.
func (t *Tracker) RegisterChildren(fingerprint string, n int) ([]Completion, error) {
	return t.mutate(func(s *state, out *[]Completion) error {
		return s.registerChildren(fingerprint, n, out)
	})
}

// ChildFinished decrements fingerprint's pending count once.
func (t *Tracker) ChildFinished(fingerprint string) ([]Completion, error) {
	return t.mutate(func(s *state, out *[]Completion) error {
		return s.finishChild(fingerprint, out)
	})
}

// Outcome delivers the terminal outcome of child's task. A started node is
// sealed (and flagged when failed); a task that never started only finishes
// one child of its parent. Each task may deliver one outcome.
func (t *Tracker) Outcome(child string, outcome crawler.Outcome) ([]Completion, error) {
	return t.mutate(func(s *state, out *[]Completion) error {
		return s.outcome(child, outcome, out)
	})
}

func (t *Tracker) mutate(fn func(*state, *[]Completion) error) ([]Completion, error) {
	var (
		out []Completion
		err error
	)
	if doErr := t.do(func(s *state) { err = fn(s, &out) }); doErr != nil {
		return nil, doErr
	}
	return out, err
}

// Snapshot lists live nodes ordered by fingerprint.
func (t *Tracker) Snapshot() []PendingNode {
	var out []PendingNode
	_ = t.do(func(s *state) {
		out = make([]PendingNode, 0, len(s.nodes))
		for _, n := range s.nodes {
			out = append(out, PendingNode{
				Fingerprint: n.info.Fingerprint,
				Parent:      n.info.Parent,
				URL:         n.info.URL,
				Kind:        n.info.Kind,
				Pending:     n.pending,
				Sealed:      n.sealed,
				Spawned:     n.spawned,
				Shared:      n.shared,
				Records:     n.records,
			})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// Pending reports the number of live nodes and unresolved child edges.
func (t *Tracker) Pending() (nodes, edges int) {
	_ = t.do(func(s *state) {
		nodes, edges = len(s.nodes), len(s.edges)
	})
	return nodes, edges
}

// state is only touched by the tracker goroutine.
type state struct {
	nodes map[string]*node
	// edges maps a spawned child to its parent until the child is resolved.
	edges map[string]string
}

func newState() *state {
	return &state{
		nodes: make(map[string]*node),
		edges: make(map[string]string),
	}
}

func (s *state) begin(info NodeInfo) error {
	if info.Fingerprint == "" {
		return violation("begin without fingerprint")
	}
	if _, live := s.nodes[info.Fingerprint]; live {
		return violation("task %s started twice", info.Fingerprint)
	}
	var err error
	if parent, ok := s.edges[info.Fingerprint]; ok {
		if info.Parent != "" && info.Parent != parent {
			err = violation("task %s started under %s but was spawned by %s", info.Fingerprint, info.Parent, parent)
		}
		info.Parent = parent
	} else if info.Parent != "" {
		if p, ok := s.nodes[info.Parent]; ok && p.registered && p.attached < p.pending {
			s.edges[info.Fingerprint] = info.Parent
			p.attached++
		} else {
			err = violation("task %s names parent %s without a spawn", info.Fingerprint, info.Parent)
			info.Parent = ""
		}
	}
	s.nodes[info.Fingerprint] = &node{info: info}
	return err
}

func (s *state) spawn(parent, child string) error {
	p, ok := s.nodes[parent]
	switch {
	case !ok:
		return violation("spawn under unknown parent %s", parent)
	case p.sealed:
		return violation("spawn under sealed parent %s", parent)
	case child == "" || child == parent:
		return violation("invalid child %q for %s", child, parent)
	}
	_, pending := s.edges[child]
	_, live := s.nodes[child]
	if pending || live {
		p.shared++
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, child)
	}
	s.edges[child] = parent
	p.pending++
	p.spawned++
	return nil
}

func (s *state) record(fingerprint string) error {
	n, ok := s.nodes[fingerprint]
	if !ok {
		return violation("record for unknown task %s", fingerprint)
	}
	n.records++
	return nil
}

func (s *state) seal(fingerprint string, failed bool, out *[]Completion) error {
	n, ok := s.nodes[fingerprint]
	if !ok {
		return violation("seal of unknown task %s", fingerprint)
	}
	if n.sealed {
		return violation("task %s sealed twice", fingerprint)
	}
	n.sealed = true
	n.failed = failed
	if n.pending == 0 {
		s.complete(n, out)
	}
	return nil
}

func (s *state) registerChildren(fingerprint string, count int, out *[]Completion) error {
	n, ok := s.nodes[fingerprint]
	switch {
	case !ok:
		return violation("register children for unknown task %s", fingerprint)
	case count < 0:
		return violation("negative child count %d for %s", count, fingerprint)
	case n.registered || n.sealed || n.spawned > 0:
		return violation("children of %s already registered", fingerprint)
	}
	n.registered = true
	n.declared = count
	n.pending = count
	n.sealed = true
	if count == 0 {
		s.complete(n, out)
	}
	return nil
}

func (s *state) finishChild(fingerprint string, out *[]Completion) error {
	n, ok := s.nodes[fingerprint]
	if !ok {
		return violation("child finished for unknown task %s", fingerprint)
	}
	if n.pending <= n.attached {
		return violation("child finished for %s with no unclaimed pending children", fingerprint)
	}
	n.pending--
	if n.pending == 0 && n.sealed {
		s.complete(n, out)
	}
	return nil
}

func (s *state) outcome(child string, outcome crawler.Outcome, out *[]Completion) error {
	switch outcome {
	case crawler.OutcomeCompleted, crawler.OutcomeDropped, crawler.OutcomeFailed:
	default:
		return violation("unknown outcome %q for %s", outcome, child)
	}
	if _, started := s.nodes[child]; started {
		return s.seal(child, outcome != crawler.OutcomeCompleted, out)
	}
	parent, ok := s.resolveEdge(child)
	if !ok {
		return violation("outcome %s for unknown task %s", outcome, child)
	}
	return s.finishChild(parent, out)
}

// resolveEdge removes child's edge and releases any slot it claimed.
func (s *state) resolveEdge(child string) (string, bool) {
	parent, ok := s.edges[child]
	if !ok {
		return "", false
	}
	delete(s.edges, child)
	if p, live := s.nodes[parent]; live && p.registered && p.attached > 0 {
		p.attached--
	}
	return parent, true
}

// complete removes n and finishes one child of its parent, appending every
// resulting completion to out in order.
func (s *state) complete(n *node, out *[]Completion) {
	fp := n.info.Fingerprint
	delete(s.nodes, fp)
	*out = append(*out, Completion{
		Fingerprint: fp,
		Parent:      n.info.Parent,
		URL:         n.info.URL,
		Kind:        n.info.Kind,
		MarkLedger:  !n.failed,
		Empty:       !n.failed && n.spawned == 0 && n.shared == 0 && n.declared == 0 && n.records == 0,
	})
	parent, ok := s.resolveEdge(fp)
	if !ok {
		return
	}
	// The parent is live for as long as this edge exists, so this cannot fail.
	_ = s.finishChild(parent, out)
}
