package tracker

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/ledger-crawler/internal/crawler"
)

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := New()
	t.Cleanup(tr.Close)
	return tr
}

func begin(t *testing.T, tr *Tracker, fp, parent string, kind crawler.PageKind) {
	t.Helper()
	require.NoError(t, tr.Begin(NodeInfo{
		Fingerprint: fp,
		Parent:      parent,
		URL:         "https://example.com/" + fp,
		Kind:        kind,
	}))
}

func fingerprints(completions []Completion) []string {
	out := make([]string, 0, len(completions))
	for _, c := range completions {
		out = append(out, c.Fingerprint)
	}
	return out
}

func permutations(in []string) [][]string {
	if len(in) <= 1 {
		return [][]string{append([]string(nil), in...)}
	}
	var out [][]string
	for i := range in {
		rest := make([]string, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{in[i]}, p...))
		}
	}
	return out
}

func TestCompletionIndependentOfOutcomeOrder(t *testing.T) {
	t.Parallel()

	for _, order := range permutations([]string{"A", "B", "C"}) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			t.Parallel()
			tr := newTracker(t)

			begin(t, tr, "R", "", crawler.PageRoot)
			for _, child := range []string{"A", "B", "C"} {
				require.NoError(t, tr.Spawn("R", child))
			}
			done, err := tr.Outcome("R", crawler.OutcomeCompleted)
			require.NoError(t, err)
			require.Empty(t, done)

			var all []Completion
			for i, child := range order {
				done, err := tr.Outcome(child, crawler.OutcomeDropped)
				require.NoError(t, err)
				if i < len(order)-1 {
					require.Empty(t, done, "R completed before its last child")
				}
				all = append(all, done...)
			}
			require.Equal(t, []string{"R"}, fingerprints(all))
			require.True(t, all[0].MarkLedger)
			require.False(t, all[0].Empty)

			nodes, edges := tr.Pending()
			require.Zero(t, nodes)
			require.Zero(t, edges)
		})
	}
}

func TestIncrementalSpawnNeverCompletesEarly(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	begin(t, tr, "R", "", crawler.PageRoot)
	require.NoError(t, tr.Spawn("R", "A"))

	// A runs to completion while R is still enumerating.
	begin(t, tr, "A", "R", crawler.PageItem)
	require.NoError(t, tr.Record("A"))
	done, err := tr.Outcome("A", crawler.OutcomeCompleted)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, fingerprints(done), "R must not complete while unsealed")

	require.NoError(t, tr.Spawn("R", "B"))
	done, err = tr.Outcome("R", crawler.OutcomeCompleted)
	require.NoError(t, err)
	require.Empty(t, done)

	begin(t, tr, "B", "R", crawler.PageItem)
	require.NoError(t, tr.Record("B"))
	done, err = tr.Outcome("B", crawler.OutcomeCompleted)
	require.NoError(t, err)
	require.Equal(t, []string{"B", "R"}, fingerprints(done))
}

func TestCascadeDecrementsGrandparentOnce(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	begin(t, tr, "P", "", crawler.PageRoot)
	require.NoError(t, tr.Spawn("P", "R"))
	require.NoError(t, tr.Spawn("P", "S"))
	_, err := tr.Outcome("P", crawler.OutcomeCompleted)
	require.NoError(t, err)

	begin(t, tr, "R", "P", crawler.PageCategory)
	for _, child := range []string{"A", "B", "C"} {
		require.NoError(t, tr.Spawn("R", child))
	}
	_, err = tr.Outcome("R", crawler.OutcomeCompleted)
	require.NoError(t, err)

	// A is rejected by dedup and never starts.
	done, err := tr.Outcome("A", crawler.OutcomeDropped)
	require.NoError(t, err)
	require.Empty(t, done)

	for _, child := range []string{"B", "C"} {
		begin(t, tr, child, "R", crawler.PageItem)
		require.NoError(t, tr.Record(child))
	}
	done, err = tr.Outcome("B", crawler.OutcomeCompleted)
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, fingerprints(done))

	done, err = tr.Outcome("C", crawler.OutcomeCompleted)
	require.NoError(t, err)
	require.Equal(t, []string{"C", "R"}, fingerprints(done), "P still waits on S")

	snapshot := tr.Snapshot()
	require.Len(t, snapshot, 1)
	require.Equal(t, "P", snapshot[0].Fingerprint)
	require.Equal(t, 1, snapshot[0].Pending, "P decremented exactly once by R")

	done, err = tr.Outcome("S", crawler.OutcomeDropped)
	require.NoError(t, err)
	require.Equal(t, []string{"P"}, fingerprints(done))
}

func TestDuplicateOutcomeIsViolation(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	begin(t, tr, "R", "", crawler.PageRoot)
	require.NoError(t, tr.Spawn("R", "A"))
	require.NoError(t, tr.Spawn("R", "B"))
	_, err := tr.Outcome("R", crawler.OutcomeCompleted)
	require.NoError(t, err)

	_, err = tr.Outcome("A", crawler.OutcomeDropped)
	require.NoError(t, err)
	done, err := tr.Outcome("A", crawler.OutcomeDropped)
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.Empty(t, done)

	snapshot := tr.Snapshot()
	require.Len(t, snapshot, 1)
	require.Equal(t, 1, snapshot[0].Pending)

	done, err = tr.Outcome("B", crawler.OutcomeDropped)
	require.NoError(t, err)
	require.Equal(t, []string{"R"}, fingerprints(done))

	// A second outcome for a completed node is ignored as well.
	_, err = tr.Outcome("R", crawler.OutcomeCompleted)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestUnknownFingerprintsAreViolations(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	_, err := tr.Outcome("ghost", crawler.OutcomeCompleted)
	require.ErrorIs(t, err, ErrProtocolViolation)
	_, err = tr.ChildFinished("ghost")
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.ErrorIs(t, tr.Spawn("ghost", "child"), ErrProtocolViolation)
	require.ErrorIs(t, tr.Record("ghost"), ErrProtocolViolation)
	_, err = tr.Seal("ghost")
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestEmptyTaskCompletesImmediately(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	begin(t, tr, "E", "", crawler.PageCategory)
	done, err := tr.Outcome("E", crawler.OutcomeCompleted)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.True(t, done[0].Empty)
	require.True(t, done[0].MarkLedger)

	begin(t, tr, "L", "", crawler.PageItem)
	require.NoError(t, tr.Record("L"))
	done, err = tr.Outcome("L", crawler.OutcomeCompleted)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.False(t, done[0].Empty, "records make a leaf non-empty")
}

func TestFailedTaskSkipsLedgerButFinishesParent(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	begin(t, tr, "R", "", crawler.PageRoot)
	require.NoError(t, tr.Spawn("R", "A"))
	_, err := tr.Outcome("R", crawler.OutcomeCompleted)
	require.NoError(t, err)

	begin(t, tr, "A", "R", crawler.PageCategory)
	done, err := tr.Outcome("A", crawler.OutcomeFailed)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "R"}, fingerprints(done))
	require.False(t, done[0].MarkLedger)
	require.False(t, done[0].Empty)
	require.True(t, done[1].MarkLedger)
}

func TestSpawnRules(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	begin(t, tr, "R", "", crawler.PageRoot)
	require.ErrorIs(t, tr.Spawn("R", "R"), ErrProtocolViolation)
	require.NoError(t, tr.Spawn("R", "A"))
	err := tr.Spawn("R", "A")
	require.ErrorIs(t, err, ErrAlreadyTracked, "child already pending")
	require.NotErrorIs(t, err, ErrProtocolViolation)

	begin(t, tr, "X", "", crawler.PageRoot)
	require.ErrorIs(t, tr.Spawn("R", "X"), ErrAlreadyTracked, "child already running")
	require.ErrorIs(t, tr.Begin(NodeInfo{Fingerprint: "X"}), ErrProtocolViolation)

	_, err = tr.Seal("R")
	require.NoError(t, err)
	require.ErrorIs(t, tr.Spawn("R", "B"), ErrProtocolViolation, "parent sealed")
	_, err = tr.Seal("R")
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestBeginTrustsSpawnParent(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	begin(t, tr, "R", "", crawler.PageRoot)
	require.NoError(t, tr.Spawn("R", "A"))
	err := tr.Begin(NodeInfo{Fingerprint: "A", Parent: "other"})
	require.ErrorIs(t, err, ErrProtocolViolation)

	snapshot := tr.Snapshot()
	require.Len(t, snapshot, 2)
	require.Equal(t, "A", snapshot[0].Fingerprint)
	require.Equal(t, "R", snapshot[0].Parent)
	require.Empty(t, snapshot[1].Parent)
}

func TestRegisterChildrenBulk(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	begin(t, tr, "R", "", crawler.PageRoot)
	done, err := tr.RegisterChildren("R", 2)
	require.NoError(t, err)
	require.Empty(t, done)

	_, err = tr.RegisterChildren("R", 5)
	require.ErrorIs(t, err, ErrProtocolViolation)
	require.ErrorIs(t, tr.Spawn("R", "A"), ErrProtocolViolation)

	done, err = tr.ChildFinished("R")
	require.NoError(t, err)
	require.Empty(t, done)
	done, err = tr.ChildFinished("R")
	require.NoError(t, err)
	require.Equal(t, []string{"R"}, fingerprints(done))
	require.False(t, done[0].Empty)

	_, err = tr.ChildFinished("R")
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestRegisterChildrenClaimedByBegin(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	begin(t, tr, "R", "", crawler.PageRoot)
	_, err := tr.RegisterChildren("R", 2)
	require.NoError(t, err)

	begin(t, tr, "A", "R", crawler.PageCategory)
	begin(t, tr, "B", "R", crawler.PageCategory)
	err = tr.Begin(NodeInfo{Fingerprint: "C", Parent: "R"})
	require.ErrorIs(t, err, ErrProtocolViolation, "every declared slot is claimed")

	// Claimed slots can only be released by the claiming child.
	_, err = tr.ChildFinished("R")
	require.ErrorIs(t, err, ErrProtocolViolation)

	done, err := tr.Outcome("A", crawler.OutcomeCompleted)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, fingerprints(done))
	done, err = tr.Outcome("B", crawler.OutcomeCompleted)
	require.NoError(t, err)
	require.Equal(t, []string{"B", "R"}, fingerprints(done))
	require.False(t, done[1].Empty)

	// C was rejected as a child and runs as a root.
	done, err = tr.Outcome("C", crawler.OutcomeCompleted)
	require.NoError(t, err)
	require.Equal(t, []string{"C"}, fingerprints(done))
	require.Empty(t, done[0].Parent)

	nodes, edges := tr.Pending()
	require.Zero(t, nodes)
	require.Zero(t, edges)
}

func TestSharedChildCountsForEachParent(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	begin(t, tr, "c1", "", crawler.PageCategory)
	begin(t, tr, "c2", "", crawler.PageCategory)
	require.NoError(t, tr.Spawn("c1", "item"))
	require.ErrorIs(t, tr.Spawn("c2", "item"), ErrAlreadyTracked)

	snapshot := tr.Snapshot()
	require.Len(t, snapshot, 2)
	require.Equal(t, 1, snapshot[1].Shared)
	require.Zero(t, snapshot[1].Pending)

	done, err := tr.Outcome("c2", crawler.OutcomeCompleted)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.Equal(t, "c2", done[0].Fingerprint)
	require.True(t, done[0].MarkLedger)
	require.False(t, done[0].Empty, "a page whose only link is tracked elsewhere is not empty")

	_, err = tr.Outcome("c1", crawler.OutcomeCompleted)
	require.NoError(t, err)
	begin(t, tr, "item", "c1", crawler.PageItem)
	done, err = tr.Outcome("item", crawler.OutcomeCompleted)
	require.NoError(t, err)
	require.Equal(t, []string{"item", "c1"}, fingerprints(done))
}

func TestRegisterZeroChildrenIsEmpty(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	begin(t, tr, "R", "", crawler.PageCategory)
	done, err := tr.RegisterChildren("R", 0)
	require.NoError(t, err)
	require.Len(t, done, 1)
	require.True(t, done[0].Empty)
}

func TestRegisterChildrenAfterSpawnRejected(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	begin(t, tr, "R", "", crawler.PageRoot)
	require.NoError(t, tr.Spawn("R", "A"))
	_, err := tr.RegisterChildren("R", 1)
	require.ErrorIs(t, err, ErrProtocolViolation)
	_, err = tr.RegisterChildren("R", -1)
	require.ErrorIs(t, err, ErrProtocolViolation)
}

func TestConcurrentSubtreesCompleteExactlyOnce(t *testing.T) {
	t.Parallel()
	tr := newTracker(t)

	const children = 50
	begin(t, tr, "R", "", crawler.PageRoot)
	for i := 0; i < children; i++ {
		require.NoError(t, tr.Spawn("R", fmt.Sprintf("c%02d", i)))
	}
	_, err := tr.Outcome("R", crawler.OutcomeCompleted)
	require.NoError(t, err)

	var (
		mu  sync.Mutex
		all []Completion
		wg  sync.WaitGroup
	)
	for i := 0; i < children; i++ {
		wg.Add(1)
		go func(fp string) {
			defer wg.Done()
			var done []Completion
			if err := tr.Begin(NodeInfo{Fingerprint: fp, Parent: "R"}); err == nil {
				_ = tr.Record(fp)
				done, _ = tr.Outcome(fp, crawler.OutcomeCompleted)
			}
			mu.Lock()
			all = append(all, done...)
			mu.Unlock()
		}(fmt.Sprintf("c%02d", i))
	}
	wg.Wait()

	roots := 0
	for _, c := range all {
		if c.Fingerprint == "R" {
			roots++
		}
	}
	require.Len(t, all, children+1)
	require.Equal(t, 1, roots)
}

func TestClosedTracker(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.Close()
	tr.Close()
	require.ErrorIs(t, tr.Begin(NodeInfo{Fingerprint: "R"}), ErrClosed)
	_, err := tr.Outcome("R", crawler.OutcomeCompleted)
	require.ErrorIs(t, err, ErrClosed)
	require.Empty(t, tr.Snapshot())
}
