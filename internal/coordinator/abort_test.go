package coordinator

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/transport"
	"github.com/maestrohq/maestro/pkg/workflow"
)

func appendEntry(t *testing.T, tr transport.Transport, stream, workflowID, body string) string {
	t.Helper()
	id, err := tr.Append(context.Background(), stream, map[string]string{
		"workflow_id": workflowID,
		"body":        body,
	})
	require.NoError(t, err)
	return id
}

func remainingWorkflowIDs(t *testing.T, tr transport.Transport, stream string) map[string]int {
	t.Helper()
	entries, err := tr.Range(context.Background(), stream, "-", "+", 0)
	require.NoError(t, err)
	counts := map[string]int{}
	for _, e := range entries {
		counts[e.Fields["workflow_id"]]++
	}
	return counts
}

func TestPurgeHookRemovesOnlyAbortedRun(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	ctx := context.Background()

	require.NoError(t, tr.CreateGroup(ctx, "ma:requests", "workers", "0"))
	appendEntry(t, tr, "ma:requests", "wf-dead", "req-1")
	appendEntry(t, tr, "ma:requests", "wf-live", "req-2")
	appendEntry(t, tr, "ma:requests", "wf-dead", "req-3")

	// Deliver everything so the entries are pending on the group.
	_, err := tr.ReadGroup(ctx, "ma:requests", "workers", "w1", transport.ReadOptions{ID: ">"})
	require.NoError(t, err)

	hook := PurgeHook(tr, nil, "ma:requests")
	run := workflow.NewContext("wf-dead", "proj-1", t.TempDir(), "feat/x", tr)
	summary := hook(ctx, run)
	assert.Equal(t, "purged 2 stream entries", summary)

	counts := remainingWorkflowIDs(t, tr, "ma:requests")
	assert.Equal(t, map[string]int{"wf-live": 1}, counts)

	// The purged entries were acked, so replaying the consumer's pending
	// list yields only the surviving run's entry.
	pending, err := tr.ReadGroup(ctx, "ma:requests", "workers", "w1", transport.ReadOptions{ID: "0"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "wf-live", pending[0].Fields["workflow_id"])
}

func TestPurgeHookSpansBatches(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	ctx := context.Background()

	// More than one Range batch, purged entries interleaved throughout.
	for i := 0; i < purgeBatch*2+25; i++ {
		wf := "wf-live"
		if i%3 == 0 {
			wf = "wf-dead"
		}
		appendEntry(t, tr, "ma:events", wf, fmt.Sprintf("ev-%d", i))
	}

	hook := PurgeHook(tr, nil, "ma:events")
	run := workflow.NewContext("wf-dead", "proj-1", t.TempDir(), "feat/x", tr)
	summary := hook(ctx, run)
	assert.Equal(t, "purged 142 stream entries", summary)

	counts := remainingWorkflowIDs(t, tr, "ma:events")
	assert.Zero(t, counts["wf-dead"])
	assert.Equal(t, 283, counts["wf-live"])
}

func TestPurgeHookMultipleStreams(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	ctx := context.Background()

	appendEntry(t, tr, "ma:requests", "wf-dead", "req")
	appendEntry(t, tr, "ma:events", "wf-dead", "ev")
	appendEntry(t, tr, "ma:events", "wf-live", "ev")

	hook := PurgeHook(tr, nil, "ma:requests", "ma:events")
	run := workflow.NewContext("wf-dead", "proj-1", t.TempDir(), "feat/x", tr)
	assert.Equal(t, "purged 2 stream entries", hook(ctx, run))

	n, err := tr.Len(ctx, "ma:requests")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = tr.Len(ctx, "ma:events")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPurgeHookEmptyStream(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()

	hook := PurgeHook(tr, nil, "ma:requests")
	run := workflow.NewContext("wf-dead", "proj-1", t.TempDir(), "feat/x", tr)
	assert.Equal(t, "purged 0 stream entries", hook(context.Background(), run))
}

func TestCompareIDs(t *testing.T) {
	assert.Equal(t, -1, compareIDs("1-0", "2-0"))
	assert.Equal(t, 1, compareIDs("10-0", "9-0"))
	assert.Equal(t, 0, compareIDs("3-1", "3-1"))
	assert.Equal(t, -1, compareIDs("3-1", "3-2"))
}

func TestNextScanID(t *testing.T) {
	assert.Equal(t, "5-1", nextScanID("5-0"))
	assert.Equal(t, "1700000000000-3", nextScanID("1700000000000-2"))
}

func TestDrainClearsEverything(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	ctx := context.Background()

	require.NoError(t, tr.CreateGroup(ctx, "ma:requests", "workers", "0"))
	for i := 0; i < purgeBatch+10; i++ {
		appendEntry(t, tr, "ma:requests", fmt.Sprintf("wf-%d", i), "req")
	}
	_, err := tr.ReadGroup(ctx, "ma:requests", "workers", "w1", transport.ReadOptions{ID: ">"})
	require.NoError(t, err)

	n, err := Drain(ctx, tr, nil, "ma:requests")
	require.NoError(t, err)
	assert.Equal(t, purgeBatch+10, n)

	left, err := tr.Len(ctx, "ma:requests")
	require.NoError(t, err)
	assert.Zero(t, left)

	pending, err := tr.ReadGroup(ctx, "ma:requests", "workers", "w1", transport.ReadOptions{ID: "0"})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestNukeDeletesWithoutGroups(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		appendEntry(t, tr, "ma:events", "wf-1", "ev")
	}
	n, err := Nuke(ctx, tr, nil, "ma:events")
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	left, err := tr.Len(ctx, "ma:events")
	require.NoError(t, err)
	assert.Zero(t, left)
}
