package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/transport"
	"github.com/maestrohq/maestro/pkg/workflow"
)

const (
	// purgeBatch bounds one Range scan.
	purgeBatch = 200

	// purgeDelBatch bounds one Del call.
	purgeDelBatch = 50
)

// PurgeHook returns the engine abort hook: it removes every entry
// carrying the aborted run's workflow_id from the given streams, acking
// on each consumer group first so nothing stays pending. Cleanup is
// best-effort; the summary string reports what happened either way.
func PurgeHook(tr transport.Transport, logger *slog.Logger, streams ...string) workflow.AbortHook {
	if logger == nil {
		logger = log.Discard()
	}
	return func(ctx context.Context, run *workflow.Context) string {
		total := 0
		for _, stream := range streams {
			n, err := purgeStream(ctx, tr, stream, run.WorkflowID)
			if err != nil {
				logger.Warn("stream purge incomplete",
					log.WorkflowIDKey, run.WorkflowID, "stream", stream, "error", err)
				return fmt.Sprintf("purged %d entries, %s incomplete: %s", total, stream, err)
			}
			total += n
		}
		return fmt.Sprintf("purged %d stream entries", total)
	}
}

// purgeStream scans one stream in bounded batches and removes the
// matching entries.
func purgeStream(ctx context.Context, tr transport.Transport, stream, workflowID string) (int, error) {
	groups, err := tr.Groups(ctx, stream)
	if err != nil {
		return 0, err
	}

	removed := 0
	from := "-"
	var after string
	for {
		entries, err := tr.Range(ctx, stream, from, "+", purgeBatch)
		if err != nil {
			// A backend without range support degrades to no cleanup.
			return removed, err
		}

		var matched []string
		for _, e := range entries {
			if after != "" && compareIDs(e.ID, after) <= 0 {
				continue
			}
			after = e.ID
			if e.Fields["workflow_id"] == workflowID {
				matched = append(matched, e.ID)
			}
		}

		// Ack before delete so no group keeps the entries pending.
		for _, group := range groups {
			if len(matched) == 0 {
				break
			}
			if err := tr.Ack(ctx, stream, group, matched...); err != nil {
				return removed, err
			}
		}
		for start := 0; start < len(matched); start += purgeDelBatch {
			end := start + purgeDelBatch
			if end > len(matched) {
				end = len(matched)
			}
			n, err := tr.Del(ctx, stream, matched[start:end]...)
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}

		if len(entries) < purgeBatch {
			return removed, nil
		}
		from = nextScanID(after)
	}
}

// compareIDs orders stream ids of the <major>-<minor> form.
func compareIDs(a, b string) int {
	am, an := splitID(a)
	bm, bn := splitID(b)
	switch {
	case am != bm:
		if am < bm {
			return -1
		}
		return 1
	case an != bn:
		if an < bn {
			return -1
		}
		return 1
	}
	return 0
}

func splitID(id string) (int64, int64) {
	major, minor := id, "0"
	if i := strings.IndexByte(id, '-'); i >= 0 {
		major, minor = id[:i], id[i+1:]
	}
	m, _ := strconv.ParseInt(major, 10, 64)
	n, _ := strconv.ParseInt(minor, 10, 64)
	return m, n
}

// nextScanID advances the scan cursor past the last seen id.
func nextScanID(id string) string {
	m, n := splitID(id)
	return fmt.Sprintf("%d-%d", m, n+1)
}
