package coordinator

import (
	"context"
	"log/slog"

	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/transport"
)

// Drain acknowledges every entry still pending on every consumer group
// of the given streams, then deletes the entries. Used before a run to
// clear residue from crashed workers, and on its own via --drain-only.
func Drain(ctx context.Context, tr transport.Transport, logger *slog.Logger, streams ...string) (int, error) {
	if logger == nil {
		logger = log.Discard()
	}
	total := 0
	for _, stream := range streams {
		groups, err := tr.Groups(ctx, stream)
		if err != nil {
			return total, err
		}

		from := "-"
		var after string
		for {
			entries, err := tr.Range(ctx, stream, from, "+", purgeBatch)
			if err != nil {
				return total, err
			}

			var ids []string
			for _, e := range entries {
				if after != "" && compareIDs(e.ID, after) <= 0 {
					continue
				}
				after = e.ID
				ids = append(ids, e.ID)
			}

			if len(ids) > 0 {
				for _, group := range groups {
					if err := tr.Ack(ctx, stream, group, ids...); err != nil {
						return total, err
					}
				}
				for start := 0; start < len(ids); start += purgeDelBatch {
					end := start + purgeDelBatch
					if end > len(ids) {
						end = len(ids)
					}
					n, err := tr.Del(ctx, stream, ids[start:end]...)
					if err != nil {
						return total, err
					}
					total += int(n)
				}
			}

			if len(entries) < purgeBatch {
				break
			}
			from = nextScanID(after)
		}
		logger.Info("stream drained", "stream", stream)
	}
	return total, nil
}

// Nuke deletes every entry in the given streams without acking. A
// heavier reset than Drain for streams whose group state is already
// being discarded.
func Nuke(ctx context.Context, tr transport.Transport, logger *slog.Logger, streams ...string) (int, error) {
	if logger == nil {
		logger = log.Discard()
	}
	total := 0
	for _, stream := range streams {
		for {
			entries, err := tr.Range(ctx, stream, "-", "+", purgeBatch)
			if err != nil {
				return total, err
			}
			if len(entries) == 0 {
				break
			}
			ids := make([]string, len(entries))
			for i, e := range entries {
				ids[i] = e.ID
			}
			n, err := tr.Del(ctx, stream, ids...)
			if err != nil {
				return total, err
			}
			total += int(n)
			if n == 0 {
				break
			}
		}
		logger.Info("stream nuked", "stream", stream)
	}
	return total, nil
}
