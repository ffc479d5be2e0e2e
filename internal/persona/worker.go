package persona

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/transport"
	"github.com/maestrohq/maestro/pkg/errors"
)

// Handler produces a result string for one persona request.
type Handler func(ctx context.Context, req *Request) (string, error)

// Worker consumes the request stream for a single persona and publishes
// response events. The coordinator runs these in-process for
// single-binary deployments; distributed deployments run the same loop
// against the Redis transport.
type Worker struct {
	tr      transport.Transport
	persona string
	handler Handler
	cfg     Config
	logger  *slog.Logger
	seen    *SeenTable

	consumer string
}

// NewWorker builds a worker for one persona.
func NewWorker(tr transport.Transport, persona string, handler Handler, cfg Config, logger *slog.Logger) *Worker {
	cfg.withDefaults()
	if logger == nil {
		logger = log.Discard()
	}
	return &Worker{
		tr:       tr,
		persona:  persona,
		handler:  handler,
		cfg:      cfg,
		logger:   logger.With(log.PersonaKey, persona),
		seen:     NewSeenTable(cfg.SeenTTL),
		consumer: persona + "-" + uuid.NewString()[:8],
	}
}

func (w *Worker) group() string {
	return w.cfg.GroupPrefix + ":" + w.persona
}

// Run consumes requests until ctx is cancelled or the transport closes.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.tr.CreateGroup(ctx, w.cfg.RequestStream, w.group(), "$"); err != nil {
		return errors.Wrap(err, "creating request consumer group")
	}
	go sweepSeen(ctx, w.seen, w.cfg.sweepInterval(), w.logger)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := w.tr.ReadGroup(ctx, w.cfg.RequestStream, w.group(), w.consumer, transport.ReadOptions{
			ID:    ">",
			Count: 8,
			Block: time.Second,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closed *transport.TransportClosedError
			if errors.As(err, &closed) {
				return err
			}
			w.logger.Warn("request stream read failed", "error", err)
			time.Sleep(250 * time.Millisecond)
			continue
		}
		for _, entry := range entries {
			w.handle(ctx, entry)
			if err := w.tr.Ack(ctx, w.cfg.RequestStream, w.group(), entry.ID); err != nil && ctx.Err() == nil {
				w.logger.Warn("request ack failed", "error", err)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, entry transport.Entry) {
	req := RequestFromFields(entry.Fields)
	if req.ToPersona != w.persona {
		return
	}

	if w.seen.MarkSeen(w.persona, req.TaskID, req.CorrID) {
		w.publish(ctx, &Event{
			WorkflowID:  req.WorkflowID,
			Step:        req.Step,
			FromPersona: w.persona,
			TaskID:      req.TaskID,
			Status:      EventStatusDuplicate,
			CorrID:      req.CorrID,
		})
		w.logger.Info("duplicate request suppressed", log.CorrIDKey, req.CorrID, log.TaskIDKey, req.TaskID)
		return
	}

	handleCtx := ctx
	if req.DeadlineS > 0 {
		var cancel context.CancelFunc
		handleCtx, cancel = context.WithTimeout(ctx, time.Duration(req.DeadlineS)*time.Second)
		defer cancel()
	}

	result, err := w.handler(handleCtx, req)
	ev := &Event{
		WorkflowID:  req.WorkflowID,
		Step:        req.Step,
		FromPersona: w.persona,
		TaskID:      req.TaskID,
		CorrID:      req.CorrID,
	}
	if err != nil {
		ev.Status = EventStatusError
		ev.Error = err.Error()
	} else {
		ev.Status = EventStatusDone
		ev.Result = result
	}
	w.publish(ctx, ev)
}

func (w *Worker) publish(ctx context.Context, ev *Event) {
	if _, err := w.tr.Append(ctx, w.cfg.EventStream, ev.Fields()); err != nil && ctx.Err() == nil {
		w.logger.Error("publishing event failed", "error", err, log.CorrIDKey, ev.CorrID)
	}
}
