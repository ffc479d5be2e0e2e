package persona

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestrohq/maestro/internal/log"
	"github.com/maestrohq/maestro/internal/transport"
	"github.com/maestrohq/maestro/pkg/errors"
)

// Stream and group defaults.
const (
	DefaultRequestStream = "ma:requests"
	DefaultEventStream   = "ma:events"
	DefaultGroupPrefix   = "ma"
	DefaultFrom          = "coordinator"

	DefaultTimeout               = 120 * time.Second
	DefaultRetryBackoffIncrement = 30 * time.Second
	DefaultMaxRetries            = 2
)

// PersonaOverride tunes the retry policy for a single persona.
// UnlimitedRetries wins over MaxRetries.
type PersonaOverride struct {
	TimeoutMS          int
	MaxRetries         *int
	UnlimitedRetries   bool
	BackoffIncrementMS int
}

// Config wires a Dispatcher.
type Config struct {
	RequestStream string
	EventStream   string
	GroupPrefix   string
	Consumer      string
	From          string

	DefaultTimeout        time.Duration
	RetryBackoffIncrement time.Duration
	DefaultMaxRetries     int

	MaxInfoIterations int
	MaxUniqueSources  int

	SeenTTL  time.Duration
	Personas map[string]PersonaOverride
}

func (c *Config) withDefaults() {
	if c.RequestStream == "" {
		c.RequestStream = DefaultRequestStream
	}
	if c.EventStream == "" {
		c.EventStream = DefaultEventStream
	}
	if c.GroupPrefix == "" {
		c.GroupPrefix = DefaultGroupPrefix
	}
	if c.Consumer == "" {
		c.Consumer = DefaultFrom + "-" + uuid.NewString()[:8]
	}
	if c.From == "" {
		c.From = DefaultFrom
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.RetryBackoffIncrement <= 0 {
		c.RetryBackoffIncrement = DefaultRetryBackoffIncrement
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = DefaultMaxRetries
	}
	if c.MaxInfoIterations <= 0 {
		c.MaxInfoIterations = DefaultMaxInfoIterations
	}
	if c.MaxUniqueSources <= 0 {
		c.MaxUniqueSources = DefaultMaxUniqueSources
	}
}

// eventGroup is the coordinator-side consumer group on the event stream.
func (c *Config) eventGroup() string {
	return c.GroupPrefix + ":coordinator"
}

// sweepInterval derives the seen-table sweep cadence from the TTL.
func (c *Config) sweepInterval() time.Duration {
	ttl := c.SeenTTL
	if ttl <= 0 {
		ttl = DefaultSeenTTL
	}
	interval := ttl / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

// RequestSpec describes one persona request from a workflow step.
type RequestSpec struct {
	WorkflowID string
	Step       string
	Persona    string
	Intent     string

	// Payload is marshaled to JSON for the wire. UserText is merged in
	// under the "user_text" key and grows as information blocks arrive.
	Payload  map[string]interface{}
	UserText string

	TimeoutMS  int
	DeadlineS  int
	TaskID     string
	ProjectID  string
	Repo       string
	Branch     string
	MaxRetries *int

	// Language-policy guard inputs. Empty AllowedLanguages disables it.
	AllowedLanguages []string
	ChangedFiles     []string
}

// Result is a completed persona exchange.
type Result struct {
	Report      *Report
	Raw         string
	Event       *Event
	Attempts    int
	InfoSources []string
}

// Dispatcher correlates persona requests with their response events.
// One read loop consumes the event stream and fans events out to the
// per-corr-id waiters.
type Dispatcher struct {
	tr       transport.Transport
	cfg      Config
	resolver *InfoResolver
	logger   *slog.Logger
	seen     *SeenTable

	mu       sync.Mutex
	waiters  map[string]chan *Event
	buffered map[string]*Event
	started  bool
}

// maxBufferedEvents bounds the unmatched-event buffer so stray events
// for dead workflows cannot grow it without limit.
const maxBufferedEvents = 1024

// NewDispatcher builds a dispatcher. Call Start before Request.
func NewDispatcher(tr transport.Transport, cfg Config, resolver *InfoResolver, logger *slog.Logger) *Dispatcher {
	cfg.withDefaults()
	if logger == nil {
		logger = log.Discard()
	}
	return &Dispatcher{
		tr:       tr,
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		seen:     NewSeenTable(cfg.SeenTTL),
		waiters:  make(map[string]chan *Event),
		buffered: make(map[string]*Event),
	}
}

// Start creates the coordinator consumer group and launches the event
// read loop. The loop exits when ctx is cancelled or the transport
// closes.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = true
	d.mu.Unlock()

	if err := d.tr.CreateGroup(ctx, d.cfg.EventStream, d.cfg.eventGroup(), "$"); err != nil {
		return errors.Wrap(err, "creating event consumer group")
	}
	go d.readLoop(ctx)
	go sweepSeen(ctx, d.seen, d.cfg.sweepInterval(), d.logger)
	return nil
}

func (d *Dispatcher) readLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		entries, err := d.tr.ReadGroup(ctx, d.cfg.EventStream, d.cfg.eventGroup(), d.cfg.Consumer, transport.ReadOptions{
			ID:    ">",
			Count: 32,
			Block: time.Second,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var closed *transport.TransportClosedError
			if errors.As(err, &closed) {
				return
			}
			d.logger.Warn("event stream read failed", "error", err)
			time.Sleep(250 * time.Millisecond)
			continue
		}
		for _, entry := range entries {
			d.deliver(EventFromFields(entry.Fields))
			if err := d.tr.Ack(ctx, d.cfg.EventStream, d.cfg.eventGroup(), entry.ID); err != nil && ctx.Err() == nil {
				d.logger.Warn("event ack failed", "error", err, log.CorrIDKey, entry.Fields[FieldCorrID])
			}
		}
	}
}

// deliver hands an event to its waiter, or buffers it when the waiter
// has not registered yet. Re-deliveries of an already-seen corr_id are
// dropped.
func (d *Dispatcher) deliver(ev *Event) {
	if ev.CorrID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if ch, ok := d.waiters[ev.CorrID]; ok {
		delete(d.waiters, ev.CorrID)
		d.seen.MarkSeen(ev.FromPersona, ev.TaskID, ev.CorrID)
		ch <- ev
		return
	}
	if d.seen.MarkSeen(ev.FromPersona, ev.TaskID, ev.CorrID) {
		d.logger.Debug("dropping duplicate event", log.CorrIDKey, ev.CorrID, log.PersonaKey, ev.FromPersona)
		return
	}
	if len(d.buffered) >= maxBufferedEvents {
		for key := range d.buffered {
			delete(d.buffered, key)
			break
		}
	}
	d.buffered[ev.CorrID] = ev
}

// register installs a waiter channel for a corr_id, delivering a
// buffered event immediately if one already arrived.
func (d *Dispatcher) register(corrID string) chan *Event {
	ch := make(chan *Event, 1)
	d.mu.Lock()
	if ev, ok := d.buffered[corrID]; ok {
		delete(d.buffered, corrID)
		ch <- ev
	} else {
		d.waiters[corrID] = ch
	}
	d.mu.Unlock()
	return ch
}

func (d *Dispatcher) unregister(corrID string) {
	d.mu.Lock()
	delete(d.waiters, corrID)
	d.mu.Unlock()
}

func (d *Dispatcher) timeoutFor(spec *RequestSpec) time.Duration {
	if spec.TimeoutMS > 0 {
		return time.Duration(spec.TimeoutMS) * time.Millisecond
	}
	if ov, ok := d.cfg.Personas[spec.Persona]; ok && ov.TimeoutMS > 0 {
		return time.Duration(ov.TimeoutMS) * time.Millisecond
	}
	return d.cfg.DefaultTimeout
}

// maxRetriesFor returns the retry budget; -1 means unlimited.
func (d *Dispatcher) maxRetriesFor(spec *RequestSpec) int {
	if spec.MaxRetries != nil {
		return *spec.MaxRetries
	}
	if ov, ok := d.cfg.Personas[spec.Persona]; ok {
		if ov.UnlimitedRetries {
			return -1
		}
		if ov.MaxRetries != nil {
			return *ov.MaxRetries
		}
	}
	return d.cfg.DefaultMaxRetries
}

func (d *Dispatcher) backoffIncrementFor(spec *RequestSpec) time.Duration {
	if ov, ok := d.cfg.Personas[spec.Persona]; ok && ov.BackoffIncrementMS > 0 {
		return time.Duration(ov.BackoffIncrementMS) * time.Millisecond
	}
	return d.cfg.RetryBackoffIncrement
}

// Request sends a persona request and waits for the interpreted result.
// Timeouts and responder errors retry with a fresh corr_id and a
// growing wait; info_request responses run the information sub-loop.
func (d *Dispatcher) Request(ctx context.Context, spec RequestSpec) (*Result, error) {
	if err := CheckLanguagePolicy(spec.AllowedLanguages, spec.ChangedFiles); err != nil {
		d.logger.Warn("language policy rejected request without sending",
			log.WorkflowIDKey, spec.WorkflowID, log.StepKey, spec.Step, log.PersonaKey, spec.Persona, "error", err)
		return nil, err
	}

	timeout := d.timeoutFor(&spec)
	increment := d.backoffIncrementFor(&spec)
	maxRetries := d.maxRetriesFor(&spec)

	userText := spec.UserText
	if userText == "" && spec.Payload != nil {
		if s, ok := spec.Payload["user_text"].(string); ok {
			userText = s
		}
	}

	sources := make(map[string]bool)
	var infoSources []string
	graceUsed := false
	retries := 0
	infoIters := 0
	attempts := 0
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wait := timeout + time.Duration(retries)*increment
		attempts++

		ev, err := d.sendAndWait(ctx, &spec, userText, wait)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			retries++
			if maxRetries >= 0 && retries > maxRetries {
				return nil, d.exhausted(&spec, attempts, lastErr)
			}
			d.logger.Info("retrying persona request",
				log.WorkflowIDKey, spec.WorkflowID, log.StepKey, spec.Step,
				log.PersonaKey, spec.Persona, "retry", retries, "next_wait", wait+increment, "error", err)
			continue
		}

		switch ev.Status {
		case EventStatusError:
			lastErr = &errors.PersonaError{Persona: spec.Persona, Step: spec.Step, CorrID: ev.CorrID, Message: ev.Error}
			retries++
			if maxRetries >= 0 && retries > maxRetries {
				return nil, d.exhausted(&spec, attempts, lastErr)
			}
			continue
		case EventStatusDuplicate:
			// The responder saw this corr_id before; the original answer
			// is still in flight or lost. Retry under a fresh corr_id.
			lastErr = &errors.PersonaError{Persona: spec.Persona, Step: spec.Step, CorrID: ev.CorrID, Message: "duplicate_response"}
			retries++
			if maxRetries >= 0 && retries > maxRetries {
				return nil, d.exhausted(&spec, attempts, lastErr)
			}
			continue
		}

		report := Interpret(ev.Result)
		if report.Status != StatusInfoRequest {
			if spec.Persona == "qa" {
				if ApplyQANoTestInvariant(report) {
					d.logger.Warn("qa pass downgraded to fail",
						log.WorkflowIDKey, spec.WorkflowID, log.StepKey, spec.Step, "details", report.Details)
				}
			}
			return &Result{
				Report:      report,
				Raw:         ev.Result,
				Event:       ev,
				Attempts:    attempts,
				InfoSources: infoSources,
			}, nil
		}

		infoIters++
		if infoIters > d.cfg.MaxInfoIterations {
			return nil, &errors.PersonaError{
				Persona: spec.Persona, Step: spec.Step,
				Message: fmt.Sprintf("information request iterations exhausted (%d)", d.cfg.MaxInfoIterations),
			}
		}

		requests := ParseInfoRequests(ev.Result)
		var fresh []InfoRequestSpec
		for _, req := range requests {
			if sources[req.Source] {
				continue
			}
			fresh = append(fresh, req)
		}

		if len(sources) >= d.cfg.MaxUniqueSources && len(fresh) > 0 {
			if graceUsed {
				return nil, &errors.PersonaError{
					Persona: spec.Persona, Step: spec.Step,
					Message: fmt.Sprintf("information sources exhausted (%d unique)", d.cfg.MaxUniqueSources),
				}
			}
			// One grace iteration: answer with what we already have.
			graceUsed = true
			userText += "\n\nNo further information sources are available. Answer with the evidence already provided."
			continue
		}

		var records []InfoRecord
		for _, req := range fresh {
			if len(sources) >= d.cfg.MaxUniqueSources {
				break
			}
			sources[req.Source] = true
			infoSources = append(infoSources, req.Source)
			records = append(records, d.resolveInfo(ctx, req))
		}
		if blocks := FormatInfoBlocks(records); blocks != "" {
			userText += "\n\n" + blocks
		}
		d.logger.Info("information request fulfilled",
			log.WorkflowIDKey, spec.WorkflowID, log.StepKey, spec.Step,
			log.PersonaKey, spec.Persona, "iteration", infoIters, "sources", len(infoSources))
	}
}

func (d *Dispatcher) resolveInfo(ctx context.Context, req InfoRequestSpec) InfoRecord {
	if d.resolver == nil {
		return InfoRecord{Source: req.Source, Err: errors.New("no information resolver configured")}
	}
	return d.resolver.Resolve(ctx, req)
}

// sendAndWait performs one correlated exchange under a fresh corr_id.
func (d *Dispatcher) sendAndWait(ctx context.Context, spec *RequestSpec, userText string, wait time.Duration) (*Event, error) {
	corrID := uuid.NewString()
	ch := d.register(corrID)
	defer d.unregister(corrID)

	payload, err := renderPayload(spec.Payload, userText)
	if err != nil {
		return nil, errors.Wrap(err, "rendering payload")
	}

	req := &Request{
		WorkflowID: spec.WorkflowID,
		Step:       spec.Step,
		From:       d.cfg.From,
		ToPersona:  spec.Persona,
		Intent:     spec.Intent,
		CorrID:     corrID,
		Payload:    payload,
		DeadlineS:  spec.DeadlineS,
		ProjectID:  spec.ProjectID,
		Repo:       spec.Repo,
		Branch:     spec.Branch,
		TaskID:     spec.TaskID,
	}
	if _, err := d.tr.Append(ctx, d.cfg.RequestStream, req.Fields()); err != nil {
		return nil, &errors.TransportError{Op: "append", Stream: d.cfg.RequestStream, Cause: err}
	}
	d.logger.Debug("persona request sent",
		log.WorkflowIDKey, spec.WorkflowID, log.StepKey, spec.Step,
		log.PersonaKey, spec.Persona, log.CorrIDKey, corrID, "wait", wait)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ev := <-ch:
		return ev, nil
	case <-timer.C:
		return nil, &errors.TimeoutError{
			Operation: fmt.Sprintf("persona %s request (step %s)", spec.Persona, spec.Step),
			Duration:  wait,
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) exhausted(spec *RequestSpec, attempts int, lastErr error) error {
	return &errors.PersonaError{
		Persona: spec.Persona,
		Step:    spec.Step,
		Message: fmt.Sprintf("retries exhausted after %d attempts", attempts),
		Cause:   lastErr,
	}
}

// renderPayload merges userText into the payload map and marshals it.
func renderPayload(payload map[string]interface{}, userText string) (string, error) {
	merged := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		merged[k] = v
	}
	if userText != "" {
		merged["user_text"] = userText
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
