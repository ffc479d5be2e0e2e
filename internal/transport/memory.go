package transport

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maestrohq/maestro/pkg/errors"
)

// Memory is a process-local Transport. Streams are mutex-guarded FIFO
// slices with per-group delivery cursors and per-consumer pending sets,
// mirroring the acknowledgement accounting of Redis streams closely
// enough for the dispatcher and its tests.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
	closed  bool
}

type memStream struct {
	entries []Entry
	seq     int64
	groups  map[string]*memGroup

	// notify is closed and replaced on every append so blocked readers
	// wake up without polling.
	notify chan struct{}
}

type memGroup struct {
	// delivered is the highest entry seq handed out via ">".
	delivered int64

	// pending maps entry id to the consumer it was delivered to.
	pending map[string]string
}

// NewMemory creates an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string]*memStream)}
}

// Append adds an entry and wakes blocked readers.
func (m *Memory) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &TransportClosedError{Op: "append", Cause: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", &TransportClosedError{Op: "append"}
	}

	s := m.stream(stream)
	s.seq++
	id := strconv.FormatInt(s.seq, 10) + "-0"

	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.entries = append(s.entries, Entry{ID: id, Fields: copied})

	close(s.notify)
	s.notify = make(chan struct{})
	return id, nil
}

// CreateGroup registers a consumer group. Existing groups are left
// untouched, matching the BUSYGROUP-swallowing behavior of the Redis
// backend.
func (m *Memory) CreateGroup(ctx context.Context, stream, group, start string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &TransportClosedError{Op: "create_group"}
	}

	s := m.stream(stream)
	if _, ok := s.groups[group]; ok {
		return nil
	}

	g := &memGroup{pending: make(map[string]string)}
	if start == "$" {
		g.delivered = s.seq
	}
	s.groups[group] = g
	return nil
}

// ReadGroup delivers new entries (id ">") or replays this consumer's
// pending entries (id "0"). With opts.Block set it cooperatively waits
// for an append or the timeout.
func (m *Memory) ReadGroup(ctx context.Context, stream, group, consumer string, opts ReadOptions) ([]Entry, error) {
	deadline := time.Now().Add(opts.Block)
	for {
		entries, notify, err := m.tryRead(stream, group, consumer, opts)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 || opts.Block == 0 || opts.ID != ">" {
			return entries, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-notify:
			timer.Stop()
		}
	}
}

func (m *Memory) tryRead(stream, group, consumer string, opts ReadOptions) ([]Entry, chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, &TransportClosedError{Op: "read_group"}
	}

	s := m.stream(stream)
	g, ok := s.groups[group]
	if !ok {
		return nil, nil, &errors.TransportError{Op: "read_group", Stream: stream,
			Cause: errors.New("no such consumer group " + group)}
	}

	count := opts.Count
	if count <= 0 {
		count = 10
	}

	if opts.ID != ">" && opts.ID != "" {
		// Replay this consumer's pending entries in id order.
		var out []Entry
		for _, e := range s.entries {
			if g.pending[e.ID] == consumer {
				out = append(out, e)
				if int64(len(out)) >= count {
					break
				}
			}
		}
		return out, s.notify, nil
	}

	var out []Entry
	for _, e := range s.entries {
		if entrySeq(e.ID) <= g.delivered {
			continue
		}
		out = append(out, e)
		g.delivered = entrySeq(e.ID)
		g.pending[e.ID] = consumer
		if int64(len(out)) >= count {
			break
		}
	}
	return out, s.notify, nil
}

// Ack clears pending state for the given ids.
func (m *Memory) Ack(ctx context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return &TransportClosedError{Op: "ack"}
	}

	s := m.stream(stream)
	if g, ok := s.groups[group]; ok {
		for _, id := range ids {
			delete(g.pending, id)
		}
	}
	return nil
}

// Range returns entries between from and to inclusive.
func (m *Memory) Range(ctx context.Context, stream, from, to string, count int64) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &TransportClosedError{Op: "range"}
	}

	s := m.stream(stream)
	lo := int64(0)
	hi := int64(1<<62 - 1)
	if from != "-" && from != "" {
		lo = entrySeq(from)
	}
	if to != "+" && to != "" {
		hi = entrySeq(to)
	}

	var out []Entry
	for _, e := range s.entries {
		seq := entrySeq(e.ID)
		if seq < lo || seq > hi {
			continue
		}
		out = append(out, e)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

// Del removes entries by id.
func (m *Memory) Del(ctx context.Context, stream string, ids ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, &TransportClosedError{Op: "del"}
	}

	s := m.stream(stream)
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	var kept []Entry
	var removed int64
	for _, e := range s.entries {
		if drop[e.ID] {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return removed, nil
}

// Len returns the number of entries in the stream.
func (m *Memory) Len(ctx context.Context, stream string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, &TransportClosedError{Op: "len"}
	}
	return int64(len(m.stream(stream).entries)), nil
}

// Groups returns the consumer group names on the stream, sorted.
func (m *Memory) Groups(ctx context.Context, stream string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &TransportClosedError{Op: "groups"}
	}

	s := m.stream(stream)
	names := make([]string, 0, len(s.groups))
	for name := range s.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close marks the transport closed; subsequent calls fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// stream returns the named stream, creating it lazily. Caller holds mu.
func (m *Memory) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup), notify: make(chan struct{})}
		m.streams[name] = s
	}
	return s
}

// entrySeq parses the leading numeric component of an entry id.
func entrySeq(id string) int64 {
	if i := strings.IndexByte(id, '-'); i >= 0 {
		id = id[:i]
	}
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}

// TransportClosedError reports an operation on a closed transport or a
// cancelled context.
type TransportClosedError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *TransportClosedError) Error() string {
	if e.Cause != nil {
		return "transport " + e.Op + ": " + e.Cause.Error()
	}
	return "transport " + e.Op + ": transport is closed"
}

// Unwrap returns the underlying cause.
func (e *TransportClosedError) Unwrap() error { return e.Cause }
