package transport

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/maestrohq/maestro/pkg/errors"
)

// Redis backs the Transport contract with Redis streams. One client is
// safe to share across workflows; go-redis pools connections internally.
type Redis struct {
	client *redis.Client
}

// NewRedis creates a Redis transport from an address and optional password.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewRedisFromClient wraps an existing client, used by tests running
// against miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Append adds an entry via XADD.
func (r *Redis) Append(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", &errors.TransportError{Op: "append", Stream: stream, Cause: err}
	}
	return id, nil
}

// CreateGroup creates a consumer group with MKSTREAM, swallowing the
// BUSYGROUP error for groups that already exist.
func (r *Redis) CreateGroup(ctx context.Context, stream, group, start string) error {
	if start == "" {
		start = "0"
	}
	err := r.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return &errors.TransportError{Op: "create_group", Stream: stream, Cause: err}
	}
	return nil
}

// ReadGroup reads entries via XREADGROUP, blocking up to opts.Block.
func (r *Redis) ReadGroup(ctx context.Context, stream, group, consumer string, opts ReadOptions) ([]Entry, error) {
	id := opts.ID
	if id == "" {
		id = ">"
	}
	count := opts.Count
	if count <= 0 {
		count = 10
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, id},
		Count:    count,
		Block:    opts.Block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, &errors.TransportError{Op: "read_group", Stream: stream, Cause: err}
	}

	var out []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			out = append(out, Entry{ID: msg.ID, Fields: stringFields(msg.Values)})
		}
	}
	return out, nil
}

// Ack acknowledges entries via XACK.
func (r *Redis) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return &errors.TransportError{Op: "ack", Stream: stream, Cause: err}
	}
	return nil
}

// Range scans entries via XRANGE.
func (r *Redis) Range(ctx context.Context, stream, from, to string, count int64) ([]Entry, error) {
	if from == "" {
		from = "-"
	}
	if to == "" {
		to = "+"
	}

	var msgs []redis.XMessage
	var err error
	if count > 0 {
		msgs, err = r.client.XRangeN(ctx, stream, from, to, count).Result()
	} else {
		msgs, err = r.client.XRange(ctx, stream, from, to).Result()
	}
	if err != nil {
		return nil, &errors.TransportError{Op: "range", Stream: stream, Cause: err}
	}

	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, Entry{ID: msg.ID, Fields: stringFields(msg.Values)})
	}
	return out, nil
}

// Del removes entries via XDEL.
func (r *Redis) Del(ctx context.Context, stream string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := r.client.XDel(ctx, stream, ids...).Result()
	if err != nil {
		return 0, &errors.TransportError{Op: "del", Stream: stream, Cause: err}
	}
	return n, nil
}

// Len returns the stream length via XLEN.
func (r *Redis) Len(ctx context.Context, stream string) (int64, error) {
	n, err := r.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, &errors.TransportError{Op: "len", Stream: stream, Cause: err}
	}
	return n, nil
}

// Groups lists consumer groups via XINFO GROUPS. A missing stream is
// reported as having no groups.
func (r *Redis) Groups(ctx context.Context, stream string) ([]string, error) {
	infos, err := r.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		if err == redis.Nil || strings.Contains(err.Error(), "no such key") {
			return nil, nil
		}
		return nil, &errors.TransportError{Op: "groups", Stream: stream, Cause: err}
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	return names, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func stringFields(values map[string]interface{}) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}
	return fields
}
