// Package redisstream provides a [sink.Sink] that appends pipeline events to
// a Redis stream for downstream consumers.
//
// Streams are append-only: the duplicate deliveries the pipeline produces
// under retry surface as repeated entries, so consumers must key on the id
// field for de-duplication. The stream is capped with approximate MAXLEN
// trimming to bound memory on the Redis side.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flowmetry/flowmetry/pkg/event"
	"github.com/flowmetry/flowmetry/pkg/sink"
)

// Compile-time interface check.
var _ sink.Sink = (*Stream)(nil)

const (
	// DefaultStream is the stream key used when [Config.Stream] is empty.
	DefaultStream = "flowmetry:events"

	// DefaultMaxLen is the trim target used when [Config.MaxLen] is zero.
	DefaultMaxLen = 100_000
)

// Config configures the Redis stream sink.
type Config struct {
	// Addr is the Redis host:port.
	Addr string

	// Password authenticates against the server. May be empty.
	Password string

	// DB selects the logical database.
	DB int

	// Stream is the stream key events are appended to.
	// Defaults to [DefaultStream].
	Stream string

	// MaxLen caps the stream length using approximate trimming.
	// Defaults to [DefaultMaxLen].
	MaxLen int64
}

// Stream is a [sink.Sink] that appends events to a single Redis stream.
// It is safe for concurrent use.
type Stream struct {
	client *redis.Client
	stream string
	maxLen int64
}

// New creates a Stream sink, connects to the Redis server at cfg.Addr and
// verifies it is reachable.
func New(ctx context.Context, cfg Config) (*Stream, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis sink: ping: %w", err)
	}

	return &Stream{client: client, stream: cfg.Stream, maxLen: cfg.MaxLen}, nil
}

// entryValues maps an event onto the fields of one stream entry. The id, kind
// and name fields are broken out for consumers that filter without decoding;
// data carries the whole event as JSON.
func entryValues(ev event.Event, batchID string) (map[string]any, error) {
	if ev.ID == "" {
		return nil, sink.Permanent(errors.New("redis sink: event has no id"))
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, sink.Permanent(fmt.Errorf("redis sink: marshal event: %w", err))
	}
	return map[string]any{
		"id":       ev.ID,
		"kind":     string(ev.Kind),
		"name":     ev.Name,
		"batch_id": batchID,
		"data":     data,
	}, nil
}

func (s *Stream) addArgs(values map[string]any) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: values,
	}
}

// ProcessBatch implements [sink.Sink]. It appends the whole batch over a
// single round trip using a pipeline. Events are validated before anything is
// sent: a permanent validation error means nothing was appended.
func (s *Stream) ProcessBatch(ctx context.Context, events []event.Event, batchID string) error {
	if len(events) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for i := range events {
		values, err := entryValues(events[i], batchID)
		if err != nil {
			return err
		}
		pipe.XAdd(ctx, s.addArgs(values))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis sink: write batch %s: %w", batchID, err)
	}
	return nil
}

// ProcessOne implements [sink.Sink]. It appends a single event.
func (s *Stream) ProcessOne(ctx context.Context, ev event.Event) error {
	values, err := entryValues(ev, "")
	if err != nil {
		return err
	}
	if err := s.client.XAdd(ctx, s.addArgs(values)).Err(); err != nil {
		return fmt.Errorf("redis sink: write event %s: %w", ev.ID, err)
	}
	return nil
}

// Ping implements [sink.Sink]. It reports whether the server is reachable.
func (s *Stream) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis sink: ping: %w", err)
	}
	return nil
}

// Close implements [sink.Sink]. It releases the client's connection pool.
func (s *Stream) Close() error {
	return s.client.Close()
}
