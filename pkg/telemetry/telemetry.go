// Package telemetry is an optional observability mirror for the host
// uploader: when a Redis address is configured, chunk progress and device
// PrintString lines are published to pub/sub channels the way
// pkg/redis/client.go + pkg/service/redis_handlers.go publish scooter state
// changes, so an external dashboard can watch an upload in progress without
// touching the protocol itself. spec.md §6 fixes "Persisted state: None" for
// the wire protocol; this package only ever publishes, it never HSETs a
// persistent hash, so that invariant holds regardless of whether telemetry
// is enabled.
package telemetry

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Channel names this package publishes on. A dashboard subscribes directly;
// there is no corresponding persisted hash key, unlike the teacher's
// vehicle/battery state channels.
const (
	ChannelProgress = "fwlink:progress"
	ChannelLog      = "fwlink:log"
)

// Sink publishes upload progress and device diagnostics to Redis pub/sub.
// A nil *Sink is valid and every method becomes a no-op, so callers can
// construct telemetry unconditionally and only wire a real client when
// --redis-addr is set.
type Sink struct {
	client *redis.Client
	ctx    context.Context
}

// New connects to addr and verifies the connection with a PING, mirroring
// pkg/redis.New's fail-fast construction.
func New(addr, password string, db int) (*Sink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to redis: %w", err)
	}
	return &Sink{client: client, ctx: ctx}, nil
}

// Close releases the underlying connection. Safe to call on a nil *Sink.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	return s.client.Close()
}

// Progress publishes a chunk-transfer milestone: index, total chunk count.
func (s *Sink) Progress(index, total uint32) {
	if s == nil {
		return
	}
	msg := fmt.Sprintf("chunk:%d/%d", index, total)
	if err := s.client.Publish(s.ctx, ChannelProgress, msg).Err(); err != nil {
		// Telemetry is advisory, matching spec.md §7's treatment of
		// PrintString: never let a publish failure abort the upload.
		fmt.Println("telemetry: publish progress:", err)
	}
}

// Log publishes a device PrintString line verbatim, suitable for wiring
// directly as a hostlink.Config.PrintSink.
func (s *Sink) Log(text string) {
	if s == nil {
		return
	}
	if err := s.client.Publish(s.ctx, ChannelLog, text).Err(); err != nil {
		fmt.Println("telemetry: publish log:", err)
	}
}

// State publishes a one-shot session state transition (e.g. "handshake",
// "booting", "done", "failed:<reason>") on ChannelProgress, the same
// field:value shape pkg/redis.Client.WriteAndPublishString used for scooter
// state, minus the corresponding HSET: the protocol itself persists
// nothing.
func (s *Sink) State(state string) {
	if s == nil {
		return
	}
	if err := s.client.Publish(s.ctx, ChannelProgress, "state:"+state).Err(); err != nil {
		fmt.Println("telemetry: publish state:", err)
	}
}
