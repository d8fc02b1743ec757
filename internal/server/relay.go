package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/botsync/internal/hub"
	"github.com/roach88/botsync/internal/wire"
)

// ChannelPrefix prefixes the pub/sub channel of every branch.
const ChannelPrefix = "botsync:"

// Channel returns the pub/sub channel updates of ref are published on.
func Channel(ref wire.BranchRef) string { return ChannelPrefix + ref.Key() }

// relayMessage is the payload published for accepted updates.
type relayMessage struct {
	Origin  string         `json:"origin"`
	Ref     wire.BranchRef `json:"ref"`
	Updates []string       `json:"updates"`
}

// RelayOptions configures a RedisRelay.
type RelayOptions struct {
	// Origin identifies this instance. Messages it published are ignored
	// when they come back.
	Origin string

	// PublishTimeout bounds each publish. Defaults to 5s.
	PublishTimeout time.Duration

	Logger *slog.Logger
}

// RedisRelay shares accepted updates between server instances. Updates a
// hub accepts are published to Redis; updates other instances published
// are injected into the local hub.
type RedisRelay struct {
	rdb     redis.UniversalClient
	origin  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRelay creates a relay over rdb.
func NewRelay(rdb redis.UniversalClient, opts RelayOptions) (*RedisRelay, error) {
	if rdb == nil {
		return nil, errors.New("relay requires a redis client")
	}
	if opts.Origin == "" {
		return nil, errors.New("relay requires an origin")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.PublishTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &RedisRelay{
		rdb:     rdb,
		origin:  opts.Origin,
		timeout: timeout,
		logger:  logger.With("origin", opts.Origin),
	}, nil
}

// Publish sends updates accepted on ref to the other instances. It has
// the signature of hub.Options.OnUpdatesAccepted.
func (r *RedisRelay) Publish(ref wire.BranchRef, updates [][]byte) {
	if err := r.publish(ref, updates); err != nil {
		r.logger.Warn("relay publish failed", "branch", ref.Key(), "error", err)
	}
}

func (r *RedisRelay) publish(ref wire.BranchRef, updates [][]byte) error {
	payload, err := r.encode(ref, updates)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.rdb.Publish(ctx, Channel(ref), payload).Err()
}

func (r *RedisRelay) encode(ref wire.BranchRef, updates [][]byte) ([]byte, error) {
	return json.Marshal(relayMessage{Origin: r.origin, Ref: ref, Updates: wire.EncodeUpdates(updates)})
}

// Run subscribes to every branch channel and injects foreign updates into
// h until ctx is done.
func (r *RedisRelay) Run(ctx context.Context, h *hub.Hub) error {
	sub := r.rdb.PSubscribe(ctx, ChannelPrefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	r.logger.Info("relay subscribed", "pattern", ChannelPrefix+"*")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := r.receive(h, msg.Payload); err != nil {
				r.logger.Warn("relay message dropped", "channel", msg.Channel, "error", err)
			}
		}
	}
}

// receive injects one published payload. Payloads from this instance are
// ignored.
func (r *RedisRelay) receive(h *hub.Hub, payload string) error {
	var m relayMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return fmt.Errorf("decode relay message: %w", err)
	}
	if m.Origin == r.origin {
		return nil
	}
	updates, err := wire.DecodeUpdates(m.Updates)
	if err != nil {
		return err
	}
	r.logger.Debug("relay injecting updates", "branch", m.Ref.Key(), "from", m.Origin, "updates", len(updates))
	return h.Inject(m.Ref, updates)
}
