// Package cluster elects one leader among mailcore instances that share a
// queue database. The leader runs the queue recovery and cleanup sweeps.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/valkey-io/valkey-go"
)

// renew extends the lease only while this node still owns it
var renewScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// Config for an Elector
type Config struct {
	NodeID string
	// Key holds the current leader's node ID
	Key string
	// TTL is the lease length; it is renewed every TTL/3
	TTL time.Duration
	// OnChange is called when this node gains or loses leadership
	OnChange func(leading bool)
}

// Elector holds a leader lease in valkey
type Elector struct {
	client valkey.Client
	config Config
	leader atomic.Bool
	logger *slog.Logger
}

// NewElector creates an elector on an existing client
func NewElector(client valkey.Client, config Config) (*Elector, error) {
	if client == nil {
		return nil, errors.New("cluster: valkey client is required")
	}
	if config.NodeID == "" {
		return nil, errors.New("cluster: node ID is required")
	}
	if config.Key == "" {
		config.Key = "mailcore:leader"
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	return &Elector{
		client: client,
		config: config,
		logger: slog.Default().With("component", "cluster", "node_id", config.NodeID),
	}, nil
}

// IsLeader reports whether this node currently holds the lease
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Leader returns the node ID holding the lease, or "" when nobody does
func (e *Elector) Leader(ctx context.Context) (string, error) {
	id, err := e.client.Do(ctx, e.client.B().Get().Key(e.config.Key).Build()).ToString()
	if valkey.IsValkeyNil(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cluster: read leader: %w", err)
	}
	return id, nil
}

// Run campaigns for the lease until ctx is cancelled, then releases it
func (e *Elector) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.config.TTL / 3)
	defer ticker.Stop()

	e.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.release()
			return nil
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick renews a held lease or tries to acquire a free one
func (e *Elector) Tick(ctx context.Context) {
	if e.leader.Load() {
		n, err := renewScript.Exec(ctx, e.client,
			[]string{e.config.Key},
			[]string{e.config.NodeID, strconv.FormatInt(e.config.TTL.Milliseconds(), 10)},
		).AsInt64()
		if err != nil || n == 0 {
			e.logger.Warn("Lost cluster leadership", "error", err)
			e.set(false)
		}
		return
	}

	err := e.client.Do(ctx, e.client.B().Set().
		Key(e.config.Key).
		Value(e.config.NodeID).
		Nx().
		PxMilliseconds(e.config.TTL.Milliseconds()).
		Build()).Error()
	switch {
	case err == nil:
		e.logger.Info("Became cluster leader", "ttl", e.config.TTL.String())
		e.set(true)
	case valkey.IsValkeyNil(err):
		// held by another node
	default:
		e.logger.Warn("Leader election failed", "error", err)
	}
}

func (e *Elector) release() {
	if !e.leader.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := releaseScript.Exec(ctx, e.client, []string{e.config.Key}, []string{e.config.NodeID}).Error()
	if err != nil {
		e.logger.Warn("Failed to release leadership", "error", err)
	}
	e.set(false)
}

func (e *Elector) set(leading bool) {
	if e.leader.Swap(leading) != leading && e.config.OnChange != nil {
		e.config.OnChange(leading)
	}
}
