package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Channels carries the NOTIFY channel names the policy tables publish on
var Channels = []string{
	"domain_changes",
	"mailbox_changes",
	"alias_changes",
	"dkim_changes",
	"routing_changes",
	"permission_changes",
}

// Change is one decoded notification. A Change with Table "*" means the
// connection was re-established and notifications may have been missed.
type Change struct {
	Channel string
	Table   string
	Action  string
	ID      string
}

// Resync reports whether every cached entry should be dropped
func (c Change) Resync() bool {
	return c.Table == "*"
}

// ParsePayload decodes a "table:action:id" payload
func ParsePayload(payload string) (table, action, id string, err error) {
	parts := strings.SplitN(payload, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid notification payload %q", payload)
	}
	return parts[0], parts[1], parts[2], nil
}

// notificationSource is satisfied by *pq.Listener
type notificationSource interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// Listener receives policy table change notifications over LISTEN/NOTIFY
type Listener struct {
	source       notificationSource
	logger       *slog.Logger
	pingInterval time.Duration
}

// NewListener opens a dedicated lib/pq listener connection on dsn
func NewListener(dsn string) *Listener {
	logger := slog.Default().With("component", "policy-listener")
	l := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("listener connection event", "event", int(ev), "error", err)
		}
	})
	return newListener(l, logger)
}

func newListener(source notificationSource, logger *slog.Logger) *Listener {
	return &Listener{
		source:       source,
		logger:       logger,
		pingInterval: 90 * time.Second,
	}
}

// Run subscribes to all policy channels and invokes callback for every
// change until ctx is cancelled.
func (l *Listener) Run(ctx context.Context, callback func(Change)) error {
	defer l.source.Close()

	for _, ch := range Channels {
		if err := l.source.Listen(ch); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	l.logger.Info("Listening for policy changes", "channels", Channels)

	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	notifications := l.source.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.source.Ping(); err != nil {
				l.logger.Warn("listener ping failed", "error", err)
			}
		case n, ok := <-notifications:
			if !ok {
				return fmt.Errorf("notification channel closed")
			}
			l.dispatch(n, callback)
		}
	}
}

func (l *Listener) dispatch(n *pq.Notification, callback func(Change)) {
	// lib/pq delivers nil after a reconnect
	if n == nil {
		callback(Change{Table: "*"})
		return
	}

	table, action, id, err := ParsePayload(n.Extra)
	if err != nil {
		l.logger.Warn("Invalid notification payload", "channel", n.Channel, "payload", n.Extra)
		return
	}
	callback(Change{Channel: n.Channel, Table: table, Action: action, ID: id})
}
