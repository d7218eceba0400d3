// Package stream moves event-log notifications to live subscribers: a
// dedicated Postgres LISTEN connection fans NOTIFY payloads out to in-process
// channels, and the SSE hub serves them to HTTP clients with catch-up from
// the durable log.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

// Notification is one decoded NOTIFY payload.
type Notification struct {
	Channel     string `json:"-"`
	ExecutionID int64  `json:"execution_id"`
	EventID     int64  `json:"event_id"`
	EventType   string `json:"event_type"`
	NodeID      string `json:"node_id,omitempty"`
	Status      string `json:"status,omitempty"`
}

type listenCmd struct {
	channel string
	listen  bool
	done    chan error
}

// Listener owns one dedicated connection running LISTEN for all subscribed
// channels. LISTEN/UNLISTEN and notification waits are serialized on the
// connection's goroutine; a dropped connection reconnects with backoff and
// resubscribes everything.
type Listener struct {
	dsn    string
	logger *slog.Logger

	mu       sync.Mutex
	subs     map[string]map[chan Notification]bool
	cmds     chan listenCmd
	shutdown chan struct{}
	stopOnce sync.Once
}

// NewListener prepares a listener; Run must be started for delivery.
func NewListener(dsn string, logger *slog.Logger) *Listener {
	return &Listener{
		dsn:      dsn,
		logger:   logger.With("component", "listener"),
		subs:     make(map[string]map[chan Notification]bool),
		cmds:     make(chan listenCmd, 16),
		shutdown: make(chan struct{}),
	}
}

// Subscribe registers for one channel. The returned cancel function must be
// called to release the subscription. Slow receivers drop notifications
// rather than stalling delivery; consumers catch up from the event log.
func (l *Listener) Subscribe(channel string) (<-chan Notification, func()) {
	ch := make(chan Notification, 64)

	l.mu.Lock()
	first := len(l.subs[channel]) == 0
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[chan Notification]bool)
	}
	l.subs[channel][ch] = true
	l.mu.Unlock()

	if first {
		l.enqueue(listenCmd{channel: channel, listen: true})
	}

	cancel := func() {
		l.mu.Lock()
		delete(l.subs[channel], ch)
		last := len(l.subs[channel]) == 0
		if last {
			delete(l.subs, channel)
		}
		l.mu.Unlock()
		if last {
			l.enqueue(listenCmd{channel: channel, listen: false})
		}
	}
	return ch, cancel
}

func (l *Listener) enqueue(cmd listenCmd) {
	select {
	case l.cmds <- cmd:
	case <-l.shutdown:
	}
}

// Run blocks servicing the connection until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	defer l.stopOnce.Do(func() { close(l.shutdown) })

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := l.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Error("Listener connection lost, reconnecting",
			"error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (l *Listener) serve(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	// Resubscribe every channel with live subscribers.
	l.mu.Lock()
	channels := make([]string, 0, len(l.subs))
	for channel := range l.subs {
		channels = append(channels, channel)
	}
	l.mu.Unlock()
	for _, channel := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
	}
	l.logger.Info("Listener connected", "channels", len(channels))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-l.cmds:
			verb := "LISTEN "
			if !cmd.listen {
				verb = "UNLISTEN "
			}
			if _, err := conn.Exec(ctx, verb+pgx.Identifier{cmd.channel}.Sanitize()); err != nil {
				return fmt.Errorf("%s%s: %w", verb, cmd.channel, err)
			}
		default:
			// Short wait so LISTEN commands stay responsive.
			waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			notification, err := conn.WaitForNotification(waitCtx)
			cancel()
			if err != nil {
				if waitCtx.Err() != nil && ctx.Err() == nil {
					continue
				}
				return fmt.Errorf("wait for notification: %w", err)
			}
			l.deliver(notification.Channel, notification.Payload)
		}
	}
}

func (l *Listener) deliver(channel, payload string) {
	var n Notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		l.logger.Error("Dropping malformed notification",
			"channel", channel, "error", err)
		return
	}
	n.Channel = channel

	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[channel] {
		select {
		case ch <- n:
		default:
		}
	}
}
