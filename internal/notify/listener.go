// Package notify subscribes to the jobs_insert notification channel.
//
// Delivery is best effort and at most once: only subscribers connected
// when a transaction commits see its notification, nothing is replayed,
// and the same job id can arrive more than once. Consumers reconcile
// against the jobs table to cover the gaps.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/memberhost/memberq/internal/schema"
)

// pingInterval bounds how long a dead listener connection can go
// unnoticed when no notifications arrive.
const pingInterval = 90 * time.Second

// Event is one message from the listener. Either JobID is set, or Resync
// is true: the connection dropped and was re-established, so any
// notification sent in between is gone and the consumer should rescan
// the jobs table.
type Event struct {
	JobID  int64
	Resync bool
}

// Listener consumes jobs_insert notifications from a dedicated
// connection.
type Listener struct {
	pql    *pq.Listener
	logger *slog.Logger
	events chan Event
}

// NewListener wraps an open pq.Listener.
func NewListener(pql *pq.Listener, logger *slog.Logger) *Listener {
	return &Listener{
		pql:    pql,
		logger: logger,
		events: make(chan Event),
	}
}

// Start subscribes to the channel and begins delivering events until the
// context is cancelled. The events channel is closed on return.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.pql.Listen(schema.ChannelJobs); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", schema.ChannelJobs, err)
	}

	l.logger.Info("Listening for job notifications",
		slog.String("channel", schema.ChannelJobs),
	)

	go l.loop(ctx)
	return nil
}

// Events returns the stream of notifications.
func (l *Listener) Events() <-chan Event {
	return l.events
}

// Close tears down the listener connection.
func (l *Listener) Close() error {
	return l.pql.Close()
}

func (l *Listener) loop(ctx context.Context) {
	defer close(l.events)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Notification listener stopped")
			return

		case n := <-l.pql.Notify:
			// lib/pq sends a nil notification after reconnecting;
			// anything published while we were away is lost.
			if n == nil {
				l.logger.Warn("Listener reconnected, requesting resync")
				select {
				case l.events <- Event{Resync: true}:
				case <-ctx.Done():
					return
				}
				continue
			}

			jobID, err := strconv.ParseInt(n.Extra, 10, 64)
			if err != nil {
				l.logger.Error("Discarding malformed notification payload",
					slog.String("payload", n.Extra),
					slog.Any("error", err),
				)
				continue
			}

			l.logger.Debug("Job notification received",
				slog.Int64("job_id", jobID),
			)

			select {
			case l.events <- Event{JobID: jobID}:
			case <-ctx.Done():
				return
			}

		case <-time.After(pingInterval):
			if err := l.pql.Ping(); err != nil {
				l.logger.Warn("Listener ping failed",
					slog.Any("error", err),
				)
			}
		}
	}
}
