// Package bridge republishes committed job-queue notifications to an
// AMQP exchange for consumers outside the database's reach.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/memberhost/memberq/internal/notify"
	"github.com/memberhost/memberq/internal/store"
	"github.com/memberhost/memberq/shared/rabbitmq"
)

// jobEvent is the message body published for each queued job. Resync
// events carry no job id; they tell consumers the bridge may have
// missed notifications and has re-announced everything still queued.
type jobEvent struct {
	JobID  int64  `json:"job_id,omitempty"`
	Resync bool   `json:"resync,omitempty"`
	Time   string `json:"time"`
}

// Bridge connects a notification listener to a RabbitMQ publisher.
//
// The same at-most-once caveats as the underlying channel apply between
// database and bridge: a job id can be republished more than once, and
// events sent while the bridge was disconnected are recovered only by
// the queued-jobs rescan after reconnect.
type Bridge struct {
	logger   *slog.Logger
	store    *store.Store
	listener *notify.Listener
	amqp     *rabbitmq.Client
}

// New builds a Bridge.
func New(logger *slog.Logger, st *store.Store, listener *notify.Listener, amqp *rabbitmq.Client) *Bridge {
	return &Bridge{
		logger:   logger,
		store:    st,
		listener: listener,
		amqp:     amqp,
	}
}

// Run starts the listener and forwards events until the context is
// cancelled. Queued jobs present at startup are announced first, since
// their notifications fired before the bridge subscribed.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.listener.Start(ctx); err != nil {
		return err
	}

	if err := b.announceQueued(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Bridge stopped")
			return nil

		case ev, ok := <-b.listener.Events():
			if !ok {
				return nil
			}

			if ev.Resync {
				b.publish(ctx, jobEvent{Resync: true})
				if err := b.announceQueued(ctx); err != nil {
					b.logger.Error("Failed to rescan queued jobs",
						slog.Any("error", err),
					)
				}
				continue
			}

			b.publish(ctx, jobEvent{JobID: ev.JobID})
		}
	}
}

func (b *Bridge) announceQueued(ctx context.Context) error {
	ids, err := b.store.QueuedJobIDs(ctx)
	if err != nil {
		return err
	}

	b.logger.Info("Announcing queued jobs",
		slog.Int("count", len(ids)),
	)

	for _, id := range ids {
		b.publish(ctx, jobEvent{JobID: id})
	}
	return nil
}

// publish sends one event, retrying with backoff. Publish failures are
// logged and dropped: the next resync pass re-announces queued jobs, so
// a lost event does not strand work.
func (b *Bridge) publish(ctx context.Context, ev jobEvent) {
	ev.Time = time.Now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("Failed to encode event", slog.Any("error", err))
		return
	}

	if err := b.amqp.PublishWithRetry(ctx, body, "application/json"); err != nil {
		b.logger.Error("Failed to publish event",
			slog.Int64("job_id", ev.JobID),
			slog.Any("error", err),
		)
	}
}
