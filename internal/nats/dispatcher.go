package natsjs

import (
	"context"
	"log/slog"
	"time"

	"github.com/Martian-dev/mailvault/internal/store"
)

// Dispatcher drains the outbox into JetStream. Events stay queued while NATS
// is unreachable and retry with backoff; JetStream deduplicates on msg_id if
// a publish succeeds but the ack is lost.
type Dispatcher struct {
	Store     *store.Store
	Publisher *Publisher
	Logger    *slog.Logger
}

// Run loops until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.Store.DequeueOutbox(ctx, 100)
		if err != nil {
			d.Logger.Error("failed to dequeue outbox", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if len(messages) == 0 {
			sleep(ctx, 500*time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.Logger.Error("failed to publish event", "id", msg.ID, "subject", msg.Subject, "error", err)
				if rerr := d.Store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second); rerr != nil {
					d.Logger.Error("failed to schedule retry", "id", msg.ID, "error", rerr)
				}
				continue
			}
			if err := d.Store.MarkPublished(ctx, msg.ID); err != nil {
				d.Logger.Error("failed to mark published", "id", msg.ID, "error", err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
