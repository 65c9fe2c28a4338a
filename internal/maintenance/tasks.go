package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/wabridge/internal/bus"
	"github.com/nextlevelbuilder/wabridge/pkg/protocol"
)

// Pruner deletes journal rows older than a cutoff. The journal satisfies it.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StatusSource answers the census. The lifecycle controller satisfies it.
type StatusSource interface {
	Counts() (total, connected int)
}

// PruneJournal returns a task dropping transitions older than retention.
func PruneJournal(j Pruner, retention time.Duration, log *slog.Logger) func(ctx context.Context) error {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context) error {
		cutoff := time.Now().Add(-retention)
		n, err := j.PruneBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("journal pruned", "rows", n, "cutoff", cutoff.Format(time.RFC3339))
		}
		return nil
	}
}

// Census returns a task publishing a bridge-wide health event. The bridge
// counts as healthy while every known channel holds a connection; an empty
// bridge is healthy by definition.
func Census(source StatusSource, events *bus.Bus) func(ctx context.Context) error {
	return func(context.Context) error {
		total, connected := source.Counts()
		events.Publish(bus.Event{
			Kind: protocol.EventBridgeHealth,
			Payload: protocol.HealthEvent{
				Healthy:   connected == total,
				Channels:  total,
				Connected: connected,
			},
		})
		return nil
	}
}
