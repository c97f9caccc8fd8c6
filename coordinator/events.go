package coordinator

import (
	"context"
	"log/slog"

	"github.com/absmach/fedsync/pkg/mqtt"
)

type event = mqtt.RoundEvent

func (c *Coordinator) emit(ctx context.Context, events []event) {
	if c.pubsub == nil {
		return
	}
	topic := c.topics.Rounds()
	for _, ev := range events {
		if err := c.pubsub.Publish(ctx, topic, ev); err != nil {
			c.logger.Warn("failed to publish round event",
				slog.String("topic", topic),
				slog.String("type", ev.Type),
				slog.Uint64("round", ev.Round),
				slog.Any("error", err))
		}
	}
}
