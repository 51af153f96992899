package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/voyagen/loopcaster/internal/events"
	"go.uber.org/zap"
)

// EventsChannel is the pub/sub channel carrying channel status events,
// relative to KeyPrefix.
const EventsChannel = "events"

// publishTimeout bounds a single PUBLISH so a slow Redis never stalls the caller.
const publishTimeout = 2 * time.Second

// EventPublisher publishes events as JSON on a Redis pub/sub channel.
type EventPublisher struct {
	redis   *Redis
	channel string
	logger  *zap.Logger
}

// NewEventPublisher returns a publisher on EventsChannel.
func NewEventPublisher(r *Redis, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{redis: r, channel: EventsChannel, logger: logger.Named("events")}
}

// Publish implements events.Publisher. Failures are logged and dropped.
func (p *EventPublisher) Publish(ctx context.Context, ev events.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("marshal event", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := p.redis.publish(ctx, p.channel, data); err != nil {
		p.logger.Warn("publish event",
			zap.String("type", string(ev.Type)),
			zap.Int64("channel_id", ev.ChannelID),
			zap.Error(err))
	}
}

// Subscribe forwards events from the Redis channel to fn until ctx is done.
func (p *EventPublisher) Subscribe(ctx context.Context, fn func(events.Event)) error {
	sub := p.redis.subscribe(ctx, p.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.channel, err)
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.logger.Debug("discard malformed event", zap.Error(err))
				continue
			}
			fn(ev)
		}
	}
}
