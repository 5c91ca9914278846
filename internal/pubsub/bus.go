// Package pubsub carries outbound events between processes. Events are
// published to Redis channels when Redis is available, so a worker running
// in a separate process still reaches gateway-connected clients; without
// Redis everything is delivered to the local hub directly.
package pubsub

import (
	"context"
	"encoding/json"

	"botpipe/internal/service"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WSHub is the local delivery target.
type WSHub interface {
	Publish(channel string, message map[string]interface{})
}

type Bus struct {
	rdb *redis.Client
	hub WSHub
	log *zap.Logger
}

// New creates a bus. rdb may be nil for single-process deployments.
func New(rdb *redis.Client, hub WSHub, log *zap.Logger) *Bus {
	return &Bus{rdb: rdb, hub: hub, log: log}
}

func (b *Bus) ToConversation(conversationID int64, event map[string]interface{}) {
	b.publish(service.ConversationChannel(conversationID), event)
}

func (b *Bus) ToAdmin(event map[string]interface{}) {
	b.publish(service.AdminChannel, event)
}

func (b *Bus) publish(channel string, event map[string]interface{}) {
	if b.rdb == nil {
		b.hub.Publish(channel, event)
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		b.log.Error("Failed to marshal event", zap.String("channel", channel), zap.Error(err))
		return
	}
	if err := b.rdb.Publish(context.Background(), channel, data).Err(); err != nil {
		// Deliver locally so at least this process's clients see the event.
		b.log.Error("Failed to publish event, delivering locally",
			zap.String("channel", channel), zap.Error(err))
		b.hub.Publish(channel, event)
	}
}

// Relay subscribes to all fan-out channels and forwards events to the
// local hub. Run it once per gateway process; it returns when ctx ends.
func (b *Bus) Relay(ctx context.Context) error {
	if b.rdb == nil {
		return nil
	}

	sub := b.rdb.PSubscribe(ctx, "conversation:*", service.AdminChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event map[string]interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				b.log.Warn("Dropping undecodable event",
					zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			b.hub.Publish(msg.Channel, event)
		}
	}
}
