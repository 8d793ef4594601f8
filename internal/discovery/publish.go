package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/internal/models"
)

// ChannelNewRooms is the Redis channel new rooms are published on.
const ChannelNewRooms = "rooms:new"

const publishTimeout = 5 * time.Second

type roomEvent struct {
	Event string      `json:"event"`
	Room  models.Room `json:"room"`
	At    int64       `json:"at"`
}

// RedisPublisher announces newly discovered rooms over Redis pub/sub so that
// capture workers can pick them up.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisPublisher(client *redis.Client, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{client: client, channel: ChannelNewRooms, logger: logger.Named("discovery.publisher")}
}

// Publish sends one message per room; it stops at the first failure.
func (p *RedisPublisher) Publish(ctx context.Context, rooms []models.Room) error {
	for _, r := range rooms {
		body, err := encodeRoomEvent(r, time.Now())
		if err != nil {
			return err
		}
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err = p.client.Publish(pctx, p.channel, body).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("publish room %s: %w", r.ID, err)
		}
		p.logger.Debug("room published", zap.String("room_id", r.ID), zap.Int("listeners", r.Listeners))
	}
	return nil
}

// Subscribe calls handler for every room published on the channel until the
// returned cancel func is called.
func (p *RedisPublisher) Subscribe(ctx context.Context, handler func(models.Room)) (cancel func(), err error) {
	sctx, cancelCtx := context.WithCancel(ctx)
	pubsub := p.client.Subscribe(sctx, p.channel)
	if _, err := pubsub.Receive(sctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-sctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r, err := decodeRoomEvent([]byte(msg.Payload))
				if err != nil {
					p.logger.Debug("ignoring room event", zap.Error(err))
					continue
				}
				handler(r)
			}
		}
	}()
	return cancelCtx, nil
}

func encodeRoomEvent(r models.Room, at time.Time) ([]byte, error) {
	body, err := json.Marshal(roomEvent{Event: "room_discovered", Room: r, At: at.Unix()})
	if err != nil {
		return nil, fmt.Errorf("marshal room event: %w", err)
	}
	return body, nil
}

func decodeRoomEvent(data []byte) (models.Room, error) {
	var ev roomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.Room{}, err
	}
	if !ev.Room.Valid() {
		return models.Room{}, fmt.Errorf("room event without url")
	}
	return ev.Room, nil
}
