package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SHAFT-Foundation/speechlab-twitter-space-agent/pkg/protocol"
)

const (
	channelPrefix = "relay:"
	metaPrefix    = "relay:meta:"
	eventTTL      = 5 * time.Second
	// MetadataTTL bounds how long a session's handshake stays readable by
	// other instances after its last attach.
	MetadataTTL = 6 * time.Hour
)

// redisPayload is the message published to Redis for cross-instance fan-out.
type redisPayload struct {
	Kind protocol.Type `json:"kind"`
	Data []byte        `json:"data"`
	At   int64         `json:"at"`
}

// RedisPubSub implements RedisPublisher and RedisSubscriber using Redis pub/sub.
type RedisPubSub struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPubSub creates a Redis pub/sub bridge for relay sessions.
func NewRedisPubSub(client *redis.Client, logger *zap.Logger) *RedisPubSub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPubSub{client: client, logger: logger}
}

// PublishFrame publishes a frame to the session's Redis channel.
func (r *RedisPubSub) PublishFrame(sessionID string, f Frame) error {
	body, err := json.Marshal(redisPayload{Kind: f.Kind, Data: f.Data, At: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+sessionID, body).Err()
}

// StoreMetadata saves the session handshake so listeners on other instances
// can be sent it before audio.
func (r *RedisPubSub) StoreMetadata(meta protocol.Metadata) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	return r.client.Set(ctx, metaPrefix+meta.SessionID, body, MetadataTTL).Err()
}

// LoadMetadata returns the stored handshake, or nil if there is none.
func (r *RedisPubSub) LoadMetadata(sessionID string) (*protocol.Metadata, error) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTTL)
	defer cancel()
	body, err := r.client.Get(ctx, metaPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	var m protocol.Metadata
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &m, nil
}

// SubscribeSession subscribes to a session's Redis channel and calls handler for each frame.
// Returns a cancel function to stop the subscription.
func (r *RedisPubSub) SubscribeSession(sessionID string, handler func(Frame)) (cancel func(), err error) {
	channel := channelPrefix + sessionID
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channel)
	_, err = pubsub.Receive(ctx)
	if err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p redisPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Debug("bad relay payload", zap.String("channel", channel), zap.Error(err))
					continue
				}
				handler(Frame{Kind: p.Kind, Data: p.Data})
			}
		}
	}()
	cancel = func() { cancelCtx() }
	return cancel, nil
}
