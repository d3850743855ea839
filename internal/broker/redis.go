// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

// Package broker wraps the Redis connection shared by the history store,
// the cross-process relay, and the session metadata directory.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/atlaslive/atlaslive/internal/config"
	"github.com/atlaslive/atlaslive/internal/logging"
	"github.com/atlaslive/atlaslive/internal/models"
)

// ErrNotFound is returned when a looked-up key does not exist.
var ErrNotFound = errors.New("broker: key not found")

// Redis owns the client connection and the key/channel conventions.
type Redis struct {
	client *redis.Client
}

// NewRedis builds a client from cfg. It does not dial; call Ping to verify
// connectivity.
func NewRedis(cfg config.RedisConfig) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}),
	}
}

// Client exposes the underlying connection for components that speak Redis
// directly, such as the history store.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping verifies the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Publish sends data to the named pub/sub channel.
func (r *Redis) Publish(ctx context.Context, channel string, data []byte) error {
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe joins the named channel and returns a channel of raw payloads.
// The returned channel closes when ctx is cancelled or the subscription
// drops; callers resubscribe by calling Subscribe again.
func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	sub := r.client.Subscribe(ctx, channel)

	// Confirm the subscription before handing back the channel so callers
	// know delivery has actually started.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Close(); err != nil {
				logging.Debug().Err(err).Str("channel", channel).Msg("Closing subscription")
			}
		}()
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func metadataKey(sessionID string) string {
	return "session:" + sessionID + ":metadata"
}

// SetSessionMetadata stores session metadata with an expiry.
func (r *Redis) SetSessionMetadata(ctx context.Context, meta *models.SessionMetadata, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	key := metadataKey(meta.ID)
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetSessionMetadata loads session metadata. Returns ErrNotFound when the
// session was never created or its metadata has expired.
func (r *Redis) GetSessionMetadata(ctx context.Context, sessionID string) (*models.SessionMetadata, error) {
	key := metadataKey(sessionID)
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var meta models.SessionMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", key, err)
	}
	return &meta, nil
}

// TouchSessionMetadata refreshes the metadata expiry for an active session.
func (r *Redis) TouchSessionMetadata(ctx context.Context, sessionID string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, metadataKey(sessionID), ttl).Err(); err != nil {
		return fmt.Errorf("expire metadata %s: %w", sessionID, err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
