// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

// Package history persists a bounded per-session event log in Redis lists.
//
// Each session owns one list keyed session:<id>:events. Events are pushed
// newest-first; the list is trimmed to a fixed cap and refreshed with a
// sliding TTL on every append, so an abandoned session expires on its own.
// All Redis calls run behind a circuit breaker: when the broker is down the
// store fails fast instead of stacking timeouts onto every client message.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/atlaslive/atlaslive/internal/logging"
	"github.com/atlaslive/atlaslive/internal/metrics"
	"github.com/atlaslive/atlaslive/internal/models"
)

// ListClient is the slice of the Redis API the store needs. *redis.Client
// satisfies it; tests substitute an in-memory fake.
type ListClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// Store appends and replays session events.
type Store struct {
	client ListClient
	limit  int64
	ttl    time.Duration
	cb     *gobreaker.CircuitBreaker[any]
}

// New creates a Store capping each session's list at limit entries with the
// given sliding expiry.
func New(client ListClient, limit int, ttl time.Duration) *Store {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "history-store",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("History store circuit breaker state change")
		},
	})
	return &Store{
		client: client,
		limit:  int64(limit),
		ttl:    ttl,
		cb:     cb,
	}
}

func eventsKey(sessionID string) string {
	return "session:" + sessionID + ":events"
}

// Append pushes evt onto the head of the session's list, trims the list to
// the cap, and refreshes the TTL.
func (s *Store) Append(ctx context.Context, sessionID string, evt *models.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := eventsKey(sessionID)
	_, err = s.cb.Execute(func() (any, error) {
		if err := s.client.LPush(ctx, key, data).Err(); err != nil {
			return nil, fmt.Errorf("lpush %s: %w", key, err)
		}
		if err := s.client.LTrim(ctx, key, 0, s.limit-1).Err(); err != nil {
			return nil, fmt.Errorf("ltrim %s: %w", key, err)
		}
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return nil, fmt.Errorf("expire %s: %w", key, err)
		}
		return nil, nil
	})
	if err != nil {
		metrics.HistoryAppendErrors.Inc()
		return err
	}
	return nil
}

// Recent returns up to limit stored events, newest first. Entries that no
// longer decode are skipped rather than failing the whole replay.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]*models.Event, error) {
	if limit <= 0 || int64(limit) > s.limit {
		limit = int(s.limit)
	}

	key := eventsKey(sessionID)
	raw, err := s.cb.Execute(func() (any, error) {
		entries, err := s.client.LRange(ctx, key, 0, int64(limit)-1).Result()
		if err != nil {
			return nil, fmt.Errorf("lrange %s: %w", key, err)
		}
		return entries, nil
	})
	if err != nil {
		metrics.HistoryReplayErrors.Inc()
		return nil, err
	}

	entries := raw.([]string)
	events := make([]*models.Event, 0, len(entries))
	for _, entry := range entries {
		var evt models.Event
		if err := json.Unmarshal([]byte(entry), &evt); err != nil {
			logging.Warn().
				Err(err).
				Str("session_id", sessionID).
				Msg("Skipping undecodable history entry")
			continue
		}
		events = append(events, &evt)
	}
	return events, nil
}

// State reports the circuit breaker state for health reporting.
func (s *Store) State() string {
	return s.cb.State().String()
}
