// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

// Package relay fans session events out across processes over a shared
// pub/sub channel. Every process publishes its locally originated events
// tagged with its own instance id, and every process subscribes to the same
// channel, dropping the envelopes it published itself.
//
// Ordering across processes is whatever the broker delivers. Participants
// on the same process always see their peers' events in send order; events
// from other processes interleave as they arrive.
package relay

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/atlaslive/atlaslive/internal/logging"
	"github.com/atlaslive/atlaslive/internal/metrics"
	"github.com/atlaslive/atlaslive/internal/models"
)

var errSubscriptionLost = errors.New("relay: subscription closed")

// Broker is the pub/sub surface the relay needs.
type Broker interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// LocalDelivery hands relayed events to the sessions hosted on this
// process. *collab.Engine satisfies it.
type LocalDelivery interface {
	DeliverRemote(evt *models.Event)
	Has(sessionID string) bool
}

// Relay connects one process to the shared collaboration channel.
type Relay struct {
	broker     Broker
	local      LocalDelivery
	channel    string
	instanceID string
}

// New creates a Relay with a fresh per-process instance id.
func New(broker Broker, local LocalDelivery, channel string) *Relay {
	return &Relay{
		broker:     broker,
		local:      local,
		channel:    channel,
		instanceID: uuid.New().String(),
	}
}

// InstanceID returns this process's relay identity.
func (r *Relay) InstanceID() string {
	return r.instanceID
}

// Publish sends a locally originated event to the shared channel, tagged
// with this process's instance id so the subscribe loop can ignore it.
func (r *Relay) Publish(ctx context.Context, evt *models.Event) error {
	data, err := json.Marshal(evt.WithOrigin(r.instanceID))
	if err != nil {
		return err
	}
	if err := r.broker.Publish(ctx, r.channel, data); err != nil {
		metrics.RelayPublishErrors.Inc()
		return err
	}
	metrics.RelayPublished.Inc()
	return nil
}

// Run subscribes to the shared channel and forwards foreign events to
// local sessions until ctx is cancelled. It returns on subscription
// failure or channel loss so the supervisor can restart it with backoff;
// local collaboration continues while the relay is down.
func (r *Relay) Run(ctx context.Context) error {
	incoming, err := r.broker.Subscribe(ctx, r.channel)
	if err != nil {
		return err
	}
	logging.Info().
		Str("channel", r.channel).
		Str("instance_id", r.instanceID).
		Msg("Relay subscribed")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-incoming:
			if !ok {
				logging.Warn().Str("channel", r.channel).Msg("Relay subscription lost")
				return errSubscriptionLost
			}
			r.handle(data)
		}
	}
}

func (r *Relay) handle(data []byte) {
	metrics.RelayReceived.Inc()

	var evt models.Event
	if err := json.Unmarshal(data, &evt); err != nil {
		metrics.RelayDropped.WithLabelValues("decode_error").Inc()
		logging.Warn().Err(err).Msg("Dropping undecodable relay envelope")
		return
	}
	if evt.Origin == r.instanceID {
		metrics.RelayDropped.WithLabelValues("own_origin").Inc()
		return
	}
	if !r.local.Has(evt.SessionID) {
		metrics.RelayDropped.WithLabelValues("no_local_session").Inc()
		return
	}

	// Strip the transport tag before local delivery.
	evt.Origin = ""
	r.local.DeliverRemote(&evt)
}
