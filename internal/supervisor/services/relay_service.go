// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

package services

import (
	"context"
)

// Runner is a blocking loop that obeys context cancellation. *relay.Relay
// satisfies it.
type Runner interface {
	Run(ctx context.Context) error
}

// RelayService supervises the cross-process relay subscriber. When the
// subscription fails (broker down, connection lost) Run returns an error
// and suture restarts it with backoff, which is the resubscribe path:
// local collaboration keeps working between attempts.
type RelayService struct {
	relay Runner
}

// NewRelayService creates the wrapper.
func NewRelayService(relay Runner) *RelayService {
	return &RelayService{relay: relay}
}

// Serve implements suture.Service.
func (s *RelayService) Serve(ctx context.Context) error {
	return s.relay.Run(ctx)
}

// String identifies the service in supervisor logs.
func (s *RelayService) String() string {
	return "relay-subscriber"
}
