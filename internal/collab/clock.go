// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

package collab

import (
	"sync"
	"time"
)

// Clock issues server-assigned event timestamps that are strictly
// increasing within this process, even when the wall clock stalls or steps
// backwards. Timestamps are assigned once at event acceptance and never
// mutated downstream.
type Clock struct {
	mu   sync.Mutex
	last time.Time
}

// Now returns the current time, nudged forward if needed so that
// consecutive calls never return equal or decreasing values.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}

// Stamp returns Now formatted as ISO-8601 with nanosecond precision.
func (c *Clock) Stamp() string {
	return c.Now().Format(time.RFC3339Nano)
}
