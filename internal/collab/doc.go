// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

// Package collab implements the real-time collaboration engine: the
// session registry, the local broadcaster, the websocket participant
// lifecycle, and the engine that ties them to the event history store and
// the cross-process relay.
//
// One goroutine pair (read/write pump) runs per connected participant.
// All shared mutation is funneled through the Registry's Admit and Remove
// methods; no other code touches membership state directly.
package collab
