// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a Matrix-Mattermost bridge using the mautrix
// bridgev2 framework.
//
// # Core Types
//
// [MattermostConnector] implements [bridgev2.NetworkConnector] and manages the
// bridge lifecycle, the part registry, the metrics endpoint and the portal
// relay watcher.
//
// [MattermostClient] represents an authenticated Mattermost user session. It
// maintains a WebSocket connection for real-time events and performs REST API
// calls for channel sync, message sending, and backfill.
//
// # Messages and parts
//
// A message on one side may become several events on the other: long text
// is split, attachments and polls get events of their own. Posts bridged to
// Matrix record their ordinals in [MessageMetadata]; Matrix messages bridged
// to Mattermost record theirs in the parts table. Edits are reconciled
// against those records so that replies land on the primary part and
// reactions on the reaction anchor.
//
// # Echo Prevention
//
// Posts, edits and reactions made by the logged-in account are never relayed
// back to Matrix, nor are those of usernames matching the bridge's own bots
// or the configured prefix. Only regular, /me and poll posts are bridged;
// other post types are system messages.
//
// # Sub-packages
//
//   - matrixfmt converts Matrix messages to Mattermost markdown units.
//   - mattermostfmt converts Mattermost posts to Matrix HTML units.
//   - emoji maps Mattermost emoji names to Unicode.
package connector
