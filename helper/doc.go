// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

// Package helper implements the trusted side of the capnet protocol:
// the unsandboxed process that performs socket creation, binding, and
// connecting on behalf of restricted peers.
//
// Each channel gets its own session. A session starts unrestricted —
// limits only ever tighten — and once a limit descriptor is installed,
// every subsequent operation on that channel is checked against it.
// Reinstalling replaces the previous descriptor wholesale.
//
// Operation failures are encoded into the reply envelope with their
// classification intact: policy denials as permission-denied, OS
// failures with the raw errno, malformed envelopes as encoding errors.
// A descriptor created for a failed operation is closed before the
// reply is written; no descriptor ever crosses the boundary on
// failure.
package helper
