// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package helper

import (
	"context"
	"sync"

	"github.com/capnet-foundation/capnet/transport"
)

// Local is an in-process channel to a Helper, bypassing the Unix
// transport. It satisfies the same contract the agent sees over a real
// channel — per-channel limits, descriptor transfer, error codes — so
// agent code and tests run unchanged against it.
//
// Each Local is its own channel: limits installed through one Local do
// not affect another, even when both share a Helper.
type Local struct {
	mu      sync.Mutex
	session transport.Session
}

// Local returns a new in-process channel backed by a fresh session.
func (h *Helper) Local() *Local {
	return &Local{session: h.NewSession()}
}

// Call implements transport.Channel. Calls are serialized, matching
// the one-request-at-a-time semantics of a real channel. Descriptor
// ownership passes directly from the session to the caller; nothing
// is duplicated in between.
func (l *Local) Call(ctx context.Context, request []byte) (*transport.Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session.Handle(ctx, request), nil
}
