// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"os"
)

// ErrChannelClosed is returned by Call when the channel to the helper
// is no longer usable. The core never reconnects; the caller's
// surrounding infrastructure decides whether a new channel can be
// established (usually it cannot, because the process is already
// restricted).
var ErrChannelClosed = errors.New("helper channel closed")

// maxMessageSize bounds one envelope in either direction. Envelopes
// are an operation tag plus at most one sockaddr image or one limit
// descriptor; 64 KiB is far beyond any legitimate request.
const maxMessageSize = 64 * 1024

// maxReplyFiles bounds the descriptors accepted on one reply. Every
// defined operation transfers at most one.
const maxReplyFiles = 4

// Reply is the helper's answer to one call: the response envelope and
// any file descriptors transferred with it. Ownership of Files passes
// to the caller.
type Reply struct {
	Payload []byte
	Files   []*os.File
}

// CloseFiles closes all transferred descriptors. Used when the caller
// rejects the reply.
func (r *Reply) CloseFiles() {
	for _, f := range r.Files {
		f.Close()
	}
	r.Files = nil
}

// Channel is one pre-authorized path to the trusted helper. Call
// blocks until the helper replies or the channel fails; there is no
// cancellation of an in-flight privileged call. Callers must
// serialize calls on one channel unless the implementation documents
// otherwise.
type Channel interface {
	Call(ctx context.Context, request []byte) (*Reply, error)
}

// Session is the helper-side counterpart of a Channel: the per-
// connection state (installed limits) plus the dispatch that executes
// one request. Handle always produces a reply; operation failures are
// encoded in the reply payload, not returned as Go errors.
type Session interface {
	Handle(ctx context.Context, request []byte) *Reply
}

// Handler creates a Session for each accepted connection. The
// one-session-per-connection rule is what keys installed limits to
// channel identity.
type Handler interface {
	NewSession() Session
}
