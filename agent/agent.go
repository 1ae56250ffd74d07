// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"os"

	"github.com/capnet-foundation/capnet/lib/codec"
	"github.com/capnet-foundation/capnet/limit"
	"github.com/capnet-foundation/capnet/transport"
	"github.com/capnet-foundation/capnet/wire"
)

// Agent issues delegated network operations over one channel. It
// borrows the channel — it never closes it — and is safe for
// concurrent use exactly when the channel is.
type Agent struct {
	channel transport.Channel
}

// New creates an Agent bound to an already-established channel. The
// channel must have been set up before the process entered its
// restricted mode; the agent neither verifies nor manages that
// precondition.
func New(channel transport.Channel) *Agent {
	return &Agent{channel: channel}
}

// Options carries the auxiliary parameters of a bind or connect call.
type Options struct {
	// SocketType selects stream (default) or datagram.
	SocketType wire.SocketType
}

// Bind asks the helper to create a socket bound to addr and returns
// the descriptor. Ownership of the file transfers fully to the
// caller. On failure no file is returned, ever.
func (a *Agent) Bind(ctx context.Context, addr wire.Address, opts Options) (*os.File, error) {
	return a.socketCall(ctx, wire.OpBind, addr, opts)
}

// Connect asks the helper to create a socket connected to addr and
// returns the descriptor. Ownership transfers fully to the caller.
func (a *Agent) Connect(ctx context.Context, addr wire.Address, opts Options) (*os.File, error) {
	return a.socketCall(ctx, wire.OpConnect, addr, opts)
}

// InstallLimits uploads the descriptor as this channel's policy. The
// helper replaces any previously installed descriptor wholesale — it
// never merges — so call this once, at startup, before the process
// handles untrusted input.
func (a *Agent) InstallLimits(ctx context.Context, descriptor *limit.Descriptor) error {
	encoded, err := descriptor.Encode()
	if err != nil {
		return fmt.Errorf("limit: %w", err)
	}
	_, err = a.call(ctx, wire.Request{Op: wire.OpLimit, Limits: encoded}, "descriptor", false)
	return err
}

// socketCall runs one bind/connect exchange: encode the address,
// perform the call, and take ownership of the returned descriptor.
func (a *Agent) socketCall(ctx context.Context, op wire.Op, addr wire.Address, opts Options) (*os.File, error) {
	image, err := wire.EncodeAddress(addr)
	if err != nil {
		// Encoding errors are caller bugs; they never reach the
		// channel.
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	detail := addr.String()
	return a.call(ctx, wire.Request{
		Op:         op,
		Sockaddr:   image,
		SocketType: opts.SocketType,
	}, detail, true)
}

// call performs one request/response exchange and enforces the
// descriptor-transfer contract: exactly one file on a successful
// bind/connect, none otherwise. Stray descriptors on any other reply
// shape are closed before the error propagates.
func (a *Agent) call(ctx context.Context, req wire.Request, detail string, wantFile bool) (*os.File, error) {
	payload, err := codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: marshaling request: %w", req.Op, detail, err)
	}

	reply, err := a.channel.Call(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Op, detail, err)
	}

	var resp wire.Response
	if err := codec.Unmarshal(reply.Payload, &resp); err != nil {
		reply.CloseFiles()
		return nil, fmt.Errorf("%s %s: %w: undecodable reply: %v", req.Op, detail, ErrProtocol, err)
	}

	if !resp.OK {
		// No handle crosses the boundary on failure. A descriptor
		// attached to a failure reply is a helper bug; close it
		// rather than leak it.
		reply.CloseFiles()
		return nil, responseError(req.Op, detail, &resp)
	}

	if !wantFile {
		reply.CloseFiles()
		return nil, nil
	}
	if len(reply.Files) != 1 {
		count := len(reply.Files)
		reply.CloseFiles()
		return nil, fmt.Errorf("%s %s: %w: expected one descriptor, got %d", req.Op, detail, ErrProtocol, count)
	}
	return reply.Files[0], nil
}
