// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package helper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/capnet-foundation/capnet/lib/codec"
	"github.com/capnet-foundation/capnet/limit"
	"github.com/capnet-foundation/capnet/transport"
	"github.com/capnet-foundation/capnet/wire"
)

// Helper executes delegated network operations. One Helper serves any
// number of channels; all per-channel state lives in sessions.
type Helper struct {
	logger *slog.Logger
}

// New creates a Helper. A nil logger discards all output.
func New(logger *slog.Logger) *Helper {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Helper{logger: logger}
}

// NewSession implements transport.Handler. Each channel gets a fresh,
// unrestricted session.
func (h *Helper) NewSession() transport.Session {
	return &session{helper: h}
}

// session is the per-channel policy state and dispatch. Sessions are
// used by one connection loop at a time; the transport serializes
// requests on a channel.
type session struct {
	helper *Helper

	// limits is nil until the channel installs a descriptor. Nil means
	// unrestricted: limits can only tighten what a channel may do,
	// and a channel that never installs any is trusted with the full
	// operation set.
	limits *limit.Descriptor
}

// Handle implements transport.Session. It decodes one request
// envelope, dispatches on the operation tag, and always produces a
// reply; failures travel inside the reply payload.
func (s *session) Handle(ctx context.Context, request []byte) *transport.Reply {
	var req wire.Request
	if err := codec.Unmarshal(request, &req); err != nil {
		return encodingFailure(fmt.Sprintf("undecodable envelope: %v", err))
	}

	switch req.Op {
	case wire.OpLimit:
		return s.installLimits(req)
	case wire.OpBind:
		return s.socketOp(req, true)
	case wire.OpConnect:
		return s.socketOp(req, false)
	default:
		return encodingFailure(fmt.Sprintf("unknown operation %q", req.Op))
	}
}

// installLimits replaces the channel's policy with the enclosed
// descriptor. Last write wins: callers are expected to install once,
// before handling untrusted input, and the protocol does not merge.
func (s *session) installLimits(req wire.Request) *transport.Reply {
	if len(req.Limits) == 0 {
		return encodingFailure("limit request carries no descriptor")
	}
	descriptor, err := limit.Decode(req.Limits)
	if err != nil {
		return encodingFailure(err.Error())
	}

	replaced := s.limits != nil
	s.limits = descriptor
	s.helper.logger.Info("limits installed",
		"rules", descriptor.Rules(),
		"replaced", replaced,
	)
	return okReply(nil)
}

// socketOp executes bind or connect: decode and authorize the address,
// create the socket, perform the call, and transfer the descriptor.
// The socket is closed on every failure path past its creation.
func (s *session) socketOp(req wire.Request, isBind bool) *transport.Reply {
	addr, err := wire.DecodeAddress(req.Sockaddr)
	if err != nil {
		return encodingFailure(err.Error())
	}

	op := wire.OpConnect
	allowed := s.limits == nil || s.limits.AllowsConnect(addr)
	if isBind {
		op = wire.OpBind
		allowed = s.limits == nil || s.limits.AllowsBind(addr)
	}
	if !allowed {
		s.helper.logger.Debug("operation denied by limits", "op", op, "address", addr.String())
		return &transport.Reply{Payload: mustMarshal(wire.Response{
			OK:    false,
			Code:  wire.CodePermissionDenied,
			Error: fmt.Sprintf("%s %s denied by channel limits", op, addr),
		})}
	}

	socketType, err := socketTypeValue(req.SocketType)
	if err != nil {
		return encodingFailure(err.Error())
	}

	fd, err := unix.Socket(int(addr.Family()), socketType|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errnoFailure(err)
	}

	sa, err := sockaddrValue(addr)
	if err != nil {
		unix.Close(fd)
		return encodingFailure(err.Error())
	}

	if isBind {
		err = unix.Bind(fd, sa)
	} else {
		err = unix.Connect(fd, sa)
	}
	if err != nil {
		unix.Close(fd)
		return errnoFailure(err)
	}

	s.helper.logger.Debug("operation completed", "op", op, "address", addr.String())
	return okReply(os.NewFile(uintptr(fd), "capnet-"+string(op)))
}

// socketTypeValue maps the envelope's socket-type option to the
// SOCK_* constant. Empty means stream.
func socketTypeValue(t wire.SocketType) (int, error) {
	switch t {
	case wire.SocketStream, "":
		return unix.SOCK_STREAM, nil
	case wire.SocketDatagram:
		return unix.SOCK_DGRAM, nil
	default:
		return 0, fmt.Errorf("unknown socket type %q", t)
	}
}

// sockaddrValue converts a decoded Address into the form bind(2) and
// connect(2) take. The switch is exhaustive over the families
// DecodeAddress can produce.
func sockaddrValue(addr wire.Address) (unix.Sockaddr, error) {
	switch a := addr.(type) {
	case wire.Inet4Addr:
		return &unix.SockaddrInet4{Port: int(a.Port), Addr: a.Addr.As4()}, nil
	case wire.Inet6Addr:
		return &unix.SockaddrInet6{Port: int(a.Port), ZoneId: a.Scope, Addr: a.Addr.As16()}, nil
	case wire.UnixAddr:
		return &unix.SockaddrUnix{Name: a.Path}, nil
	default:
		return nil, fmt.Errorf("%w: %T", wire.ErrUnsupportedFamily, addr)
	}
}

func okReply(file *os.File) *transport.Reply {
	reply := &transport.Reply{Payload: mustMarshal(wire.Response{OK: true})}
	if file != nil {
		reply.Files = []*os.File{file}
	}
	return reply
}

func encodingFailure(message string) *transport.Reply {
	return &transport.Reply{Payload: mustMarshal(wire.Response{
		OK:    false,
		Code:  wire.CodeEncoding,
		Error: message,
	})}
}

// errnoFailure preserves the OS error across the boundary so the
// caller sees the same failure a direct system call would produce.
func errnoFailure(err error) *transport.Reply {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		errno = syscall.EIO
	}
	return &transport.Reply{Payload: mustMarshal(wire.Response{
		OK:    false,
		Code:  wire.CodeErrno,
		Errno: int(errno),
		Error: errno.Error(),
	})}
}

// mustMarshal encodes a response envelope. Response is a flat struct
// of scalars; if it cannot be marshaled the helper binary is broken.
func mustMarshal(resp wire.Response) []byte {
	data, err := codec.Marshal(resp)
	if err != nil {
		panic("helper: marshaling response envelope: " + err.Error())
	}
	return data
}
