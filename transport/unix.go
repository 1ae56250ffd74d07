// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// UnixChannel is a Channel over a persistent SOCK_SEQPACKET
// connection. Each request and each reply is one datagram; reply
// descriptors arrive as SCM_RIGHTS on the reply datagram.
//
// Calls are serialized internally, so one UnixChannel may be shared
// across goroutines. The connection is borrowed policy state on the
// helper side: closing it discards the installed limits, and the core
// never closes it on the caller's behalf — Close is for the owner.
type UnixChannel struct {
	mu   sync.Mutex
	conn *net.UnixConn

	// broken is set when an exchange fails partway. The helper may
	// still be about to reply to the interrupted request; pairing that
	// reply with a later request would hand its descriptor to the
	// wrong operation, so a broken channel refuses all further calls.
	broken bool
}

// DialUnix connects to a helper listening at socketPath.
func DialUnix(socketPath string) (*UnixChannel, error) {
	addr := &net.UnixAddr{Name: socketPath, Net: "unixpacket"}
	conn, err := net.DialUnix("unixpacket", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing helper at %s: %w", socketPath, err)
	}
	return &UnixChannel{conn: conn}, nil
}

// NewUnixChannel wraps an already-connected SOCK_SEQPACKET connection,
// typically inherited across fork/exec before the process entered its
// restricted mode.
func NewUnixChannel(conn *net.UnixConn) *UnixChannel {
	return &UnixChannel{conn: conn}
}

// Call sends one request datagram and reads one reply datagram. A
// context deadline, if present, bounds the exchange; without one the
// call blocks until the helper replies or the connection fails. There
// is no mid-call cancellation — a privileged call either completes or
// the channel is dead: any mid-exchange failure, deadline expiry
// included, closes the connection and fails every later Call with
// ErrChannelClosed.
func (c *UnixChannel) Call(ctx context.Context, request []byte) (*Reply, error) {
	if len(request) > maxMessageSize {
		return nil, fmt.Errorf("request of %d bytes exceeds the %d byte envelope limit", len(request), maxMessageSize)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken {
		return nil, fmt.Errorf("call: %w", ErrChannelClosed)
	}

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}

	if _, err := c.conn.Write(request); err != nil {
		return nil, c.fail("writing request", err)
	}

	payload, files, err := readDatagram(c.conn)
	if err != nil {
		return nil, c.fail("reading reply", err)
	}
	return &Reply{Payload: payload, Files: files}, nil
}

// fail poisons the channel after a partial exchange. The request may
// still be in flight on the helper side, so its eventual reply — and
// any descriptor it carries — must never be matched against a later
// request. Closing the connection discards it instead. Called with mu
// held.
func (c *UnixChannel) fail(stage string, err error) error {
	c.broken = true
	c.conn.Close()
	return channelError(stage, err)
}

// Close closes the underlying connection. The helper discards the
// channel's installed limits when it observes the close.
func (c *UnixChannel) Close() error {
	return c.conn.Close()
}

// readDatagram reads one datagram and its SCM_RIGHTS descriptors.
// Received descriptors are marked close-on-exec before anything else
// can fail, so an error path cannot leak them into a future exec.
func readDatagram(conn *net.UnixConn) ([]byte, []*os.File, error) {
	buf := make([]byte, maxMessageSize)
	oob := make([]byte, unix.CmsgSpace(4*maxReplyFiles))

	n, oobn, flags, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, nil, err
	}
	if n == 0 && oobn == 0 {
		return nil, nil, io.EOF
	}

	files, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, nil, err
	}
	if flags&unix.MSG_TRUNC != 0 || flags&unix.MSG_CTRUNC != 0 {
		closeFiles(files)
		return nil, nil, fmt.Errorf("datagram truncated (flags %#x)", flags)
	}
	return buf[:n], files, nil
}

// parseRights extracts SCM_RIGHTS descriptors from control data and
// wraps them in *os.File. Each raw descriptor is set close-on-exec
// immediately; if any step fails, every descriptor already received is
// closed before the error is returned.
func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	messages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parsing control messages: %w", err)
	}
	var files []*os.File
	for _, message := range messages {
		fds, err := unix.ParseUnixRights(&message)
		if err != nil {
			closeFiles(files)
			return nil, fmt.Errorf("parsing SCM_RIGHTS: %w", err)
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			files = append(files, os.NewFile(uintptr(fd), "capnet-handle"))
		}
	}
	return files, nil
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// channelError classifies a transport failure. Connection-level
// failures map to ErrChannelClosed so callers can distinguish "the
// helper is gone" from an operation that the helper rejected.
func channelError(stage string, err error) error {
	if errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ENOTCONN) {
		return fmt.Errorf("%s: %w", stage, ErrChannelClosed)
	}
	return fmt.Errorf("%s: %w", stage, err)
}
