// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Server accepts helper connections on a Unix SOCK_SEQPACKET socket
// and runs one Session per connection. Each connection is one channel:
// its session (and therefore its installed limits) lives until the
// peer disconnects.
type Server struct {
	socketPath string
	handler    Handler
	logger     *slog.Logger

	// activeConnections tracks in-flight sessions for graceful
	// shutdown. Serve waits for all of them before returning.
	activeConnections sync.WaitGroup
}

// NewServer creates a server that will listen on socketPath and hand
// each connection to a fresh session from handler.
func NewServer(socketPath string, handler Handler, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger,
	}
}

// Serve listens on the Unix socket and blocks until ctx is cancelled,
// then stops accepting and waits for active sessions to drain. Any
// stale socket file at the configured path is removed before
// listening; the socket file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: s.socketPath, Net: "unixpacket"})
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("helper listening", "path", s.socketPath)

	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.serveConn(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// serveConn runs the request loop for one channel. The session is
// created before the first request and discarded (limits and all)
// when the connection ends.
func (s *Server) serveConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	// Unblock the idle read when the server shuts down. An in-flight
	// Handle is never interrupted — the session finishes its current
	// privileged call and the loop exits on the next read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	session := s.handler.NewSession()

	for {
		request, files, err := readDatagram(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.logger.Debug("channel read failed", "error", err)
			}
			return
		}
		// Requests never carry descriptors in this protocol; drop any
		// rather than letting them dangle in our descriptor table.
		closeFiles(files)

		reply := session.Handle(ctx, request)
		if err := writeReply(conn, reply); err != nil {
			s.logger.Debug("channel write failed", "error", err)
			return
		}
	}
}

// writeReply sends one reply datagram with its descriptors attached
// as SCM_RIGHTS. The kernel duplicates descriptors into the message,
// so the session's copies are closed here regardless of the write's
// outcome — on failure the peer is gone and the reply dies with it.
func writeReply(conn *net.UnixConn, reply *Reply) error {
	defer reply.CloseFiles()

	var oob []byte
	if len(reply.Files) > 0 {
		fds := make([]int, len(reply.Files))
		for i, f := range reply.Files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}

	_, _, err := conn.WriteMsgUnix(reply.Payload, oob, nil)
	return err
}
