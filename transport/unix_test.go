// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package transport_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/capnet-foundation/capnet/agent"
	"github.com/capnet-foundation/capnet/helper"
	"github.com/capnet-foundation/capnet/lib/testutil"
	"github.com/capnet-foundation/capnet/limit"
	"github.com/capnet-foundation/capnet/transport"
	"github.com/capnet-foundation/capnet/wire"
)

// startHelper runs a helper daemon on a fresh socket and returns the
// socket path. The server is shut down when the test completes.
func startHelper(t *testing.T) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "helper.sock")

	ctx, cancel := context.WithCancel(context.Background())
	server := transport.NewServer(socketPath, helper.New(nil), slog.New(slog.NewTextHandler(io.Discard, nil)))

	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	// Wait for the socket to appear.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if conn, err := net.Dial("unixpacket", socketPath); err == nil {
			conn.Close()
			return socketPath
		}
		if time.Now().After(deadline) {
			t.Fatal("helper socket never became dialable")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dialChannel(t *testing.T, socketPath string) *transport.UnixChannel {
	t.Helper()
	channel, err := transport.DialUnix(socketPath)
	if err != nil {
		t.Fatalf("DialUnix: %v", err)
	}
	t.Cleanup(func() { channel.Close() })
	return channel
}

func TestBindOverUnixTransport(t *testing.T) {
	socketPath := startHelper(t)
	a := agent.New(dialChannel(t, socketPath))

	conn, err := a.BindUDP(context.Background(), netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("BindUDP over the unix transport: %v", err)
	}
	defer conn.Close()

	local := conn.LocalAddr().(*net.UDPAddr)
	if local.Port == 0 {
		t.Error("transferred descriptor has no assigned port")
	}

	// The transferred descriptor is a working socket, not just a
	// number: it can carry traffic.
	peer, err := net.DialUDP("udp", nil, local)
	if err != nil {
		t.Fatalf("dialing the bound socket: %v", err)
	}
	defer peer.Close()
	if _, err := peer.Write([]byte("hi")); err != nil {
		t.Fatalf("writing to the bound socket: %v", err)
	}
	buf := make([]byte, 2)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadFromUDP(buf); err != nil {
		t.Fatalf("reading from the transferred descriptor: %v", err)
	}
}

func TestLimitsSurviveAcrossCallsOnOneConnection(t *testing.T) {
	socketPath := startHelper(t)
	a := agent.New(dialChannel(t, socketPath))
	ctx := context.Background()

	descriptor, err := limit.NewBuilder().AllowBindFamily(wire.FamilyInet).Descriptor()
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	if err := a.InstallLimits(ctx, descriptor); err != nil {
		t.Fatalf("InstallLimits: %v", err)
	}

	conn, err := a.BindUDP(ctx, netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("allowed bind failed: %v", err)
	}
	conn.Close()

	if _, err := a.BindUDP(ctx, netip.MustParseAddrPort("[::1]:0")); !errors.Is(err, agent.ErrPermissionDenied) {
		t.Fatalf("denied bind error = %v, want %v", err, agent.ErrPermissionDenied)
	}
}

func TestSeparateConnectionsAreSeparateChannels(t *testing.T) {
	socketPath := startHelper(t)
	ctx := context.Background()

	restricted := agent.New(dialChannel(t, socketPath))
	unrestricted := agent.New(dialChannel(t, socketPath))

	descriptor, err := limit.NewBuilder().Descriptor()
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	if err := restricted.InstallLimits(ctx, descriptor); err != nil {
		t.Fatalf("InstallLimits: %v", err)
	}

	if _, err := restricted.BindUDP(ctx, netip.MustParseAddrPort("127.0.0.1:0")); !errors.Is(err, agent.ErrPermissionDenied) {
		t.Fatalf("restricted connection bind error = %v, want %v", err, agent.ErrPermissionDenied)
	}

	conn, err := unrestricted.BindUDP(ctx, netip.MustParseAddrPort("127.0.0.1:0"))
	if err != nil {
		t.Fatalf("limits leaked to another connection: %v", err)
	}
	conn.Close()
}

func TestClosedChannelReported(t *testing.T) {
	socketPath := startHelper(t)
	channel := dialChannel(t, socketPath)
	a := agent.New(channel)

	channel.Close()

	_, err := a.BindUDP(context.Background(), netip.MustParseAddrPort("127.0.0.1:0"))
	if !errors.Is(err, transport.ErrChannelClosed) && !errors.Is(err, net.ErrClosed) {
		t.Fatalf("call on closed channel error = %v, want a closed-channel error", err)
	}
}

func TestTimedOutCallPoisonsTheChannel(t *testing.T) {
	// A helper that replies after the caller's deadline. The late
	// reply belongs to the interrupted request; if the channel kept
	// running, the next call would consume it as its own.
	socketPath := filepath.Join(testutil.SocketDir(t), "slow.sock")
	listener, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: socketPath, Net: "unixpacket"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		conn, err := listener.AcceptUnix()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		time.Sleep(500 * time.Millisecond)
		conn.Write([]byte("stale reply"))
	}()

	channel := dialChannel(t, socketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := channel.Call(ctx, []byte{0xa0}); err == nil {
		t.Fatal("call against a slow helper met its deadline anyway")
	}

	reply, err := channel.Call(context.Background(), []byte{0xa0})
	if !errors.Is(err, transport.ErrChannelClosed) {
		t.Fatalf("call after an interrupted exchange: reply=%v err=%v, want %v", reply, err, transport.ErrChannelClosed)
	}
}

func TestContextDeadlineBoundsTheCall(t *testing.T) {
	// A listener that accepts but never replies stands in for a hung
	// helper.
	socketPath := filepath.Join(testutil.SocketDir(t), "hung.sock")
	listener, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: socketPath, Net: "unixpacket"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.AcceptUnix()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	channel := dialChannel(t, socketPath)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = channel.Call(ctx, []byte{0xa0})
	if err == nil {
		t.Fatal("call against a hung helper succeeded")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("deadline ignored: call blocked for %v", elapsed)
	}
}
