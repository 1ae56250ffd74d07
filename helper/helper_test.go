// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package helper

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/capnet-foundation/capnet/agent"
	"github.com/capnet-foundation/capnet/lib/codec"
	"github.com/capnet-foundation/capnet/lib/testutil"
	"github.com/capnet-foundation/capnet/limit"
	"github.com/capnet-foundation/capnet/wire"
)

func newAgent(t *testing.T) *agent.Agent {
	t.Helper()
	return agent.New(New(nil).Local())
}

func loopback(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
}

func mustDescriptor(t *testing.T, builder *limit.Builder) *limit.Descriptor {
	t.Helper()
	descriptor, err := builder.Descriptor()
	if err != nil {
		t.Fatalf("Descriptor: %v", err)
	}
	return descriptor
}

func TestUnrestrictedBindAssignsPort(t *testing.T) {
	conn, err := newAgent(t).BindUDP(context.Background(), loopback(0))
	if err != nil {
		t.Fatalf("BindUDP: %v", err)
	}
	defer conn.Close()

	local := conn.LocalAddr().(*net.UDPAddr)
	if local.Port == 0 {
		t.Error("bound socket has no assigned port")
	}
	if !local.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("bound to %v, want 127.0.0.1", local.IP)
	}
}

func TestFamilyWideLimit(t *testing.T) {
	a := newAgent(t)
	ctx := context.Background()

	descriptor := mustDescriptor(t, limit.NewBuilder().AllowBindFamily(wire.FamilyInet))
	if err := a.InstallLimits(ctx, descriptor); err != nil {
		t.Fatalf("InstallLimits: %v", err)
	}

	conn, err := a.BindUDP(ctx, loopback(0))
	if err != nil {
		t.Fatalf("BindUDP under inet family limit: %v", err)
	}
	defer conn.Close()
	if conn.LocalAddr().(*net.UDPAddr).Port == 0 {
		t.Error("bound socket has no assigned port")
	}

	_, err = a.BindUDP(ctx, netip.MustParseAddrPort("[::1]:0"))
	if !errors.Is(err, agent.ErrPermissionDenied) {
		t.Fatalf("IPv6 bind error = %v, want %v", err, agent.ErrPermissionDenied)
	}
}

func TestExactAddressLimit(t *testing.T) {
	a := newAgent(t)
	ctx := context.Background()
	allowedPort := testutil.ReservePort(t)
	otherPort := testutil.ReservePort(t)

	descriptor := mustDescriptor(t, limit.NewBuilder().
		AllowBind(wire.Inet4AddrPort(loopback(allowedPort))))
	if err := a.InstallLimits(ctx, descriptor); err != nil {
		t.Fatalf("InstallLimits: %v", err)
	}

	listener, err := a.ListenTCP(ctx, loopback(allowedPort))
	if err != nil {
		t.Fatalf("ListenTCP on the allowed address: %v", err)
	}
	defer listener.Close()

	if _, err := a.ListenTCP(ctx, loopback(otherPort)); !errors.Is(err, agent.ErrPermissionDenied) {
		t.Fatalf("bind to a different port error = %v, want %v", err, agent.ErrPermissionDenied)
	}
}

func TestEmptyDescriptorDeniesEverything(t *testing.T) {
	a := newAgent(t)
	ctx := context.Background()

	if err := a.InstallLimits(ctx, mustDescriptor(t, limit.NewBuilder())); err != nil {
		t.Fatalf("InstallLimits: %v", err)
	}

	if _, err := a.BindUDP(ctx, loopback(0)); !errors.Is(err, agent.ErrPermissionDenied) {
		t.Errorf("bind error = %v, want %v", err, agent.ErrPermissionDenied)
	}
	if _, err := a.DialTCP(ctx, loopback(1)); !errors.Is(err, agent.ErrPermissionDenied) {
		t.Errorf("connect error = %v, want %v", err, agent.ErrPermissionDenied)
	}
	if _, err := a.ListenUnix(ctx, filepath.Join(testutil.SocketDir(t), "denied.sock")); !errors.Is(err, agent.ErrPermissionDenied) {
		t.Errorf("unix bind error = %v, want %v", err, agent.ErrPermissionDenied)
	}
}

func TestReinstallReplacesWholesale(t *testing.T) {
	a := newAgent(t)
	ctx := context.Background()

	first := mustDescriptor(t, limit.NewBuilder().AllowBindFamily(wire.FamilyInet))
	if err := a.InstallLimits(ctx, first); err != nil {
		t.Fatalf("InstallLimits(first): %v", err)
	}

	conn, err := a.BindUDP(ctx, loopback(0))
	if err != nil {
		t.Fatalf("bind under first descriptor: %v", err)
	}
	conn.Close()

	second := mustDescriptor(t, limit.NewBuilder().AllowBindFamily(wire.FamilyUnix))
	if err := a.InstallLimits(ctx, second); err != nil {
		t.Fatalf("InstallLimits(second): %v", err)
	}

	// The second descriptor governs alone: what only the first allowed
	// is now denied.
	if _, err := a.BindUDP(ctx, loopback(0)); !errors.Is(err, agent.ErrPermissionDenied) {
		t.Fatalf("bind after reinstall error = %v, want %v", err, agent.ErrPermissionDenied)
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	h := New(nil)
	restricted := agent.New(h.Local())
	unrestricted := agent.New(h.Local())
	ctx := context.Background()

	if err := restricted.InstallLimits(ctx, mustDescriptor(t, limit.NewBuilder())); err != nil {
		t.Fatalf("InstallLimits: %v", err)
	}

	if _, err := restricted.BindUDP(ctx, loopback(0)); !errors.Is(err, agent.ErrPermissionDenied) {
		t.Fatalf("restricted channel bind error = %v, want %v", err, agent.ErrPermissionDenied)
	}

	conn, err := unrestricted.BindUDP(ctx, loopback(0))
	if err != nil {
		t.Fatalf("limits leaked across channels: %v", err)
	}
	conn.Close()
}

func TestAddressInUseSurfacesErrno(t *testing.T) {
	a := newAgent(t)
	ctx := context.Background()

	listener, err := a.ListenTCP(ctx, loopback(0))
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer listener.Close()

	bound, err := netip.ParseAddrPort(listener.Addr().String())
	if err != nil {
		t.Fatalf("parsing bound address: %v", err)
	}

	_, err = a.ListenTCP(ctx, bound)
	if !errors.Is(err, unix.EADDRINUSE) {
		t.Fatalf("second bind error = %v, want EADDRINUSE", err)
	}
}

func TestNoDescriptorLeakOnFailure(t *testing.T) {
	a := newAgent(t)
	ctx := context.Background()

	// Occupy an address, then fail against it repeatedly.
	listener, err := a.ListenTCP(ctx, loopback(0))
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	defer listener.Close()
	bound, err := netip.ParseAddrPort(listener.Addr().String())
	if err != nil {
		t.Fatalf("parsing bound address: %v", err)
	}

	if err := a.InstallLimits(ctx, mustDescriptor(t, limit.NewBuilder().
		AllowBindFamily(wire.FamilyInet))); err != nil {
		t.Fatalf("InstallLimits: %v", err)
	}

	before := testutil.OpenDescriptors(t)
	for i := 0; i < 32; i++ {
		// OS-level failure: the address is in use.
		if _, err := a.ListenTCP(ctx, bound); !errors.Is(err, unix.EADDRINUSE) {
			t.Fatalf("expected EADDRINUSE, got %v", err)
		}
		// Policy-level failure: family not permitted.
		if _, err := a.BindUDP(ctx, netip.MustParseAddrPort("[::1]:0")); !errors.Is(err, agent.ErrPermissionDenied) {
			t.Fatalf("expected permission denied, got %v", err)
		}
	}
	after := testutil.OpenDescriptors(t)

	if before != after {
		t.Errorf("descriptor count changed across failing operations: %d before, %d after", before, after)
	}
}

func TestUnixListenerThroughHelper(t *testing.T) {
	a := newAgent(t)
	ctx := context.Background()
	socketPath := filepath.Join(testutil.SocketDir(t), "app.sock")

	listener, err := a.ListenUnix(ctx, socketPath)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	defer listener.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
		done <- err
	}()

	client, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dialing the delegated listener: %v", err)
	}
	client.Close()
	if err := <-done; err != nil {
		t.Fatalf("accepting on the delegated listener: %v", err)
	}
}

func TestConnectDelegation(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer target.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := target.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()

	targetAddr, err := netip.ParseAddrPort(target.Addr().String())
	if err != nil {
		t.Fatalf("parsing target address: %v", err)
	}

	conn, err := newAgent(t).DialTCP(context.Background(), targetAddr)
	if err != nil {
		t.Fatalf("DialTCP: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("writing through the delegated connection: %v", err)
	}
	server := <-accepted
	if server == nil {
		t.Fatal("target accepted no connection")
	}
	defer server.Close()
	buf := make([]byte, 4)
	if _, err := server.Read(buf); err != nil {
		t.Fatalf("reading on the target side: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("received %q, want %q", buf, "ping")
	}
}

func TestConnectLimits(t *testing.T) {
	a := newAgent(t)
	ctx := context.Background()

	target, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer target.Close()
	targetAddr, err := netip.ParseAddrPort(target.Addr().String())
	if err != nil {
		t.Fatalf("parsing target address: %v", err)
	}

	descriptor := mustDescriptor(t, limit.NewBuilder().
		AllowConnect(wire.Inet4AddrPort(targetAddr)))
	if err := a.InstallLimits(ctx, descriptor); err != nil {
		t.Fatalf("InstallLimits: %v", err)
	}

	conn, err := a.DialTCP(ctx, targetAddr)
	if err != nil {
		t.Fatalf("DialTCP to the allowed target: %v", err)
	}
	conn.Close()

	if _, err := a.DialTCP(ctx, loopback(targetAddr.Port()+1)); !errors.Is(err, agent.ErrPermissionDenied) {
		t.Fatalf("connect outside the limit error = %v, want %v", err, agent.ErrPermissionDenied)
	}
	// Connect-only limits grant nothing to bind.
	if _, err := a.BindUDP(ctx, loopback(0)); !errors.Is(err, agent.ErrPermissionDenied) {
		t.Fatalf("bind under connect-only limits error = %v, want %v", err, agent.ErrPermissionDenied)
	}
}

func TestUnknownOperationRejected(t *testing.T) {
	channel := New(nil).Local()
	request, err := codec.Marshal(wire.Request{Op: "open-firewall"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	reply, err := channel.Call(context.Background(), request)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var resp wire.Response
	if err := codec.Unmarshal(reply.Payload, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.OK {
		t.Fatal("helper accepted an unknown operation")
	}
	if resp.Code != wire.CodeEncoding {
		t.Errorf("code = %q, want %q", resp.Code, wire.CodeEncoding)
	}
	if len(reply.Files) != 0 {
		t.Error("descriptors attached to a rejection")
	}
}

func TestInstallWithoutDescriptorRejected(t *testing.T) {
	channel := New(nil).Local()
	request, err := codec.Marshal(wire.Request{Op: wire.OpLimit})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	reply, err := channel.Call(context.Background(), request)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var resp wire.Response
	if err := codec.Unmarshal(reply.Payload, &resp); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if resp.OK || resp.Code != wire.CodeEncoding {
		t.Errorf("response = %+v, want encoding failure", resp)
	}
}
