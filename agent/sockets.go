// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"

	"github.com/capnet-foundation/capnet/wire"
)

// ErrNoAddresses is returned by the multi-address constructors when
// called with an empty address list.
var ErrNoAddresses = errors.New("no addresses to bind or connect")

// ListenTCP binds a TCP listener through the helper. Each address is
// tried in order; the first success wins and the last failure is
// returned when all of them fail. listen(2) itself runs locally — it
// is an ordinary descriptor operation that restricted mode permits.
func (a *Agent) ListenTCP(ctx context.Context, addrs ...netip.AddrPort) (*net.TCPListener, error) {
	var lastErr error
	for _, ap := range addrs {
		file, err := a.Bind(ctx, wire.FromAddrPort(ap), Options{SocketType: wire.SocketStream})
		if err != nil {
			lastErr = err
			continue
		}
		listener, err := listenerFromFile(file)
		if err != nil {
			return nil, err
		}
		tcpListener, ok := listener.(*net.TCPListener)
		if !ok {
			listener.Close()
			return nil, fmt.Errorf("bind %s: unexpected listener type %T", ap, listener)
		}
		return tcpListener, nil
	}
	if lastErr == nil {
		lastErr = ErrNoAddresses
	}
	return nil, lastErr
}

// DialTCP opens a TCP connection through the helper. Each address is
// tried in order; the last failure is returned when all fail.
func (a *Agent) DialTCP(ctx context.Context, addrs ...netip.AddrPort) (*net.TCPConn, error) {
	var lastErr error
	for _, ap := range addrs {
		file, err := a.Connect(ctx, wire.FromAddrPort(ap), Options{SocketType: wire.SocketStream})
		if err != nil {
			lastErr = err
			continue
		}
		conn, err := connFromFile(file)
		if err != nil {
			return nil, err
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			return nil, fmt.Errorf("connect %s: unexpected connection type %T", ap, conn)
		}
		return tcpConn, nil
	}
	if lastErr == nil {
		lastErr = ErrNoAddresses
	}
	return nil, lastErr
}

// BindUDP binds a UDP socket through the helper. Each address is
// tried in order; the last failure is returned when all fail.
func (a *Agent) BindUDP(ctx context.Context, addrs ...netip.AddrPort) (*net.UDPConn, error) {
	var lastErr error
	for _, ap := range addrs {
		file, err := a.Bind(ctx, wire.FromAddrPort(ap), Options{SocketType: wire.SocketDatagram})
		if err != nil {
			lastErr = err
			continue
		}
		packetConn, err := packetConnFromFile(file)
		if err != nil {
			return nil, err
		}
		udpConn, ok := packetConn.(*net.UDPConn)
		if !ok {
			packetConn.Close()
			return nil, fmt.Errorf("bind %s: unexpected socket type %T", ap, packetConn)
		}
		return udpConn, nil
	}
	if lastErr == nil {
		lastErr = ErrNoAddresses
	}
	return nil, lastErr
}

// ListenUnix binds a stream Unix-domain listener at path through the
// helper.
func (a *Agent) ListenUnix(ctx context.Context, path string) (*net.UnixListener, error) {
	file, err := a.Bind(ctx, wire.UnixAddr{Path: path}, Options{SocketType: wire.SocketStream})
	if err != nil {
		return nil, err
	}
	listener, err := listenerFromFile(file)
	if err != nil {
		return nil, err
	}
	unixListener, ok := listener.(*net.UnixListener)
	if !ok {
		listener.Close()
		return nil, fmt.Errorf("bind %s: unexpected listener type %T", path, listener)
	}
	return unixListener, nil
}

// BindUnixDatagram binds a datagram Unix-domain socket at path
// through the helper.
func (a *Agent) BindUnixDatagram(ctx context.Context, path string) (*net.UnixConn, error) {
	file, err := a.Bind(ctx, wire.UnixAddr{Path: path}, Options{SocketType: wire.SocketDatagram})
	if err != nil {
		return nil, err
	}
	packetConn, err := packetConnFromFile(file)
	if err != nil {
		return nil, err
	}
	unixConn, ok := packetConn.(*net.UnixConn)
	if !ok {
		packetConn.Close()
		return nil, fmt.Errorf("bind %s: unexpected socket type %T", path, packetConn)
	}
	return unixConn, nil
}

// listenerFromFile marks the bound socket as listening and wraps it.
// The raw descriptor is handed off atomically: whatever happens, it
// is either owned by the returned listener or closed here.
func listenerFromFile(file *os.File) (net.Listener, error) {
	if err := unix.Listen(int(file.Fd()), unix.SOMAXCONN); err != nil {
		file.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}
	listener, err := net.FileListener(file)
	// FileListener duplicates the descriptor; ours is closed on both
	// paths.
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("wrapping listener: %w", err)
	}
	return listener, nil
}

// connFromFile wraps a connected socket, with the same atomic
// ownership handoff as listenerFromFile.
func connFromFile(file *os.File) (net.Conn, error) {
	conn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("wrapping connection: %w", err)
	}
	return conn, nil
}

// packetConnFromFile wraps a bound datagram socket, with the same
// atomic ownership handoff as listenerFromFile.
func packetConnFromFile(file *os.File) (net.PacketConn, error) {
	packetConn, err := net.FilePacketConn(file)
	file.Close()
	if err != nil {
		return nil, fmt.Errorf("wrapping packet socket: %w", err)
	}
	return packetConn, nil
}
