// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"net"
	"net/netip"
	"os"
	"testing"
)

// SocketDir creates a temporary directory suitable for Unix domain
// sockets.
//
// Unix domain sockets have a ~108-byte path limit (sun_path in
// sockaddr_un). Test runners often set TMPDIR to deeply nested paths
// that exceed this limit, making t.TempDir() unsuitable for socket
// files. This function creates a short-named directory directly in
// /tmp.
//
// The directory is automatically removed when the test completes.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "capnet-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}

// OpenDescriptors returns the number of file descriptors the process
// currently holds open. Used for the no-leak-on-failure property: a
// failing delegated operation must leave the count unchanged.
func OpenDescriptors(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Fatalf("reading /proc/self/fd: %v", err)
	}
	// The ReadDir itself holds one descriptor for the directory.
	return len(entries) - 1
}

// ReservePort finds a currently free localhost TCP port by binding
// port zero and releasing it. The port can be re-bound by the code
// under test; the usual small race is acceptable in tests.
func ReservePort(t *testing.T) uint16 {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	defer listener.Close()
	addrPort, err := netip.ParseAddrPort(listener.Addr().String())
	if err != nil {
		t.Fatalf("parsing reserved address %q: %v", listener.Addr(), err)
	}
	return addrPort.Port()
}
