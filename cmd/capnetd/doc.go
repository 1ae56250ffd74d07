// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

// Capnetd is the trusted network helper daemon. It listens on a Unix
// SOCK_SEQPACKET socket and performs socket binding and connecting on
// behalf of restricted peers, enforcing each channel's installed limit
// descriptor.
//
// Capnetd itself runs unrestricted. The deployment is expected to
// start it, hand the socket (or an inherited connection) to the
// processes that will be sandboxed, and only then let those processes
// enter their restricted mode.
package main
