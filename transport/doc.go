// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries capnet envelopes between a sandboxed
// process and the trusted network helper.
//
// The agent depends only on the Channel interface: one synchronous
// call-and-response whose reply may carry transferred file
// descriptors. The channel is pre-established and authenticated by the
// surrounding infrastructure before the process enters its restricted
// mode; this package never reconnects, retries, or re-authenticates.
//
// UnixChannel is the concrete implementation: a persistent
// SOCK_SEQPACKET connection where each request and each reply is one
// datagram, and descriptors ride SCM_RIGHTS control messages on the
// reply. The connection is the helper's policy key — installed limits
// live exactly as long as it does. Server is the helper-side accept
// loop; it creates one policy session per accepted connection.
package transport
