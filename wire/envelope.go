// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "github.com/capnet-foundation/capnet/lib/codec"

// Op is the operation discriminant in a request envelope. The helper
// dispatches on it exhaustively; an unrecognized tag is rejected with
// CodeEncoding, never ignored.
type Op string

const (
	// OpBind asks the helper to create a socket, bind it to the
	// enclosed address, and transfer the descriptor back.
	OpBind Op = "bind"

	// OpConnect asks the helper to create a socket, connect it to the
	// enclosed address, and transfer the descriptor back.
	OpConnect Op = "connect"

	// OpLimit installs a serialized limit descriptor as the channel's
	// policy. At most one meaningful install per channel: a second
	// install replaces the first wholesale.
	OpLimit Op = "limit"
)

// SocketType selects the socket type for OpBind and OpConnect.
type SocketType string

const (
	// SocketStream is SOCK_STREAM (TCP, or stream Unix sockets).
	SocketStream SocketType = "stream"
	// SocketDatagram is SOCK_DGRAM (UDP, or datagram Unix sockets).
	SocketDatagram SocketType = "datagram"
)

// Request is the CBOR envelope for one delegated operation.
type Request struct {
	// Op is the operation discriminant.
	Op Op `cbor:"op"`

	// Sockaddr is the native sockaddr image produced by EncodeAddress
	// (for OpBind and OpConnect).
	Sockaddr []byte `cbor:"sockaddr,omitempty"`

	// SocketType selects stream or datagram for OpBind and OpConnect.
	// Empty means stream.
	SocketType SocketType `cbor:"socket_type,omitempty"`

	// Limits is the serialized limit descriptor for OpLimit.
	Limits codec.RawMessage `cbor:"limits,omitempty"`
}

// Code classifies a failure response. The agent maps each code onto
// its error taxonomy; an unknown code is a protocol violation.
type Code string

const (
	// CodeEncoding: the helper could not decode the envelope or its
	// sockaddr payload. Always a caller (or version-skew) bug.
	CodeEncoding Code = "encoding"

	// CodePermissionDenied: the operation was rejected by the
	// channel's installed limits. Deterministic — retrying with the
	// same arguments fails again.
	CodePermissionDenied Code = "permission-denied"

	// CodeErrno: the helper executed the system call and it failed.
	// The Errno field preserves the OS error unchanged.
	CodeErrno Code = "errno"
)

// Response is the CBOR envelope for the helper's reply. On success any
// created descriptor travels out of band with this payload; on failure
// no descriptor crosses the boundary.
type Response struct {
	OK bool `cbor:"ok"`

	// Code classifies the failure when OK is false.
	Code Code `cbor:"code,omitempty"`

	// Errno is the raw OS error number for CodeErrno responses.
	Errno int `cbor:"errno,omitempty"`

	// Error is a human-readable description of the failure.
	Error string `cbor:"error,omitempty"`
}
