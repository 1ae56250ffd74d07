// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the byte-level contract between the agent and
// the trusted network helper: the fixed-layout socket address images
// and the CBOR call envelope that carries them.
//
// Socket addresses cross the channel as native sockaddr byte images
// (family discriminant first, exact length), matching the layout the
// helper hands to the kernel. The layout is an ABI contract with an
// independently versioned helper — it is validated on both encode and
// decode, and unknown or malformed input is always rejected, never
// truncated or defaulted.
//
// The envelope (Request/Response) is deliberately small: an operation
// tag, an optional sockaddr image, an optional socket-type option, and
// an optional serialized limit descriptor. File descriptors never
// appear in the envelope; they travel out of band on the channel.
package wire
