// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides capnet's standard CBOR encoding configuration.
//
// Every envelope that crosses the channel to the helper — operation
// requests, responses, and serialized limit descriptors — is CBOR. The
// encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. The same
// logical request always produces identical bytes, which keeps the wire
// contract with the helper stable.
//
// Fixed-layout socket addresses are NOT CBOR: they are native sockaddr
// byte images produced by package wire and carried inside CBOR byte
// strings. The CBOR layer frames and tags; the sockaddr layout is the
// ABI contract with the helper.
//
// The transport is datagram-framed, so the surface is buffer-oriented:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
package codec
