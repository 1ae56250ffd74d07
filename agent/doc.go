// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent is the client side of the capnet protocol: the object
// a restricted process holds to delegate socket binding and connecting
// to the trusted helper.
//
// An Agent pairs a channel with the operation namespace and nothing
// else. It is created once, borrowed for the process's lifetime, and
// holds no state between calls: no cache, no pool, no retry, no
// logging. Every failure is returned to the immediate caller with its
// category intact — masking a permission failure here would undermine
// the sandboxing guarantee.
//
// The primitive operations (Bind, Connect) return a raw *os.File whose
// ownership transfers fully to the caller. The convenience
// constructors (ListenTCP, BindUDP, ListenUnix, ...) adapt that
// primitive to the net package types; they add no protocol behavior,
// and when wrapping fails they close the raw descriptor before
// propagating the error.
//
// Limits: build a limit.Descriptor and install it with InstallLimits
// before handling untrusted input. Installation is a wholesale
// replacement on the helper side; install once at startup.
package agent
