// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

// Package limit builds and evaluates the per-channel permission set
// for delegated network operations.
//
// A Builder starts empty — a descriptor finalized with zero Allow
// calls permits nothing once installed. Each Allow call adds one
// (operation, address predicate) combination: either any address of a
// family, or one exact address. Calls accumulate with union semantics.
// Absence of a rule is denial, not ambiguity.
//
// Finalizing with Descriptor consumes the Builder. The resulting
// Descriptor is immutable; the same evaluation methods that callers
// can use to predict a decision run helper-side to enforce it.
//
// Installation semantics are a property of the helper, not of this
// package: installing a second descriptor on a channel replaces the
// first wholesale — it never merges and never loosens what an
// installed descriptor denies. Callers are expected to install once,
// at startup, before untrusted input is handled.
package limit
