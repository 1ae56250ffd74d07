// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for capnet packages.
package testutil
