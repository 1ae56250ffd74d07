// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/capnet-foundation/capnet/wire"
)

// Error taxonomy. Encoding failures surface the wire package's
// sentinels (wire.ErrUnsupportedFamily and friends) directly; channel
// failures surface transport.ErrChannelClosed. Match all of them with
// errors.Is.
var (
	// ErrPermissionDenied: the helper refused the operation under the
	// channel's installed limits. Deterministic; never retried.
	ErrPermissionDenied = errors.New("operation denied by channel limits")

	// ErrHelperEncoding: the helper could not decode the request.
	// With a healthy agent this indicates version skew between agent
	// and helper.
	ErrHelperEncoding = errors.New("request rejected by helper as malformed")

	// ErrProtocol: the helper's reply violated the protocol (unknown
	// error code, missing or surplus descriptor). The channel should
	// be considered unusable.
	ErrProtocol = errors.New("helper protocol violation")
)

// responseError maps a failure envelope onto the taxonomy. OS errors
// come back as bare syscall.Errno wrapped with operation context, so
// errors.Is(err, unix.EADDRINUSE) works exactly as it would for a
// direct bind(2).
func responseError(op wire.Op, detail string, resp *wire.Response) error {
	switch resp.Code {
	case wire.CodePermissionDenied:
		return fmt.Errorf("%s %s: %w", op, detail, ErrPermissionDenied)
	case wire.CodeEncoding:
		return fmt.Errorf("%s %s: %w: %s", op, detail, ErrHelperEncoding, resp.Error)
	case wire.CodeErrno:
		return fmt.Errorf("%s %s: %w", op, detail, syscall.Errno(resp.Errno))
	default:
		return fmt.Errorf("%s %s: %w: unknown error code %q (%s)", op, detail, ErrProtocol, resp.Code, resp.Error)
	}
}
