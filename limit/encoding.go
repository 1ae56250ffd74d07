// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package limit

import (
	"fmt"

	"github.com/capnet-foundation/capnet/lib/codec"
	"github.com/capnet-foundation/capnet/wire"
)

// wireDescriptor is the CBOR form of a Descriptor. Exact addresses
// travel as native sockaddr images so the helper validates them with
// the same decoder it uses for operation requests.
type wireDescriptor struct {
	Bind    []wireRule `cbor:"bind,omitempty"`
	Connect []wireRule `cbor:"connect,omitempty"`
}

type wireRule struct {
	Family uint16 `cbor:"family"`

	// Sockaddr is the exact-address image; empty for family-wide
	// rules.
	Sockaddr []byte `cbor:"sockaddr,omitempty"`
}

// Encode serializes the descriptor for the install envelope.
func (d *Descriptor) Encode() (codec.RawMessage, error) {
	var w wireDescriptor
	var err error
	if w.Bind, err = encodeRules(d.bind); err != nil {
		return nil, err
	}
	if w.Connect, err = encodeRules(d.connect); err != nil {
		return nil, err
	}
	data, err := codec.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshaling limit descriptor: %w", err)
	}
	return codec.RawMessage(data), nil
}

func encodeRules(rules []rule) ([]wireRule, error) {
	out := make([]wireRule, 0, len(rules))
	for _, r := range rules {
		wr := wireRule{Family: uint16(r.family)}
		if r.addr != nil {
			image, err := wire.EncodeAddress(r.addr)
			if err != nil {
				return nil, fmt.Errorf("limit rule for %s: %w", r.addr, err)
			}
			wr.Sockaddr = image
		}
		out = append(out, wr)
	}
	return out, nil
}

// Decode parses a serialized descriptor received by the helper. Every
// exact-address rule is decoded through the sockaddr layer, so a
// malformed or unknown-family rule fails the whole install rather
// than installing a policy with silently dropped entries.
func Decode(data []byte) (*Descriptor, error) {
	var w wireDescriptor
	if err := codec.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshaling limit descriptor: %w", err)
	}
	d := &Descriptor{}
	var err error
	if d.bind, err = decodeRules(w.Bind); err != nil {
		return nil, err
	}
	if d.connect, err = decodeRules(w.Connect); err != nil {
		return nil, err
	}
	return d, nil
}

func decodeRules(rules []wireRule) ([]rule, error) {
	out := make([]rule, 0, len(rules))
	for _, wr := range rules {
		r := rule{family: wire.Family(wr.Family)}
		switch r.family {
		case wire.FamilyInet, wire.FamilyInet6, wire.FamilyUnix:
		default:
			return nil, fmt.Errorf("limit rule: %w: %d", wire.ErrUnknownFamily, wr.Family)
		}
		if len(wr.Sockaddr) > 0 {
			addr, err := wire.DecodeAddress(wr.Sockaddr)
			if err != nil {
				return nil, fmt.Errorf("limit rule: %w", err)
			}
			if addr.Family() != r.family {
				return nil, fmt.Errorf("limit rule: family tag %s disagrees with sockaddr family %s", r.family, addr.Family())
			}
			r.addr = addr
		}
		out = append(out, r)
	}
	return out, nil
}
