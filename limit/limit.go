// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package limit

import (
	"fmt"

	"github.com/capnet-foundation/capnet/wire"
)

// rule is one allowed combination. A nil addr permits any address of
// the family; a non-nil addr permits exactly that address.
type rule struct {
	family wire.Family
	addr   wire.Address
}

func (r rule) matches(a wire.Address) bool {
	if r.family != a.Family() {
		return false
	}
	if r.addr == nil {
		return true
	}
	// Address implementations are comparable value types, so interface
	// equality is wire-image equality.
	return r.addr == a
}

// Builder accumulates allowed combinations for a Descriptor. The zero
// builder permits nothing. Builders are not safe for concurrent use.
type Builder struct {
	bind      []rule
	connect   []rule
	finalized bool
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AllowBindFamily permits bind to any address of the given family.
func (b *Builder) AllowBindFamily(f wire.Family) *Builder {
	b.checkOpen()
	b.bind = append(b.bind, rule{family: f})
	return b
}

// AllowBind permits bind to exactly the given address. May be called
// multiple times to permit multiple addresses.
func (b *Builder) AllowBind(a wire.Address) *Builder {
	b.checkOpen()
	b.bind = append(b.bind, rule{family: a.Family(), addr: a})
	return b
}

// AllowConnectFamily permits connect to any address of the given
// family.
func (b *Builder) AllowConnectFamily(f wire.Family) *Builder {
	b.checkOpen()
	b.connect = append(b.connect, rule{family: f})
	return b
}

// AllowConnect permits connect to exactly the given address. May be
// called multiple times to permit multiple addresses.
func (b *Builder) AllowConnect(a wire.Address) *Builder {
	b.checkOpen()
	b.connect = append(b.connect, rule{family: a.Family(), addr: a})
	return b
}

// Descriptor finalizes the builder and returns the immutable
// descriptor. Every exact-address rule is validated by encoding it;
// an address that cannot cross the wire fails here rather than at
// install time. Finalization consumes the builder: any further call
// on it panics.
func (b *Builder) Descriptor() (*Descriptor, error) {
	b.checkOpen()
	b.finalized = true
	for _, rules := range [][]rule{b.bind, b.connect} {
		for _, r := range rules {
			if r.addr == nil {
				continue
			}
			if _, err := wire.EncodeAddress(r.addr); err != nil {
				return nil, fmt.Errorf("limit rule for %s: %w", r.addr, err)
			}
		}
	}
	return &Descriptor{bind: b.bind, connect: b.connect}, nil
}

func (b *Builder) checkOpen() {
	if b.finalized {
		panic("limit: Builder used after Descriptor()")
	}
}

// Descriptor is an immutable permission set for one channel. The zero
// descriptor (and a descriptor built with zero Allow calls) denies
// every operation.
type Descriptor struct {
	bind    []rule
	connect []rule
}

// AllowsBind reports whether the descriptor permits binding to a.
func (d *Descriptor) AllowsBind(a wire.Address) bool {
	return allows(d.bind, a)
}

// AllowsConnect reports whether the descriptor permits connecting
// to a.
func (d *Descriptor) AllowsConnect(a wire.Address) bool {
	return allows(d.connect, a)
}

func allows(rules []rule, a wire.Address) bool {
	if a == nil {
		return false
	}
	for _, r := range rules {
		if r.matches(a) {
			return true
		}
	}
	return false
}

// Rules returns a human-readable summary of the descriptor, one entry
// per rule, for logs and diagnostics.
func (d *Descriptor) Rules() []string {
	var out []string
	for _, r := range d.bind {
		out = append(out, "bind "+ruleString(r))
	}
	for _, r := range d.connect {
		out = append(out, "connect "+ruleString(r))
	}
	return out
}

func ruleString(r rule) string {
	if r.addr == nil {
		return "any " + r.family.String()
	}
	return r.addr.String()
}
