// Copyright 2026 The Capnet Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/sys/unix"
)

// Family is a socket address family discriminant. Values are the
// platform's AF_* constants — the helper passes them to socket(2)
// unchanged.
type Family uint16

const (
	// FamilyInet is an IPv4 endpoint (sockaddr_in).
	FamilyInet = Family(unix.AF_INET)
	// FamilyInet6 is an IPv6 endpoint (sockaddr_in6).
	FamilyInet6 = Family(unix.AF_INET6)
	// FamilyUnix is a Unix-domain socket path (sockaddr_un).
	FamilyUnix = Family(unix.AF_UNIX)
)

func (f Family) String() string {
	switch f {
	case FamilyInet:
		return "inet"
	case FamilyInet6:
		return "inet6"
	case FamilyUnix:
		return "unix"
	default:
		return fmt.Sprintf("family(%d)", uint16(f))
	}
}

// Sockaddr image sizes. sockaddr_un is variable-length up to
// SizeofSockaddrUnix; the other two are exact.
const (
	sockaddrInetLen  = unix.SizeofSockaddrInet4
	sockaddrInet6Len = unix.SizeofSockaddrInet6
	sockaddrUnixMax  = unix.SizeofSockaddrUnix

	// maxUnixPath leaves room for the 2-byte header and the
	// terminating NUL inside sun_path.
	maxUnixPath = sockaddrUnixMax - 3
)

// Marshaling errors. EncodeAddress and DecodeAddress wrap these with
// context; match with errors.Is.
var (
	// ErrUnknownFamily is returned by DecodeAddress for a family
	// discriminant the helper protocol does not define.
	ErrUnknownFamily = errors.New("unknown address family")

	// ErrUnsupportedFamily is returned by EncodeAddress for an Address
	// value outside the supported IPv4/IPv6/Unix set (for example an
	// IPv4 endpoint holding an IPv6 address).
	ErrUnsupportedFamily = errors.New("unsupported address family")

	// ErrLengthMismatch is returned when a sockaddr image's length
	// does not agree with its family discriminant.
	ErrLengthMismatch = errors.New("sockaddr length mismatch")

	// ErrInvalidPath is returned for Unix-domain paths that cannot be
	// represented in sun_path: empty, too long, or containing NUL.
	ErrInvalidPath = errors.New("invalid unix socket path")
)

// Address is one of the endpoint representations the helper can
// operate on: Inet4Addr, Inet6Addr, or UnixAddr. Implementations are
// comparable value types, so two Address values are equal exactly when
// their wire images are equal.
type Address interface {
	// Family returns the address family discriminant.
	Family() Family

	// String renders the address for error messages and logs.
	String() string

	// appendSockaddr appends the native sockaddr image. The interface
	// is sealed: the helper protocol supports a closed set of families
	// and every one of them is matched exhaustively on decode.
	appendSockaddr(buf []byte) ([]byte, error)
}

// Inet4Addr is an IPv4 endpoint (sockaddr_in).
type Inet4Addr struct {
	// Addr must be a plain 4-byte IPv4 address. IPv4-mapped IPv6
	// values are rejected at encode time; Inet4AddrPort and
	// FromAddrPort unmap them at construction.
	Addr netip.Addr
	Port uint16
}

// Inet4AddrPort builds an Inet4Addr from a netip.AddrPort holding an
// IPv4 (or IPv4-mapped) address.
func Inet4AddrPort(ap netip.AddrPort) Inet4Addr {
	return Inet4Addr{Addr: ap.Addr().Unmap(), Port: ap.Port()}
}

// Family implements Address.
func (a Inet4Addr) Family() Family { return FamilyInet }

func (a Inet4Addr) String() string {
	return netip.AddrPortFrom(a.Addr, a.Port).String()
}

func (a Inet4Addr) appendSockaddr(buf []byte) ([]byte, error) {
	// Is4 is false for IPv4-mapped IPv6 values: they would decode to
	// the unmapped form and break the round-trip law, so they are
	// rejected rather than silently normalized.
	if !a.Addr.Is4() {
		return nil, fmt.Errorf("%w: %s is not an IPv4 address", ErrUnsupportedFamily, a.Addr)
	}
	raw := make([]byte, sockaddrInetLen)
	binary.NativeEndian.PutUint16(raw[0:2], uint16(FamilyInet))
	binary.BigEndian.PutUint16(raw[2:4], a.Port)
	ipBytes := a.Addr.As4()
	copy(raw[4:8], ipBytes[:])
	// raw[8:16] is sin_zero, left zeroed.
	return append(buf, raw...), nil
}

// Inet6Addr is an IPv6 endpoint (sockaddr_in6).
type Inet6Addr struct {
	// Addr must be a plain 16-byte IPv6 address without a zone name;
	// link-local scoping travels in the numeric Scope field, exactly
	// as it does in sin6_scope_id.
	Addr netip.Addr
	Port uint16

	// Flowinfo is sin6_flowinfo. Zero for almost all callers.
	Flowinfo uint32

	// Scope is sin6_scope_id, the numeric interface index for
	// link-local addresses.
	Scope uint32
}

// Inet6AddrPort builds an Inet6Addr from a netip.AddrPort holding a
// plain IPv6 address.
func Inet6AddrPort(ap netip.AddrPort) Inet6Addr {
	return Inet6Addr{Addr: ap.Addr().WithZone(""), Port: ap.Port()}
}

// Family implements Address.
func (a Inet6Addr) Family() Family { return FamilyInet6 }

func (a Inet6Addr) String() string {
	s := netip.AddrPortFrom(a.Addr, a.Port).String()
	if a.Scope != 0 {
		return fmt.Sprintf("%s%%%d", s, a.Scope)
	}
	return s
}

func (a Inet6Addr) appendSockaddr(buf []byte) ([]byte, error) {
	if !a.Addr.Is6() || a.Addr.Is4In6() {
		return nil, fmt.Errorf("%w: %s is not an IPv6 address", ErrUnsupportedFamily, a.Addr)
	}
	if a.Addr.Zone() != "" {
		return nil, fmt.Errorf("%w: zone names do not cross the wire, use the numeric Scope field", ErrUnsupportedFamily)
	}
	raw := make([]byte, sockaddrInet6Len)
	binary.NativeEndian.PutUint16(raw[0:2], uint16(FamilyInet6))
	binary.BigEndian.PutUint16(raw[2:4], a.Port)
	binary.BigEndian.PutUint32(raw[4:8], a.Flowinfo)
	ipBytes := a.Addr.As16()
	copy(raw[8:24], ipBytes[:])
	binary.BigEndian.PutUint32(raw[24:28], a.Scope)
	return append(buf, raw...), nil
}

// UnixAddr is a Unix-domain socket path (sockaddr_un). Abstract-
// namespace names are not supported: the helper's policy matches on
// filesystem paths.
type UnixAddr struct {
	Path string
}

// Family implements Address.
func (a UnixAddr) Family() Family { return FamilyUnix }

func (a UnixAddr) String() string { return a.Path }

func (a UnixAddr) appendSockaddr(buf []byte) ([]byte, error) {
	if a.Path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if len(a.Path) > maxUnixPath {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d byte sun_path limit", ErrInvalidPath, len(a.Path), maxUnixPath)
	}
	if strings.ContainsRune(a.Path, 0) {
		return nil, fmt.Errorf("%w: path contains NUL", ErrInvalidPath)
	}
	raw := make([]byte, 2+len(a.Path)+1)
	binary.NativeEndian.PutUint16(raw[0:2], uint16(FamilyUnix))
	copy(raw[2:], a.Path)
	// Trailing byte is the terminating NUL, left zeroed.
	return append(buf, raw...), nil
}

// FromAddrPort converts a netip.AddrPort into the matching Address.
// IPv4-mapped IPv6 addresses become IPv4 endpoints.
func FromAddrPort(ap netip.AddrPort) Address {
	if ap.Addr().Unmap().Is4() {
		return Inet4AddrPort(ap)
	}
	return Inet6AddrPort(ap)
}

// EncodeAddress produces the native sockaddr image for a. The image
// starts with the family discriminant and has exactly the length the
// helper expects for that family. Addresses outside the supported set
// are rejected with ErrUnsupportedFamily (or ErrInvalidPath for
// malformed Unix paths) — never silently truncated.
func EncodeAddress(a Address) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil address", ErrUnsupportedFamily)
	}
	return a.appendSockaddr(nil)
}

// DecodeAddress is the inverse of EncodeAddress. It matches the family
// discriminant exhaustively: unknown families fail with
// ErrUnknownFamily, and any disagreement between length and family
// fails with ErrLengthMismatch. DecodeAddress(EncodeAddress(a)) == a
// for every encodable Address.
func DecodeAddress(image []byte) (Address, error) {
	if len(image) < 2 {
		return nil, fmt.Errorf("%w: %d bytes is too short for a family tag", ErrLengthMismatch, len(image))
	}
	family := Family(binary.NativeEndian.Uint16(image[0:2]))
	switch family {
	case FamilyInet:
		if len(image) != sockaddrInetLen {
			return nil, fmt.Errorf("%w: sockaddr_in is %d bytes, got %d", ErrLengthMismatch, sockaddrInetLen, len(image))
		}
		return Inet4Addr{
			Addr: netip.AddrFrom4([4]byte(image[4:8])),
			Port: binary.BigEndian.Uint16(image[2:4]),
		}, nil

	case FamilyInet6:
		if len(image) != sockaddrInet6Len {
			return nil, fmt.Errorf("%w: sockaddr_in6 is %d bytes, got %d", ErrLengthMismatch, sockaddrInet6Len, len(image))
		}
		return Inet6Addr{
			Addr:     netip.AddrFrom16([16]byte(image[8:24])),
			Port:     binary.BigEndian.Uint16(image[2:4]),
			Flowinfo: binary.BigEndian.Uint32(image[4:8]),
			Scope:    binary.BigEndian.Uint32(image[24:28]),
		}, nil

	case FamilyUnix:
		if len(image) < 4 || len(image) > sockaddrUnixMax {
			return nil, fmt.Errorf("%w: sockaddr_un must be 4..%d bytes, got %d", ErrLengthMismatch, sockaddrUnixMax, len(image))
		}
		if image[len(image)-1] != 0 {
			return nil, fmt.Errorf("%w: sun_path is not NUL-terminated", ErrLengthMismatch)
		}
		path := string(image[2 : len(image)-1])
		if path == "" || strings.ContainsRune(path, 0) {
			return nil, fmt.Errorf("%w: embedded NUL or empty sun_path", ErrInvalidPath)
		}
		return UnixAddr{Path: path}, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownFamily, uint16(family))
	}
}
