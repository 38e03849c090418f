// Package proxyproto implements the binary PROXY protocol version 2 header
// used to carry the original client address across a relay hop.
//
// The header layout is:
//
//	+---------------------+-----------+-----------+---------+----------------+------+
//	| signature (12)      | ver|cmd   | fam|proto | len (2) | address block  | TLVs |
//	+---------------------+-----------+-----------+---------+----------------+------+
//
// The address block is 12 bytes for AF_INET and 36 bytes for AF_INET6.
package proxyproto

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
)

// Signature is the fixed 12-byte prefix of every version 2 header.
const Signature = "\r\n\r\n\x00\r\nQUIT\n"

const (
	// HeaderLen is the length of the fixed part of the header.
	HeaderLen = 16

	// MaxHeaderLen is large enough for any address block this package
	// encodes plus a unique ID TLV.
	MaxHeaderLen = HeaderLen + addrLenUnix

	// Version is the protocol version written in the upper nibble of byte 12.
	Version byte = 2

	addrLenInet  = 12
	addrLenInet6 = 36
	addrLenUnix  = 216
)

// Command is the lower nibble of byte 12.
type Command byte

const (
	// CommandLocal marks a connection established by the relay itself.
	CommandLocal Command = 0x0
	// CommandProxy marks a relayed connection; the address block is meaningful.
	CommandProxy Command = 0x1
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CommandLocal:
		return "LOCAL"
	case CommandProxy:
		return "PROXY"
	default:
		return fmt.Sprintf("Command(%d)", byte(c))
	}
}

// AddressFamily is the upper nibble of byte 13.
type AddressFamily byte

const (
	FamilyUnspec AddressFamily = 0x0
	FamilyInet   AddressFamily = 0x1
	FamilyInet6  AddressFamily = 0x2
	FamilyUnix   AddressFamily = 0x3
)

// String returns the address family name.
func (f AddressFamily) String() string {
	switch f {
	case FamilyUnspec:
		return "AF_UNSPEC"
	case FamilyInet:
		return "AF_INET"
	case FamilyInet6:
		return "AF_INET6"
	case FamilyUnix:
		return "AF_UNIX"
	default:
		return fmt.Sprintf("AddressFamily(%d)", byte(f))
	}
}

// addressBlockLen returns the size of the address block for the family.
func addressBlockLen(f AddressFamily) int {
	switch f {
	case FamilyInet:
		return addrLenInet
	case FamilyInet6:
		return addrLenInet6
	case FamilyUnix:
		return addrLenUnix
	default:
		return 0
	}
}

// TransportProtocol is the lower nibble of byte 13.
type TransportProtocol byte

const (
	TransportUnspec   TransportProtocol = 0x0
	TransportStream   TransportProtocol = 0x1
	TransportDatagram TransportProtocol = 0x2
)

// String returns the transport name.
func (t TransportProtocol) String() string {
	switch t {
	case TransportUnspec:
		return "UNSPEC"
	case TransportStream:
		return "STREAM"
	case TransportDatagram:
		return "DGRAM"
	default:
		return fmt.Sprintf("TransportProtocol(%d)", byte(t))
	}
}

// ProxiedAddress describes the connection a header is written for.
// Source is the original client and Destination is the backend.
type ProxiedAddress struct {
	Source      netip.AddrPort
	Destination netip.AddrPort
	Transport   TransportProtocol
	TLVs        []TLV
}

// Stream returns a stream (TCP) descriptor for the given address pair.
func Stream(src, dst netip.AddrPort) ProxiedAddress {
	return ProxiedAddress{
		Source:      normalize(src),
		Destination: normalize(dst),
		Transport:   TransportStream,
	}
}

// FromAddrs builds a stream descriptor from two TCP addresses, typically the
// client's RemoteAddr and the backend address.
func FromAddrs(src, dst net.Addr) (ProxiedAddress, error) {
	s, err := addrPort(src)
	if err != nil {
		return ProxiedAddress{}, err
	}
	d, err := addrPort(dst)
	if err != nil {
		return ProxiedAddress{}, err
	}
	return Stream(s, d), nil
}

// WithTLVs returns a copy of the descriptor carrying the given TLVs.
func (a ProxiedAddress) WithTLVs(tlvs ...TLV) ProxiedAddress {
	a.TLVs = append(append([]TLV(nil), a.TLVs...), tlvs...)
	return a
}

// Family reports the address family shared by both addresses.
// Mixed families yield ErrUnsupportedAddressPair.
func (a ProxiedAddress) Family() (AddressFamily, error) {
	src, dst := a.Source.Addr().Unmap(), a.Destination.Addr().Unmap()
	if !src.IsValid() || !dst.IsValid() {
		return FamilyUnspec, fmt.Errorf("%w: invalid address %s -> %s", ErrUnsupportedAddressPair, a.Source, a.Destination)
	}
	switch {
	case src.Is4() && dst.Is4():
		return FamilyInet, nil
	case src.Is6() && dst.Is6():
		return FamilyInet6, nil
	default:
		return FamilyUnspec, fmt.Errorf("%w: %s -> %s", ErrUnsupportedAddressPair, a.Source, a.Destination)
	}
}

// Equal reports whether both descriptors carry the same addresses, transport
// and TLVs.
func (a ProxiedAddress) Equal(b ProxiedAddress) bool {
	if normalize(a.Source) != normalize(b.Source) ||
		normalize(a.Destination) != normalize(b.Destination) ||
		a.Transport != b.Transport ||
		len(a.TLVs) != len(b.TLVs) {
		return false
	}
	for i := range a.TLVs {
		if a.TLVs[i].Type != b.TLVs[i].Type || !bytes.Equal(a.TLVs[i].Value, b.TLVs[i].Value) {
			return false
		}
	}
	return true
}

// String renders the descriptor for logs.
func (a ProxiedAddress) String() string {
	return fmt.Sprintf("%s %s -> %s", a.Transport, a.Source, a.Destination)
}

// Header is a decoded version 2 header.
type Header struct {
	Version     byte
	Command     Command
	Family      AddressFamily
	Transport   TransportProtocol
	Source      netip.AddrPort
	Destination netip.AddrPort
	TLVs        []TLV
}

// ProxiedAddress returns the address descriptor carried by the header.
func (h Header) ProxiedAddress() ProxiedAddress {
	return ProxiedAddress{
		Source:      h.Source,
		Destination: h.Destination,
		Transport:   h.Transport,
		TLVs:        h.TLVs,
	}
}

// TLV returns the value of the first TLV of the given type.
func (h Header) TLV(t TLVType) ([]byte, bool) {
	for _, tlv := range h.TLVs {
		if tlv.Type == t {
			return tlv.Value, true
		}
	}
	return nil, false
}

// normalize strips IPv4-in-IPv6 mapping and zones, neither of which survive
// the wire format.
func normalize(ap netip.AddrPort) netip.AddrPort {
	if !ap.IsValid() {
		return ap
	}
	return netip.AddrPortFrom(ap.Addr().Unmap().WithZone(""), ap.Port())
}

func addrPort(addr net.Addr) (netip.AddrPort, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		if a == nil {
			return netip.AddrPort{}, fmt.Errorf("%w: nil address", ErrUnsupportedAddressPair)
		}
		return a.AddrPort(), nil
	case *net.UDPAddr:
		if a == nil {
			return netip.AddrPort{}, fmt.Errorf("%w: nil address", ErrUnsupportedAddressPair)
		}
		return a.AddrPort(), nil
	case nil:
		return netip.AddrPort{}, fmt.Errorf("%w: nil address", ErrUnsupportedAddressPair)
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("%w: %s: %v", ErrUnsupportedAddressPair, addr, err)
		}
		return ap, nil
	}
}
