package proxyproto

import (
	"encoding/binary"
	"fmt"
)

// EncodedLen returns the number of bytes Encode needs for addr.
func EncodedLen(addr ProxiedAddress) (int, error) {
	_, n, err := layout(addr)
	return n, err
}

// Encode writes the version 2 PROXY header for addr into buf and returns the
// number of bytes written. The result is always HeaderLen plus the value of
// the length field. On error buf is left untouched.
func Encode(addr ProxiedAddress, buf []byte) (int, error) {
	family, n, err := layout(addr)
	if err != nil {
		return 0, err
	}
	if len(buf) < n {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrBufferTooSmall, n, len(buf))
	}

	copy(buf[:12], Signature)
	buf[12] = Version<<4 | byte(CommandProxy)
	buf[13] = byte(family)<<4 | byte(addr.Transport)
	binary.BigEndian.PutUint16(buf[14:16], uint16(n-HeaderLen)) //nolint:gosec // bounded by layout

	src, dst := addr.Source.Addr().Unmap(), addr.Destination.Addr().Unmap()
	off := HeaderLen
	switch family {
	case FamilyInet:
		s, d := src.As4(), dst.As4()
		off += copy(buf[off:], s[:])
		off += copy(buf[off:], d[:])
	case FamilyInet6:
		s, d := src.As16(), dst.As16()
		off += copy(buf[off:], s[:])
		off += copy(buf[off:], d[:])
	}
	binary.BigEndian.PutUint16(buf[off:off+2], addr.Source.Port())
	binary.BigEndian.PutUint16(buf[off+2:off+4], addr.Destination.Port())
	off += 4

	off += putTLVs(buf[off:], addr.TLVs)
	return off, nil
}

// Marshal returns the encoded header for addr in a new slice.
func Marshal(addr ProxiedAddress) ([]byte, error) {
	n, err := EncodedLen(addr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := Encode(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// layout validates addr and returns its family and total encoded size.
func layout(addr ProxiedAddress) (AddressFamily, int, error) {
	if addr.Transport != TransportStream && addr.Transport != TransportDatagram {
		return FamilyUnspec, 0, fmt.Errorf("%w: %s", ErrUnsupportedTransport, addr.Transport)
	}
	family, err := addr.Family()
	if err != nil {
		return FamilyUnspec, 0, err
	}
	tl, err := tlvsLen(addr.TLVs)
	if err != nil {
		return FamilyUnspec, 0, err
	}
	body := addressBlockLen(family) + tl
	if body > 0xFFFF {
		return FamilyUnspec, 0, fmt.Errorf("%w: header body of %d bytes", ErrMalformedTLV, body)
	}
	return family, HeaderLen + body, nil
}
