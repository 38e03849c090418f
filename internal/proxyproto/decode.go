package proxyproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
)

// Decode parses a version 2 header from the start of b. It returns the header
// and the number of bytes it occupies; anything after that belongs to the
// relayed stream.
func Decode(b []byte) (Header, int, error) {
	n, err := checkPrefix(b)
	if err != nil {
		return Header{}, 0, err
	}
	if len(b) < n {
		return Header{}, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncatedAddressBlock, n, len(b))
	}

	h := Header{
		Version:   b[12] >> 4,
		Command:   Command(b[12] & 0x0F),
		Family:    AddressFamily(b[13] >> 4),
		Transport: TransportProtocol(b[13] & 0x0F),
	}
	body := b[HeaderLen:n]

	// LOCAL headers and AF_UNSPEC carry no usable addresses; the receiver
	// must skip the body.
	if h.Command == CommandLocal || h.Family == FamilyUnspec {
		return h, n, nil
	}

	block := addressBlockLen(h.Family)
	switch h.Family {
	case FamilyInet, FamilyInet6:
	default:
		return Header{}, 0, fmt.Errorf("%w: %s", ErrUnsupportedFamily, h.Family)
	}
	if len(body) < block {
		return Header{}, 0, fmt.Errorf("%w: %s needs %d bytes, length field is %d",
			ErrTruncatedAddressBlock, h.Family, block, len(body))
	}

	var src, dst netip.Addr
	if h.Family == FamilyInet {
		src = netip.AddrFrom4([4]byte(body[0:4]))
		dst = netip.AddrFrom4([4]byte(body[4:8]))
	} else {
		src = netip.AddrFrom16([16]byte(body[0:16]))
		dst = netip.AddrFrom16([16]byte(body[16:32]))
	}
	ports := body[block-4 : block]
	h.Source = netip.AddrPortFrom(src, binary.BigEndian.Uint16(ports[0:2]))
	h.Destination = netip.AddrPortFrom(dst, binary.BigEndian.Uint16(ports[2:4]))

	h.TLVs, err = parseTLVs(body[block:])
	if err != nil {
		return Header{}, 0, err
	}
	return h, n, nil
}

// Read reads exactly one header from r without consuming any bytes past it.
func Read(r io.Reader) (Header, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, fmt.Errorf("%w: %v", ErrTruncatedAddressBlock, err)
		}
		return Header{}, err
	}
	n, err := checkPrefix(fixed[:])
	if err != nil {
		return Header{}, err
	}

	buf := make([]byte, n)
	copy(buf, fixed[:])
	if _, err := io.ReadFull(r, buf[HeaderLen:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, fmt.Errorf("%w: %v", ErrTruncatedAddressBlock, err)
		}
		return Header{}, err
	}

	h, _, err := Decode(buf)
	return h, err
}

// Verify decodes buf and checks that it describes want. It is used to
// re-parse a freshly encoded header before it leaves the process.
func Verify(buf []byte, want ProxiedAddress) error {
	h, n, err := Decode(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("%w: decoded %d of %d bytes", ErrHeaderMismatch, n, len(buf))
	}
	if h.Command != CommandProxy {
		return fmt.Errorf("%w: command %s", ErrHeaderMismatch, h.Command)
	}
	if got := h.ProxiedAddress(); !got.Equal(want) {
		return fmt.Errorf("%w: got %s, want %s", ErrHeaderMismatch, got, want)
	}
	return nil
}

// checkPrefix validates the fixed part of a header and returns the total
// header length announced by it.
func checkPrefix(b []byte) (int, error) {
	sig := len(b)
	if sig > len(Signature) {
		sig = len(Signature)
	}
	if string(b[:sig]) != Signature[:sig] {
		return 0, ErrSignatureMismatch
	}
	if len(b) < HeaderLen {
		return 0, fmt.Errorf("%w: %d of %d fixed bytes", ErrTruncatedAddressBlock, len(b), HeaderLen)
	}
	if v := b[12] >> 4; v != Version {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	if c := Command(b[12] & 0x0F); c != CommandLocal && c != CommandProxy {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedCommand, byte(c))
	}
	return HeaderLen + int(binary.BigEndian.Uint16(b[14:16])), nil
}
