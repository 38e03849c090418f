package proxyproto

import (
	"encoding/binary"
	"fmt"
)

// TLVType identifies a type-length-value extension following the address block.
type TLVType byte

// Registered TLV types.
const (
	TLVTypeALPN      TLVType = 0x01
	TLVTypeAuthority TLVType = 0x02
	TLVTypeCRC32C    TLVType = 0x03
	TLVTypeNoop      TLVType = 0x04
	TLVTypeUniqueID  TLVType = 0x05
	TLVTypeSSL       TLVType = 0x20
	TLVTypeNetNS     TLVType = 0x30
)

// MaxUniqueIDLen is the largest value allowed for a TLVTypeUniqueID entry.
const MaxUniqueIDLen = 128

const tlvHeaderLen = 3

// TLV is a single extension entry.
type TLV struct {
	Type  TLVType
	Value []byte
}

// UniqueID returns a PP2_TYPE_UNIQUE_ID entry carrying id.
func UniqueID(id string) TLV {
	return TLV{Type: TLVTypeUniqueID, Value: []byte(id)}
}

// tlvsLen returns the encoded size of tlvs.
func tlvsLen(tlvs []TLV) (int, error) {
	n := 0
	for _, tlv := range tlvs {
		if len(tlv.Value) > 0xFFFF {
			return 0, fmt.Errorf("%w: type 0x%02x value of %d bytes", ErrMalformedTLV, byte(tlv.Type), len(tlv.Value))
		}
		if tlv.Type == TLVTypeUniqueID && len(tlv.Value) > MaxUniqueIDLen {
			return 0, fmt.Errorf("%w: unique id of %d bytes exceeds %d", ErrMalformedTLV, len(tlv.Value), MaxUniqueIDLen)
		}
		n += tlvHeaderLen + len(tlv.Value)
	}
	return n, nil
}

// putTLVs writes tlvs into b, which must be large enough.
func putTLVs(b []byte, tlvs []TLV) int {
	off := 0
	for _, tlv := range tlvs {
		b[off] = byte(tlv.Type)
		binary.BigEndian.PutUint16(b[off+1:off+3], uint16(len(tlv.Value))) //nolint:gosec // bounded by tlvsLen
		off += tlvHeaderLen
		off += copy(b[off:], tlv.Value)
	}
	return off
}

// parseTLVs decodes the TLV area that follows the address block.
func parseTLVs(b []byte) ([]TLV, error) {
	var tlvs []TLV
	for off := 0; off < len(b); {
		if len(b)-off < tlvHeaderLen {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedTLV, len(b)-off)
		}
		t := TLVType(b[off])
		n := int(binary.BigEndian.Uint16(b[off+1 : off+3]))
		off += tlvHeaderLen
		if off+n > len(b) {
			return nil, fmt.Errorf("%w: type 0x%02x len=%d available=%d", ErrMalformedTLV, byte(t), n, len(b)-off)
		}
		value := make([]byte, n)
		copy(value, b[off:off+n])
		tlvs = append(tlvs, TLV{Type: t, Value: value})
		off += n
	}
	return tlvs, nil
}
