package proxyproto

import "errors"

// Encode errors.
var (
	// ErrBufferTooSmall is returned when the destination buffer cannot hold
	// the encoded header. Nothing is written in that case.
	ErrBufferTooSmall = errors.New("proxyproto: buffer too small")

	// ErrUnsupportedAddressPair is returned for invalid addresses or a
	// source and destination of different address families.
	ErrUnsupportedAddressPair = errors.New("proxyproto: unsupported address pair")

	// ErrUnsupportedTransport is returned when encoding a transport other
	// than STREAM or DGRAM.
	ErrUnsupportedTransport = errors.New("proxyproto: unsupported transport protocol")
)

// Decode errors.
var (
	ErrSignatureMismatch     = errors.New("proxyproto: signature mismatch")
	ErrUnsupportedVersion    = errors.New("proxyproto: unsupported version")
	ErrUnsupportedCommand    = errors.New("proxyproto: unsupported command")
	ErrUnsupportedFamily     = errors.New("proxyproto: unsupported address family")
	ErrTruncatedAddressBlock = errors.New("proxyproto: truncated address block")
	ErrMalformedTLV          = errors.New("proxyproto: malformed TLV")

	// ErrHeaderMismatch is returned by Verify when the decoded header does
	// not describe the expected address pair.
	ErrHeaderMismatch = errors.New("proxyproto: decoded header does not match")
)

// IsEncodeError reports whether err is one of the encode failures.
func IsEncodeError(err error) bool {
	return errors.Is(err, ErrBufferTooSmall) ||
		errors.Is(err, ErrUnsupportedAddressPair) ||
		errors.Is(err, ErrUnsupportedTransport) ||
		errors.Is(err, ErrMalformedTLV)
}

// IsDecodeError reports whether err is one of the decode failures.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrSignatureMismatch) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrUnsupportedCommand) ||
		errors.Is(err, ErrUnsupportedFamily) ||
		errors.Is(err, ErrTruncatedAddressBlock) ||
		errors.Is(err, ErrMalformedTLV) ||
		errors.Is(err, ErrHeaderMismatch)
}
