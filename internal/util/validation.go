package util

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// ParseSocketAddr parses an ip:port socket address. Host names are not
// accepted; IPv6 addresses must be bracketed.
func ParseSocketAddr(s string) (netip.AddrPort, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.AddrPort{}, fmt.Errorf("%w: address cannot be empty", ErrInvalidAddress)
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}

// ValidateBackendAddr parses s and rejects addresses that cannot be dialed.
func ValidateBackendAddr(s string) (netip.AddrPort, error) {
	ap, err := ParseSocketAddr(s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if ap.Port() == 0 {
		return netip.AddrPort{}, fmt.Errorf("%w: %q: port must be between 1 and 65535", ErrInvalidAddress, s)
	}
	if ap.Addr().IsUnspecified() {
		return netip.AddrPort{}, fmt.Errorf("%w: %q: unspecified address", ErrInvalidAddress, s)
	}
	return ap, nil
}

// ValidateDuration validates a duration is not negative.
func ValidateDuration(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("duration cannot be negative: %v", d)
	}
	return nil
}

// ValidatePositiveDuration validates a duration is strictly positive.
func ValidatePositiveDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("duration must be positive: %v", d)
	}
	return nil
}

// ValidateRatio validates a value in the closed range [0, 1].
func ValidateRatio(value float64) error {
	if value < 0 || value > 1 {
		return fmt.Errorf("ratio must be between 0 and 1, got: %v", value)
	}
	return nil
}

// ValidateNonEmpty validates that a string is not empty.
func ValidateNonEmpty(value, name string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	return nil
}
