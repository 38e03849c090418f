package util

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSocketAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "ipv4", input: "127.0.0.1:8080", want: "127.0.0.1:8080"},
		{name: "ipv4 any", input: "0.0.0.0:8080", want: "0.0.0.0:8080"},
		{name: "ipv6", input: "[::1]:9000", want: "[::1]:9000"},
		{name: "mapped ipv4 is unmapped", input: "[::ffff:10.0.0.1]:80", want: "10.0.0.1:80"},
		{name: "surrounding spaces", input: " 10.0.0.5:5432 ", want: "10.0.0.5:5432"},
		{name: "empty", input: "", wantErr: true},
		{name: "host name", input: "localhost:8080", wantErr: true},
		{name: "missing port", input: "127.0.0.1", wantErr: true},
		{name: "unbracketed ipv6", input: "::1:9000", wantErr: true},
		{name: "port out of range", input: "127.0.0.1:70000", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ap, err := ParseSocketAddr(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidAddress))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ap.String())
		})
	}
}

func TestValidateBackendAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid", input: "10.0.0.5:5432"},
		{name: "valid ipv6", input: "[2001:db8::1]:443"},
		{name: "zero port", input: "10.0.0.5:0", wantErr: true},
		{name: "unspecified", input: "0.0.0.0:5432", wantErr: true},
		{name: "garbage", input: "nope", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ValidateBackendAddr(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateDuration(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateDuration(0))
	assert.NoError(t, ValidateDuration(time.Second))
	assert.Error(t, ValidateDuration(-time.Second))
}

func TestValidatePositiveDuration(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidatePositiveDuration(time.Second))
	assert.Error(t, ValidatePositiveDuration(0))
	assert.Error(t, ValidatePositiveDuration(-time.Second))
}

func TestValidateRatio(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateRatio(0))
	assert.NoError(t, ValidateRatio(0.5))
	assert.NoError(t, ValidateRatio(1))
	assert.Error(t, ValidateRatio(-0.1))
	assert.Error(t, ValidateRatio(1.1))
}

func TestValidateNonEmpty(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateNonEmpty("tcp3h", "service_name"))
	assert.EqualError(t, ValidateNonEmpty("  ", "service_name"), "service_name cannot be empty")
}
