package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDuration_UnmarshalYAML(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "go syntax", input: "d: 1h30m", want: 90 * time.Minute},
		{name: "milliseconds", input: "d: 300ms", want: 300 * time.Millisecond},
		{name: "bare integer is seconds", input: "d: 45", want: 45 * time.Second},
		{name: "empty string", input: `d: ""`, want: 0},
		{name: "invalid", input: "d: forever", wantErr: true},
		{name: "not a scalar", input: "d: [1s]", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var out struct {
				D Duration `yaml:"d"`
			}
			err := yaml.Unmarshal([]byte(tt.input), &out)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.D.Duration())
		})
	}
}

func TestDuration_Marshal(t *testing.T) {
	t.Parallel()

	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{D: Duration(5 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, "d: 5s\n", string(out))

	text, err := Duration(time.Minute).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m0s", string(text))
	assert.Equal(t, "1m0s", Duration(time.Minute).String())
}

func TestDuration_UnmarshalText(t *testing.T) {
	t.Parallel()

	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("2s")))
	assert.Equal(t, 2*time.Second, d.Duration())
	assert.Error(t, d.UnmarshalText([]byte("2 parsecs")))
}
