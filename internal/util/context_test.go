package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContextWithSessionID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		sessionID string
	}{
		{
			name:      "UUID format",
			sessionID: "550e8400-e29b-41d4-a716-446655440000",
		},
		{
			name:      "empty session ID",
			sessionID: "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := ContextWithSessionID(context.Background(), tt.sessionID)

			assert.Equal(t, tt.sessionID, SessionIDFromContext(ctx))
		})
	}
}

func TestSessionIDFromContext_Missing(t *testing.T) {
	t.Parallel()

	assert.Empty(t, SessionIDFromContext(context.Background()))
	assert.Empty(t, ClientFromContext(context.Background()))
	assert.Empty(t, BackendFromContext(context.Background()))
	assert.True(t, StartTimeFromContext(context.Background()).IsZero())
}

func TestContextWithAddresses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctx = ContextWithClient(ctx, "192.0.2.10:51000")
	ctx = ContextWithBackend(ctx, "10.0.0.5:5432")

	assert.Equal(t, "192.0.2.10:51000", ClientFromContext(ctx))
	assert.Equal(t, "10.0.0.5:5432", BackendFromContext(ctx))
}

func TestContextWithStartTime(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ctx := ContextWithStartTime(context.Background(), now)

	assert.Equal(t, now, StartTimeFromContext(ctx))
}
