package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"overloaded body", errors.New(`{"error":{"message":"Overloaded"}}`), true},
		{"internal", errors.New("Internal Server Error"), true},
		{"timeout", errors.New("request Timeout exceeded"), true},
		{"rate limit", errors.New("429 Too Many Requests"), true},
		{"server error", errors.New("unexpected status 503"), true},
		{"conn reset", errors.New("read: connection reset by peer"), true},
		{"permanent auth", Permanent(errors.New("401 unauthorized")), false},
		{"plain 400", errors.New("400 bad request"), false},
		{"context canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		if calls < 4 {
			return errors.New("503 service unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return errors.New("401 unauthorized")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func() error {
		calls++
		return errors.New("overloaded")
	})
	require.Error(t, err)
	assert.Equal(t, 5, calls)
}

func TestStreamGuardBlocksRetryAfterFirstToken(t *testing.T) {
	guard := &StreamGuard{}
	calls := 0
	err := DoStream(context.Background(), fastConfig(), guard, func() error {
		calls++
		if calls < 3 {
			// Fails before any token was delivered; retryable.
			return errors.New("503")
		}
		guard.MarkYielded()
		return errors.New("connection reset mid-stream")
	})
	require.Error(t, err)
	// Two pre-yield failures retried, then the mid-stream failure stops it.
	assert.Equal(t, 3, calls)
}

func TestStreamGuardRetriesBeforeYield(t *testing.T) {
	guard := &StreamGuard{}
	calls := 0
	err := DoStream(context.Background(), fastConfig(), guard, func() error {
		calls++
		if calls < 4 {
			return errors.New("503")
		}
		guard.MarkYielded()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestDelayDoubles(t *testing.T) {
	c := Config{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}
	assert.Equal(t, time.Second, c.Delay(0))
	assert.Equal(t, 2*time.Second, c.Delay(1))
	assert.Equal(t, 4*time.Second, c.Delay(2))
	assert.Equal(t, time.Minute, c.Delay(20))
}
