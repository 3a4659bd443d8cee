package backoff

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	tests := []struct {
		name     string
		base     time.Duration
		attempt  int
		expected time.Duration
	}{
		{"attempt 0 returns base", 100 * time.Millisecond, 0, 100 * time.Millisecond},
		{"attempt 1 doubles base", 100 * time.Millisecond, 1, 200 * time.Millisecond},
		{"attempt 3 is 8x base", 100 * time.Millisecond, 3, 800 * time.Millisecond},
		{"negative attempt treated as 0", 100 * time.Millisecond, -5, 100 * time.Millisecond},
		{"zero base returns 0", 0, 5, 0},
		{"negative base returns 0", -time.Millisecond, 5, 0},
		{"overflow saturates", time.Hour, 62, time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestFullJitter_Range(t *testing.T) {
	assert.Equal(t, time.Duration(0), FullJitter(0))
	assert.Equal(t, time.Duration(0), FullJitter(-time.Second))

	for i := 0; i < 100; i++ {
		d := FullJitter(10 * time.Millisecond)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 10*time.Millisecond)
	}
}

func TestPolicyDelay_Capped(t *testing.T) {
	p := Policy{Base: time.Second, Max: 5 * time.Millisecond}
	for i := 0; i < 20; i++ {
		assert.Less(t, p.Delay(10), 5*time.Millisecond)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetry(t *testing.T) {
	boom := errors.New("boom")
	p := Policy{Attempts: 3, Base: time.Millisecond}

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		n, err := p.Retry(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return boom
			}
			return nil
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("exhausted", func(t *testing.T) {
		n, err := p.Retry(context.Background(), func(context.Context) error { return boom }, nil)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, n)
	})

	t.Run("not retryable", func(t *testing.T) {
		n, err := p.Retry(context.Background(), func(context.Context) error { return boom },
			func(error) bool { return false })
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, n)
	})

	t.Run("cancelled between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		n, err := Policy{Attempts: 5, Base: time.Hour}.Retry(ctx, func(context.Context) error {
			cancel()
			return boom
		}, nil)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, n)
	})
}
