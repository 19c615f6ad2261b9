package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tariff-sync/internal/cache"
)

func testBarrier(t *testing.T) *Barrier {
	t.Helper()
	c := cache.New(cache.Options{})
	t.Cleanup(c.Close)
	breakers := NewServiceBreakers(CircuitBreakerConfig{
		ErrorRateThreshold: 0.5,
		MinRequests:        1,
		Cooldown:           time.Hour,
	})
	return NewBarrier(breakers, c, BarrierOptions{CallTimeout: time.Second})
}

func TestBarrierSuccessCachesPayload(t *testing.T) {
	b := testBarrier(t)
	ctx := context.Background()

	res, err := b.Call(ctx, "usitc", "chapter:84", func(ctx context.Context) ([]byte, error) {
		return []byte(`{"rows":[]}`), nil
	}, nil)
	require.NoError(t, err)
	assert.False(t, res.Degraded)
	assert.Equal(t, []byte(`{"rows":[]}`), res.Payload)

	// A later failure is answered from the cached payload.
	res, err = b.Call(ctx, "usitc", "chapter:84", func(ctx context.Context) ([]byte, error) {
		return nil, eris.New("upstream down")
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, []byte(`{"rows":[]}`), res.Payload)
}

func TestBarrierFailureNoFallback(t *testing.T) {
	b := testBarrier(t)

	boom := eris.New("upstream down")
	_, err := b.Call(context.Background(), "usitc", "chapter:99", func(ctx context.Context) ([]byte, error) {
		return nil, boom
	}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestBarrierStaticDefault(t *testing.T) {
	b := testBarrier(t)

	res, err := b.Call(context.Background(), "usitc", "notices:latest", func(ctx context.Context) ([]byte, error) {
		return nil, eris.New("upstream down")
	}, []byte(`[]`))
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.Equal(t, []byte(`[]`), res.Payload)
	assert.Equal(t, int64(1), b.Breakers().Get("usitc").Counts().Fallback)
}

func TestBarrierOpenCircuitShortCircuits(t *testing.T) {
	b := testBarrier(t)
	ctx := context.Background()

	// Single failure opens the breaker (min requests 1, threshold 0.5).
	_, err := b.Call(ctx, "cbp", "", func(ctx context.Context) ([]byte, error) {
		return nil, eris.New("down")
	}, nil)
	require.Error(t, err)
	require.Equal(t, CircuitOpen, b.Breakers().Get("cbp").State())

	// Subsequent calls never invoke fn.
	called := false
	_, err = b.Call(ctx, "cbp", "", func(ctx context.Context) ([]byte, error) {
		called = true
		return []byte("x"), nil
	}, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBarrierTimeout(t *testing.T) {
	c := cache.New(cache.Options{})
	t.Cleanup(c.Close)
	breakers := NewServiceBreakers(CircuitBreakerConfig{MinRequests: 10})
	b := NewBarrier(breakers, c, BarrierOptions{CallTimeout: 20 * time.Millisecond})

	_, err := b.Call(context.Background(), "slow", "", func(ctx context.Context) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	require.Error(t, err)
	assert.Equal(t, int64(1), breakers.Get("slow").Counts().Timeout)
}

func TestBarrierConfigureOnOpen(t *testing.T) {
	c := cache.New(cache.Options{})
	t.Cleanup(c.Close)
	breakers := NewServiceBreakers(DefaultCircuitBreakerConfig())

	var opened []string
	b := NewBarrier(breakers, c, BarrierOptions{
		CallTimeout: time.Second,
		OnOpen:      func(source string) { opened = append(opened, source) },
	})
	b.Configure("flaky", CircuitBreakerConfig{ErrorRateThreshold: 0.5, MinRequests: 1, Cooldown: time.Hour})

	_, err := b.Call(context.Background(), "flaky", "", func(ctx context.Context) ([]byte, error) {
		return nil, eris.New("down")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, []string{"flaky"}, opened)
}
