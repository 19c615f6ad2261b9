package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowConsumesBurst(t *testing.T) {
	th := New(Limit{Rate: 1, Burst: 2})

	assert.True(t, th.Allow("usitc", "chapter"))
	assert.True(t, th.Allow("usitc", "chapter"))
	assert.False(t, th.Allow("usitc", "chapter"), "burst exhausted")

	// A different bucket has its own limiter.
	assert.True(t, th.Allow("usitc", "rate"))
	// So does a different source.
	assert.True(t, th.Allow("cbp", "chapter"))
}

func TestConfigureOverridesDefault(t *testing.T) {
	th := New(Limit{Rate: 1, Burst: 1})
	th.Configure("usitc", "rate", Limit{Rate: 100, Burst: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, th.Allow("usitc", "rate"), "burst token %d", i)
	}
	assert.False(t, th.Allow("usitc", "rate"))
}

func TestConfigureAfterUseIsNoop(t *testing.T) {
	th := New(Limit{Rate: 1, Burst: 1})

	require.True(t, th.Allow("cbp", "notice"))
	th.Configure("cbp", "notice", Limit{Rate: 1000, Burst: 1000})

	// Limiter already created; the new config does not apply.
	assert.False(t, th.Allow("cbp", "notice"))
}

func TestWaitHonorsContext(t *testing.T) {
	th := New(Limit{Rate: 0.001, Burst: 1})
	require.True(t, th.Allow("slow", "b"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := th.Wait(ctx, "slow", "b")
	assert.Error(t, err)
}

func TestWaitImmediateWhenTokenAvailable(t *testing.T) {
	th := New(Limit{Rate: 100, Burst: 10})
	require.NoError(t, th.Wait(context.Background(), "fast", "b"))
}

func TestAllowUnderConcurrentLoad(t *testing.T) {
	// Many more callers than tokens: the rate is too slow to refill during
	// the test, so exactly the burst may pass no matter how the goroutines
	// interleave.
	const callers = 64
	th := New(Limit{Rate: 0.001, Burst: 5})

	var wg sync.WaitGroup
	var allowed atomic.Int32
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if th.Allow("usitc", "chapter") {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(5), allowed.Load())
}

func TestWaitUnderConcurrentLoad(t *testing.T) {
	// Every waiter gets through when the refill rate is fast enough; none
	// error and none deadlock.
	const callers = 50
	th := New(Limit{Rate: 5000, Burst: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- th.Wait(ctx, "usitc", "rate")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}
