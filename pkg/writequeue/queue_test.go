package writequeue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFIFOOrder(t *testing.T) {
	q := New()
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []int
	)
	gate := make(chan struct{})
	entered := make(chan struct{})

	// The first job blocks so the rest pile up behind it in arrival order.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := q.Enqueue(ctx, func(context.Context) (any, error) {
			close(entered)
			<-gate
			mu.Lock()
			order = append(order, 0)
			mu.Unlock()
			return nil, nil
		})
		assert.NoError(t, err)
	}()
	<-entered

	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(ctx, func(context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
			assert.NoError(t, err)
		}()
		require.Eventually(t, func() bool { return q.Status().Pending == i }, time.Second, time.Millisecond)
	}

	close(gate)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, order)
	assert.Equal(t, Status{}, q.Status())
}

func TestNoOverlap(t *testing.T) {
	q := New()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = q.Enqueue(ctx, func(context.Context) (any, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				atomic.AddInt32(&active, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
}

func TestFailureIsolation(t *testing.T) {
	q := New()
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := q.Enqueue(ctx, func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	_, err = q.Enqueue(ctx, func(context.Context) (any, error) { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	v, err := q.Enqueue(ctx, func(context.Context) (any, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDoTyped(t *testing.T) {
	q := New()
	got, err := Do(context.Background(), q, func(context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	_, err = Do(context.Background(), q, func(context.Context) (int, error) {
		return 0, errors.New("nope")
	})
	assert.EqualError(t, err, "nope")
}

func TestCancelledJobIsSkipped(t *testing.T) {
	q := New()
	gate := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = q.Enqueue(context.Background(), func(context.Context) (any, error) {
			close(entered)
			<-gate
			return nil, nil
		})
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errc := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, func(context.Context) (any, error) {
			ran.Store(true)
			return nil, nil
		})
		errc <- err
	}()
	require.Eventually(t, func() bool { return q.Status().Pending == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	close(gate)
	<-done
	require.Eventually(t, func() bool { return !q.Status().Running }, time.Second, time.Millisecond)
	assert.False(t, ran.Load())
}

type recordingObserver struct {
	mu      sync.Mutex
	waits   int
	execs   int
	errs    int
	pending []int
}

func (r *recordingObserver) ObserveWait(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits++
}

func (r *recordingObserver) ObserveExec(_ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs++
	if err != nil {
		r.errs++
	}
}

func (r *recordingObserver) SetPending(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, n)
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	q := New(WithObserver(obs))
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, func(context.Context) (any, error) { return nil, nil })
	_, _ = q.Enqueue(ctx, func(context.Context) (any, error) { return nil, errors.New("x") })

	require.Eventually(t, func() bool { return !q.Status().Running }, time.Second, time.Millisecond)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 2, obs.waits)
	assert.Equal(t, 2, obs.execs)
	assert.Equal(t, 1, obs.errs)
	assert.NotEmpty(t, obs.pending)
}

func TestPendingReportsFollowDepth(t *testing.T) {
	obs := &recordingObserver{}
	q := New(WithObserver(obs))
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			_, _ = q.Enqueue(ctx, func(context.Context) (any, error) { return nil, nil })
		})
	}
	wg.Wait()
	require.Eventually(t, func() bool { return !q.Status().Running }, time.Second, time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.pending, 100, "one report per enqueue and per dequeue")
	assert.Equal(t, 1, obs.pending[0])
	for i := 1; i < len(obs.pending); i++ {
		step := obs.pending[i] - obs.pending[i-1]
		assert.True(t, step == 1 || step == -1, "report %d jumped from %d to %d", i, obs.pending[i-1], obs.pending[i])
	}
	assert.Equal(t, 0, obs.pending[len(obs.pending)-1], "last report matches the drained queue")
}

func TestNilOperation(t *testing.T) {
	_, err := New().Enqueue(context.Background(), nil)
	assert.Error(t, err)
}
