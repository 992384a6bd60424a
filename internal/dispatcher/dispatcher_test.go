package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkovalev/converthub/internal/config"
	"github.com/mkovalev/converthub/internal/engine"
)

type fakeProcessor struct {
	mu        sync.Mutex
	processed []int64
	inFlight  atomic.Int64
	maxSeen   atomic.Int64
	delay     time.Duration
	result    func(jobID int64) (engine.Result, error)
}

func (f *fakeProcessor) Process(_ context.Context, jobID int64) (engine.Result, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.processed = append(f.processed, jobID)
	f.mu.Unlock()

	if f.result != nil {
		return f.result(jobID)
	}
	return engine.Result{Outcome: engine.OutcomeCompleted}, nil
}

func (f *fakeProcessor) ReclaimStale(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

type fakePending struct {
	mu    sync.Mutex
	ids   []int64
	calls int
	err   error
}

func (f *fakePending) PendingJobs(_ context.Context, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.ids) {
		return f.ids[:limit], nil
	}
	return f.ids, nil
}

// The sweep and dispatch paths never touch redis, so a nil client is
// fine here.
func newTestDispatcher(proc Processor, pending PendingLister, cfg config.DispatcherConfig) *Dispatcher {
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	return New(nil, cfg, proc, pending, slog.Default())
}

func TestSweepProcessesPendingInOrder(t *testing.T) {
	proc := &fakeProcessor{}
	pending := &fakePending{ids: []int64{3, 1, 7}}
	d := newTestDispatcher(proc, pending, config.DispatcherConfig{})

	d.Sweep(context.Background())

	// order mirrors what the lister returned, which is created_at ASC
	assert.Equal(t, []int64{3, 1, 7}, proc.processed)
	assert.Equal(t, 1, pending.calls)
}

func TestSweepHonorsBatchSize(t *testing.T) {
	proc := &fakeProcessor{}
	pending := &fakePending{ids: []int64{1, 2, 3, 4, 5}}
	d := newTestDispatcher(proc, pending, config.DispatcherConfig{BatchSize: 2})

	d.Sweep(context.Background())

	assert.Equal(t, []int64{1, 2}, proc.processed)
}

func TestSweepSurvivesListerError(t *testing.T) {
	proc := &fakeProcessor{}
	pending := &fakePending{err: errors.New("db down")}
	d := newTestDispatcher(proc, pending, config.DispatcherConfig{})

	d.Sweep(context.Background())

	assert.Empty(t, proc.processed)
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	proc := &fakeProcessor{}
	pending := &fakePending{ids: []int64{1, 2, 3}}
	d := newTestDispatcher(proc, pending, config.DispatcherConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Sweep(ctx)

	assert.Empty(t, proc.processed)
}

func TestDispatchBoundedByWorkerSlots(t *testing.T) {
	proc := &fakeProcessor{delay: 20 * time.Millisecond}
	d := newTestDispatcher(proc, &fakePending{}, config.DispatcherConfig{Workers: 3})

	var wg sync.WaitGroup
	for i := int64(1); i <= 12; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			d.dispatch(context.Background(), id)
		}(i)
	}
	wg.Wait()

	require.Len(t, proc.processed, 12)
	assert.LessOrEqual(t, proc.maxSeen.Load(), int64(3),
		"concurrent processing must not exceed the configured pool size")
}

func TestDispatchSwallowsProcessorError(t *testing.T) {
	proc := &fakeProcessor{result: func(int64) (engine.Result, error) {
		return engine.Result{}, errors.New("infrastructure trouble")
	}}
	d := newTestDispatcher(proc, &fakePending{}, config.DispatcherConfig{})

	// must not panic or block; the error is logged and the slot freed
	d.dispatch(context.Background(), 42)
	d.dispatch(context.Background(), 43)

	assert.Equal(t, []int64{42, 43}, proc.processed)
}

func TestDispatchQuietOnLostClaim(t *testing.T) {
	proc := &fakeProcessor{result: func(int64) (engine.Result, error) {
		return engine.Result{Outcome: engine.OutcomeSkipped}, nil
	}}
	d := newTestDispatcher(proc, &fakePending{}, config.DispatcherConfig{})

	d.dispatch(context.Background(), 1)

	assert.Equal(t, []int64{1}, proc.processed)
}
