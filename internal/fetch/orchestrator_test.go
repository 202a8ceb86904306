package fetch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailbar/pkg/types"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu     sync.Mutex
	calls  [][]uint32
	err    error
	before func(call int)
}

func (f *fakeFetcher) FetchHeaderBatch(_ context.Context, uids []uint32) ([]types.Message, error) {
	f.mu.Lock()
	f.calls = append(f.calls, uids)
	n := len(f.calls)
	f.mu.Unlock()

	if f.before != nil {
		f.before(n)
	}
	if f.err != nil {
		return nil, f.err
	}
	out := make([]types.Message, len(uids))
	for i, u := range uids {
		out[i] = types.Message{UID: u, ReceivedAt: base.Add(time.Duration(u) * time.Minute)}
	}
	return out, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func seq(from, to uint32) []uint32 {
	var out []uint32
	for u := from; u <= to; u++ {
		out = append(out, u)
	}
	return out
}

func collect(r *Run) []Batch {
	var out []Batch
	for b := range r.Batches {
		out = append(out, b)
	}
	return out
}

func TestPlan(t *testing.T) {
	o := New(Options{BatchSize: 50, Lanes: 3, MaxTotal: 300})

	plan := o.Plan(seq(1, 120))
	require.Len(t, plan, 3)
	assert.Equal(t, uint32(120), plan[0][0][0])
	assert.Len(t, plan[0][0], 50)
	assert.Equal(t, seq(1, 20), reversed(plan[2][0]))

	plan = o.Plan(seq(1, 400))
	total := 0
	for _, lane := range plan {
		for _, b := range lane {
			total += len(b)
			for _, u := range b {
				assert.Greater(t, u, uint32(100))
			}
		}
	}
	assert.Equal(t, 300, total)
	require.Len(t, plan, 3)
	assert.Len(t, plan[0], 2)

	assert.Len(t, o.Plan(seq(1, 10)), 1)
	assert.Nil(t, o.Plan(nil))
}

func reversed(in []uint32) []uint32 {
	out := append([]uint32(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestStartFetchesEverything(t *testing.T) {
	o := New(Options{BatchSize: 10, Lanes: 3})
	primary := &fakeFetcher{}
	var opened, released atomic.Int32
	open := func(context.Context) (Lease, error) {
		opened.Add(1)
		return Lease{Fetcher: &fakeFetcher{}, Done: func(err error) {
			assert.NoError(t, err)
			released.Add(1)
		}}, nil
	}

	r := o.Start(context.Background(), seq(1, 55), primary, open, nil)
	batches := collect(r)
	res := r.Wait()

	assert.NoError(t, res.Err)
	assert.False(t, res.Cancelled)
	assert.Equal(t, 55, res.Fetched)
	assert.Equal(t, 6, res.Batches)
	assert.Len(t, batches, 6)
	assert.Equal(t, int32(2), opened.Load())
	assert.Equal(t, int32(2), released.Load())

	// the first batch is always the newest, from the primary lane
	assert.Equal(t, 0, batches[0].Lane)
	assert.Equal(t, uint32(55), batches[0].Messages[0].UID)

	seen := map[uint32]bool{}
	for _, b := range batches {
		for _, m := range b.Messages {
			assert.False(t, seen[m.UID])
			seen[m.UID] = true
		}
	}
	assert.Len(t, seen, 55)
}

func TestExtraLanesWaitForFirstBatch(t *testing.T) {
	o := New(Options{BatchSize: 10, Lanes: 2})
	firstDone := make(chan struct{})
	primary := &fakeFetcher{before: func(call int) {
		if call == 1 {
			time.Sleep(20 * time.Millisecond)
			close(firstDone)
		}
	}}
	open := func(context.Context) (Lease, error) {
		select {
		case <-firstDone:
		default:
			t.Error("extra lane opened before the first batch completed")
		}
		return Lease{Fetcher: &fakeFetcher{}}, nil
	}

	r := o.Start(context.Background(), seq(1, 40), primary, open, nil)
	collect(r)
	assert.NoError(t, r.Wait().Err)
}

func TestCancellationStopsNewBatches(t *testing.T) {
	o := New(Options{BatchSize: 10, Lanes: 1})
	var cancel atomic.Bool
	primary := &fakeFetcher{before: func(call int) {
		if call == 2 {
			// flips while the second batch is in flight
			cancel.Store(true)
		}
	}}

	r := o.Start(context.Background(), seq(1, 50), primary, nil, cancel.Load)
	batches := collect(r)
	res := r.Wait()

	assert.True(t, res.Cancelled)
	assert.Len(t, batches, 2, "in-flight batch is still delivered")
	assert.Equal(t, 2, primary.callCount())
	assert.Equal(t, 20, res.Fetched)
	assert.NoError(t, res.Err)
}

func TestCancellationBeforeExtraLanes(t *testing.T) {
	o := New(Options{BatchSize: 10, Lanes: 3})
	var cancel atomic.Bool
	primary := &fakeFetcher{before: func(int) { cancel.Store(true) }}
	var opened atomic.Int32
	open := func(context.Context) (Lease, error) {
		opened.Add(1)
		return Lease{Fetcher: &fakeFetcher{}}, nil
	}

	r := o.Start(context.Background(), seq(1, 30), primary, open, cancel.Load)
	batches := collect(r)
	res := r.Wait()

	assert.True(t, res.Cancelled)
	assert.Len(t, batches, 1)
	assert.Equal(t, int32(0), opened.Load())
}

func TestContextCancelledBeforeStart(t *testing.T) {
	o := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := &fakeFetcher{}
	r := o.Start(ctx, seq(1, 5), primary, nil, nil)
	assert.Empty(t, collect(r))
	res := r.Wait()
	assert.True(t, res.Cancelled)
	assert.Equal(t, 0, primary.callCount())
}

func TestLaneErrorsAreAggregated(t *testing.T) {
	o := New(Options{BatchSize: 10, Lanes: 3})
	errOpen := errors.New("dial refused")
	errFetch := errors.New("connection reset")

	var mu sync.Mutex
	var doneErr error
	calls := 0
	open := func(context.Context) (Lease, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return Lease{}, errOpen
		}
		return Lease{Fetcher: &fakeFetcher{err: errFetch}, Done: func(err error) {
			mu.Lock()
			doneErr = err
			mu.Unlock()
		}}, nil
	}

	primary := &fakeFetcher{}
	r := o.Start(context.Background(), seq(1, 60), primary, open, nil)
	batches := collect(r)
	res := r.Wait()

	require.Error(t, res.Err)
	require.Len(t, res.Errors, 2)
	assert.True(t, errors.Is(res.Err, errOpen) || errors.Is(res.Err, errFetch))
	assert.Equal(t, 20, res.Fetched, "primary lane batches survive other lane failures")
	assert.Len(t, batches, 2)

	mu.Lock()
	assert.ErrorIs(t, doneErr, errFetch)
	mu.Unlock()
}

func TestFirstBatchErrorStopsPrimaryLane(t *testing.T) {
	o := New(Options{BatchSize: 10, Lanes: 1})
	boom := errors.New("boom")
	primary := &fakeFetcher{err: boom}

	r := o.Start(context.Background(), seq(1, 30), primary, nil, nil)
	assert.Empty(t, collect(r))
	res := r.Wait()
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, 1, primary.callCount())
}

func TestLaneErrorCarriesLane(t *testing.T) {
	o := New(Options{BatchSize: 10, Lanes: 1})
	boom := errors.New("boom")

	r := o.Start(context.Background(), seq(1, 5), &fakeFetcher{err: boom}, nil, nil)
	collect(r)
	res := r.Wait()

	var le *LaneError
	require.ErrorAs(t, res.Err, &le)
	assert.Equal(t, 0, le.Lane)
	assert.Equal(t, "lane 0: boom", le.Error())
}
