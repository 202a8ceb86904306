// Package fetch spreads a header fetch over several IMAP connections and
// streams the batches back as they complete.
package fetch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/mailbar/internal/imap"
	"github.com/brandon/mailbar/internal/logging"
	"github.com/brandon/mailbar/pkg/types"
)

const (
	DefaultLanes    = 3
	DefaultMaxTotal = 300
)

// Fetcher fetches one batch of header summaries on a selected folder
type Fetcher interface {
	FetchHeaderBatch(ctx context.Context, uids []uint32) ([]types.Message, error)
}

// Lease is a connection for an extra lane. Done is called once with the
// lane's final error.
type Lease struct {
	Fetcher Fetcher
	Done    func(err error)
}

// Opener provides the connection for an extra lane
type Opener func(ctx context.Context) (Lease, error)

// Options configures an Orchestrator. Lanes counts the primary lane.
type Options struct {
	BatchSize int
	Lanes     int
	MaxTotal  int
	Logger    *logrus.Logger
}

// Batch is one completed fetch
type Batch struct {
	Lane     int
	Messages []types.Message
}

// Result summarizes a finished run. Err is the first lane error; Errors
// holds all of them in the order they happened. Each is a *LaneError.
type Result struct {
	Fetched   int
	Batches   int
	Err       error
	Errors    []error
	Cancelled bool
}

// Orchestrator plans and runs parallel fetches
type Orchestrator struct {
	opts   Options
	logger *logrus.Entry
}

// New creates an Orchestrator
func New(opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = imap.DefaultBatchSize
	}
	if opts.Lanes <= 0 {
		opts.Lanes = DefaultLanes
	}
	if opts.MaxTotal <= 0 {
		opts.MaxTotal = DefaultMaxTotal
	}
	return &Orchestrator{opts: opts, logger: logging.For(opts.Logger, logging.ComponentFetch)}
}

// Plan caps uids to the newest MaxTotal, orders them newest first and
// splits the batches into contiguous lane slices. Lane 0 gets the newest.
func (o *Orchestrator) Plan(uids []uint32) [][][]uint32 {
	sorted := append([]uint32(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] > sorted[j] })
	out := sorted[:0]
	for i, u := range sorted {
		if i == 0 || u != sorted[i-1] {
			out = append(out, u)
		}
	}
	if len(out) > o.opts.MaxTotal {
		out = out[:o.opts.MaxTotal]
	}

	batches := imap.Batches(out, o.opts.BatchSize)
	if len(batches) == 0 {
		return nil
	}
	lanes := o.opts.Lanes
	if lanes > len(batches) {
		lanes = len(batches)
	}
	per := (len(batches) + lanes - 1) / lanes

	var plan [][][]uint32
	for i := 0; i < len(batches); i += per {
		end := i + per
		if end > len(batches) {
			end = len(batches)
		}
		plan = append(plan, batches[i:end])
	}
	return plan
}

// Run is a fetch in progress. Batches is closed when every lane is done.
type Run struct {
	Batches <-chan Batch

	out    chan Batch
	done   chan struct{}
	mu     sync.Mutex
	result Result
}

// Wait blocks until the run completes. Batches are buffered, so Wait may be
// called without draining them.
func (r *Run) Wait() Result {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.result
	res.Errors = append([]error(nil), r.result.Errors...)
	return res
}

// Start fetches uids. Lane 0's first batch runs on primary before anything
// else starts; the rest of lane 0 and the extra lanes then run
// concurrently, each extra lane on a connection from open. ctx and
// shouldCancel are checked before every batch and lane; a batch already in
// flight is still delivered.
func (o *Orchestrator) Start(ctx context.Context, uids []uint32, primary Fetcher, open Opener, shouldCancel func() bool) *Run {
	plan := o.Plan(uids)
	size := 0
	for _, lane := range plan {
		size += len(lane)
	}

	out := make(chan Batch, size)
	r := &Run{Batches: out, out: out, done: make(chan struct{})}
	go o.run(ctx, r, plan, primary, open, shouldCancel)
	return r
}

func (o *Orchestrator) run(ctx context.Context, r *Run, plan [][][]uint32, primary Fetcher, open Opener, shouldCancel func() bool) {
	defer close(r.done)
	defer close(r.out)

	if len(plan) == 0 {
		return
	}

	cancelled := func() bool {
		if ctx.Err() != nil || (shouldCancel != nil && shouldCancel()) {
			r.mu.Lock()
			r.result.Cancelled = true
			r.mu.Unlock()
			return true
		}
		return false
	}

	if cancelled() {
		return
	}
	msgs, err := primary.FetchHeaderBatch(ctx, plan[0][0])
	r.deliver(0, msgs)
	if err != nil {
		r.fail(o.logger, 0, err)
	}

	g := new(errgroup.Group)
	g.SetLimit(o.opts.Lanes)
	if err == nil && len(plan[0]) > 1 {
		g.Go(func() error {
			if err := o.lane(ctx, r, 0, primary, plan[0][1:], cancelled); err != nil {
				r.fail(o.logger, 0, err)
				return err
			}
			return nil
		})
	}
	for lane := 1; lane < len(plan); lane++ {
		if cancelled() {
			break
		}
		lane := lane
		g.Go(func() error {
			lease, err := open(ctx)
			if err != nil {
				err = fmt.Errorf("failed to open connection: %w", err)
				r.fail(o.logger, lane, err)
				return err
			}
			err = o.lane(ctx, r, lane, lease.Fetcher, plan[lane], cancelled)
			if lease.Done != nil {
				lease.Done(err)
			}
			if err != nil {
				r.fail(o.logger, lane, err)
			}
			return err
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	fields := logrus.Fields{
		"lanes":     len(plan),
		"batches":   r.result.Batches,
		"fetched":   r.result.Fetched,
		"cancelled": r.result.Cancelled,
	}
	r.mu.Unlock()
	o.logger.WithFields(fields).Debug("Parallel fetch finished")
}

func (o *Orchestrator) lane(ctx context.Context, r *Run, lane int, f Fetcher, batches [][]uint32, cancelled func() bool) error {
	for _, batch := range batches {
		if cancelled() {
			return nil
		}
		msgs, err := f.FetchHeaderBatch(ctx, batch)
		r.deliver(lane, msgs)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Run) deliver(lane int, msgs []types.Message) {
	if len(msgs) == 0 {
		return
	}
	r.mu.Lock()
	r.result.Batches++
	r.result.Fetched += len(msgs)
	r.mu.Unlock()
	r.out <- Batch{Lane: lane, Messages: msgs}
}

// LaneError is a failure of one lane
type LaneError struct {
	Lane int
	Err  error
}

func (e *LaneError) Error() string {
	return fmt.Sprintf("lane %d: %v", e.Lane, e.Err)
}

func (e *LaneError) Unwrap() error {
	return e.Err
}

func (r *Run) fail(logger *logrus.Entry, lane int, err error) {
	err = &LaneError{Lane: lane, Err: err}
	logger.WithError(err).WithField("lane", lane).Warn("Fetch lane failed")

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result.Err == nil {
		r.result.Err = err
	}
	r.result.Errors = append(r.result.Errors, err)
}
