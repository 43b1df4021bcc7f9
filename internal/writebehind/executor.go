// Package writebehind persists shard mutations asynchronously.
//
// Writes are executed on worker goroutines partitioned by a stable hash of
// their key (jobID/shardIndex), so writes for one shard reach the store in
// the order they were submitted while different shards persist in parallel.
//
// FIFO holds per submitter. Two goroutines submitting for the same key may
// interleave, so stores must ignore writes older than what they hold.
package writebehind

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Job is one unit of persistence work.
type Job interface {
	Run(ctx context.Context) error
}

// JobFunc adapts a function to a Job.
type JobFunc func(ctx context.Context) error

// Run implements Job.
func (f JobFunc) Run(ctx context.Context) error { return f(ctx) }

type queuedJob struct {
	ctx context.Context
	job Job
}

// Executor runs Jobs with per-key FIFO ordering and bounded retries.
type Executor struct {
	cfg    Config
	log    zerolog.Logger
	queues []chan queuedJob

	done   chan struct{} // closed in Stop()
	closed atomic.Bool

	wg sync.WaitGroup
}

// New constructs the executor and starts its shard workers.
func New(cfg Config) *Executor {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 100 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 20 * time.Second
	}

	p := &Executor{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "writebehind").Logger(),
		queues: make([]chan queuedJob, cfg.Shards),
		done:   make(chan struct{}),
	}
	for i := 0; i < cfg.Shards; i++ {
		ch := make(chan queuedJob, cfg.QueueSize)
		p.queues[i] = ch
		p.wg.Add(1)
		go p.runWorker(i, ch)
	}
	return p
}

// Submit enqueues job on the shard derived from key.
//
//   - Returns ErrExecutorClosed if the executor is stopped.
//   - Returns a *QueueFullError (matching ErrQueueFull) if the shard is still
//     full after EnqueueTimeout.
//   - Returns ctx.Err() if ctx is cancelled first.
func (p *Executor) Submit(ctx context.Context, key string, job Job) error {
	if p.closed.Load() {
		return ErrExecutorClosed
	}
	select {
	case <-p.done:
		return ErrExecutorClosed
	default:
	}

	shard := p.shardFor(key)
	ch := p.queues[shard]

	timer := time.NewTimer(p.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case ch <- queuedJob{ctx: ctx, job: job}:
		submissionsTotal.WithLabelValues(labelFor(shard)).Inc()
		return nil
	case <-p.done:
		return ErrExecutorClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		queueFullTotal.WithLabelValues(labelFor(shard)).Inc()
		return &QueueFullError{Shard: shard, Length: len(ch), Capacity: cap(ch)}
	}
}

// Barrier waits until every job submitted for key before the call has run.
func (p *Executor) Barrier(ctx context.Context, key string) error {
	done := make(chan struct{})
	j := JobFunc(func(context.Context) error {
		close(done)
		return nil
	})
	if err := p.Submit(ctx, key, j); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Stop lets every worker drain its queue, then returns. It is idempotent and
// safe for concurrent use.
func (p *Executor) Stop() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.log.Info().Int("shards", p.cfg.Shards).Msg("stopping, draining queues")
	close(p.done)
	p.wg.Wait()
	p.log.Info().Msg("stopped, all queues drained")
}

// Close lets Executor satisfy io.Closer.
func (p *Executor) Close() error {
	p.Stop()
	return nil
}

func (p *Executor) runWorker(idx int, ch <-chan queuedJob) {
	defer p.wg.Done()

	label := labelFor(idx)
	for {
		select {
		case qj := <-ch:
			p.runSafe(idx, label, qj)
			queueDepth.WithLabelValues(label).Set(float64(len(ch)))

		case <-p.done:
			drained := 0
			for {
				select {
				case qj := <-ch:
					p.runSafe(idx, label, qj)
					drained++
				default:
					if drained > 0 {
						p.log.Info().Int("worker", idx).Int("drained", drained).Msg("drained remaining writes")
					}
					queueDepth.WithLabelValues(label).Set(0)
					return
				}
			}
		}
	}
}

// runSafe keeps the worker alive when a job panics; the job counts as failed.
func (p *Executor) runSafe(idx int, label string, qj queuedJob) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("worker", idx).Interface("panic", r).Msg("job panic")
			p.fail(label, fmt.Errorf("job panic: %v", r))
		}
	}()
	p.run(label, qj)
}

// run executes one job with exponential backoff. Once Stop has been called
// the remaining attempts run without waiting so shutdown is bounded.
func (p *Executor) run(label string, qj queuedJob) {
	if qj.job == nil {
		return
	}
	select {
	case <-qj.ctx.Done():
		p.fail(label, qj.ctx.Err())
		return
	default:
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.BaseBackoff
	exp.Multiplier = 2
	exp.MaxInterval = p.cfg.MaxInterval
	exp.Reset()

	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := qj.job.Run(qj.ctx)
		runDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		if err == nil {
			return
		}
		if IsPermanent(err) || attempt >= p.cfg.MaxAttempts {
			p.fail(label, err)
			return
		}

		p.log.Debug().Err(err).Int("attempt", attempt).Msg("write failed, retrying")
		select {
		case <-time.After(exp.NextBackOff()):
		case <-p.done:
			// draining: give up after one more immediate attempt
			attempt = p.cfg.MaxAttempts - 1
		case <-qj.ctx.Done():
			p.fail(label, qj.ctx.Err())
			return
		}
	}
}

func (p *Executor) fail(label string, err error) {
	failuresTotal.WithLabelValues(label).Inc()
	p.log.Warn().Err(err).Msg("write abandoned")
	if p.cfg.ErrorHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("error handler panic")
		}
	}()
	p.cfg.ErrorHandler(err)
}

func (p *Executor) shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(p.cfg.Shards))
}
