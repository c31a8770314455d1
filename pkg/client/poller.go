package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Fetcher reads the current batch resource.
type Fetcher interface {
	GetBatch(ctx context.Context, id string) (Batch, error)
}

// Creator submits a new batch.
type Creator interface {
	CreateBatch(ctx context.Context, in CreateBatchInput) (Batch, error)
}

// Result is the final outcome of a tracking run.
type Result struct {
	BatchID string
	Phase   Phase
	Batch   *Batch
	Err     error
}

// ErrStopped is returned by Wait when the poller was stopped before finishing.
var ErrStopped = errors.New("poller stopped")

// Poller drives a Tracker with a Scheduler. Only one fetch is in flight at a
// time and a response is dropped if Stop or a new Track happened meanwhile.
type Poller struct {
	fetcher Fetcher
	sched   Scheduler
	tracker *Tracker
	logger  *slog.Logger

	mu      sync.Mutex
	gen     uint64
	id      string
	ctx     context.Context
	timer   Timer
	release func() bool
	done    chan struct{}
	result  Result
	latest  *Batch
}

func NewPoller(fetcher Fetcher, sched Scheduler, cfg TrackerConfig) *Poller {
	if sched == nil {
		sched = RealScheduler()
	}
	done := make(chan struct{})
	close(done)
	return &Poller{
		fetcher: fetcher,
		sched:   sched,
		tracker: NewTracker(cfg),
		logger:  slog.With("component", "poller"),
		done:    done,
	}
}

// Track starts observing batch id until goal is reached. Any previous run is
// stopped first. Cancelling ctx stops the run.
func (p *Poller) Track(ctx context.Context, id string, goal Goal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked(ctx, id)
	decision := p.tracker.Begin(goal, p.sched.Now())
	p.logger.Info("tracking batch", "batchId", id, "goal", goal)
	p.scheduleLocked(p.gen, decision)
}

// CreateAndTrack creates a batch and tracks it to review_ready.
func (p *Poller) CreateAndTrack(ctx context.Context, creator Creator, in CreateBatchInput) error {
	p.mu.Lock()
	p.resetLocked(ctx, "")
	gen := p.gen
	p.tracker.StartCreate()
	p.mu.Unlock()

	created, err := creator.CreateBatch(ctx, in)

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return ErrStopped
	}
	if err != nil {
		p.finishLocked(p.tracker.CreateFailed(err))
		return err
	}
	p.id = created.ID
	p.latest = &created
	decision := p.tracker.Begin(GoalReview, p.sched.Now())
	p.logger.Info("batch created", "batchId", created.ID, "status", created.Status)
	p.scheduleLocked(gen, decision)
	return nil
}

// Stop cancels the pending poll. It is safe to call at any time.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Phase returns the tracker's current phase.
func (p *Poller) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker.Phase()
}

// Done is closed when the current run finishes or is stopped.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Result returns the outcome of the last finished run.
func (p *Poller) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Wait blocks until the run finishes or ctx is done.
func (p *Poller) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.Done():
		res := p.Result()
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (p *Poller) resetLocked(ctx context.Context, id string) {
	p.stopLocked()
	p.gen++
	p.id = id
	p.ctx = ctx
	p.latest = nil
	p.result = Result{}
	p.done = make(chan struct{})
	gen := p.gen
	p.release = context.AfterFunc(ctx, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.gen == gen {
			p.stopLocked()
		}
	})
}

func (p *Poller) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.release != nil {
		p.release()
		p.release = nil
	}
	p.gen++
	p.tracker.Stop()
	select {
	case <-p.done:
	default:
		p.result = Result{BatchID: p.id, Phase: p.tracker.Phase(), Batch: p.latest, Err: ErrStopped}
		close(p.done)
	}
}

func (p *Poller) scheduleLocked(gen uint64, d Decision) {
	if d.Finished {
		p.finishLocked(d)
		return
	}
	p.timer = p.sched.AfterFunc(d.Delay, func() { p.poll(gen) })
}

func (p *Poller) poll(gen uint64) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	ctx, id := p.ctx, p.id
	p.mu.Unlock()

	batch, err := p.fetcher.GetBatch(ctx, id)

	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		p.logger.Debug("dropping response after stop", "batchId", id)
		return
	}
	obs := Observation{Err: err, At: p.sched.Now()}
	if err == nil {
		obs.Batch = &batch
	}
	decision := p.tracker.Observe(obs)
	switch {
	case decision.Ignored:
		p.logger.Debug("ignoring stale status", "batchId", id, "status", batch.Status, "last", p.tracker.LastStatus())
	case err != nil:
		p.logger.Warn("status fetch failed", "batchId", id, "error", err, "retryIn", decision.Delay)
	default:
		p.latest = obs.Batch
	}
	p.scheduleLocked(gen, decision)
}

func (p *Poller) finishLocked(d Decision) {
	p.timer = nil
	if p.release != nil {
		p.release()
		p.release = nil
	}
	p.gen++
	p.result = Result{BatchID: p.id, Phase: d.Phase, Batch: p.latest, Err: d.Err}
	if d.Err != nil {
		p.logger.Warn("tracking finished with error", "batchId", p.id, "phase", d.Phase, "error", d.Err)
	} else {
		p.logger.Info("tracking finished", "batchId", p.id, "phase", d.Phase)
	}
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}
