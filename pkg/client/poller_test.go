package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type scriptedFetcher struct {
	mu      sync.Mutex
	calls   int
	script  []Observation
	onFetch func()
}

func (f *scriptedFetcher) GetBatch(ctx context.Context, id string) (Batch, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	hook := f.onFetch
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	step := f.script[idx]
	if step.Err != nil {
		return Batch{}, step.Err
	}
	return *step.Batch, nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func statusStep(status Status) Observation {
	return Observation{Batch: &Batch{ID: "b1", Status: status}}
}

func TestPollerTracksToReviewReady(t *testing.T) {
	sched := NewFakeScheduler(t0)
	fetcher := &scriptedFetcher{script: []Observation{
		statusStep(StatusQueued),
		statusStep(StatusRunning),
		statusStep(StatusReviewReady),
	}}
	p := NewPoller(fetcher, sched, TrackerConfig{InitialDelay: time.Second, Interval: 2 * time.Second})

	p.Track(context.Background(), "b1", GoalReview)
	sched.Advance(999 * time.Millisecond)
	if fetcher.Calls() != 0 {
		t.Fatalf("first poll should wait for the initial delay")
	}
	sched.Advance(10 * time.Second)

	select {
	case <-p.Done():
	default:
		t.Fatalf("poller should be done")
	}
	res := p.Result()
	if res.Phase != PhaseReviewReady || res.Err != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Batch == nil || res.Batch.Status != StatusReviewReady {
		t.Fatalf("result should carry latest batch, got %+v", res.Batch)
	}
	if fetcher.Calls() != 3 {
		t.Fatalf("expected 3 fetches, got %d", fetcher.Calls())
	}
	if sched.Pending() != 0 {
		t.Fatalf("no timers should remain, got %d", sched.Pending())
	}
}

func TestPollerStopClearsTimers(t *testing.T) {
	sched := NewFakeScheduler(t0)
	fetcher := &scriptedFetcher{script: []Observation{statusStep(StatusRunning)}}
	p := NewPoller(fetcher, sched, TrackerConfig{Interval: time.Second})

	p.Track(context.Background(), "b1", GoalReview)
	sched.Advance(3 * time.Second)
	if sched.Pending() != 1 {
		t.Fatalf("expected one pending poll, got %d", sched.Pending())
	}

	p.Stop()
	if sched.Pending() != 0 {
		t.Fatalf("stop should cancel pending timer, got %d", sched.Pending())
	}
	calls := fetcher.Calls()
	sched.Advance(time.Minute)
	if fetcher.Calls() != calls {
		t.Fatalf("no fetch should happen after stop")
	}
	if _, err := p.Wait(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if p.Phase() != PhaseIdle {
		t.Fatalf("expected idle phase after stop, got %s", p.Phase())
	}
}

func TestPollerDropsResponseArrivingAfterStop(t *testing.T) {
	sched := NewFakeScheduler(t0)
	fetcher := &scriptedFetcher{script: []Observation{statusStep(StatusReviewReady)}}
	p := NewPoller(fetcher, sched, TrackerConfig{InitialDelay: time.Second})
	fetcher.onFetch = p.Stop

	p.Track(context.Background(), "b1", GoalReview)
	sched.Advance(time.Second)

	res := p.Result()
	if !errors.Is(res.Err, ErrStopped) {
		t.Fatalf("late response must not finish the run, got %+v", res)
	}
	if sched.Pending() != 0 {
		t.Fatalf("late response must not schedule a poll, got %d", sched.Pending())
	}
}

func TestPollerBacksOffOnTransientErrors(t *testing.T) {
	sched := NewFakeScheduler(t0)
	fetcher := &scriptedFetcher{script: []Observation{
		{Err: transientErr()},
		{Err: transientErr()},
		statusStep(StatusReviewReady),
	}}
	p := NewPoller(fetcher, sched, TrackerConfig{
		InitialDelay: time.Second,
		BaseBackoff:  2 * time.Second,
		MaxBackoff:   time.Minute,
	})

	p.Track(context.Background(), "b1", GoalReview)
	sched.Advance(time.Second)
	if next, ok := sched.NextDelay(); !ok || next != 2*time.Second {
		t.Fatalf("expected 2s backoff, got %s", next)
	}
	sched.Advance(2 * time.Second)
	if next, ok := sched.NextDelay(); !ok || next != 4*time.Second {
		t.Fatalf("expected 4s backoff, got %s", next)
	}
	sched.Advance(4 * time.Second)

	if res := p.Result(); res.Phase != PhaseReviewReady {
		t.Fatalf("expected review_ready after recovery, got %+v", res)
	}
}

func TestPollerStuckDetection(t *testing.T) {
	sched := NewFakeScheduler(t0)
	fetcher := &scriptedFetcher{script: []Observation{statusStep(StatusMerging)}}
	p := NewPoller(fetcher, sched, TrackerConfig{Interval: 5 * time.Second, StuckAfter: 30 * time.Second})

	p.Track(context.Background(), "b1", GoalMerge)
	sched.Advance(2 * time.Minute)

	_, err := p.Wait(context.Background())
	var stuck *StuckError
	if !errors.As(err, &stuck) || stuck.Status != StatusMerging {
		t.Fatalf("expected stuck in merging, got %v", err)
	}
	if sched.Pending() != 0 {
		t.Fatalf("no timers should remain after stuck abort")
	}
}

func TestPollerContextCancelStops(t *testing.T) {
	sched := NewFakeScheduler(t0)
	fetcher := &scriptedFetcher{script: []Observation{statusStep(StatusRunning)}}
	p := NewPoller(fetcher, sched, TrackerConfig{Interval: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	p.Track(ctx, "b1", GoalReview)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if _, err := p.Wait(waitCtx); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after cancel, got %v", err)
	}
	if sched.Pending() != 0 {
		t.Fatalf("cancel should clear timers, got %d", sched.Pending())
	}
}

type stubCreator struct {
	batch Batch
	err   error
}

func (c stubCreator) CreateBatch(ctx context.Context, in CreateBatchInput) (Batch, error) {
	return c.batch, c.err
}

func TestPollerCreateAndTrack(t *testing.T) {
	sched := NewFakeScheduler(t0)
	fetcher := &scriptedFetcher{script: []Observation{statusStep(StatusReviewReady)}}
	p := NewPoller(fetcher, sched, TrackerConfig{InitialDelay: time.Second})

	creator := stubCreator{batch: Batch{ID: "b1", Status: StatusQueued}}
	if err := p.CreateAndTrack(context.Background(), creator, CreateBatchInput{Type: "office"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.Phase() != PhaseTracking {
		t.Fatalf("expected tracking, got %s", p.Phase())
	}
	sched.Advance(time.Second)
	if res := p.Result(); res.BatchID != "b1" || res.Phase != PhaseReviewReady {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPollerCreateFailure(t *testing.T) {
	p := NewPoller(&scriptedFetcher{}, NewFakeScheduler(t0), TrackerConfig{})

	createErr := &APIError{StatusCode: 400, Code: "InvalidRequest"}
	err := p.CreateAndTrack(context.Background(), stubCreator{err: createErr}, CreateBatchInput{})
	if !errors.Is(err, createErr) {
		t.Fatalf("expected create error, got %v", err)
	}
	if res := p.Result(); res.Phase != PhaseFailed {
		t.Fatalf("expected failed phase, got %+v", res)
	}
}

func TestClientClassifiesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/batches/busy":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/v1/batches/missing":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"schema_version":"v1","error":{"code":"NotFound","message":"batch not found"}}`))
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"batch_id":"ok","status":"review_ready","review_rows_count":2}`))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	ctx := context.Background()

	if _, err := c.GetBatch(ctx, "busy"); !IsTransient(err) {
		t.Fatalf("503 should be transient, got %v", err)
	}

	_, err := c.GetBatch(ctx, "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "NotFound" || IsTransient(err) {
		t.Fatalf("404 should be a non-transient api error, got %v", err)
	}

	b, err := c.GetBatch(ctx, "ok")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Status != StatusReviewReady || b.ReviewRowsCount != 2 {
		t.Fatalf("unexpected batch %+v", b)
	}

	srv.Close()
	if _, err := c.GetBatch(ctx, "ok"); !IsTransient(err) {
		t.Fatalf("connection failure should be transient, got %v", err)
	}
}
