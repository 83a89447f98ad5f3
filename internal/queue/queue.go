package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/climatedata/acis/internal/acis"
	"github.com/climatedata/acis/internal/telemetry"
)

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock used for retry scheduling.
func WithClock(c Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithMetrics records queue activity on m.
func WithMetrics(m *telemetry.QueueMetrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Queued    int   `json:"queued"`
	InFlight  int   `json:"in_flight"`
	Enqueued  int64 `json:"enqueued"`
	Attempts  int64 `json:"attempts"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Closed    bool  `json:"closed"`
}

// request is one logical request with its retry state.
type request struct {
	id         string
	params     *acis.Params
	payload    any
	enqueuedAt time.Time

	attempts int
	nextAt   time.Time
	backoff  *backoff.ExponentialBackOff
}

// Queue executes requests through a Transport with a fixed pool of workers.
//
// All scheduling state is guarded by mu. Transport calls, decoding and
// completion callbacks run without holding it.
type Queue struct {
	transport acis.Transport
	cfg       Config
	clock     Clock
	limiter   *rate.Limiter
	metrics   *telemetry.QueueMetrics
	logger    zerolog.Logger

	mu       sync.Mutex
	backlog  []*request
	inFlight int
	closed   bool
	running  bool
	changed  chan struct{}
	stats    Stats
}

// New creates a queue that submits through transport.
func New(transport acis.Transport, cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		transport: transport,
		cfg:       cfg,
		clock:     SystemClock,
		logger:    cfg.Logger.With().Str("component", "acis_queue").Logger(),
		changed:   make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst == 0 {
			burst = cfg.MaxConcurrency
		}
		q.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue adds a request to the backlog and returns its id. It never blocks
// on queue activity. After Shutdown it returns ErrQueueClosed.
func (q *Queue) Enqueue(params *acis.Params, payload any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = q.cfg.BackoffBase
	bo.MaxInterval = q.cfg.BackoffCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Clock = q.clock
	bo.Reset()

	r := &request{
		id:         uuid.NewString(),
		params:     params,
		payload:    payload,
		enqueuedAt: q.clock.Now(),
		backoff:    bo,
	}
	q.backlog = append(q.backlog, r)
	q.stats.Enqueued++
	q.notifyLocked()
	q.metrics.RecordEnqueued(context.Background(), string(params.Call()))
	return r.id, nil
}

// Run processes requests until the backlog is empty and nothing is in
// flight, or until the queue is shut down. Requests added while Run is active
// are processed too.
//
// Cancelling ctx shuts the queue down. Attempts already in flight are not
// interrupted; the Transport bounds their duration.
func (q *Queue) Run(ctx context.Context, onComplete CompletionFunc) error {
	return q.run(ctx, onComplete, true)
}

// Serve is like Run but keeps waiting for new requests until the queue is
// shut down or ctx is cancelled.
func (q *Queue) Serve(ctx context.Context, onComplete CompletionFunc) error {
	return q.run(ctx, onComplete, false)
}

// Shutdown stops the queue. New enqueues fail, workers finish their current
// attempt and exit, and requests still waiting are completed as Cancelled by
// the active Run or Serve call, or by the next one.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.stats.Closed = true
	q.notifyLocked()
	q.logger.Info().Int("backlog", len(q.backlog)).Msg("queue shutting down")
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Queued = len(q.backlog)
	s.InFlight = q.inFlight
	return s
}

func (q *Queue) run(ctx context.Context, onComplete CompletionFunc, drain bool) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return ErrAlreadyRunning
	}
	q.running = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.Shutdown()
		case <-stop:
		}
	}()

	// Attempts outlive ctx so that shutdown lets them finish.
	callCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < q.cfg.MaxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(ctx, callCtx, onComplete, drain)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		q.Shutdown()
	}
	q.sweep(onComplete)
	return nil
}

func (q *Queue) worker(ctx, callCtx context.Context, onComplete CompletionFunc, drain bool) {
	for {
		r := q.next(ctx, drain)
		if r == nil {
			return
		}
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				q.release(r)
				q.Shutdown()
				return
			}
		}
		q.attempt(callCtx, r, onComplete)
	}
}

// next blocks until a request is eligible and claims it. It returns nil
// when the worker should exit.
func (q *Queue) next(ctx context.Context, drain bool) *request {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil
		}
		r, wait := q.popEligibleLocked(q.clock.Now())
		if r != nil {
			q.inFlight++
			q.mu.Unlock()
			return r
		}
		if drain && len(q.backlog) == 0 && q.inFlight == 0 {
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()

		var timer <-chan time.Time
		if wait > 0 {
			timer = q.clock.After(wait)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		case <-timer:
		}
	}
}

// popEligibleLocked removes and returns the first request whose retry time
// has passed. Otherwise it returns how long until the earliest one is due,
// or 0 when the backlog is empty.
func (q *Queue) popEligibleLocked(now time.Time) (*request, time.Duration) {
	var wait time.Duration
	for i, r := range q.backlog {
		if !r.nextAt.After(now) {
			q.backlog = slices.Delete(q.backlog, i, i+1)
			return r, 0
		}
		if d := r.nextAt.Sub(now); wait == 0 || d < wait {
			wait = d
		}
	}
	return nil, wait
}

// release returns a claimed request to the front of the backlog without
// counting an attempt.
func (q *Queue) release(r *request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inFlight--
	q.backlog = slices.Insert(q.backlog, 0, r)
	q.notifyLocked()
}

func (q *Queue) attempt(ctx context.Context, r *request, onComplete CompletionFunc) {
	call := string(r.params.Call())
	r.attempts++
	logger := q.logger.With().
		Str("request_id", r.id).
		Str("call", call).
		Int("attempt", r.attempts).
		Logger()

	logger.Debug().Msg("submitting request")
	q.metrics.AttemptStarted(ctx, call)
	res, err := acis.Query(ctx, q.transport, r.params)
	q.metrics.AttemptFinished(ctx, call, err)

	q.mu.Lock()
	q.inFlight--
	q.stats.Attempts++

	var out *Outcome
	switch {
	case err == nil:
		out = &Outcome{Result: res, Attempts: r.attempts}
		q.stats.Succeeded++
	case !acis.IsTransient(err):
		out = &Outcome{Failure: &Failure{Kind: Terminal, Err: err}, Attempts: r.attempts}
		q.stats.Failed++
	case r.attempts > q.cfg.MaxRetries:
		out = &Outcome{Failure: &Failure{Kind: TransientExhausted, Err: err}, Attempts: r.attempts}
		q.stats.Failed++
	case q.closed:
		out = &Outcome{Failure: &Failure{Kind: Cancelled, Err: err}, Attempts: r.attempts}
		q.stats.Cancelled++
	default:
		delay := r.backoff.NextBackOff()
		r.nextAt = q.clock.Now().Add(delay)
		q.backlog = append(q.backlog, r)
		logger.Warn().Err(err).Dur("retry_in", delay).Msg("transient failure, retrying")
	}
	q.notifyLocked()
	q.mu.Unlock()

	if out != nil {
		if out.Failure != nil {
			logger.Warn().Err(out.Failure).Msg("request failed")
		}
		q.complete(r, *out, onComplete)
	}
}

// sweep completes every request left in the backlog as Cancelled. It runs
// after all workers have exited.
func (q *Queue) sweep(onComplete CompletionFunc) {
	q.mu.Lock()
	if !q.closed {
		q.mu.Unlock()
		return
	}
	left := q.backlog
	q.backlog = nil
	q.stats.Cancelled += int64(len(left))
	q.mu.Unlock()

	for _, r := range left {
		q.complete(r, Outcome{Failure: &Failure{Kind: Cancelled}, Attempts: r.attempts}, onComplete)
	}
}

func (q *Queue) complete(r *request, out Outcome, onComplete CompletionFunc) {
	q.metrics.RecordCompletion(context.Background(), string(r.params.Call()), out.label(), q.clock.Now().Sub(r.enqueuedAt))
	defer func() {
		if p := recover(); p != nil {
			q.logger.Error().
				Str("request_id", r.id).
				Interface("panic", p).
				Msg("completion callback panicked")
		}
	}()
	onComplete(r.id, out, r.payload)
}

// notifyLocked wakes every goroutine waiting for a state change.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
