package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/climatedata/acis/internal/acis"
	"github.com/climatedata/acis/internal/queue"
)

const okBody = `{"meta":{"uid":1},"data":[["2020-01-01","50"]]}`

// stubTransport answers by station id and counts calls per station.
type stubTransport struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(sid string, n int) ([]byte, error)
}

func newStub(respond func(sid string, n int) ([]byte, error)) *stubTransport {
	return &stubTransport{calls: make(map[string]int), respond: respond}
}

func (s *stubTransport) Submit(_ context.Context, _ acis.Call, payload []byte) ([]byte, error) {
	var p struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls[p.SID]++
	n := s.calls[p.SID]
	s.mu.Unlock()
	return s.respond(p.SID, n)
}

func (s *stubTransport) Calls(sid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[sid]
}

func alwaysOK(string, int) ([]byte, error) { return []byte(okBody), nil }

func params(t *testing.T, sid string) *acis.Params {
	t.Helper()
	d, err := acis.ParseDate("2020-01-01")
	require.NoError(t, err)
	p, err := acis.NewParams(acis.ParamsConfig{
		Elements: []acis.Element{{Name: "maxt"}},
		Start:    d,
		End:      d,
		Station:  &acis.StationSelector{SID: sid},
	})
	require.NoError(t, err)
	return p
}

// collector records every completion callback.
type collector struct {
	mu       sync.Mutex
	outcomes map[string]queue.Outcome
	payloads map[string]any
	calls    map[string]int
}

func newCollector() *collector {
	return &collector{
		outcomes: make(map[string]queue.Outcome),
		payloads: make(map[string]any),
		calls:    make(map[string]int),
	}
}

func (c *collector) onComplete(id string, out queue.Outcome, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[id] = out
	c.payloads[id] = payload
	c.calls[id]++
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func testConfig() queue.Config {
	return queue.Config{
		MaxConcurrency: 4,
		MaxRetries:     2,
		BackoffBase:    time.Millisecond,
		BackoffCap:     4 * time.Millisecond,
		Logger:         zerolog.Nop(),
	}
}

func TestQueue_RunCompletesEveryRequestOnce(t *testing.T) {
	stub := newStub(func(sid string, _ int) ([]byte, error) {
		if sid == "bad" {
			return nil, &acis.TransportError{Kind: acis.TransportHTTP, StatusCode: 503}
		}
		return []byte(okBody), nil
	})
	cfg := testConfig()
	q, err := queue.New(stub, cfg)
	require.NoError(t, err)

	ids := make(map[string]string)
	for i := 0; i < 20; i++ {
		sid := fmt.Sprintf("s%02d", i)
		if i == 7 {
			sid = "bad"
		}
		id, err := q.Enqueue(params(t, sid), sid)
		require.NoError(t, err)
		ids[id] = sid
	}

	c := newCollector()
	require.NoError(t, q.Run(context.Background(), c.onComplete))

	require.Len(t, c.calls, 20)
	for id, sid := range ids {
		assert.Equal(t, 1, c.calls[id], "request %s completed more than once", id)
		assert.Equal(t, sid, c.payloads[id])
		out := c.outcomes[id]
		if sid == "bad" {
			require.NotNil(t, out.Failure)
			assert.Equal(t, queue.TransientExhausted, out.Failure.Kind)
			assert.Equal(t, cfg.MaxRetries+1, out.Attempts)
			var te *acis.TransportError
			assert.ErrorAs(t, out.Failure, &te)
			continue
		}
		assert.True(t, out.OK())
		assert.Equal(t, 1, out.Result.Len())
		assert.Equal(t, 1, out.Attempts)
	}
	assert.Equal(t, cfg.MaxRetries+1, stub.Calls("bad"))

	stats := q.Stats()
	assert.Equal(t, int64(19), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(22), stats.Attempts)
	assert.Equal(t, 0, stats.Queued)
}

func TestQueue_TerminalFailureNotRetried(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
	}{
		{"rejection", "", &acis.ServiceRejection{Message: "Unknown element", StatusCode: 400}},
		{"auth", "", &acis.ServiceRejection{Message: "forbidden", StatusCode: 403, Auth: true}},
		{"structural parse error", `{"meta":{"uid":1}}`, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stub := newStub(func(string, int) ([]byte, error) {
				if tc.err != nil {
					return nil, tc.err
				}
				return []byte(tc.body), nil
			})
			q, err := queue.New(stub, testConfig())
			require.NoError(t, err)
			id, err := q.Enqueue(params(t, "okc"), nil)
			require.NoError(t, err)

			c := newCollector()
			require.NoError(t, q.Run(context.Background(), c.onComplete))

			out := c.outcomes[id]
			require.NotNil(t, out.Failure)
			assert.Equal(t, queue.Terminal, out.Failure.Kind)
			assert.Equal(t, 1, out.Attempts)
			assert.Equal(t, 1, stub.Calls("okc"))
		})
	}
}

func TestQueue_MalformedJSONIsRetried(t *testing.T) {
	stub := newStub(func(_ string, n int) ([]byte, error) {
		if n == 1 {
			return []byte(`{"meta":{"uid":1},"data":[["2020-01-01"`), nil
		}
		return []byte(okBody), nil
	})
	q, err := queue.New(stub, testConfig())
	require.NoError(t, err)
	id, err := q.Enqueue(params(t, "okc"), nil)
	require.NoError(t, err)

	c := newCollector()
	require.NoError(t, q.Run(context.Background(), c.onComplete))
	assert.True(t, c.outcomes[id].OK())
	assert.Equal(t, 2, c.outcomes[id].Attempts)
}

func TestQueue_ConcurrencyBound(t *testing.T) {
	const k = 3
	release := make(chan struct{})
	var outstanding, peak atomic.Int32

	stub := newStub(func(string, int) ([]byte, error) {
		n := outstanding.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		outstanding.Add(-1)
		return []byte(okBody), nil
	})
	cfg := testConfig()
	cfg.MaxConcurrency = k
	q, err := queue.New(stub, cfg)
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		_, err := q.Enqueue(params(t, fmt.Sprintf("s%d", i)), nil)
		require.NoError(t, err)
	}

	c := newCollector()
	done := make(chan error, 1)
	go func() { done <- q.Run(context.Background(), c.onComplete) }()

	require.Eventually(t, func() bool { return outstanding.Load() == k }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return outstanding.Load() > k }, 50*time.Millisecond, time.Millisecond)
	assert.Equal(t, k, q.Stats().InFlight)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 12, c.count())
	assert.LessOrEqual(t, peak.Load(), int32(k))
}

func TestQueue_ShutdownCancelsBacklog(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	stub := newStub(func(string, int) ([]byte, error) {
		started.Add(1)
		<-release
		return []byte(okBody), nil
	})
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	q, err := queue.New(stub, cfg)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(params(t, fmt.Sprintf("s%d", i)), i)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	c := newCollector()
	done := make(chan error, 1)
	go func() { done <- q.Run(context.Background(), c.onComplete) }()
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, time.Millisecond)

	q.Shutdown()
	_, err = q.Enqueue(params(t, "late"), nil)
	assert.ErrorIs(t, err, queue.ErrQueueClosed)

	close(release)
	require.NoError(t, <-done)

	require.Equal(t, 5, c.count())
	assert.True(t, c.outcomes[ids[0]].OK(), "in-flight request finishes")
	for _, id := range ids[1:] {
		out := c.outcomes[id]
		require.NotNil(t, out.Failure)
		assert.Equal(t, queue.Cancelled, out.Failure.Kind)
		assert.Equal(t, 0, out.Attempts)
	}
	assert.Equal(t, int32(1), started.Load())
	assert.Equal(t, int64(4), q.Stats().Cancelled)
}

func TestQueue_TransientFailureAfterShutdownIsCancelled(t *testing.T) {
	release := make(chan struct{})
	stub := newStub(func(string, int) ([]byte, error) {
		<-release
		return nil, &acis.TransportError{Kind: acis.TransportTimeout}
	})
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	q, err := queue.New(stub, cfg)
	require.NoError(t, err)
	id, err := q.Enqueue(params(t, "okc"), nil)
	require.NoError(t, err)

	c := newCollector()
	done := make(chan error, 1)
	go func() { done <- q.Run(context.Background(), c.onComplete) }()
	require.Eventually(t, func() bool { return q.Stats().InFlight == 1 }, time.Second, time.Millisecond)

	q.Shutdown()
	close(release)
	require.NoError(t, <-done)

	out := c.outcomes[id]
	require.NotNil(t, out.Failure)
	assert.Equal(t, queue.Cancelled, out.Failure.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 1, stub.Calls("okc"))
}

func TestQueue_RunAfterShutdownReportsCancelled(t *testing.T) {
	q, err := queue.New(newStub(alwaysOK), testConfig())
	require.NoError(t, err)
	id, err := q.Enqueue(params(t, "okc"), "p")
	require.NoError(t, err)
	q.Shutdown()

	c := newCollector()
	require.NoError(t, q.Run(context.Background(), c.onComplete))
	assert.Equal(t, queue.Cancelled, c.outcomes[id].Failure.Kind)
	assert.Equal(t, "p", c.payloads[id])
}

func TestQueue_BackoffDoublesUpToCap(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var at []time.Time
	stub := newStub(func(_ string, n int) ([]byte, error) {
		mu.Lock()
		at = append(at, clock.Now())
		mu.Unlock()
		if n < 4 {
			return nil, &acis.TransportError{Kind: acis.TransportConnection, Err: errors.New("refused")}
		}
		return []byte(okBody), nil
	})
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	cfg.MaxRetries = 3
	cfg.BackoffBase = time.Second
	cfg.BackoffCap = 3 * time.Second
	q, err := queue.New(stub, cfg, queue.WithClock(clock))
	require.NoError(t, err)
	id, err := q.Enqueue(params(t, "okc"), nil)
	require.NoError(t, err)

	c := newCollector()
	done := make(chan error, 1)
	go func() { done <- q.Run(context.Background(), c.onComplete) }()

	attempts := func(n int) func() bool {
		return func() bool { return stub.Calls("okc") == n && clock.Waiting() > 0 }
	}

	require.Eventually(t, attempts(1), time.Second, time.Millisecond)
	clock.Advance(999 * time.Millisecond)
	assert.Never(t, func() bool { return stub.Calls("okc") > 1 }, 30*time.Millisecond, time.Millisecond)
	clock.Advance(time.Millisecond)

	require.Eventually(t, attempts(2), time.Second, time.Millisecond)
	clock.Advance(2 * time.Second)

	require.Eventually(t, attempts(3), time.Second, time.Millisecond)
	clock.Advance(3 * time.Second)

	require.NoError(t, <-done)
	assert.True(t, c.outcomes[id].OK())
	assert.Equal(t, 4, c.outcomes[id].Attempts)

	start := at[0]
	assert.Equal(t, []time.Duration{0, time.Second, 3 * time.Second, 6 * time.Second},
		[]time.Duration{at[0].Sub(start), at[1].Sub(start), at[2].Sub(start), at[3].Sub(start)})
}

func TestQueue_CallbackPanicDoesNotStopWorkers(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrency = 1
	q, err := queue.New(newStub(alwaysOK), cfg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(params(t, fmt.Sprintf("s%d", i)), i)
		require.NoError(t, err)
	}

	var calls atomic.Int32
	require.NoError(t, q.Run(context.Background(), func(string, queue.Outcome, any) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueue_ServeUntilContextCancelled(t *testing.T) {
	q, err := queue.New(newStub(alwaysOK), testConfig())
	require.NoError(t, err)

	c := newCollector()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Serve(ctx, c.onComplete) }()

	id, err := q.Enqueue(params(t, "okc"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, time.Millisecond)
	assert.True(t, c.outcomes[id].OK())

	cancel()
	require.NoError(t, <-done)
	_, err = q.Enqueue(params(t, "okc"), nil)
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
}

func TestQueue_SingleRunner(t *testing.T) {
	release := make(chan struct{})
	q, err := queue.New(newStub(func(string, int) ([]byte, error) {
		<-release
		return []byte(okBody), nil
	}), testConfig())
	require.NoError(t, err)
	_, err = q.Enqueue(params(t, "okc"), nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- q.Serve(context.Background(), func(string, queue.Outcome, any) {}) }()
	require.Eventually(t, func() bool { return q.Stats().InFlight == 1 }, time.Second, time.Millisecond)

	err = q.Run(context.Background(), func(string, queue.Outcome, any) {})
	assert.ErrorIs(t, err, queue.ErrAlreadyRunning)

	q.Shutdown()
	close(release)
	require.NoError(t, <-done)
}

func TestQueue_RateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 1000
	cfg.Burst = 1
	q, err := queue.New(newStub(alwaysOK), cfg)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(params(t, fmt.Sprintf("s%d", i)), nil)
		require.NoError(t, err)
	}

	c := newCollector()
	require.NoError(t, q.Run(context.Background(), c.onComplete))
	assert.Equal(t, 5, c.count())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, queue.DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*queue.Config)
	}{
		{"zero concurrency", func(c *queue.Config) { c.MaxConcurrency = 0 }},
		{"negative retries", func(c *queue.Config) { c.MaxRetries = -1 }},
		{"zero backoff", func(c *queue.Config) { c.BackoffBase = 0 }},
		{"cap below base", func(c *queue.Config) { c.BackoffCap = c.BackoffBase / 2 }},
		{"negative rate", func(c *queue.Config) { c.RateLimit = -1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := queue.DefaultConfig()
			tc.modify(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := queue.New(newStub(alwaysOK), cfg)
			assert.Error(t, err)
		})
	}
}
