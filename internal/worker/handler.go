// Package worker feeds queries from Pub/Sub and scheduled batch files into
// the request queue and settles them when the queue completes them.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/climatedata/acis/internal/acis"
	"github.com/climatedata/acis/internal/queue"
)

// Source names where a queued query came from.
type Source string

const (
	SourcePubSub   Source = "pubsub"
	SourceSchedule Source = "schedule"
)

// Acker settles a delivered message. *pubsub.Message satisfies it.
type Acker interface {
	Ack()
	Nack()
}

// Enqueuer accepts requests. *queue.Queue satisfies it.
type Enqueuer interface {
	Enqueue(params *acis.Params, payload any) (string, error)
}

// Saver persists a result. *store.Sink satisfies it.
type Saver interface {
	Save(ctx context.Context, res acis.Result) (int, error)
}

// Ticket is the payload queued with every request.
type Ticket struct {
	Job    string
	Source Source
	// Msg is settled on completion; nil for scheduled queries.
	Msg Acker
}

// Metrics tracks handler statistics.
type Metrics struct {
	Completed       int64
	Failed          int64
	Cancelled       int64
	Observations    int64
	SaveErrors      int64
	LastCompletedAt time.Time
}

// Handler is the queue completion callback. It saves results and settles
// Pub/Sub messages.
type Handler struct {
	saver   Saver
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.RWMutex
	metrics Metrics
}

// HandlerConfig holds configuration for a Handler.
type HandlerConfig struct {
	// Saver is optional; results are only logged without one.
	Saver Saver
	// SaveTimeout bounds each Save. Default: 30 seconds.
	SaveTimeout time.Duration
	Logger      zerolog.Logger
}

// NewHandler creates a completion handler.
func NewHandler(cfg HandlerConfig) *Handler {
	timeout := cfg.SaveTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		saver:   cfg.Saver,
		timeout: timeout,
		logger:  cfg.Logger.With().Str("component", "acis_handler").Logger(),
	}
}

// Complete implements queue.CompletionFunc.
//
// A message is acked when its request succeeded and was saved, or failed
// terminally, since redelivery cannot change a rejected query. It is nacked
// when retries ran out, the queue shut down, or the save failed.
func (h *Handler) Complete(id string, out queue.Outcome, payload any) {
	ticket, _ := payload.(*Ticket)
	if ticket == nil {
		ticket = &Ticket{}
	}
	logger := h.logger.With().
		Str("request_id", id).
		Str("job", ticket.Job).
		Str("source", string(ticket.Source)).
		Int("attempts", out.Attempts).
		Logger()

	if !out.OK() {
		h.recordFailure(out.Failure.Kind)
		logger.Warn().
			Err(out.Failure).
			Str("failure", string(out.Failure.Kind)).
			Msg("query failed")
		if out.Failure.Kind == queue.Terminal {
			ack(ticket.Msg)
		} else {
			nack(ticket.Msg)
		}
		return
	}

	saved, err := h.save(out.Result)
	if err != nil {
		h.mu.Lock()
		h.metrics.SaveErrors++
		h.mu.Unlock()
		logger.Error().Err(err).Msg("failed to save result")
		nack(ticket.Msg)
		return
	}

	h.mu.Lock()
	h.metrics.Completed++
	h.metrics.Observations += int64(saved)
	h.metrics.LastCompletedAt = time.Now()
	h.mu.Unlock()

	logger.Info().
		Int("records", out.Result.Len()).
		Int("saved", saved).
		Msg("query completed")
	ack(ticket.Msg)
}

func (h *Handler) save(res acis.Result) (int, error) {
	if h.saver == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	return h.saver.Save(ctx, res)
}

func (h *Handler) recordFailure(kind queue.FailureKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if kind == queue.Cancelled {
		h.metrics.Cancelled++
		return
	}
	h.metrics.Failed++
}

// GetMetrics returns a copy of the current metrics.
func (h *Handler) GetMetrics() Metrics {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.metrics
}

// MetricsSnapshot returns the current metrics as a map.
func (h *Handler) MetricsSnapshot() map[string]any {
	m := h.GetMetrics()
	snap := map[string]any{
		"completed":    m.Completed,
		"failed":       m.Failed,
		"cancelled":    m.Cancelled,
		"observations": m.Observations,
		"save_errors":  m.SaveErrors,
	}
	if !m.LastCompletedAt.IsZero() {
		snap["last_completed_at"] = m.LastCompletedAt.UTC().Format(time.RFC3339)
	}
	return snap
}

func ack(msg Acker) {
	if msg != nil {
		msg.Ack()
	}
}

func nack(msg Acker) {
	if msg != nil {
		msg.Nack()
	}
}
