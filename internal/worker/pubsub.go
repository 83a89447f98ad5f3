package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/climatedata/acis/internal/jobs"
	"github.com/climatedata/acis/internal/queue"
)

// Subscriber turns Pub/Sub query messages into queued requests. Messages are
// settled by the Handler once the queue completes them.
type Subscriber struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	queue            Enqueuer
	now              func() time.Time
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Subscriber.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Queue            Enqueuer
	// MaxOutstanding bounds unsettled messages. Default: 100.
	MaxOutstanding int
	Logger         zerolog.Logger
}

// NewSubscriber creates a Pub/Sub subscriber.
func NewSubscriber(ctx context.Context, cfg PubSubConfig) (*Subscriber, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)

	maxOutstanding := cfg.MaxOutstanding
	if maxOutstanding <= 0 {
		maxOutstanding = 100
	}
	// Messages stay unsettled while their request waits in the queue.
	subscriber.ReceiveSettings.MaxOutstandingMessages = maxOutstanding
	subscriber.ReceiveSettings.MaxExtension = 30 * time.Minute

	return &Subscriber{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		queue:            cfg.Queue,
		now:              time.Now,
		logger:           cfg.Logger.With().Str("component", "acis_pubsub").Logger(),
	}, nil
}

// Start receives messages until ctx is cancelled.
func (s *Subscriber) Start(ctx context.Context) error {
	s.logger.Info().
		Str("subscription", s.subscriptionName).
		Msg("starting pubsub subscriber")

	return s.subscriber.Receive(ctx, func(_ context.Context, msg *pubsub.Message) {
		logger := s.logger.With().
			Str("message_id", msg.ID).
			Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
			Logger()
		HandleMessage(s.queue, msg.Data, msg, s.now(), logger)
	})
}

// Close closes the Pub/Sub client.
func (s *Subscriber) Close() error {
	return s.client.Close()
}

// HandleMessage decodes a query message and enqueues it with msg as the
// ticket's message. Messages that can never become a valid query are acked
// so they are not redelivered; a closed queue nacks them.
func HandleMessage(q Enqueuer, data []byte, msg Acker, now time.Time, logger zerolog.Logger) {
	logger.Debug().Msg("received pubsub message")

	var query jobs.Query
	if err := json.Unmarshal(data, &query); err != nil {
		logger.Error().Err(err).Msg("failed to parse message")
		msg.Ack()
		return
	}

	params, err := query.Params(now)
	if err != nil {
		logger.Error().Err(err).Str("job", query.Name).Msg("invalid query")
		msg.Ack()
		return
	}

	id, err := q.Enqueue(params, &Ticket{Job: query.Name, Source: SourcePubSub, Msg: msg})
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) {
			logger.Warn().Msg("queue closed, returning message")
		} else {
			logger.Error().Err(err).Msg("failed to enqueue query")
		}
		msg.Nack()
		return
	}

	logger.Debug().
		Str("request_id", id).
		Str("job", query.Name).
		Str("call", string(params.Call())).
		Msg("query enqueued")
}
