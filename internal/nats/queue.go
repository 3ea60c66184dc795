package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
	"github.com/capitalize-ai/omnichannel-agent/pkg/metrics"
)

const (
	// JobsStreamName is the work-queue stream backing every job queue.
	JobsStreamName = "JOBS"

	jobsSubjectPrefix = "jobs"

	maxJobBackoff = 10 * time.Minute
	jobAckWait    = 2 * time.Minute
)

// Queue names.
const (
	QueueOutboundRetry   = "outbound-retry"
	QueueCreditGrant     = "credit-grant"
	QueueAnalyticsRollup = "analytics-rollup"
)

// ErrPermanent marks a job failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent job failure")

// Permanent wraps err so the queue stops retrying the job.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Job is one unit of queued work.
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	MaxAttempts  int             `json:"max_attempts"`
	InitialDelay time.Duration   `json:"initial_delay"`
	Payload      json.RawMessage `json:"payload"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`

	// Attempt is the 1-based delivery count, set on delivery.
	Attempt int `json:"-"`
}

// JobOptions control retries of an enqueued job.
type JobOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

// Handler processes one job.
type Handler func(ctx context.Context, job *Job) error

// JobQueue is a durable job queue on a JetStream work-queue stream.
type JobQueue struct {
	client *Client
	logger *logger.Logger
}

// NewJobQueue creates a new job queue.
func NewJobQueue(client *Client, log *logger.Logger) *JobQueue {
	return &JobQueue{client: client, logger: log.Component("queue")}
}

// EnsureStream ensures the jobs stream exists.
func (q *JobQueue) EnsureStream(ctx context.Context) error {
	js := q.client.JetStream()

	if _, err := js.Stream(ctx, JobsStreamName); err == nil {
		return nil
	}

	_, err := js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        JobsStreamName,
		Subjects:    []string{jobsSubjectPrefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      7 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Description: "Durable background jobs",
	})
	if err != nil {
		return fmt.Errorf("failed to create jobs stream: %w", err)
	}
	return nil
}

func jobSubject(queue string) string {
	return jobsSubjectPrefix + "." + queue
}

// Enqueue publishes a job carrying payload.
func (q *JobQueue) Enqueue(ctx context.Context, queue string, payload any, opts JobOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}

	job := Job{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Queue:        queue,
		MaxAttempts:  opts.MaxAttempts,
		InitialDelay: opts.InitialDelay,
		Payload:      raw,
		EnqueuedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	if _, err := q.client.JetStream().Publish(ctx, jobSubject(queue), data, jetstream.WithMsgID(job.ID)); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	metrics.QueueJobsTotal.WithLabelValues(queue, "enqueued").Inc()
	return job.ID, nil
}

// Run consumes queue with at most concurrency jobs in flight until ctx is
// done, then waits for in-flight jobs.
func (q *JobQueue) Run(ctx context.Context, queue string, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	consumer, err := q.client.JetStream().CreateOrUpdateConsumer(ctx, JobsStreamName, jetstream.ConsumerConfig{
		Durable:       "worker-" + queue,
		FilterSubject: jobSubject(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       jobAckWait,
		MaxAckPending: concurrency * 2,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer for %s: %w", queue, err)
	}

	iter, err := consumer.Messages(jetstream.PullMaxMessages(concurrency))
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queue, err)
	}

	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	log := q.logger.With(zap.String("queue", queue))
	log.Info("queue worker started", zap.Int("concurrency", concurrency))

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				log.Info("queue worker stopped")
				return nil
			}
			return fmt.Errorf("queue %s: %w", queue, err)
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(m jetstream.Msg) {
			defer func() {
				<-sem
				wg.Done()
			}()
			// Jobs in flight finish even when shutdown begins.
			process(context.WithoutCancel(ctx), log, queue, m, handler)
		}(msg)
	}
}

// deliverable is the subset of jetstream.Msg the worker needs.
type deliverable interface {
	Data() []byte
	Metadata() (*jetstream.MsgMetadata, error)
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

func process(ctx context.Context, log *logger.Logger, queue string, msg deliverable, handler Handler) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		log.Error("dropping malformed job", zap.Error(err))
		metrics.QueueJobsTotal.WithLabelValues(queue, "malformed").Inc()
		_ = msg.Term()
		return
	}

	job.Attempt = 1
	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		job.Attempt = int(meta.NumDelivered)
	}

	log = log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))

	err := handler(ctx, &job)
	switch {
	case err == nil:
		metrics.QueueJobsTotal.WithLabelValues(queue, "succeeded").Inc()
		if ackErr := msg.Ack(); ackErr != nil {
			log.Warn("job ack failed", zap.Error(ackErr))
		}
	case errors.Is(err, ErrPermanent) || job.Attempt >= job.MaxAttempts:
		log.Error("job failed permanently", zap.Error(err), zap.Int("max_attempts", job.MaxAttempts))
		metrics.QueueJobsTotal.WithLabelValues(queue, "dead").Inc()
		_ = msg.Term()
	default:
		delay := Backoff(job.InitialDelay, job.Attempt, maxJobBackoff)
		log.Warn("job failed, will retry", zap.Error(err), zap.Duration("delay", delay))
		metrics.QueueJobsTotal.WithLabelValues(queue, "retried").Inc()
		_ = msg.NakWithDelay(delay)
	}
}

// Backoff returns initial * 2^(attempt-1), capped at maxDelay.
func Backoff(initial time.Duration, attempt int, maxDelay time.Duration) time.Duration {
	if attempt <= 0 || initial <= 0 {
		return 0
	}
	d := time.Duration(float64(initial) * math.Pow(2, float64(attempt-1)))
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}
