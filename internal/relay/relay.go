// Package relay lets other devices queue outgoing messages through a Redis
// list. Each list item is a JSON job that ends up in the local outbox.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/matheus3301/wppbak/internal/metrics"
	"github.com/matheus3301/wppbak/internal/outbox"
	"github.com/matheus3301/wppbak/internal/store"
	"github.com/matheus3301/wppbak/internal/wa"
	"go.uber.org/zap"
)

// ErrInvalidJob is returned for jobs that cannot be queued.
var ErrInvalidJob = errors.New("invalid relay job")

// Job is one relayed message.
type Job struct {
	ChatID string     `json:"chatId"`
	Body   string     `json:"body"`
	SendAt *time.Time `json:"sendAt,omitempty"`
}

// Queue is the source of raw jobs. Pop returns (nil, nil) when no job
// arrived within timeout.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}

// Relay moves jobs from a Queue into the outbox.
type Relay struct {
	queue      Queue
	db         *store.DB
	logger     *zap.Logger
	popTimeout time.Duration
	retryDelay time.Duration
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a Relay.
func New(queue Queue, db *store.DB, logger *zap.Logger) *Relay {
	return &Relay{
		queue:      queue,
		db:         db,
		logger:     logger,
		popTimeout: 5 * time.Second,
		retryDelay: 2 * time.Second,
	}
}

// Start begins consuming the queue.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop stops consuming and closes the queue.
func (r *Relay) Stop() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	return r.queue.Close()
}

func (r *Relay) loop(ctx context.Context) {
	defer close(r.done)
	r.logger.Info("relay started")
	for {
		raw, err := r.queue.Pop(ctx, r.popTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			metrics.RelayJobs.WithLabelValues("error").Inc()
			r.logger.Warn("relay pop failed", zap.Error(err))
			select {
			case <-time.After(r.retryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}
		if raw == nil {
			continue
		}
		if _, err := r.Handle(raw); err != nil {
			r.logger.Warn("relay job dropped", zap.Error(err), zap.ByteString("job", raw))
		}
	}
}

// Handle validates a raw job and queues it, returning the outbox client id.
func (r *Relay) Handle(raw []byte) (string, error) {
	job, err := Decode(raw)
	if err != nil {
		metrics.RelayJobs.WithLabelValues("invalid").Inc()
		return "", err
	}
	var sendAt time.Time
	if job.SendAt != nil {
		sendAt = *job.SendAt
	}
	id, err := outbox.Enqueue(r.db, wa.NormalizeJID(job.ChatID), job.Body, sendAt, outbox.SourceRelay)
	if err != nil {
		metrics.RelayJobs.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.RelayJobs.WithLabelValues("queued").Inc()
	r.logger.Info("relay job queued", zap.String("client_msg_id", id), zap.String("chat", job.ChatID))
	return id, nil
}

// Decode parses and validates a raw job.
func Decode(raw []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if err := job.validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// Encode validates job and renders it for the queue.
func Encode(job Job) ([]byte, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(job)
}

func (j Job) validate() error {
	if strings.TrimSpace(j.ChatID) == "" {
		return fmt.Errorf("%w: missing chatId", ErrInvalidJob)
	}
	if strings.TrimSpace(j.Body) == "" {
		return fmt.Errorf("%w: missing body", ErrInvalidJob)
	}
	return nil
}
