// Package outbox runs outgoing message sends one at a time, in the order they
// were enqueued, and journals each attempt.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/smartlink/internal/bus"
	"github.com/matheus3301/smartlink/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity.
	ErrQueueFull = errors.New("outbox queue full")
	// ErrStopped is returned for jobs enqueued after Stop, and passed to the
	// Done callback of jobs still queued when the sender stops.
	ErrStopped = errors.New("outbox stopped")
)

// Job is one outgoing send. Deliver performs the remote call and returns the
// server message id. Done, if set, is called exactly once with the outcome,
// from the sender goroutine.
type Job struct {
	ClientMsgID    string
	ConversationID string
	Body           string
	Deliver        func(ctx context.Context) (serverMsgID string, err error)
	Done           func(serverMsgID string, err error)
}

// Journal records the lifecycle of each job.
type Journal interface {
	QueueOutbox(clientMsgID, conversationID, body string) error
	MarkOutboxSending(clientMsgID string) error
	MarkOutboxSent(clientMsgID, serverMsgID string) error
	MarkOutboxFailed(clientMsgID, errMsg string) error
}

// Options tunes a Sender.
type Options struct {
	QueueSize int
	Timeout   time.Duration
}

// Ack is the payload of bus.KindSendAck.
type Ack struct {
	ClientMsgID    string `json:"client_msg_id"`
	ConversationID string `json:"conversation_id"`
	ServerMsgID    string `json:"server_msg_id"`
}

// Failure is the payload of bus.KindSendFailed.
type Failure struct {
	ClientMsgID    string `json:"client_msg_id"`
	ConversationID string `json:"conversation_id"`
	Err            error  `json:"-"`
}

// MarshalJSON renders Err as a string.
func (f Failure) MarshalJSON() ([]byte, error) {
	type plain Failure
	var msg string
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		plain
		Error string `json:"error"`
	}{plain(f), msg})
}

// Sender drains queued jobs sequentially.
type Sender struct {
	journal Journal
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration
	jobs    chan Job

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSender creates a new outbox sender. journal may be nil.
func NewSender(journal Journal, b *bus.Bus, logger *zap.Logger, opts Options) *Sender {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Sender{
		journal: journal,
		bus:     b,
		logger:  logger.Named("outbox"),
		timeout: opts.Timeout,
		jobs:    make(chan Job, opts.QueueSize),
	}
}

// Start begins draining the queue.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender and fails every job still queued.
func (s *Sender) Stop() {
	s.mu.Lock()
	already := s.stopped
	s.stopped = true
	s.mu.Unlock()
	if already {
		return
	}
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	for {
		select {
		case job := <-s.jobs:
			s.finish(job, "", ErrStopped)
		default:
			return
		}
	}
}

// Enqueue journals a job and queues it without blocking. The journal row is
// written before the job becomes visible to the loop.
func (s *Sender) Enqueue(job Job) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	if s.journal != nil {
		if err := s.journal.QueueOutbox(job.ClientMsgID, job.ConversationID, job.Body); err != nil {
			s.logger.Error("failed to journal outbox entry", zap.Error(err), zap.String("client_msg_id", job.ClientMsgID))
		}
	}
	select {
	case s.jobs <- job:
		return nil
	default:
	}
	if s.journal != nil {
		if err := s.journal.MarkOutboxFailed(job.ClientMsgID, ErrQueueFull.Error()); err != nil {
			s.logger.Error("failed to mark failed", zap.Error(err), zap.String("client_msg_id", job.ClientMsgID))
		}
	}
	return ErrQueueFull
}

// Pending returns the number of queued jobs.
func (s *Sender) Pending() int {
	return len(s.jobs)
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case job := <-s.jobs:
			s.process(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) process(ctx context.Context, job Job) {
	if s.journal != nil {
		if err := s.journal.MarkOutboxSending(job.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", job.ClientMsgID))
		}
	}

	sctx, cancel := context.WithTimeout(ctx, s.timeout)
	serverMsgID, err := job.Deliver(sctx)
	cancel()

	s.finish(job, serverMsgID, err)
}

func (s *Sender) finish(job Job, serverMsgID string, err error) {
	if err != nil {
		s.logger.Warn("failed to send message", zap.Error(err), zap.String("client_msg_id", job.ClientMsgID))
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		if s.journal != nil {
			if jerr := s.journal.MarkOutboxFailed(job.ClientMsgID, err.Error()); jerr != nil {
				s.logger.Error("failed to mark failed", zap.Error(jerr), zap.String("client_msg_id", job.ClientMsgID))
			}
		}
		s.publish(bus.KindSendFailed, Failure{ClientMsgID: job.ClientMsgID, ConversationID: job.ConversationID, Err: err})
	} else {
		s.logger.Info("message sent", zap.String("client_msg_id", job.ClientMsgID), zap.String("server_msg_id", serverMsgID))
		metrics.MessagesSent.WithLabelValues("ack").Inc()
		if s.journal != nil {
			if jerr := s.journal.MarkOutboxSent(job.ClientMsgID, serverMsgID); jerr != nil {
				s.logger.Error("failed to mark sent", zap.Error(jerr), zap.String("client_msg_id", job.ClientMsgID))
			}
		}
		s.publish(bus.KindSendAck, Ack{ClientMsgID: job.ClientMsgID, ConversationID: job.ConversationID, ServerMsgID: serverMsgID})
	}
	if job.Done != nil {
		job.Done(serverMsgID, err)
	}
}

func (s *Sender) publish(kind string, payload any) {
	if s.bus != nil {
		s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
	}
}
