package events

import (
	"context"
	"log/slog"

	"connectclient/internal/async"
)

// Sender posts one already-built record upstream. It's the transport-
// agnostic collaborator the service hands finished records to.
type Sender interface {
	Send(record []byte) error
}

// Service is the EventService: it enqueues records onto a bounded
// async worker and republishes each one to local subscribers before
// enqueuing (§4.9).
type Service struct {
	sender     Sender
	worker     *async.Worker
	observable *async.SafeSubject[[]byte]
}

// workerCapacity matches §4.9's "capacity ~64".
const workerCapacity = 64

// NewService creates a Service that posts records through sender.
func NewService(sender Sender) *Service {
	return &Service{
		sender:     sender,
		worker:     async.NewWorker(workerCapacity),
		observable: async.NewSafeSubject[[]byte](),
	}
}

// Observe subscribes to every record this service enqueues, in
// publish order, before the corresponding send is attempted.
func (s *Service) Observe() (<-chan []byte, func()) { return s.observable.Subscribe(32) }

// Enqueue publishes record to local subscribers, then submits it to
// the background worker for upstream delivery. If the worker's queue
// is full, the submission is dropped and logged — Enqueue itself never
// blocks the caller.
func (s *Service) Enqueue(record []byte) {
	s.observable.Publish(record)

	if !s.worker.TrySubmit(func() {
		if err := s.sender.Send(record); err != nil {
			slog.Warn("events: failed to send record", "error", err)
		}
	}) {
		slog.Warn("events: queue full, dropping record", "size", len(record))
	}
}

// Shutdown drains the queue, waiting up to ctx's deadline.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.worker.Shutdown(ctx)
}
