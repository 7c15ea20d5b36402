package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Subscription is one named consumer of a queue. Two subscriptions with
// different names each see every message (broadcast); two with the same
// name share an ack record and effectively compete.
//
// Delivered-but-unacked messages are tracked in memory so Next does not
// hand the same message out twice within one process. The set is forgotten
// on restart, which is what makes delivery at-least-once rather than
// at-most-once.
type Subscription struct {
	bus        *Bus
	queue      string
	subscriber string

	mu       sync.Mutex
	inFlight map[string]bool
}

// Subscribe creates a named subscription on a queue.
func (b *Bus) Subscribe(queue, subscriber string) *Subscription {
	return &Subscription{
		bus:        b,
		queue:      queue,
		subscriber: subscriber,
		inFlight:   make(map[string]bool),
	}
}

// Queue returns the queue this subscription consumes.
func (s *Subscription) Queue() string { return s.queue }

// Subscriber returns the consumer name.
func (s *Subscription) Subscriber() string { return s.subscriber }

// Next blocks until a deliverable message is available, the context is
// cancelled, or the bus closes. Messages are delivered highest priority
// first; equal priorities deliver oldest first.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	wake := make(chan struct{}, 1)
	s.bus.addWaiter(s.queue, wake)
	defer s.bus.removeWaiter(s.queue, wake)

	ticker := time.NewTicker(s.bus.pollInterval)
	defer ticker.Stop()

	for {
		if s.bus.isClosed() {
			return Message{}, ErrUnavailable
		}

		msg, found, err := s.tryNext(ctx)
		if err != nil {
			return Message{}, err
		}
		if found {
			return msg, nil
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

// TryNext returns the next deliverable message without blocking. The
// boolean reports whether a message was found.
func (s *Subscription) TryNext(ctx context.Context) (Message, bool, error) {
	if s.bus.isClosed() {
		return Message{}, false, ErrUnavailable
	}
	return s.tryNext(ctx)
}

func (s *Subscription) tryNext(ctx context.Context) (Message, bool, error) {
	s.mu.Lock()
	// With k messages in flight, at most k of the first k+1 candidates can
	// be skipped, so the page below always contains a deliverable message
	// when one exists.
	limit := len(s.inFlight) + 1
	s.mu.Unlock()

	s.bus.mu.RLock()
	if s.bus.closed {
		s.bus.mu.RUnlock()
		return Message{}, false, ErrUnavailable
	}
	rows, err := s.bus.db.QueryContext(ctx,
		`SELECT seq, id, queue, type, payload, priority, correlation_id, created_at
		 FROM messages m
		 WHERE m.queue = ?
		   AND NOT EXISTS (SELECT 1 FROM acks a WHERE a.message_id = m.id AND a.subscriber = ?)
		 ORDER BY m.priority DESC, m.seq ASC
		 LIMIT ?`,
		s.queue, s.subscriber, limit)
	if err != nil {
		s.bus.mu.RUnlock()
		return Message{}, false, fmt.Errorf("%w: next query failed: %v", ErrUnavailable, err)
	}
	candidates, err := scanMessages(rows)
	rows.Close()
	s.bus.mu.RUnlock()
	if err != nil {
		return Message{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range candidates {
		if s.inFlight[m.ID] {
			continue
		}
		s.inFlight[m.ID] = true
		return m, true, nil
	}
	return Message{}, false, nil
}

// Ack acknowledges a delivered message. Idempotent.
func (s *Subscription) Ack(ctx context.Context, messageID string) error {
	if err := s.bus.Ack(ctx, messageID, s.subscriber); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.inFlight, messageID)
	s.mu.Unlock()
	return nil
}

// Release returns an unacknowledged message to visibility so a later Next
// can deliver it again. Used when processing fails and the message should
// be retried without waiting for a process restart.
func (s *Subscription) Release(messageID string) {
	s.mu.Lock()
	delete(s.inFlight, messageID)
	s.mu.Unlock()
}

// Pending reports how many queue messages this subscriber has not acked.
func (s *Subscription) Pending(ctx context.Context) (int, error) {
	return s.bus.PendingCount(ctx, s.queue, s.subscriber)
}
