// Package subscriber provides the per-client mailbox and lifecycle object
// (spec.md §3, §4.2): the outbound queue, the set of joined topics, a
// handle to the transport, and the liveness flag heartbeat toggles.
package subscriber

import (
	"sync"
	"sync/atomic"

	"github.com/relaykit/broker/internals/models"
)

// Subscriber is the per-client mailbox. Its Topics set is mutated only by
// the Registry under its single serialization lock (spec.md §5); Subscriber
// adds no extra locking around Topics so that invariant I1 has one
// authority, not two cooperating locks.
type Subscriber struct {
	ClientID  string
	Transport Transport

	// Topics is the set of topic names this subscriber is currently joined
	// to. Guarded by the owning Registry's mutex, not by Subscriber itself.
	Topics map[string]struct{}

	outbound chan models.OutboundFrame // bounded at max_queue_size; events + topic_deleted
	control  chan models.OutboundFrame // controlQueueSize slots, drops when full; ack/error/pong/connected

	liveness  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

const controlQueueSize = 32

// New creates a subscriber bound to transport with an outbound queue of the
// given capacity (max_queue_size). The writer goroutine starts immediately
// and is the sole writer to transport for the subscriber's lifetime.
func New(clientID string, transport Transport, maxQueueSize int) *Subscriber {
	if maxQueueSize <= 0 {
		maxQueueSize = 1
	}
	s := &Subscriber{
		ClientID:  clientID,
		Transport: transport,
		Topics:    make(map[string]struct{}),
		outbound:  make(chan models.OutboundFrame, maxQueueSize),
		control:   make(chan models.OutboundFrame, controlQueueSize),
		done:      make(chan struct{}),
	}
	s.liveness.Store(true)
	go s.run()
	return s
}

// run drains control and outbound frames to the transport, stopping on the
// first transport error. Control frames are prioritized over queued events
// so acks/errors/pongs stay responsive under publish load.
func (s *Subscriber) run() {
	defer close(s.done)
	for {
		select {
		case f, ok := <-s.control:
			if !ok {
				return
			}
			if err := s.Transport.Send(f); err != nil {
				return
			}
			continue
		default:
		}

		select {
		case f, ok := <-s.control:
			if !ok {
				return
			}
			if err := s.Transport.Send(f); err != nil {
				return
			}
		case f, ok := <-s.outbound:
			if !ok {
				return
			}
			if err := s.Transport.Send(f); err != nil {
				return
			}
		}
	}
}

// SendControl best-effort enqueues an ack/error/pong/connected frame. It
// never applies backpressure policy: a full control queue simply drops the
// frame (spec.md names no policy for these session-level replies).
func (s *Subscriber) SendControl(f models.OutboundFrame) bool {
	select {
	case s.control <- f:
		return true
	default:
		return false
	}
}

// EnqueueResult reports the outcome of delivering one event-class frame to
// this subscriber's outbound queue.
type EnqueueResult int

const (
	// Delivered means the frame was placed on the outbound queue.
	Delivered EnqueueResult = iota
	// Dropped means DROP_OLDEST evicted an entry to make room (queue stayed full).
	Dropped
	// Disconnected means DISCONNECT policy fired: the transport was closed
	// and this subscriber must be removed from the registry.
	Disconnected
	// AlreadyClosed means the subscriber's transport was already observed
	// closed; the caller must remove it.
	AlreadyClosed
)

// Enqueue delivers an event or topic_deleted frame under the configured
// backpressure policy. Must be called from inside the Registry's
// serialization discipline (spec.md §5): it never blocks and never touches
// the network directly — it only manipulates channels, so it is safe to run
// under the registry's mutex. Under DISCONNECT the subscriber is closed on a
// separate goroutine.
func (s *Subscriber) Enqueue(f models.OutboundFrame, policy string) EnqueueResult {
	if !s.Transport.IsOpen() {
		return AlreadyClosed
	}

	select {
	case s.outbound <- f:
		return Delivered
	default:
	}

	switch policy {
	case models.PolicyDisconnect:
		s.SendControl(models.ErrorFrame("", models.CodeSlowConsumer, "subscriber buffer overflow, disconnecting"))
		go s.Close(1008, "SLOW_CONSUMER")
		return Disconnected
	default: // DROP_OLDEST
		select {
		case <-s.outbound:
		default:
		}
		select {
		case s.outbound <- f:
		default:
		}
		return Dropped
	}
}

// IsActive reports whether the subscriber's writer loop is still running.
func (s *Subscriber) IsActive() bool {
	select {
	case <-s.done:
		return false
	default:
		return s.Transport.IsOpen()
	}
}

// MarkLiveness sets the heartbeat liveness flag (spec.md §4.4).
func (s *Subscriber) MarkLiveness(alive bool) {
	s.liveness.Store(alive)
}

// Liveness reads the heartbeat liveness flag.
func (s *Subscriber) Liveness() bool {
	return s.liveness.Load()
}

// Close shuts the subscriber down: closes its queues, stops the writer, and
// releases the transport with the given close code/reason. Safe to call
// more than once.
func (s *Subscriber) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.outbound)
		close(s.control)
		<-s.done
		_ = s.Transport.Close(code, reason)
	})
}
