// Package session implements the Session Controller (spec.md §4.4): one
// instance per connected client, owning exactly one transport for the life
// of the connection. It parses inbound frames, drives the
// CONNECTING -> OPEN -> CLOSING -> CLOSED state machine, and is the sole
// writer onto its transport — it constructs its one Subscriber record up
// front and hands that same instance to every Registry call it makes
// (internals/registry only ever adopts the first Subscriber it sees for a
// client_id, so reusing it here keeps every outbound frame funneled through
// one writer goroutine, eliminating any race between session-originated
// replies and the subscriber's own fan-out writes).
package session

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaykit/broker/internals/config"
	"github.com/relaykit/broker/internals/log"
	"github.com/relaykit/broker/internals/models"
	"github.com/relaykit/broker/internals/registry"
	"github.com/relaykit/broker/internals/subscriber"
)

// Session state machine values (spec.md §4.4).
const (
	stateConnecting int32 = iota
	stateOpen
	stateClosing
	stateClosed
)

// livenessHooker is implemented by transports able to notify the controller
// when a heartbeat pong arrives (subscriber.WSTransport). Without it nothing
// sets liveness back to true, so the heartbeat terminates the session at its
// second tick.
type livenessHooker interface {
	SetLivenessHook(fn func())
}

// Controller serves connections against a shared registry and config.
type Controller struct {
	reg *registry.Registry
	cfg *config.Config
}

// New binds a controller to the shared registry and configuration.
func New(reg *registry.Registry, cfg *config.Config) *Controller {
	return &Controller{reg: reg, cfg: cfg}
}

// session is the per-connection state a single Serve call owns.
type session struct {
	ctrl   *Controller
	t      subscriber.Transport
	sub    *subscriber.Subscriber
	logger zerolog.Logger
	state  atomic.Int32

	// registryID is the client-supplied identity (spec.md §3 "stable
	// identity supplied by the client at subscribe time"), bound on the
	// session's first subscribe/unsubscribe frame and required to match on
	// every frame after. Empty until then.
	registryID string
}

// Serve drives t's entire session lifecycle: assigns a server-side
// connection identity, sends the connected info frame, then blocks in the
// frame read loop (with a concurrent heartbeat) until the transport closes
// or the peer is declared dead. It always returns with remove_subscriber
// invoked exactly once, for whatever client_id the session bound, and the
// transport closed (spec.md §4.4).
func (c *Controller) Serve(t subscriber.Transport) {
	connID := "conn-" + uuid.NewString()
	s := &session{
		ctrl:   c,
		t:      t,
		sub:    subscriber.New(connID, t, c.cfg.MaxQueueSize),
		logger: log.WithComponent("session").With().Str("conn_id", connID).Logger(),
	}
	s.state.Store(stateConnecting)

	if lh, ok := t.(livenessHooker); ok {
		lh.SetLivenessHook(func() { s.sub.MarkLiveness(true) })
	}

	if !s.sub.SendControl(models.Connected(connID)) {
		return
	}
	s.state.Store(stateOpen)
	s.logger.Info().Msg("session opened")

	done := make(chan struct{})
	go s.heartbeat(done)

	s.readLoop()
	close(done)

	s.state.Store(stateClosing)
	if s.registryID != "" {
		c.reg.RemoveSubscriber(s.registryID)
	}
	s.sub.Close(1000, "session ended")
	s.state.Store(stateClosed)
	s.logger.Info().Msg("session closed")
}

// heartbeat flips liveness false and pings every interval tick; a session
// still liveness=false at the following tick is forcibly terminated
// (spec.md §4.4).
func (s *session) heartbeat(done <-chan struct{}) {
	interval := s.ctrl.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !s.sub.Liveness() {
				s.state.Store(stateClosing)
				_ = s.t.Close(1001, "heartbeat timeout")
				return
			}
			s.sub.MarkLiveness(false)
			_ = s.t.Ping()
		}
	}
}

// readLoop blocks reading frames until the transport errors or the session
// leaves OPEN.
func (s *session) readLoop() {
	for {
		raw, err := s.t.ReadMessage()
		if err != nil {
			return
		}
		if s.state.Load() != stateOpen {
			return
		}
		s.handleFrame(raw)
	}
}

// handleFrame validates one inbound frame in the order spec.md §4.4
// requires and, on success, invokes the matching registry operation.
func (s *session) handleFrame(raw []byte) {
	if !looksLikeObject(raw) {
		s.sub.SendControl(models.ErrorFrame("", models.CodeBadRequest, "Invalid JSON format"))
		return
	}
	var frame models.InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.sub.SendControl(models.ErrorFrame("", models.CodeBadRequest, "Invalid JSON format"))
		return
	}

	switch frame.Type {
	case models.FrameSubscribe:
		s.handleSubscribe(frame)
	case models.FrameUnsubscribe:
		s.handleUnsubscribe(frame)
	case models.FramePublish:
		s.handlePublish(frame)
	case models.FramePing:
		s.sub.SendControl(models.Pong(frame.RequestID))
	default:
		s.sub.SendControl(models.ErrorFrame(frame.RequestID, models.CodeBadRequest, "Unknown frame type"))
	}
}

// looksLikeObject rejects JSON values that parse but aren't a top-level
// object (spec.md §4.4 validation rule 1: arrays, strings, numbers, etc. are
// all "invalid JSON format" for this protocol).
func looksLikeObject(raw []byte) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// bindClientID fixes the session's registry identity to the client's first
// subscribe/unsubscribe frame and rejects any later frame that disagrees,
// since the session owns one Subscriber record for its whole lifetime.
func (s *session) bindClientID(id string) bool {
	if s.registryID == "" {
		s.registryID = id
		return true
	}
	return s.registryID == id
}

func (s *session) handleSubscribe(frame models.InboundFrame) {
	if frame.Topic == "" || frame.ClientID == "" {
		s.sub.SendControl(models.ErrorFrame(frame.RequestID, models.CodeBadRequest, "topic and client_id are required"))
		return
	}
	if frame.LastN < 0 {
		s.sub.SendControl(models.ErrorFrame(frame.RequestID, models.CodeBadRequest, "last_n must be >= 0"))
		return
	}
	if !s.bindClientID(frame.ClientID) {
		s.sub.SendControl(models.ErrorFrame(frame.RequestID, models.CodeBadRequest, "client_id does not match session"))
		return
	}

	if err := s.ctrl.reg.Subscribe(frame.ClientID, s.sub, frame.Topic, frame.LastN); err != nil {
		s.sub.SendControl(models.ErrorFrame(frame.RequestID, mapError(err), err.Error()))
		return
	}
	s.sub.SendControl(models.Ack(frame.RequestID, frame.Topic))
}

func (s *session) handleUnsubscribe(frame models.InboundFrame) {
	if frame.Topic == "" || frame.ClientID == "" {
		s.sub.SendControl(models.ErrorFrame(frame.RequestID, models.CodeBadRequest, "topic and client_id are required"))
		return
	}
	if !s.bindClientID(frame.ClientID) {
		s.sub.SendControl(models.ErrorFrame(frame.RequestID, models.CodeBadRequest, "client_id does not match session"))
		return
	}

	if err := s.ctrl.reg.Unsubscribe(frame.ClientID, frame.Topic); err != nil {
		s.sub.SendControl(models.ErrorFrame(frame.RequestID, mapError(err), err.Error()))
		return
	}
	s.sub.SendControl(models.Ack(frame.RequestID, frame.Topic))
}

func (s *session) handlePublish(frame models.InboundFrame) {
	if frame.Topic == "" {
		s.sub.SendControl(models.ErrorFrame(frame.RequestID, models.CodeBadRequest, "topic is required"))
		return
	}
	if frame.Message == nil {
		s.sub.SendControl(models.ErrorFrame(frame.RequestID, models.CodeBadRequest, "message is required"))
		return
	}
	// message.id is optional; the server assigns one when the client omits
	// it (spec.md §6 validation rule 4: "if present" must be a valid UUID).
	if frame.Message.ID == "" {
		frame.Message.ID = models.NewMessageID()
	} else if !models.IsValidUUID(frame.Message.ID) {
		s.sub.SendControl(models.ErrorFrame(frame.RequestID, models.CodeBadRequest, "message.id must be a valid UUID"))
		return
	}

	result, err := s.ctrl.reg.Publish(frame.Topic, *frame.Message)
	if err != nil {
		s.sub.SendControl(models.ErrorFrame(frame.RequestID, mapError(err), err.Error()))
		return
	}
	if result.Failed > 0 {
		s.logger.Debug().Str("topic", frame.Topic).Int("failed", result.Failed).Msg("publish delivery failures")
	}
	s.sub.SendControl(models.Ack(frame.RequestID, frame.Topic))
}

// mapError translates a registry failure into the §7 error taxonomy.
func mapError(err error) string {
	switch {
	case errors.Is(err, registry.ErrTopicNotFound), errors.Is(err, registry.ErrSubscriptionNotFound):
		return models.CodeTopicNotFound
	default:
		return models.CodeInternalError
	}
}
