// Package models provides the wire data structures exchanged between the
// session transport and the broker kernel.
package models

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Server-emitted frame types (§6).
const (
	FrameInfo  = "info"
	FrameAck   = "ack"
	FrameEvent = "event"
	FrameError = "error"
	FramePong  = "pong"
)

// Client-sent frame types (§4.4).
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FramePing        = "ping"
)

// info frame "msg" values.
const (
	InfoConnected    = "connected"
	InfoTopicDeleted = "topic_deleted"
)

// Backpressure policies applied when a subscriber's outbound queue is full
// (spec.md §4.2).
const (
	PolicyDropOldest = "DROP_OLDEST"
	PolicyDisconnect = "DISCONNECT"
)

// Error codes surfaced to clients (§7).
const (
	CodeBadRequest    = "BAD_REQUEST"
	CodeTopicNotFound = "TOPIC_NOT_FOUND"
	CodeSlowConsumer  = "SLOW_CONSUMER"
	CodeInternalError = "INTERNAL_ERROR"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[1-5][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// Message is the opaque payload carried by a publish request and by every
// delivered event.
type Message struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// IsValidUUID reports whether id matches the RFC-4122 hex-dash pattern
// required of message.id (§6 validation rule 4).
func IsValidUUID(id string) bool {
	return uuidPattern.MatchString(id)
}

// NewMessageID generates a fresh RFC-4122 UUID, assigned by
// session.handlePublish to a publish frame whose client omitted message.id.
func NewMessageID() string {
	return uuid.NewString()
}

// Event is what the registry fans out to subscribers and stores in a
// topic's replay history.
type Event struct {
	Topic   string    `json:"topic"`
	Message Message   `json:"message"`
	Ts      time.Time `json:"ts"`
}

// InboundFrame is the client -> server wire envelope (§4.4).
type InboundFrame struct {
	Type      string   `json:"type"`
	Topic     string   `json:"topic,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	LastN     int      `json:"last_n,omitempty"`
	Message   *Message `json:"message,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
}

// ErrorObj carries a machine-readable code and human-readable message.
type ErrorObj struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OutboundFrame is the server -> client wire envelope. A single struct
// backs every frame type in §6's table; unused fields are omitted.
type OutboundFrame struct {
	Type      string    `json:"type"`
	Msg       string    `json:"msg,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	Error     *ErrorObj `json:"error,omitempty"`
	Ts        time.Time `json:"ts"`
}

// Connected builds the informational frame sent once a session reaches OPEN.
func Connected(clientID string) OutboundFrame {
	return OutboundFrame{Type: FrameInfo, Msg: InfoConnected, ClientID: clientID, Ts: time.Now().UTC()}
}

// TopicDeleted builds the informational frame sent to a subscriber when its
// topic is administratively deleted.
func TopicDeleted(topic string) OutboundFrame {
	return OutboundFrame{Type: FrameInfo, Msg: InfoTopicDeleted, Topic: topic, Ts: time.Now().UTC()}
}

// Ack builds a successful reply to a subscribe/unsubscribe/publish request.
func Ack(requestID, topic string) OutboundFrame {
	return OutboundFrame{Type: FrameAck, RequestID: requestID, Topic: topic, Status: "ok", Ts: time.Now().UTC()}
}

// ErrorFrame builds an error reply. requestID may be empty when the frame
// failed JSON parsing before a request_id could be extracted.
func ErrorFrame(requestID, code, message string) OutboundFrame {
	return OutboundFrame{Type: FrameError, RequestID: requestID, Error: &ErrorObj{Code: code, Message: message}, Ts: time.Now().UTC()}
}

// Pong builds the heartbeat reply to a client ping.
func Pong(requestID string) OutboundFrame {
	return OutboundFrame{Type: FramePong, RequestID: requestID, Ts: time.Now().UTC()}
}

// EventFrame wraps a stored/fanned-out event for delivery to a subscriber.
func EventFrame(e Event) OutboundFrame {
	msg := e.Message
	return OutboundFrame{Type: FrameEvent, Topic: e.Topic, Message: &msg, Ts: e.Ts}
}
