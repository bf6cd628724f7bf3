package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/broker/internals/config"
	"github.com/relaykit/broker/internals/metrics"
	"github.com/relaykit/broker/internals/models"
	"github.com/relaykit/broker/internals/registry"
)

// fakeTransport is an in-memory subscriber.Transport that feeds handleFrame
// from a queue of inbound payloads and records every outbound frame sent.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []models.OutboundFrame
	open    bool
	inbound chan []byte
	pings   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{open: true, inbound: make(chan []byte, 32)}
}

func (f *fakeTransport) pushFrame(v any) {
	b, _ := json.Marshal(v)
	f.inbound <- b
}

func (f *fakeTransport) pushRaw(raw string) {
	f.inbound <- []byte(raw)
}

func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return errors.New("closed")
	}
	frame, ok := v.(models.OutboundFrame)
	if !ok {
		return fmt.Errorf("unexpected send type %T", v)
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	raw, ok := <-f.inbound
	if !ok {
		return nil, errors.New("transport closed")
	}
	return raw, nil
}

func (f *fakeTransport) framesByType(typ string) []models.OutboundFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.OutboundFrame
	for _, fr := range f.sent {
		if fr.Type == typ {
			out = append(out, fr)
		}
	}
	return out
}

func testSetup() (*Controller, *registry.Registry) {
	cfg := &config.Config{
		MaxQueueSize:       100,
		RingBufferSize:     10,
		BackpressurePolicy: models.PolicyDropOldest,
		HeartbeatInterval:  time.Hour, // effectively disabled for these tests
	}
	reg := registry.New(cfg, metrics.NewMetrics())
	return New(reg, cfg), reg
}

func TestServe_SendsConnectedThenCloses(t *testing.T) {
	ctrl, _ := testSetup()
	ft := newFakeTransport()
	close(ft.inbound)

	ctrl.Serve(ft)

	connected := ft.framesByType(models.FrameInfo)
	if len(connected) != 1 || connected[0].Msg != models.InfoConnected {
		t.Fatalf("expected exactly one connected info frame, got %+v", connected)
	}
}

func TestServe_SubscribePublishAck(t *testing.T) {
	ctrl, reg := testSetup()
	reg.CreateTopic("orders")

	ft := newFakeTransport()
	ft.pushFrame(models.InboundFrame{Type: models.FrameSubscribe, Topic: "orders", ClientID: "a", RequestID: "r1"})
	ft.pushFrame(models.InboundFrame{Type: models.FramePublish, Topic: "orders", RequestID: "r2", Message: &models.Message{ID: "11111111-1111-4111-8111-111111111111", Payload: json.RawMessage(`{"v":1}`)}})
	close(ft.inbound)

	ctrl.Serve(ft)

	acks := ft.framesByType(models.FrameAck)
	if len(acks) != 2 {
		t.Fatalf("expected 2 acks (subscribe + publish), got %d: %+v", len(acks), acks)
	}
	events := ft.framesByType(models.FrameEvent)
	if len(events) != 1 {
		t.Fatalf("expected subscriber to receive its own published event, got %d", len(events))
	}
}

func TestHandleFrame_InvalidJSON(t *testing.T) {
	ctrl, _ := testSetup()
	ft := newFakeTransport()
	ft.pushRaw("not json")
	close(ft.inbound)

	ctrl.Serve(ft)

	errs := ft.framesByType(models.FrameError)
	if len(errs) != 1 || errs[0].Error.Code != models.CodeBadRequest {
		t.Fatalf("expected one BAD_REQUEST error frame, got %+v", errs)
	}
}

func TestHandleFrame_NonObjectJSON(t *testing.T) {
	ctrl, _ := testSetup()
	ft := newFakeTransport()
	ft.pushRaw(`[1,2,3]`)
	close(ft.inbound)

	ctrl.Serve(ft)

	errs := ft.framesByType(models.FrameError)
	if len(errs) != 1 || errs[0].Error.Code != models.CodeBadRequest {
		t.Fatalf("expected one BAD_REQUEST error frame for a JSON array, got %+v", errs)
	}
}

func TestHandleFrame_UnknownType(t *testing.T) {
	ctrl, _ := testSetup()
	ft := newFakeTransport()
	ft.pushFrame(models.InboundFrame{Type: "bogus", RequestID: "r1"})
	close(ft.inbound)

	ctrl.Serve(ft)

	errs := ft.framesByType(models.FrameError)
	if len(errs) != 1 || errs[0].Error.Code != models.CodeBadRequest || errs[0].RequestID != "r1" {
		t.Fatalf("expected one BAD_REQUEST error frame echoing request_id, got %+v", errs)
	}
}

func TestHandleFrame_PublishMissingIDIsAssigned(t *testing.T) {
	ctrl, reg := testSetup()
	reg.CreateTopic("orders")

	ft := newFakeTransport()
	ft.pushFrame(models.InboundFrame{Type: models.FrameSubscribe, Topic: "orders", ClientID: "a"})
	ft.pushFrame(models.InboundFrame{Type: models.FramePublish, Topic: "orders", Message: &models.Message{Payload: json.RawMessage(`{"v":1}`)}})
	close(ft.inbound)

	ctrl.Serve(ft)

	errs := ft.framesByType(models.FrameError)
	if len(errs) != 0 {
		t.Fatalf("expected an omitted message.id to be assigned rather than rejected, got %+v", errs)
	}
	events := ft.framesByType(models.FrameEvent)
	if len(events) != 1 || events[0].Message == nil || !models.IsValidUUID(events[0].Message.ID) {
		t.Fatalf("expected one event with a server-assigned UUID, got %+v", events)
	}
}

func TestHandleFrame_PublishInvalidUUID(t *testing.T) {
	ctrl, reg := testSetup()
	reg.CreateTopic("orders")

	ft := newFakeTransport()
	ft.pushFrame(models.InboundFrame{Type: models.FramePublish, Topic: "orders", Message: &models.Message{ID: "not-a-uuid"}})
	close(ft.inbound)

	ctrl.Serve(ft)

	errs := ft.framesByType(models.FrameError)
	if len(errs) != 1 || errs[0].Error.Code != models.CodeBadRequest {
		t.Fatalf("expected BAD_REQUEST for a malformed message.id, got %+v", errs)
	}
}

func TestHandleFrame_SubscribeTopicNotFound(t *testing.T) {
	ctrl, _ := testSetup()
	ft := newFakeTransport()
	ft.pushFrame(models.InboundFrame{Type: models.FrameSubscribe, Topic: "missing", ClientID: "a"})
	close(ft.inbound)

	ctrl.Serve(ft)

	errs := ft.framesByType(models.FrameError)
	if len(errs) != 1 || errs[0].Error.Code != models.CodeTopicNotFound {
		t.Fatalf("expected TOPIC_NOT_FOUND, got %+v", errs)
	}
}

func TestHandleFrame_ClientIDMismatchAcrossFrames(t *testing.T) {
	ctrl, reg := testSetup()
	reg.CreateTopic("orders")

	ft := newFakeTransport()
	ft.pushFrame(models.InboundFrame{Type: models.FrameSubscribe, Topic: "orders", ClientID: "a"})
	ft.pushFrame(models.InboundFrame{Type: models.FrameUnsubscribe, Topic: "orders", ClientID: "b"})
	close(ft.inbound)

	ctrl.Serve(ft)

	errs := ft.framesByType(models.FrameError)
	if len(errs) != 1 || errs[0].Error.Code != models.CodeBadRequest {
		t.Fatalf("expected one BAD_REQUEST for a client_id switch mid-session, got %+v", errs)
	}
}

func TestHandleFrame_Ping(t *testing.T) {
	ctrl, _ := testSetup()
	ft := newFakeTransport()
	ft.pushFrame(models.InboundFrame{Type: models.FramePing, RequestID: "p1"})
	close(ft.inbound)

	ctrl.Serve(ft)

	pongs := ft.framesByType(models.FramePong)
	if len(pongs) != 1 || pongs[0].RequestID != "p1" {
		t.Fatalf("expected one pong echoing request_id, got %+v", pongs)
	}
}

func TestServe_RemovesSubscriberOnClose(t *testing.T) {
	ctrl, reg := testSetup()
	reg.CreateTopic("orders")

	ft := newFakeTransport()
	ft.pushFrame(models.InboundFrame{Type: models.FrameSubscribe, Topic: "orders", ClientID: "a"})
	close(ft.inbound)

	ctrl.Serve(ft)

	if reg.SubscriberCount() != 0 {
		t.Errorf("expected remove_subscriber to run once the session ends, got %d remaining", reg.SubscriberCount())
	}
}
