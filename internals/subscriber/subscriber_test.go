package subscriber

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/broker/internals/models"
)

// fakeTransport is an in-memory Transport used to unit-test Subscriber
// without a real network connection.
type fakeTransport struct {
	mu     sync.Mutex
	sent   []any
	open   bool
	sendEr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{open: true}
}

func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return errors.New("transport closed")
	}
	if f.sendEr != nil {
		return f.sendEr
	}
	f.sent = append(f.sent, v)
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
	return nil
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	return nil, errors.New("not implemented in fakeTransport")
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestNew(t *testing.T) {
	ft := newFakeTransport()
	sub := New("client-1", ft, 10)
	defer sub.Close(1001, "test done")

	if sub.ClientID != "client-1" {
		t.Errorf("expected ClientID 'client-1', got %q", sub.ClientID)
	}
	if cap(sub.outbound) != 10 {
		t.Errorf("expected outbound capacity 10, got %d", cap(sub.outbound))
	}
}

func TestNew_NonPositiveQueueSizeClampsToOne(t *testing.T) {
	ft := newFakeTransport()
	sub := New("client-1", ft, 0)
	defer sub.Close(1001, "test done")
	if cap(sub.outbound) != 1 {
		t.Errorf("expected outbound capacity clamped to 1, got %d", cap(sub.outbound))
	}
}

func TestSubscriber_EnqueueDelivered(t *testing.T) {
	ft := newFakeTransport()
	sub := New("client-1", ft, 10)
	defer sub.Close(1001, "test done")

	res := sub.Enqueue(models.OutboundFrame{Type: models.FrameEvent}, models.PolicyDropOldest)
	if res != Delivered {
		t.Errorf("expected Delivered, got %v", res)
	}

	time.Sleep(20 * time.Millisecond)
	if ft.sentCount() != 1 {
		t.Errorf("expected 1 frame sent to transport, got %d", ft.sentCount())
	}
}

func TestSubscriber_EnqueueDropOldest(t *testing.T) {
	ft := newFakeTransport()
	// Block the writer goroutine from draining by closing the fake transport
	// right away so sends fail and pile up — instead, simplest approach:
	// use a queue of size 1 and fill it faster than the writer can drain by
	// never letting it start draining: not directly controllable here, so we
	// rely on racing a tiny buffer.
	sub := New("client-1", ft, 1)
	defer sub.Close(1001, "test done")

	// Saturate: enqueue many frames quickly; with DROP_OLDEST none should
	// ever return Disconnected/AlreadyClosed.
	for i := 0; i < 50; i++ {
		res := sub.Enqueue(models.OutboundFrame{Type: models.FrameEvent}, models.PolicyDropOldest)
		if res == Disconnected || res == AlreadyClosed {
			t.Fatalf("unexpected result under DROP_OLDEST: %v", res)
		}
	}
}

func TestSubscriber_EnqueueDisconnectPolicy(t *testing.T) {
	ft := newFakeTransport()
	ft.mu.Lock()
	ft.sendEr = errors.New("simulated slow consumer")
	ft.mu.Unlock()

	sub := New("client-1", ft, 1)
	defer sub.Close(1001, "test done")

	sub.Enqueue(models.OutboundFrame{Type: models.FrameEvent}, models.PolicyDisconnect)
	res := sub.Enqueue(models.OutboundFrame{Type: models.FrameEvent}, models.PolicyDisconnect)
	if res != Disconnected && res != AlreadyClosed {
		t.Errorf("expected Disconnected or AlreadyClosed once queue fills under DISCONNECT, got %v", res)
	}
}

func TestSubscriber_EnqueueAlreadyClosed(t *testing.T) {
	ft := newFakeTransport()
	sub := New("client-1", ft, 10)
	sub.Close(1001, "bye")

	res := sub.Enqueue(models.OutboundFrame{Type: models.FrameEvent}, models.PolicyDropOldest)
	if res != AlreadyClosed {
		t.Errorf("expected AlreadyClosed, got %v", res)
	}
}

func TestSubscriber_SendControl(t *testing.T) {
	ft := newFakeTransport()
	sub := New("client-1", ft, 10)
	defer sub.Close(1001, "test done")

	if !sub.SendControl(models.Ack("req-1", "topic-a")) {
		t.Error("expected SendControl to succeed")
	}

	time.Sleep(20 * time.Millisecond)
	if ft.sentCount() != 1 {
		t.Errorf("expected 1 control frame sent, got %d", ft.sentCount())
	}
}

func TestSubscriber_IsActive(t *testing.T) {
	ft := newFakeTransport()
	sub := New("client-1", ft, 10)

	if !sub.IsActive() {
		t.Error("expected subscriber to be active right after creation")
	}

	sub.Close(1001, "done")
	time.Sleep(10 * time.Millisecond)
	if sub.IsActive() {
		t.Error("expected subscriber to be inactive after Close")
	}
}

func TestSubscriber_Liveness(t *testing.T) {
	ft := newFakeTransport()
	sub := New("client-1", ft, 10)
	defer sub.Close(1001, "test done")

	if !sub.Liveness() {
		t.Error("expected liveness true by default")
	}

	sub.MarkLiveness(false)
	if sub.Liveness() {
		t.Error("expected liveness false after MarkLiveness(false)")
	}
}

func TestSubscriber_CloseIdempotent(t *testing.T) {
	ft := newFakeTransport()
	sub := New("client-1", ft, 10)

	sub.Close(1001, "first")
	sub.Close(1001, "second")
}

func TestSubscriber_Concurrency(t *testing.T) {
	ft := newFakeTransport()
	sub := New("client-1", ft, 100)
	defer sub.Close(1001, "test done")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				sub.Enqueue(models.OutboundFrame{Type: models.FrameEvent}, models.PolicyDropOldest)
			}
		}()
	}
	wg.Wait()

	time.Sleep(50 * time.Millisecond)
	if !sub.IsActive() {
		t.Error("subscriber should still be active after concurrent enqueues")
	}
}

func BenchmarkSubscriber_Enqueue(b *testing.B) {
	ft := newFakeTransport()
	sub := New("bench-client", ft, 1000)
	defer sub.Close(1001, "bench done")
	f := models.OutboundFrame{Type: models.FrameEvent}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sub.Enqueue(f, models.PolicyDropOldest)
	}
}
