package command

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"connectclient/internal/async"
	"connectclient/internal/dealer"
)

type fakeBus struct {
	requests *async.SafeSubject[dealer.Request]
	failures *async.SafeSubject[string]

	mu      sync.Mutex
	replies map[string][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		requests: async.NewSafeSubject[dealer.Request](),
		failures: async.NewSafeSubject[string](),
		replies:  make(map[string][]byte),
	}
}

func (f *fakeBus) Requests() (<-chan dealer.Request, func()) { return f.requests.Subscribe(8) }
func (f *fakeBus) Failures() (<-chan string, func())         { return f.failures.Subscribe(8) }

func (f *fakeBus) SendReply(key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[key] = payload
	return nil
}

func (f *fakeBus) replyFor(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.replies[key]
	return p, ok
}

func TestHandleRequestDispatchesKnownCommand(t *testing.T) {
	bus := newFakeBus()
	h := New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, bus)

	commands, unsub := h.Subscribe(Play)
	defer unsub()

	bus.requests.Publish(dealer.Request{
		MessageIdent: namespace + "play",
		Key:          "42/device-1",
		Payload:      []byte(`{}`),
	})

	select {
	case cmd := <-commands:
		if cmd.MessageID != "42" || cmd.SenderDeviceID != "device-1" {
			t.Fatalf("got %+v", cmd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched command")
	}

	state, ok := h.StateOf("42/device-1")
	if !ok || state != StateDispatched {
		t.Fatalf("got state %v, ok=%v, want Dispatched", state, ok)
	}
}

func TestHandleRequestUnsupportedEndpointRepliesImmediately(t *testing.T) {
	bus := newFakeBus()
	h := New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, bus)

	bus.requests.Publish(dealer.Request{
		MessageIdent: namespace + "levitate",
		Key:          "1/device-1",
		Payload:      []byte(`{}`),
	})

	var payload []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := bus.replyFor("1/device-1"); ok {
			payload = p
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if payload == nil {
		t.Fatal("timed out waiting for immediate reply")
	}
	var body map[string]string
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if body["type"] != "device_does_not_support_command" {
		t.Fatalf("got reply body %v", body)
	}
}

func TestSendReplyResolvesWaitForReply(t *testing.T) {
	h := New()
	h.bus = newFakeBus()

	type outcome struct {
		result Result
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		res, err := h.WaitForReply("k1", 2*time.Second)
		resultCh <- outcome{res, err}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := h.SendReply("k1", []byte("done")); err != nil {
		t.Fatalf("send reply: %v", err)
	}

	select {
	case o := <-resultCh:
		if o.err != nil {
			t.Fatalf("unexpected error: %v", o.err)
		}
		if string(o.result.Payload) != "done" {
			t.Fatalf("got payload %q", o.result.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for WaitForReply to resolve")
	}
}

func TestMultipleWaitersResolveWithSameResult(t *testing.T) {
	h := New()
	h.bus = newFakeBus()

	results := make(chan Result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, _ := h.WaitForReply("shared-key", 2*time.Second)
			results <- res
		}()
	}

	time.Sleep(20 * time.Millisecond)
	if err := h.SendReply("shared-key", []byte("payload")); err != nil {
		t.Fatalf("send reply: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if string(res.Payload) != "payload" {
				t.Fatalf("got %q", res.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a waiter to resolve")
		}
	}
}

func TestWaitForReplyTimesOut(t *testing.T) {
	h := New()
	_, err := h.WaitForReply("never-replied", 20*time.Millisecond)
	if err != ErrUpstreamError {
		t.Fatalf("got %v, want ErrUpstreamError", err)
	}
	state, ok := h.StateOf("never-replied")
	if !ok || state != StateTimedOut {
		t.Fatalf("got state %v, ok=%v, want TimedOut", state, ok)
	}
}

func TestFailureStreamResolvesWaiterEarly(t *testing.T) {
	bus := newFakeBus()
	h := New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, bus)

	resultCh := make(chan error, 1)
	go func() {
		_, err := h.WaitForReply("dropped-key", 10*time.Second)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	bus.failures.Publish("dropped-key")

	select {
	case err := <-resultCh:
		if err != ErrUpstreamError {
			t.Fatalf("got %v, want ErrUpstreamError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for early resolution via failure stream")
	}
}

func TestCloseResolvesOutstandingWaitersAndCompletesSubjects(t *testing.T) {
	h := New()
	h.bus = newFakeBus()

	commands, _ := h.Subscribe(Pause)

	resultCh := make(chan error, 1)
	go func() {
		_, err := h.WaitForReply("disposed-key", 10*time.Second)
		resultCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	h.Close()

	select {
	case err := <-resultCh:
		if err != ErrUpstreamError {
			t.Fatalf("got %v, want ErrUpstreamError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Close to resolve waiter")
	}

	if _, ok := <-commands; ok {
		t.Fatal("expected command subject to be completed (closed) after Close")
	}
}
