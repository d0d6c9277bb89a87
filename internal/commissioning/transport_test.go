package commissioning

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

type capturingHandler struct {
	mu     sync.Mutex
	frames [][]byte
	done   chan struct{}
}

func newCapturingHandler(want int) *capturingHandler {
	return &capturingHandler{done: make(chan struct{}, want)}
}

func (h *capturingHandler) HandleFrame(raw []byte) error {
	h.mu.Lock()
	cp := append([]byte{}, raw...)
	h.frames = append(h.frames, cp)
	h.mu.Unlock()
	h.done <- struct{}{}
	return nil
}

func TestListenAndServeRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	handler := newCapturingHandler(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ListenAndServe(ctx, ln, handler)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}
	if err := WriteFrame(conn, []byte("world")); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-handler.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame delivery")
		}
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(handler.frames))
	}
	if string(handler.frames[0]) != "hello" || string(handler.frames[1]) != "world" {
		t.Errorf("frames = %q, %q", handler.frames[0], handler.frames[1])
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		oversized := make([]byte, MaxFrameBytes+1)
		WriteFrame(client, oversized)
	}()

	_, err := readFrame(server)
	if err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestListenAndServeStopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	handler := newCapturingHandler(0)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- ListenAndServe(ctx, ln, handler) }()

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ListenAndServe() error = %v, want nil on clean shutdown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ListenAndServe to return after cancel")
	}
}
