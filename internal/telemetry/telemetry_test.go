package telemetry

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ccgarces/esp32-light-and-pump/internal/cloudlink"
	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
)

type recordingPublisher struct {
	mu   sync.Mutex
	hbs  []cloudlink.Heartbeat
	done chan struct{}
}

func newRecordingPublisher(want int) *recordingPublisher {
	return &recordingPublisher{done: make(chan struct{}, want)}
}

func (r *recordingPublisher) PublishHeartbeat(hb cloudlink.Heartbeat) {
	r.mu.Lock()
	r.hbs = append(r.hbs, hb)
	r.mu.Unlock()
	r.done <- struct{}{}
}

type fixedSchedule struct{ on, off time.Time }

func (f fixedSchedule) NextWindow(now time.Time) (time.Time, time.Time) { return f.on, f.off }

func TestHeartbeatRunPublishesOnEachTick(t *testing.T) {
	pub := newRecordingPublisher(2)
	on := time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)
	off := time.Date(2026, 1, 1, 18, 0, 0, 0, time.UTC)
	hb := NewHeartbeat(5*time.Millisecond, pub, fixedSchedule{on, off}, nil, "power-on")

	ctx, cancel := context.WithCancel(context.Background())
	go hb.Run(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-pub.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for heartbeat")
		}
	}
	cancel()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.hbs) < 2 {
		t.Fatalf("got %d heartbeats, want >= 2", len(pub.hbs))
	}
	got := pub.hbs[0]
	if got.LastResetReason != "power-on" {
		t.Errorf("LastResetReason = %q, want power-on", got.LastResetReason)
	}
	if got.NextOnUTC != on.Unix() || got.NextOffUTC != off.Unix() {
		t.Errorf("NextOnUTC/NextOffUTC = %d/%d, want %d/%d", got.NextOnUTC, got.NextOffUTC, on.Unix(), off.Unix())
	}
}

func TestAuditEnqueueTruncatesLongLines(t *testing.T) {
	q := NewAuditQueue(4)
	long := strings.Repeat("x", maxAuditLineBytes+50)
	if err := q.Enqueue(long); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	got := <-q.ch
	if len(got) > maxAuditLineBytes {
		t.Errorf("len(got) = %d, want <= %d", len(got), maxAuditLineBytes)
	}
	if !strings.HasSuffix(got, auditTruncatedSuffix) {
		t.Errorf("got = %q, want truncation suffix", got)
	}
}

func TestAuditEnqueueReturnsTimeoutWhenFull(t *testing.T) {
	q := NewAuditQueue(1)
	if err := q.Enqueue("first"); err != nil {
		t.Fatalf("Enqueue(first) error: %v", err)
	}
	err := q.Enqueue("second")
	if domain.CodeOf(err) != domain.CodeTimeout {
		t.Errorf("Enqueue() error code = %v, want CodeTimeout", domain.CodeOf(err))
	}
}

type recordingAuditPublisher struct {
	mu    sync.Mutex
	lines []string
	done  chan struct{}
}

func (r *recordingAuditPublisher) PublishAudit(line string) {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func TestAuditQueueRunDrainsAndPublishes(t *testing.T) {
	q := NewAuditQueue(4)
	pub := &recordingAuditPublisher{done: make(chan struct{}, 2)}

	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx, pub)
	defer cancel()

	q.Enqueue("line one")
	q.Enqueue("line two")

	for i := 0; i < 2; i++ {
		select {
		case <-pub.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for audit drain")
		}
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.lines) != 2 {
		t.Fatalf("published %d lines, want 2", len(pub.lines))
	}
}
