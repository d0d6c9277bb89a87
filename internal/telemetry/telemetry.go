// Package telemetry implements the C9 data flows: a periodic heartbeat and
// a bounded multi-producer single-consumer audit queue. The bounded-buffer
// shape is grounded on Tutu's mcp.Meter, adapted from an unbounded
// in-memory record slice into a fixed-capacity channel a single drain loop
// publishes from.
package telemetry

import (
	"context"
	"runtime"
	"time"

	"github.com/ccgarces/esp32-light-and-pump/internal/cloudlink"
	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
)

// HeartbeatPublisher is the cloudlink.Manager surface telemetry drives.
type HeartbeatPublisher interface {
	PublishHeartbeat(hb cloudlink.Heartbeat)
}

// ScheduleWindow is the subset of the schedule engine telemetry reads to
// fill in next on/off UTC.
type ScheduleWindow interface {
	NextWindow(now time.Time) (onUTC, offUTC time.Time)
}

// RSSISource reports current radio signal strength, when available.
type RSSISource interface {
	RSSI() (int, bool)
}

const maxAuditLineBytes = 256

// auditTruncatedSuffix marks a line that exceeded maxAuditLineBytes and was
// cut, per spec §4.9's "truncation marked" requirement.
const auditTruncatedSuffix = "...[truncated]"

// Heartbeat runs the periodic heartbeat loop.
type Heartbeat struct {
	interval        time.Duration
	publisher       HeartbeatPublisher
	schedule        ScheduleWindow
	rssi            RSSISource
	lastResetReason string
	minFreeMem      uint32
	bootAt          time.Time
	now             func() time.Time
}

// NewHeartbeat builds a Heartbeat loop with the given period and reset
// reason recorded at boot.
func NewHeartbeat(interval time.Duration, publisher HeartbeatPublisher, schedule ScheduleWindow, rssi RSSISource, lastResetReason string) *Heartbeat {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Heartbeat{
		interval:        interval,
		publisher:       publisher,
		schedule:        schedule,
		rssi:            rssi,
		lastResetReason: lastResetReason,
		minFreeMem:      freeMemBytes(),
		bootAt:          time.Now(),
		now:             time.Now,
	}
}

// Run ticks once per interval until ctx is done, publishing one heartbeat
// per tick. Actual at-most-one-in-flight and cloud_session_up gating is
// cloudlink.Manager's responsibility; this loop only decides what to send
// and how often.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.publisher.PublishHeartbeat(h.snapshot())
		}
	}
}

func (h *Heartbeat) snapshot() cloudlink.Heartbeat {
	if free := freeMemBytes(); free < h.minFreeMem {
		h.minFreeMem = free
	}

	now := h.now()
	var rssi *int
	if h.rssi != nil {
		if v, ok := h.rssi.RSSI(); ok {
			rssi = &v
		}
	}

	var nextOn, nextOff int64
	if h.schedule != nil {
		on, off := h.schedule.NextWindow(now)
		nextOn, nextOff = on.Unix(), off.Unix()
	}

	return cloudlink.Heartbeat{
		WallClock:       now.Unix(),
		UptimeSeconds:   int64(now.Sub(h.bootAt).Seconds()),
		LastResetReason: h.lastResetReason,
		MinFreeMemBytes: h.minFreeMem,
		RSSI:            rssi,
		NextOnUTC:       nextOn,
		NextOffUTC:      nextOff,
	}
}

// freeMemBytes reports the Go runtime's idle heap as a stand-in for the
// embedded target's free-heap counter, out of scope per spec §1.
func freeMemBytes() uint32 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.HeapIdle > 1<<32-1 {
		return 1<<32 - 1
	}
	return uint32(m.HeapIdle)
}

// AuditPublisher is the narrow cloudlink surface the drain loop calls.
type AuditPublisher interface {
	PublishAudit(line string)
}

// AuditQueue is the bounded MPSC queue of spec §4.9: any component may
// enqueue, a single goroutine drains and publishes.
type AuditQueue struct {
	ch chan string
}

// NewAuditQueue builds a queue of the given capacity.
func NewAuditQueue(capacity int) *AuditQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &AuditQueue{ch: make(chan string, capacity)}
}

// Enqueue submits line, truncating it to maxAuditLineBytes and marking the
// truncation. It returns a domain.CodeTimeout error if the queue is full.
func (q *AuditQueue) Enqueue(line string) error {
	line = truncate(line)
	select {
	case q.ch <- line:
		return nil
	default:
		return domain.Wrap(domain.CodeTimeout, "AuditQueue.Enqueue", nil)
	}
}

func truncate(line string) string {
	if len(line) <= maxAuditLineBytes {
		return line
	}
	cut := maxAuditLineBytes - len(auditTruncatedSuffix)
	if cut < 0 {
		cut = 0
	}
	return line[:cut] + auditTruncatedSuffix
}

// Run drains the queue and publishes each line via publisher until ctx is
// done. An empty queue is a regular sleep, not a busy loop.
func (q *AuditQueue) Run(ctx context.Context, publisher AuditPublisher) {
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-q.ch:
			publisher.PublishAudit(line)
		}
	}
}
