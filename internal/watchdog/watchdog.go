// Package watchdog implements the C10 safety watchdog: the highest-priority
// loop in the system. It pets a hardware task-watchdog on a fixed period and,
// on any internal anomaly reported to it, drives the control pipeline's
// preempt path before the expected reset. Grounded on the injectable-clock,
// mutex-guarded state shape of Tutu's infra/healing.CircuitBreaker.
package watchdog

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
)

// HardwarePetter pets the hardware task-watchdog timer. The real register
// access is out of scope (spec §1); implementations on a host build simply
// no-op or log.
type HardwarePetter interface {
	Pet()
}

// SafetyShutdown is the single surface the watchdog needs from the control
// pipeline: the urgent preempt path of spec §4.4.
type SafetyShutdown interface {
	SafetyShutdown(seq uint64, at time.Time) error
}

// AuditSink receives the audit line C10 emits immediately before the
// expected reset.
type AuditSink interface {
	PublishAudit(line string)
}

// Watchdog owns the pet loop and the anomaly-triggered shutdown path.
type Watchdog struct {
	hw       HardwarePetter
	control  SafetyShutdown
	audit    AuditSink
	interval time.Duration

	mu       sync.Mutex
	seq      uint64
	tripped  bool
	now      func() time.Time

	log *log.Logger
}

// New builds a Watchdog that pets hw every interval.
func New(hw HardwarePetter, control SafetyShutdown, audit AuditSink, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = time.Second
	}
	return &Watchdog{
		hw:       hw,
		control:  control,
		audit:    audit,
		interval: interval,
		now:      time.Now,
		log:      log.New(log.Writer(), "[watchdog] ", log.LstdFlags),
	}
}

// Run pets hw on every tick until ctx is done. It does not itself detect
// anomalies; callers elsewhere in the system call Trip when one occurs.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			tripped := w.tripped
			w.mu.Unlock()
			if !tripped {
				w.hw.Pet()
			}
		}
	}
}

// Trip implements spec §4.10: on any internal anomaly, force actuators to
// zero through the control pipeline's urgent path, log an audit entry, and
// stop petting the hardware watchdog so the expected reset follows. Trip is
// idempotent — only the first call in a run takes effect.
func (w *Watchdog) Trip(reason string) error {
	w.mu.Lock()
	if w.tripped {
		w.mu.Unlock()
		return nil
	}
	w.tripped = true
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	w.log.Printf("tripped: %s", reason)
	if w.audit != nil {
		w.audit.PublishAudit("watchdog trip: " + reason)
	}

	if err := w.control.SafetyShutdown(seq, w.now()); err != nil {
		return domain.Wrap(domain.CodeBackend, "Watchdog.Trip", err)
	}
	return nil
}

// Tripped reports whether Trip has fired during this run.
func (w *Watchdog) Tripped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tripped
}
