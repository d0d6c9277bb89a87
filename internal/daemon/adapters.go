package daemon

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/ccgarces/esp32-light-and-pump/internal/cloudlink"
	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
	"github.com/ccgarces/esp32-light-and-pump/internal/eventbits"
	"github.com/ccgarces/esp32-light-and-pump/internal/schedule"
)

// auditEnqueuer adapts telemetry.AuditQueue.Enqueue (which can reject on a
// full queue) to the fire-and-forget PublishAudit(line string) surface that
// update.Pipeline and watchdog.Watchdog expect.
type auditEnqueuer struct {
	q interface {
		Enqueue(line string) error
	}
	log interface{ Printf(format string, v ...any) }
}

func (a auditEnqueuer) PublishAudit(line string) {
	if err := a.q.Enqueue(line); err != nil && a.log != nil {
		a.log.Printf("audit queue full, dropped: %s", line)
	}
}

// bitStateAdapter reads a single eventbits.Bit, satisfying both
// api.CloudState and api.CommissioningState's single-method surfaces.
type bitStateAdapter struct {
	bits *eventbits.Bits
	bit  eventbits.Bit
}

func (a bitStateAdapter) Up() bool     { return a.bits.Get(a.bit) }
func (a bitStateAdapter) Active() bool { return a.bits.Get(a.bit) }

// seqCounter hands out the monotonically increasing command sequence
// numbers every command producer (schedule, commissioning, cloud) shares.
type seqCounter struct{ n atomic.Uint64 }

func (c *seqCounter) next() uint64 { return c.n.Add(1) }

// scheduleWindowAdapter lets telemetry's heartbeat report the next on/off
// transition without the schedule engine exposing its internal state;
// it simply reloads the persisted config, the same way Engine does on
// every evaluation tick.
type scheduleWindowAdapter struct {
	store interface {
		Load(key string) ([]byte, error)
	}
}

func (a scheduleWindowAdapter) NextWindow(now time.Time) (onUTC, offUTC time.Time) {
	cfg := domain.DefaultScheduleConfig()
	if b, err := a.store.Load(schedule.KeyScheduleConfig); err == nil {
		_ = json.Unmarshal(b, &cfg)
	}
	return schedule.NextOn(now, cfg), schedule.NextOff(now, cfg)
}

// nullHeartbeatPublisher/loggingAuditPublisher back the heartbeat and audit
// drain loops when no cloud link is configured (e.g. a bench build with no
// broker), so the loops still run: heartbeats are discarded and audit lines
// go to the daemon log.
type nullHeartbeatPublisher struct{}

func (n nullHeartbeatPublisher) PublishHeartbeat(hb cloudlink.Heartbeat) {}

type loggingAuditPublisher struct{ log interface{ Printf(string, ...any) } }

func (p loggingAuditPublisher) PublishAudit(line string) { p.log.Printf("audit: %s", line) }
