// Package control implements the C4 command pipeline: a single serialized
// path through which every actuator change passes, with priority preemption
// for safety, grounded on the mutex-guarded, context-cancellable worker
// shape of Tutu's infra/engine.Pool and IdleReaper loop.
package control

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
)

// Peripheral is the sole interface C4 drives; the real PWM/timer driver is
// out of scope (spec §1) and lives behind this boundary.
type Peripheral interface {
	// Step programs one ramp step toward (lightPct, pumpPct). Pipeline calls
	// it once per computed step; a single call with steps=1 is a hard
	// transition.
	Step(lightPct, pumpPct int) error
}

// Watchdog is the narrow surface C4 pets after every accepted command.
type Watchdog interface {
	Pet()
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// RampSteps computes the number of uniform steps needed to cover rampMS at
// stepMS granularity, per spec §8: ramp_steps(1000,50)=20, ramp_steps(0,50)=0,
// ramp_steps(10,50)=1.
func RampSteps(rampMS, stepMS int) int {
	if rampMS <= 0 || stepMS <= 0 {
		return 0
	}
	steps := rampMS / stepMS
	if rampMS%stepMS != 0 {
		steps++
	}
	return steps
}

// Snapshot is the last-applied actuator state, spec §3's "actuator state
// snapshot" value.
type Snapshot struct {
	LightPct  int
	PumpPct   int
	UpdatedAt time.Time
}

// Pipeline is the single consumer of the command FIFO and sole writer of the
// actuator peripheral. It is a priority-aware FIFO: a single urgent slot
// preempts the normal queue and is never coalesced or dropped.
type Pipeline struct {
	peripheral Peripheral
	watchdog   Watchdog
	stepMS     int
	queueDepth int

	mu      sync.Mutex
	normal  []domain.Command
	urgent  []domain.Command
	notify  chan struct{}

	snapMu sync.RWMutex
	snap   Snapshot

	log *log.Logger
}

// New builds a Pipeline with the given peripheral, watchdog, ramp step size,
// and bounded normal-queue depth.
func New(peripheral Peripheral, watchdog Watchdog, stepMS, queueDepth int) *Pipeline {
	if stepMS <= 0 {
		stepMS = 50
	}
	if queueDepth <= 0 {
		queueDepth = 16
	}
	return &Pipeline{
		peripheral: peripheral,
		watchdog:   watchdog,
		stepMS:     stepMS,
		queueDepth: queueDepth,
		notify:     make(chan struct{}, 1),
		log:        log.New(log.Writer(), "[control] ", log.LstdFlags),
	}
}

// Submit enqueues cmd. Urgent (actor=Safety) commands go to the head slot and
// are never dropped; non-urgent sends drop the oldest queued non-urgent
// command on overflow rather than blocking or rejecting.
func (p *Pipeline) Submit(cmd domain.Command) error {
	cmd.Light = clampPercent(cmd.Light)
	cmd.Pump = clampPercent(cmd.Pump)

	p.mu.Lock()
	if cmd.Urgent() {
		p.urgent = append(p.urgent, cmd)
	} else {
		if len(p.normal) >= p.queueDepth {
			p.normal = p.normal[1:]
		}
		p.normal = append(p.normal, cmd)
	}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// SafetyShutdown is the preempt entrypoint of spec §4.4: it builds an urgent
// zero-percent command and submits it at the head of the pipeline.
func (p *Pipeline) SafetyShutdown(seq uint64, at time.Time) error {
	return p.Submit(domain.SafetyShutdown(seq, at))
}

// dequeue pops the next command to apply: urgent first, FIFO within each
// class.
func (p *Pipeline) dequeue() (domain.Command, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.urgent) > 0 {
		cmd := p.urgent[0]
		p.urgent = p.urgent[1:]
		return cmd, true
	}
	if len(p.normal) > 0 {
		cmd := p.normal[0]
		p.normal = p.normal[1:]
		return cmd, true
	}
	return domain.Command{}, false
}

// Snapshot returns the last-applied actuator state.
func (p *Pipeline) Snapshot() Snapshot {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	return p.snap
}

// CurrentLightPump satisfies commissioning.CurrentActuator, letting a
// control frame that omits light or pump default to the value already
// applied.
func (p *Pipeline) CurrentLightPump() (light, pump int) {
	snap := p.Snapshot()
	return snap.LightPct, snap.PumpPct
}

// Run drains the FIFO until ctx is done. Each accepted command is ramped in
// RampSteps(cmd.RampMS, stepMS) steps, the snapshot is updated strictly after
// the peripheral accepts the new duty, and the watchdog is pet once per
// command.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		cmd, ok := p.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.notify:
				continue
			case <-time.After(time.Second):
				continue
			}
		}
		p.apply(ctx, cmd)
	}
}

func (p *Pipeline) apply(ctx context.Context, cmd domain.Command) {
	steps := RampSteps(cmd.RampMS, p.stepMS)
	if steps == 0 {
		steps = 1
	}

	start := p.Snapshot()
	for i := 1; i <= steps; i++ {
		lightPct := interpolate(start.LightPct, cmd.Light, i, steps)
		pumpPct := interpolate(start.PumpPct, cmd.Pump, i, steps)

		if err := p.peripheral.Step(lightPct, pumpPct); err != nil {
			p.log.Printf("peripheral step failed: %v", err)
			return
		}

		p.snapMu.Lock()
		p.snap = Snapshot{LightPct: lightPct, PumpPct: pumpPct, UpdatedAt: time.Unix(cmd.AtUnix, 0).UTC()}
		p.snapMu.Unlock()

		if i < steps {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(p.stepMS) * time.Millisecond):
			}
		}
	}

	if p.watchdog != nil {
		p.watchdog.Pet()
	}
}

func interpolate(from, to, step, steps int) int {
	if steps <= 1 {
		return to
	}
	delta := to - from
	return from + delta*step/steps
}
