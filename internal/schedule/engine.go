package schedule

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
	"github.com/ccgarces/esp32-light-and-pump/internal/eventbits"
)

const (
	KeyScheduleConfig = "schedule_cfg"
	KeyPumpParams     = "pump_cfg"
)

// ConfigStore is the subset of *store.Store the engine needs; modeled as an
// interface so tests can swap in a fake without pulling in a whole backend.
type ConfigStore interface {
	Load(key string) ([]byte, error)
	Save(key string, value []byte) error
}

// Submitter is the single narrow surface the schedule engine needs from the
// control pipeline: enqueue a command. Spec §9 calls this the "submit
// interface" every producer shares.
type Submitter interface {
	Submit(cmd domain.Command) error
}

// Engine runs the C3 task loop: reload from the store every tick, evaluate
// the on/off predicate and pump superimposition, emit a command only when
// something changed.
type Engine struct {
	store       ConfigStore
	bits        *eventbits.Bits
	sink        Submitter
	clock       func() time.Time
	anchor      time.Time
	sequence    func() uint64
	pollEvery   time.Duration

	lastLight *bool
	lastPump  *bool
	lastSeen  time.Time

	log *log.Logger
}

// NewEngine wires the schedule engine to its store, link-state bits, and
// command sink.
func NewEngine(store ConfigStore, bits *eventbits.Bits, sink Submitter, seq func() uint64) *Engine {
	return &Engine{
		store:     store,
		bits:      bits,
		sink:      sink,
		clock:     time.Now,
		anchor:    time.Unix(0, 0).UTC(),
		sequence:  seq,
		pollEvery: time.Second,
		log:       log.New(log.Writer(), "[schedule] ", log.LstdFlags),
	}
}

func (e *Engine) loadConfig() domain.ScheduleConfig {
	b, err := e.store.Load(KeyScheduleConfig)
	if err != nil {
		cfg := domain.DefaultScheduleConfig()
		e.persistConfig(cfg)
		return cfg
	}
	var cfg domain.ScheduleConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return domain.DefaultScheduleConfig()
	}
	return cfg
}

func (e *Engine) persistConfig(cfg domain.ScheduleConfig) {
	b, _ := json.Marshal(cfg)
	if err := e.store.Save(KeyScheduleConfig, b); err != nil {
		e.log.Printf("persist schedule config: %v", err)
	}
}

func (e *Engine) loadPumpParams() domain.PumpCycleParams {
	b, err := e.store.Load(KeyPumpParams)
	if err != nil {
		p := domain.DefaultPumpCycleParams()
		pb, _ := json.Marshal(p)
		e.store.Save(KeyPumpParams, pb)
		return p
	}
	var p domain.PumpCycleParams
	if err := json.Unmarshal(b, &p); err != nil {
		return domain.DefaultPumpCycleParams()
	}
	return p.Normalize()
}

// Run blocks, waiting for time_synced, then evaluates on every minute
// boundary, sleeping in <=1s chunks so an embedded watchdog can be pet
// alongside it. Returns when ctx is done.
func (e *Engine) Run(ctx context.Context) {
	if !e.bits.WaitSet(eventbits.TimeSynced, ctx.Done()) {
		return
	}

	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()

	lastMinute := -1
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			minute := now.Minute()
			if minute == lastMinute {
				continue
			}
			lastMinute = minute
			e.evaluate(now.UTC())
		}
	}
}

// evaluate reloads config, computes desired state, and emits a command iff
// something changed since the last emission.
func (e *Engine) evaluate(nowUTC time.Time) {
	cfg := e.loadConfig()
	pump := e.loadPumpParams()

	wantLight := CurrentlyOn(nowUTC, cfg)
	wantPump := PumpOn(nowUTC, e.anchor, pump)

	if e.lastLight != nil && e.lastPump != nil && *e.lastLight == wantLight && *e.lastPump == wantPump {
		e.lastSeen = nowUTC
		return
	}

	lightPct := 0
	if wantLight {
		lightPct = 100
	}
	pumpPct := 0
	if wantPump {
		pumpPct = pump.OnIntensityPct
	}

	cmd := domain.NewCommand(domain.ActorSchedule, e.sequence(), nowUTC, lightPct, pumpPct, 0)
	if err := e.sink.Submit(cmd); err != nil {
		e.log.Printf("submit command: %v", err)
		return
	}

	e.lastLight = &wantLight
	e.lastPump = &wantPump
	e.lastSeen = nowUTC
}

// ReconcileOnBoot emits at most one correction command covering everything
// missed while the device was off, per spec §4.3's reconciliation rule.
func (e *Engine) ReconcileOnBoot(lastSeenUTC, nowUTC time.Time) {
	cfg := e.loadConfig()
	wantOn, changed := Reconcile(lastSeenUTC, nowUTC, cfg)
	if !changed {
		return
	}
	lightPct := 0
	if wantOn {
		lightPct = 100
	}
	pump := e.loadPumpParams()
	pumpPct := 0
	if PumpOn(nowUTC, e.anchor, pump) {
		pumpPct = pump.OnIntensityPct
	}
	cmd := domain.NewCommand(domain.ActorSchedule, e.sequence(), nowUTC, lightPct, pumpPct, 0)
	if err := e.sink.Submit(cmd); err != nil {
		e.log.Printf("reconcile submit: %v", err)
	}
}
