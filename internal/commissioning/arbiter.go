// Package commissioning implements C6 (the local-channel arbiter that owns
// local_channel_active) and C7 (the AEAD session protocol on that channel).
//
// Grounded on the explicit-enum-state-machine shape of Tutu's
// internal/infra/healing.CircuitBreaker (injectable clock, mutex-guarded
// state, a step/Allow-style evaluation function called on a tick), applied
// to the guard table of spec §4.6.
package commissioning

import (
	"sync"
	"time"

	"github.com/ccgarces/esp32-light-and-pump/internal/eventbits"
)

// ArbiterConfig carries the timing budgets of spec §4.6/§9.
type ArbiterConfig struct {
	BLEFallback    time.Duration
	WifiStableMin  time.Duration
	PostProvisional time.Duration
}

// DefaultArbiterConfig matches spec §9's example environment values.
func DefaultArbiterConfig() ArbiterConfig {
	return ArbiterConfig{
		BLEFallback:     30 * time.Second,
		WifiStableMin:   5 * time.Minute,
		PostProvisional: 180 * time.Second,
	}
}

// WifiStatus is the subset of *netsupervisor.Supervisor the arbiter reads.
type WifiStatus interface {
	// StableSince returns the start of the current unbroken up-period, or
	// the zero Time if the link is currently down.
	StableSince() time.Time
}

// Arbiter runs C6's timer-driven state machine. It never touches the radio;
// it only publishes local_channel_active for the local-channel server to
// observe.
type Arbiter struct {
	cfg     ArbiterConfig
	bits    *eventbits.Bits
	wifi    WifiStatus
	now     func() time.Time

	mu            sync.Mutex
	bootAt        time.Time
	everOpened    bool
	provisionedAt *time.Time
}

// NewArbiter builds an Arbiter whose boot clock starts at construction time.
func NewArbiter(cfg ArbiterConfig, bits *eventbits.Bits, wifi WifiStatus) *Arbiter {
	return &Arbiter{
		cfg:    cfg,
		bits:   bits,
		wifi:   wifi,
		now:    time.Now,
		bootAt: time.Now(),
	}
}

// NotifyProvisioned records that a provisioning frame was accepted, arming
// the 180s "still not up" fallback guard.
func (a *Arbiter) NotifyProvisioned() {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	a.provisionedAt = &now
}

// Tick evaluates every guard in spec §4.6's table and applies at most the
// transitions each guard triggers. Call it periodically (e.g. every second).
func (a *Arbiter) Tick() {
	a.mu.Lock()
	defer a.mu.Unlock()

	// The stability timer itself lives in netsupervisor: StableSince reports
	// zero once the link drops, which is spec §4.6's "wifi_up lost" guard.
	stableSince := a.wifi.StableSince()
	wifiUp := !stableSince.IsZero()

	now := a.now()

	timeSynced := a.bits.Get(eventbits.TimeSynced)
	if !a.everOpened && now.Sub(a.bootAt) >= a.cfg.BLEFallback && (!wifiUp || !timeSynced) {
		a.bits.Set(eventbits.LocalChannelActive)
		a.everOpened = true
	}

	if wifiUp && now.Sub(stableSince) >= a.cfg.WifiStableMin {
		a.bits.Clear(eventbits.LocalChannelActive)
	}

	if a.provisionedAt != nil {
		if now.Sub(*a.provisionedAt) >= a.cfg.PostProvisional && !wifiUp {
			a.bits.Set(eventbits.LocalChannelActive)
			a.provisionedAt = nil
		} else if wifiUp {
			a.provisionedAt = nil
		}
	}
}

// Run ticks the arbiter every second until stop is closed.
func (a *Arbiter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}
