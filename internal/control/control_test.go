package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
)

type recordingPeripheral struct {
	mu    sync.Mutex
	calls [][2]int
	err   error
}

func (r *recordingPeripheral) Step(light, pump int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, [2]int{light, pump})
	return nil
}

func (r *recordingPeripheral) snapshot() [][2]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][2]int, len(r.calls))
	copy(out, r.calls)
	return out
}

type fakeWatchdog struct {
	mu    sync.Mutex
	pets int
}

func (f *fakeWatchdog) Pet() {
	f.mu.Lock()
	f.pets++
	f.mu.Unlock()
}

func TestRampSteps(t *testing.T) {
	cases := []struct {
		rampMS, stepMS, want int
	}{
		{1000, 50, 20},
		{0, 50, 0},
		{10, 50, 1},
	}
	for _, tc := range cases {
		if got := RampSteps(tc.rampMS, tc.stepMS); got != tc.want {
			t.Errorf("RampSteps(%d,%d) = %d, want %d", tc.rampMS, tc.stepMS, got, tc.want)
		}
	}
}

func TestSubmitClampsPercent(t *testing.T) {
	peripheral := &recordingPeripheral{}
	p := New(peripheral, &fakeWatchdog{}, 10, 8)

	cmd := domain.NewCommand(domain.ActorLocalRadio, 1, time.Now(), 150, -10, 0)
	if err := p.Submit(cmd); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go p.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	snap := p.Snapshot()
	if snap.LightPct != 100 {
		t.Errorf("Snapshot().LightPct = %d, want 100 (clamped)", snap.LightPct)
	}
	if snap.PumpPct != 0 {
		t.Errorf("Snapshot().PumpPct = %d, want 0 (clamped)", snap.PumpPct)
	}
}

func TestUrgentPreemptsQueuedNormal(t *testing.T) {
	peripheral := &recordingPeripheral{}
	p := New(peripheral, &fakeWatchdog{}, 10, 8)

	// Queue a normal command first, without starting Run, so it sits
	// unconsumed; then submit an urgent one. Urgent must be applied first.
	normal := domain.NewCommand(domain.ActorSchedule, 1, time.Now(), 50, 50, 0)
	urgent := domain.SafetyShutdown(2, time.Now())

	if err := p.Submit(normal); err != nil {
		t.Fatalf("Submit(normal) error: %v", err)
	}
	if err := p.Submit(urgent); err != nil {
		t.Fatalf("Submit(urgent) error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	calls := peripheral.snapshot()
	if len(calls) < 2 {
		t.Fatalf("expected at least 2 peripheral calls, got %d", len(calls))
	}
	if calls[0] != [2]int{0, 0} {
		t.Errorf("first applied call = %v, want [0 0] (urgent shutdown first)", calls[0])
	}
}

func TestWatchdogPetOncePerCommand(t *testing.T) {
	peripheral := &recordingPeripheral{}
	wd := &fakeWatchdog{}
	p := New(peripheral, wd, 10, 8)

	if err := p.Submit(domain.NewCommand(domain.ActorCloud, 1, time.Now(), 10, 10, 0)); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	wd.mu.Lock()
	defer wd.mu.Unlock()
	if wd.pets < 1 {
		t.Errorf("watchdog pets = %d, want >= 1", wd.pets)
	}
}

func TestPeripheralErrorDoesNotUpdateSnapshot(t *testing.T) {
	peripheral := &recordingPeripheral{err: domain.ErrPeripheralFail}
	p := New(peripheral, &fakeWatchdog{}, 10, 8)

	before := p.Snapshot()
	if err := p.Submit(domain.NewCommand(domain.ActorCloud, 1, time.Now(), 90, 90, 0)); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	after := p.Snapshot()
	if after != before {
		t.Errorf("Snapshot() changed after peripheral error: before=%v after=%v", before, after)
	}
}
