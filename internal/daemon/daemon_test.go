package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/ccgarces/esp32-light-and-pump/internal/eventbits"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Node.DataDir = t.TempDir()
	cfg.API.ListenAddr = "127.0.0.1:0"
	cfg.Commissioning.ListenAddr = "127.0.0.1:0"
	return cfg
}

func TestNewWiresEveryComponentWithNoCloudConfigured(t *testing.T) {
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()

	if d.cloud != nil {
		t.Error("cloud manager should be nil when Cloud.Broker is unset")
	}
	if d.control == nil || d.netSupervisor == nil || d.schedule == nil ||
		d.commServer == nil || d.commArbiter == nil || d.update == nil ||
		d.heartbeat == nil || d.auditQueue == nil || d.watchdog == nil || d.apiServer == nil {
		t.Error("New() left a subsystem unset")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
}

func TestSuccessfulProvisioningNotifiesArbiterAndClosesLocalChannel(t *testing.T) {
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()

	d.bits.Set(eventbits.LocalChannelActive)

	if err := d.commSession.HandleJSONFrame([]byte(`{"ssid":"my-network","psk":"hunter2","tz":"America/Denver"}`)); err != nil {
		t.Fatalf("HandleJSONFrame() error: %v", err)
	}

	if d.bits.Get(eventbits.LocalChannelActive) {
		t.Error("LocalChannelActive should clear immediately after a successful provisioning frame")
	}

	d.commArbiter.Tick()
	if d.bits.Get(eventbits.LocalChannelActive) {
		t.Error("arbiter should not reopen the local channel right after provisioning")
	}
}

func TestServeShutsDownCleanlyOnContextCancel(t *testing.T) {
	d, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() returned error after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return within 5s of context cancellation")
	}
}
