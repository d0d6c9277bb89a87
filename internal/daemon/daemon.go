package daemon

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ccgarces/esp32-light-and-pump/internal/api"
	"github.com/ccgarces/esp32-light-and-pump/internal/cloudlink"
	"github.com/ccgarces/esp32-light-and-pump/internal/commissioning"
	"github.com/ccgarces/esp32-light-and-pump/internal/control"
	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
	"github.com/ccgarces/esp32-light-and-pump/internal/eventbits"
	"github.com/ccgarces/esp32-light-and-pump/internal/netsupervisor"
	"github.com/ccgarces/esp32-light-and-pump/internal/schedule"
	"github.com/ccgarces/esp32-light-and-pump/internal/store"
	"github.com/ccgarces/esp32-light-and-pump/internal/telemetry"
	"github.com/ccgarces/esp32-light-and-pump/internal/update"
	"github.com/ccgarces/esp32-light-and-pump/internal/watchdog"
)

// Daemon wires every component of the device core into a single host
// process, mirroring the construction shape of Tutu's internal/daemon.Daemon:
// one New(cfg) that opens storage and builds every subsystem, a Serve(ctx)
// that starts them and blocks on the HTTP listener, and a Close() for the
// non-Serve cleanup path.
type Daemon struct {
	cfg Config
	log *log.Logger

	store *store.Store
	bits  *eventbits.Bits

	seq *seqCounter

	control       *control.Pipeline
	netSupervisor *netsupervisor.Supervisor
	schedule      *schedule.Engine
	commSession   *commissioning.Session
	commServer    *commissioning.Server
	commArbiter   *commissioning.Arbiter
	cloud         *cloudlink.Manager
	update        *update.Pipeline
	heartbeat     *telemetry.Heartbeat
	auditQueue    *telemetry.AuditQueue
	watchdog      *watchdog.Watchdog
	apiServer     *api.Server

	commListener net.Listener
	httpServer   *http.Server

	closeOnce sync.Once
}

// New opens storage and constructs every subsystem from cfg, wiring their
// cross-references the way Tutu's daemon.New sequences store -> models ->
// server -> handler registration.
func New(cfg Config) (*Daemon, error) {
	logger := log.New(log.Writer(), "[daemon] ", log.LstdFlags)

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("daemon: open store backend: %w", err)
	}
	st, err := store.Open(backend)
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}
	if err := st.Init(); err != nil {
		return nil, fmt.Errorf("daemon: init store: %w", err)
	}

	trustRoot, err := loadTrustRoot(cfg.Update.TrustRootPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: load trust root: %w", err)
	}

	bits := eventbits.New()
	petter := newNullPetter()

	controlPipeline := control.New(newNullPeripheral(), petter, cfg.Control.StepMS, cfg.Control.QueueDepth)

	auditQueue := telemetry.NewAuditQueue(cfg.Telemetry.AuditQueueDepth)
	audit := auditEnqueuer{q: auditQueue, log: logger}

	updatePipeline := update.New(
		update.Config{
			TrustRootCAs:     trustRoot.CACerts,
			DeviceSignerCert: trustRoot.DeviceCert,
			FirstBootBudget:  time.Duration(cfg.Update.FirstBootBudgetMS) * time.Millisecond,
		},
		st,
		func() (update.Slot, error) {
			return update.NewFileSlot(filepath.Join(cfg.Node.DataDir, "firmware.bin"))
		},
		audit,
	)

	var cloudManager *cloudlink.Manager
	if cfg.Cloud.Broker != "" {
		cloudCfg := cloudConfigFrom(cfg, trustRoot)
		link, err := cloudlink.NewMQTTLink(cloudCfg)
		if err != nil {
			return nil, fmt.Errorf("daemon: build mqtt link: %w", err)
		}
		cloudManager = cloudlink.NewManager(cloudCfg, link, bits, updatePipeline)
	}

	station := newNullStation()
	net5 := netsupervisor.New(station, nil, st, bits)

	seq := &seqCounter{}
	scheduleEngine := schedule.NewEngine(st, bits, controlPipeline, seq.next)

	arbiterCfg := commissioning.ArbiterConfig{
		BLEFallback:     time.Duration(cfg.Commissioning.BLEFallbackSeconds) * time.Second,
		WifiStableMin:   time.Duration(cfg.Commissioning.WifiStableMinutes) * time.Minute,
		PostProvisional: time.Duration(cfg.Commissioning.PostProvisionalSecs) * time.Second,
	}
	commArbiter := commissioning.NewArbiter(arbiterCfg, bits, net5)

	provHandler := commissioning.ProvisioningHandler(func(ssid, psk, tz string) error {
		if err := net5.SetCredentials(domain.WifiCredentials{SSID: ssid, PSK: psk}); err != nil {
			return err
		}
		if err := applyScheduleTZ(st, tz); err != nil {
			return err
		}
		commArbiter.NotifyProvisioned()
		bits.Clear(eventbits.LocalChannelActive)
		return nil
	})
	commSession := commissioning.NewSession(st, provHandler)
	commServer := commissioning.NewServer(commSession, controlPipeline, controlPipeline, bits)

	heartbeat := telemetry.NewHeartbeat(
		time.Duration(cfg.Telemetry.HeartbeatIntervalSeconds)*time.Second,
		heartbeatPublisherFor(cloudManager, cfg.Cloud.Broker),
		scheduleWindowAdapter{store: st},
		nil,
		"power-on",
	)

	wd := watchdog.New(petter, controlPipeline, audit, time.Duration(cfg.Watchdog.PetIntervalMS)*time.Millisecond)

	var shutdowner api.Shutdowner
	if cfg.API.EnableSafetyShutdown {
		shutdowner = wd
	}
	apiServer := api.NewServer(
		net5,
		bitStateAdapter{bits: bits, bit: eventbits.CloudSessionUp},
		bitStateAdapter{bits: bits, bit: eventbits.LocalChannelActive},
		controlPipeline,
		shutdowner,
	)

	return &Daemon{
		cfg:           cfg,
		log:           logger,
		store:         st,
		bits:          bits,
		seq:           seq,
		control:       controlPipeline,
		netSupervisor: net5,
		schedule:      scheduleEngine,
		commSession:   commSession,
		commServer:    commServer,
		commArbiter:   commArbiter,
		cloud:         cloudManager,
		update:        updatePipeline,
		heartbeat:     heartbeat,
		auditQueue:    auditQueue,
		watchdog:      wd,
		apiServer:     apiServer,
		httpServer:    &http.Server{Addr: cfg.API.ListenAddr, Handler: apiServer.Handler()},
	}, nil
}

func openBackend(cfg Config) (store.Backend, error) {
	dir := filepath.Join(cfg.Node.DataDir, "store")
	switch cfg.Store.Backend {
	case "", "file":
		return store.NewFileBackend(dir)
	case "sqlite":
		return store.OpenSqliteBackend(dir)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func loadTrustRoot(path string) (domain.TrustRoot, error) {
	if path == "" {
		return domain.TrustRoot{}, nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return domain.TrustRoot{}, err
	}
	return domain.ParseTrustRoot(blob)
}

func derToPEM(der []byte, blockType string) []byte {
	if len(der) == 0 {
		return nil
	}
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

func cloudConfigFrom(cfg Config, trustRoot domain.TrustRoot) cloudlink.Config {
	var caPEM []byte
	for _, ca := range trustRoot.CACerts {
		caPEM = append(caPEM, derToPEM(ca, "CERTIFICATE")...)
	}
	return cloudlink.Config{
		Broker:         cfg.Cloud.Broker,
		DeviceID:       cfg.Node.DeviceID,
		ClientCertPEM:  derToPEM(trustRoot.DeviceCert, "CERTIFICATE"),
		ClientKeyPEM:   derToPEM(trustRoot.DeviceKey, "EC PRIVATE KEY"),
		CACertPEM:      caPEM,
		HeartbeatTopic: cfg.Cloud.HeartbeatTopic,
		AuditTopic:     cfg.Cloud.AuditTopic,
		AllowLegacyOTA: cfg.Cloud.AllowLegacyOTA,
	}
}

func heartbeatPublisherFor(mgr *cloudlink.Manager, broker string) telemetry.HeartbeatPublisher {
	if broker == "" {
		return nullHeartbeatPublisher{}
	}
	return mgr
}

func applyScheduleTZ(st *store.Store, tz string) error {
	if tz == "" {
		return nil
	}
	b, err := st.Load(schedule.KeyScheduleConfig)
	cfg := domain.DefaultScheduleConfig()
	if err == nil {
		_ = json.Unmarshal(b, &cfg)
	}
	cfg.TZ = tz
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return st.Save(schedule.KeyScheduleConfig, encoded)
}

// Serve starts every background loop and blocks on the HTTP API listener
// until ctx is canceled or a SIGINT/SIGTERM arrives, then drains everything
// in reverse dependency order, mirroring Tutu's daemon.Serve shutdown
// sequence.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	run(d.control.Run)
	run(d.netSupervisor.Run)
	run(d.schedule.Run)
	run(d.watchdog.Run)
	run(d.heartbeat.Run)
	run(func(ctx context.Context) { d.auditQueue.Run(ctx, d.auditPublisher()) })
	if d.cloud != nil {
		run(func(ctx context.Context) {
			if err := d.cloud.Run(ctx); err != nil && ctx.Err() == nil {
				d.log.Printf("cloud link stopped: %v", err)
			}
		})
	}

	if addr := d.cfg.Commissioning.ListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("daemon: commissioning listen: %w", err)
		}
		d.commListener = ln
		run(func(ctx context.Context) {
			if err := commissioning.ListenAndServe(ctx, ln, d.commServer); err != nil && ctx.Err() == nil {
				d.log.Printf("commissioning transport stopped: %v", err)
			}
		})
	}

	creds := d.netSupervisor.Init()
	if creds.SSID != "" {
		d.log.Printf("restoring stored wifi credentials for %q", creds.SSID)
	}
	go d.commArbiter.Run(ctx.Done())

	serveErr := make(chan error, 1)
	go func() {
		if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
	case <-sigCh:
	case err := <-serveErr:
		cancel()
		wg.Wait()
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
		d.log.Printf("http shutdown: %v", err)
	}
	cancel()
	if d.commListener != nil {
		d.commListener.Close()
	}
	wg.Wait()
	return nil
}

func (d *Daemon) auditPublisher() telemetry.AuditPublisher {
	if d.cloud != nil && d.cfg.Cloud.Broker != "" {
		return d.cloud
	}
	return loggingAuditPublisher{log: d.log}
}

// Close releases the durable store and any listener still open, including
// for callers that construct a Daemon without calling Serve.
func (d *Daemon) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.commListener != nil {
			d.commListener.Close()
		}
		err = d.store.Close()
	})
	return err
}
