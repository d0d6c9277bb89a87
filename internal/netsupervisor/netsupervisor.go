// Package netsupervisor implements C5: credential application, Wi-Fi link
// lifecycle, retry/backoff, and stability tracking, owning the wifi_up and
// time_synced event bits.
//
// Grounded on the ticker-driven, mutex-guarded status loop of Tutu's
// internal/health.Checker, generalized from a fixed check list to an
// explicit connection state machine per spec §9's guidance to model state
// machines as enum states with a step function.
package netsupervisor

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
	"github.com/ccgarces/esp32-light-and-pump/internal/eventbits"
)

// State is one of the states in spec §4.5's lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateIdle
	StateConnecting
	StateUp
	StateDegraded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateUp:
		return "Up"
	case StateDegraded:
		return "Degraded"
	case StateFailed:
		return "Failed"
	default:
		return "Uninitialized"
	}
}

// Station abstracts the Wi-Fi MAC/TCP stack the supervisor drives; the real
// stack is out of spec scope (spec §1).
type Station interface {
	Configure(creds domain.WifiCredentials) error
	Connect(ctx context.Context) error
	Disconnected() <-chan struct{}
}

// TimeSource reports SNTP-style sync completion; nil means "no transport
// configured", in which case time_synced is set immediately on first
// up-transition per spec §4.5.
type TimeSource interface {
	Synced() <-chan struct{}
}

// CredentialStore is the subset of *store.Store the supervisor needs.
type CredentialStore interface {
	Load(key string) ([]byte, error)
	Save(key string, value []byte) error
}

const (
	KeyWifiCreds = "wifi_creds"

	DefaultMaxRetry     = 5
	DefaultRetryBackoff = 2 * time.Second
)

// Supervisor runs C5's connection state machine.
type Supervisor struct {
	station   Station
	timeSrc   TimeSource
	store     CredentialStore
	bits      *eventbits.Bits
	maxRetry  int
	backoff   time.Duration

	mu          sync.RWMutex
	state       State
	retries     int
	upSince     time.Time
	reconnectCh chan struct{}

	log *log.Logger
}

// New builds a Supervisor wired to its station driver, store, and
// link-state bits.
func New(station Station, timeSrc TimeSource, store CredentialStore, bits *eventbits.Bits) *Supervisor {
	return &Supervisor{
		station:     station,
		timeSrc:     timeSrc,
		store:       store,
		bits:        bits,
		maxRetry:    DefaultMaxRetry,
		backoff:     DefaultRetryBackoff,
		state:       StateUninitialized,
		reconnectCh: make(chan struct{}, 1),
		log:         log.New(log.Writer(), "[netsupervisor] ", log.LstdFlags),
	}
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StableSince returns the timestamp of the current unbroken up-period, or
// the zero Time if the link is not up. C6 reads this for its WIFI_STABLE_MIN
// guard.
func (s *Supervisor) StableSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upSince
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Init loads stored credentials and transitions to Connecting if present;
// otherwise it stays Idle, letting C6's boot-timer guard open the local
// channel.
func (s *Supervisor) Init() domain.WifiCredentials {
	var creds domain.WifiCredentials
	b, err := s.store.Load(KeyWifiCreds)
	if err != nil {
		s.setState(StateIdle)
		return creds
	}
	if err := json.Unmarshal(b, &creds); err != nil || creds.SSID == "" {
		s.setState(StateIdle)
		return domain.WifiCredentials{}
	}
	s.setState(StateConnecting)
	s.signalReconnect()
	return creds
}

// SetCredentials validates, persists, reconfigures the station, resets the
// retry count, and forces a reconnect, per spec §4.5.
func (s *Supervisor) SetCredentials(creds domain.WifiCredentials) error {
	if creds.SSID == "" {
		return domain.Wrap(domain.CodeInvalidArgument, "netsupervisor.SetCredentials", domain.ErrInvalidArgument)
	}
	b, err := json.Marshal(creds)
	if err != nil {
		return domain.Wrap(domain.CodeInvalidArgument, "netsupervisor.SetCredentials", err)
	}
	if err := s.store.Save(KeyWifiCreds, b); err != nil {
		return domain.Wrap(domain.CodeBackend, "netsupervisor.SetCredentials", err)
	}
	if err := s.station.Configure(creds); err != nil {
		return domain.Wrap(domain.CodeBackend, "netsupervisor.SetCredentials", err)
	}

	s.mu.Lock()
	s.retries = 0
	s.state = StateConnecting
	s.mu.Unlock()
	s.signalReconnect()
	return nil
}

func (s *Supervisor) signalReconnect() {
	select {
	case s.reconnectCh <- struct{}{}:
	default:
	}
}

// Run drives the connect/retry/stability loop until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		if s.State() == StateConnecting || s.State() == StateDegraded {
			s.attemptConnect(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.reconnectCh:
			continue
		case <-time.After(s.backoff):
			if s.State() == StateFailed {
				continue
			}
		}
	}
}

func (s *Supervisor) attemptConnect(ctx context.Context) {
	if err := s.station.Connect(ctx); err != nil {
		s.mu.Lock()
		s.retries++
		exhausted := s.retries > s.maxRetry
		if exhausted {
			s.state = StateFailed
		} else {
			s.state = StateDegraded
		}
		s.mu.Unlock()
		s.bits.Clear(eventbits.WifiUp)
		if exhausted {
			s.log.Printf("retry exhausted, giving up until credentials replaced or reset")
		}
		return
	}

	s.mu.Lock()
	s.state = StateUp
	s.retries = 0
	s.upSince = time.Now()
	s.mu.Unlock()
	s.bits.Set(eventbits.WifiUp)
	s.awaitTimeSync()

	go s.watchDisconnect(ctx)
}

func (s *Supervisor) awaitTimeSync() {
	if s.timeSrc == nil {
		s.bits.Set(eventbits.TimeSynced)
		return
	}
	go func() {
		<-s.timeSrc.Synced()
		s.bits.Set(eventbits.TimeSynced)
	}()
}

func (s *Supervisor) watchDisconnect(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-s.station.Disconnected():
		s.mu.Lock()
		s.state = StateDegraded
		s.upSince = time.Time{}
		s.mu.Unlock()
		s.bits.Clear(eventbits.WifiUp)
		// No immediate reconnect: Run retries a Degraded link on its next
		// backoff tick.
	}
}
