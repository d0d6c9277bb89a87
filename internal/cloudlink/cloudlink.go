// Package cloudlink implements the cloud side of spec §6: subscribing to job
// notifications, forwarding verified or synthesized manifests to the update
// pipeline, publishing heartbeats/audit lines, and reporting shadow state.
//
// The core depends only on the Link interface; github.com/eclipse/paho.mqtt.golang
// is wired in as the one concrete adapter (mqttLink), keeping the MQTT client
// library out of scope for everything above it per spec §1.
package cloudlink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
	"github.com/ccgarces/esp32-light-and-pump/internal/eventbits"
)

// Link is the narrow transport surface the manager needs. Implementations
// own connection lifecycle, TLS, and reconnect.
type Link interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Publish(topic string, payload []byte) error
	Disconnect()
}

// Config carries the per-device topic and endpoint values of spec §6/§9.
type Config struct {
	Broker           string
	DeviceID         string
	ClientCertPEM    []byte
	ClientKeyPEM     []byte
	CACertPEM        []byte
	HeartbeatTopic   string
	AuditTopic       string
	AllowLegacyOTA   bool
}

func (c Config) jobsTopic() string {
	return fmt.Sprintf("$aws/things/%s/jobs/+/notify-next", c.DeviceID)
}

func (c Config) shadowUpdateTopic() string {
	return fmt.Sprintf("$aws/things/%s/shadow/update", c.DeviceID)
}

// ManifestSink is the subset of the update pipeline the manager forwards
// verified manifests to.
type ManifestSink interface {
	Apply(ctx context.Context, m domain.Manifest) error
}

// Manager wires a Link to the job/heartbeat/shadow/audit topic contract.
type Manager struct {
	cfg  Config
	link Link
	bits *eventbits.Bits
	sink ManifestSink

	mu          sync.Mutex
	inFlightHB  bool

	log *log.Logger
}

// NewManager builds a Manager around an already-constructed Link.
func NewManager(cfg Config, link Link, bits *eventbits.Bits, sink ManifestSink) *Manager {
	return &Manager{
		cfg:  cfg,
		link: link,
		bits: bits,
		sink: sink,
		log:  log.New(log.Writer(), "[cloudlink] ", log.LstdFlags),
	}
}

// Run connects, subscribes to the jobs topic, and sets cloud_session_up on
// success. Blocks until ctx is done, then disconnects.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.link.Connect(ctx); err != nil {
		return fmt.Errorf("cloudlink connect: %w", err)
	}
	if err := m.link.Subscribe(m.cfg.jobsTopic(), m.handleJobNotify); err != nil {
		return fmt.Errorf("cloudlink subscribe jobs: %w", err)
	}
	m.bits.Set(eventbits.CloudSessionUp)

	<-ctx.Done()
	m.bits.Clear(eventbits.CloudSessionUp)
	m.link.Disconnect()
	return nil
}

func (m *Manager) handleJobNotify(topic string, payload []byte) {
	var job domain.CloudJob
	if err := json.Unmarshal(payload, &job); err != nil {
		m.log.Printf("malformed job notification on %s: %v", topic, err)
		return
	}

	manifest, err := m.resolveManifest(job)
	if err != nil {
		m.log.Printf("job %s rejected: %v", job.JobID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := m.sink.Apply(ctx, manifest); err != nil {
		m.log.Printf("job %s update failed: %v", job.JobID, err)
	}
}

// resolveManifest implements spec §6's dual job shape: an embedded manifest
// object always wins. A legacy {ota_url,signature} job is never applied: it
// is rejected with ErrUnauthorized whether or not AllowLegacyOTA is set (the
// flag only changes the error text), because the signature over ota_url is
// not verified here.
func (m *Manager) resolveManifest(job domain.CloudJob) (domain.Manifest, error) {
	if job.Manifest != nil {
		return decodeManifestJSON(*job.Manifest)
	}
	if job.OTAURL == "" {
		return domain.Manifest{}, domain.ErrManifestInvalid
	}
	if !m.cfg.AllowLegacyOTA {
		return domain.Manifest{}, fmt.Errorf("%w: legacy ota_url job rejected", domain.ErrUnauthorized)
	}
	return domain.Manifest{}, fmt.Errorf("%w: legacy ota_url verification requires device cert context", domain.ErrUnauthorized)
}

func decodeManifestJSON(mj domain.ManifestJSON) (domain.Manifest, error) {
	var m domain.Manifest
	digestBytes, err := hex.DecodeString(mj.DigestHex)
	if err != nil || len(digestBytes) != 32 {
		return m, fmt.Errorf("%w: digest", domain.ErrManifestInvalid)
	}
	var digest [32]byte
	copy(digest[:], digestBytes)

	sig, err := base64.StdEncoding.DecodeString(mj.SignatureB64)
	if err != nil {
		return m, fmt.Errorf("%w: signature: %v", domain.ErrManifestInvalid, err)
	}
	var certDER []byte
	if mj.SignerCertB64 != "" {
		certDER, err = base64.StdEncoding.DecodeString(mj.SignerCertB64)
		if err != nil {
			return m, fmt.Errorf("%w: signer cert: %v", domain.ErrManifestInvalid, err)
		}
	}
	m = domain.Manifest{
		URL:           mj.URL,
		Digest:        digest,
		Signature:     sig,
		Version:       mj.Version,
		MinRequired:   mj.MinRequired,
		SignerCertDER: certDER,
		SignerKeyID:   mj.SignerKeyIDHex,
		AllowRollback: mj.AllowRollback,
	}
	return m, nil
}

// PublishHeartbeat publishes hb, at most one in flight, dropping it silently
// when cloud_session_up is clear per spec §6's heartbeat rule.
func (m *Manager) PublishHeartbeat(hb Heartbeat) {
	if !m.bits.Get(eventbits.CloudSessionUp) {
		return
	}
	m.mu.Lock()
	if m.inFlightHB {
		m.mu.Unlock()
		return
	}
	m.inFlightHB = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlightHB = false
		m.mu.Unlock()
	}()

	b, err := json.Marshal(hb)
	if err != nil {
		m.log.Printf("marshal heartbeat: %v", err)
		return
	}
	if err := m.link.Publish(m.cfg.HeartbeatTopic, b); err != nil {
		m.log.Printf("publish heartbeat: %v", err)
	}
}

// PublishAudit publishes a single free-text audit line.
func (m *Manager) PublishAudit(line string) {
	if !m.bits.Get(eventbits.CloudSessionUp) {
		return
	}
	if err := m.link.Publish(m.cfg.AuditTopic, []byte(line)); err != nil {
		m.log.Printf("publish audit: %v", err)
	}
}

// ReportShadow publishes the reported-state block of spec §6.
func (m *Manager) ReportShadow(reported map[string]any) {
	if !m.bits.Get(eventbits.CloudSessionUp) {
		return
	}
	doc := map[string]any{"state": map[string]any{"reported": reported}}
	b, err := json.Marshal(doc)
	if err != nil {
		m.log.Printf("marshal shadow update: %v", err)
		return
	}
	if err := m.link.Publish(m.cfg.shadowUpdateTopic(), b); err != nil {
		m.log.Printf("publish shadow update: %v", err)
	}
}

// Heartbeat mirrors spec §6's heartbeat payload.
type Heartbeat struct {
	WallClock        int64  `json:"wall_clock"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	LastResetReason  string `json:"last_reset_reason"`
	MinFreeMemBytes  uint32 `json:"min_free_mem_bytes"`
	RSSI             *int   `json:"rssi,omitempty"`
	NextOnUTC        int64  `json:"next_on_utc"`
	NextOffUTC       int64  `json:"next_off_utc"`
}

// mqttLink adapts github.com/eclipse/paho.mqtt.golang to the Link interface.
type mqttLink struct {
	opts   *mqtt.ClientOptions
	client mqtt.Client
}

// NewMQTTLink builds the paho-backed Link, configuring mutual TLS from cfg.
func NewMQTTLink(cfg Config) (Link, error) {
	pool := x509.NewCertPool()
	if len(cfg.CACertPEM) > 0 && !pool.AppendCertsFromPEM(cfg.CACertPEM) {
		return nil, fmt.Errorf("cloudlink: invalid CA certificate")
	}
	cert, err := tls.X509KeyPair(cfg.ClientCertPEM, cfg.ClientKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("cloudlink: client certificate: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.DeviceID).
		SetTLSConfig(tlsCfg).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second)

	return &mqttLink{opts: opts}, nil
}

func (l *mqttLink) Connect(ctx context.Context) error {
	l.client = mqtt.NewClient(l.opts)
	token := l.client.Connect()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *mqttLink) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := l.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (l *mqttLink) Publish(topic string, payload []byte) error {
	token := l.client.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

func (l *mqttLink) Disconnect() {
	if l.client != nil && l.client.IsConnected() {
		l.client.Disconnect(250)
	}
}
