// Package update implements the C8 firmware-update pipeline: manifest
// verification, anti-rollback version policy, a streamed HTTPS image fetch
// into an alternate slot, and commit/revert semantics. It is grounded on
// the temp-file-then-rename download shape of Tutu's infra/engine.download
// and implements cloudlink.ManifestSink so an accepted job notification
// flows straight into Apply.
package update

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ccgarces/esp32-light-and-pump/internal/cryptocore"
	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
)

// VersionStore is the subset of *store.Store the pipeline needs to persist
// the anti-rollback version across resets.
type VersionStore interface {
	LoadU32Default(key string, def uint32) uint32
	SaveU32(key string, v uint32) error
}

// KeyAntiRollbackVersion is the reserved store key for the current version.
const KeyAntiRollbackVersion = "ota_version"

// Slot is the alternate application partition the pipeline writes into and
// commits. The real bootloader/OTA partition table is out of scope (spec
// §1); a filesystem-backed implementation is provided for hosts and tests.
type Slot interface {
	io.Writer
	// Discard abandons a partially written image; the previous slot is
	// left untouched.
	Discard() error
	// Commit marks the written image pending-boot, persisting enough
	// state for the bootloader to select it on reset.
	Commit() error
}

// FileSlot is a Slot backed by a temp-file-then-rename swap into path, the
// same pattern Tutu's download.go uses for the llama-server binary.
type FileSlot struct {
	path    string
	tmp     *os.File
	tmpPath string
}

// NewFileSlot opens a temp file beside path for staging the new image.
func NewFileSlot(path string) (*FileSlot, error) {
	tmpPath := path + ".pending"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, domain.Wrap(domain.CodeIO, "NewFileSlot", err)
	}
	return &FileSlot{path: path, tmp: f, tmpPath: tmpPath}, nil
}

func (s *FileSlot) Write(p []byte) (int, error) { return s.tmp.Write(p) }

// Discard closes and removes the staged file.
func (s *FileSlot) Discard() error {
	s.tmp.Close()
	return os.Remove(s.tmpPath)
}

// Commit closes the staged file and atomically renames it into place.
func (s *FileSlot) Commit() error {
	if err := s.tmp.Close(); err != nil {
		return domain.Wrap(domain.CodeIO, "FileSlot.Commit", err)
	}
	if err := os.Rename(s.tmpPath, s.path); err != nil {
		return domain.Wrap(domain.CodeIO, "FileSlot.Commit", err)
	}
	return nil
}

// SlotFactory opens a fresh Slot for one update attempt.
type SlotFactory func() (Slot, error)

// AuditSink receives one free-text line per pipeline failure or milestone,
// the way spec §7 requires every update outcome to be observable.
type AuditSink interface {
	PublishAudit(line string)
}

// Config bounds a Pipeline: the trust-root CA pool used both for chain
// verification and for pinning the HTTPS fetch, the device's own trust-root
// signer (used when a job omits signer_cert_der), and the first-boot
// confirmation budget.
type Config struct {
	TrustRootCAs      [][]byte // DER
	DeviceSignerCert  []byte   // DER, optional fallback signer
	FirstBootBudget   time.Duration
	HTTPClient        *http.Client
}

// Pipeline runs C8's verify → fetch → commit sequence.
type Pipeline struct {
	cfg     Config
	store   VersionStore
	slots   SlotFactory
	audit   AuditSink
	log     *log.Logger
}

// New builds a Pipeline. audit may be nil.
func New(cfg Config, store VersionStore, slots SlotFactory, audit AuditSink) *Pipeline {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewPinnedHTTPClient(cfg.TrustRootCAs, 10*time.Minute)
	}
	if cfg.FirstBootBudget <= 0 {
		cfg.FirstBootBudget = 2 * time.Minute
	}
	return &Pipeline{
		cfg:   cfg,
		store: store,
		slots: slots,
		audit: audit,
		log:   log.New(log.Writer(), "[update] ", log.LstdFlags),
	}
}

// Apply implements cloudlink.ManifestSink: verify, fetch, and commit one
// manifest. Any failure before commit leaves the previous slot untouched;
// the returned error is one of the spec §4.8 failure sentinels.
func (p *Pipeline) Apply(ctx context.Context, m domain.Manifest) error {
	attemptID := uuid.NewString()
	p.log.Printf("attempt=%s starting version=%d", attemptID, m.Version)

	if err := p.verify(m); err != nil {
		p.fail(attemptID, err)
		return err
	}
	if err := p.checkVersionPolicy(m); err != nil {
		p.fail(attemptID, err)
		return err
	}
	if err := p.fetchAndCommit(ctx, m); err != nil {
		p.fail(attemptID, err)
		return err
	}

	if err := p.store.SaveU32(KeyAntiRollbackVersion, m.Version); err != nil {
		err = domain.Wrap(domain.CodeBackend, "Pipeline.Apply", fmt.Errorf("%w: %v", domain.ErrCommitFailed, err))
		p.fail(attemptID, err)
		return err
	}
	p.log.Printf("attempt=%s committed version=%d", attemptID, m.Version)
	if p.audit != nil {
		p.audit.PublishAudit(fmt.Sprintf("update attempt=%s committed version=%d", attemptID, m.Version))
	}
	return nil
}

func (p *Pipeline) fail(attemptID string, err error) {
	p.log.Printf("attempt=%s failed: %v", attemptID, err)
	if p.audit != nil {
		p.audit.PublishAudit(fmt.Sprintf("update attempt=%s failed: %v", attemptID, err))
	}
}

// verify implements spec §4.8's manifest verification steps 3-4. Digest
// decode and signature base64 decode already happened in decodeManifestJSON
// at the cloudlink boundary, so this stage resolves the signer and checks
// the ECDSA signature.
func (p *Pipeline) verify(m domain.Manifest) error {
	pub, err := p.resolveSigner(m)
	if err != nil {
		return err
	}
	if !cryptocore.ECDSAP256VerifySHA256(pub, m.Digest, m.Signature) {
		return domain.ErrSignatureInvalid
	}
	return nil
}

func (p *Pipeline) resolveSigner(m domain.Manifest) (*ecdsa.PublicKey, error) {
	certDER := m.SignerCertDER
	if certDER == nil {
		if p.cfg.DeviceSignerCert == nil {
			return nil, domain.ErrUnauthorized
		}
		certDER = p.cfg.DeviceSignerCert
	}

	cert, err := cryptocore.X509Parse(certDER)
	if err != nil {
		return nil, domain.ErrManifestInvalid
	}
	if err := cryptocore.X509VerifyChain(cert, p.cfg.TrustRootCAs); err != nil {
		return nil, domain.ErrChainInvalid
	}

	if m.SignerKeyID != "" {
		digest := cryptocore.SHA256(certDER)
		if !strings.EqualFold(hex.EncodeToString(digest[:]), m.SignerKeyID) {
			return nil, domain.ErrKeyIDMismatch
		}
	}

	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, domain.ErrManifestInvalid
	}
	return pub, nil
}

// checkVersionPolicy implements spec §4.8's anti-rollback rule. A manifest
// whose min_required is above the currently committed version is always
// required, even at an equal version, so a same-version manifest can bring a
// device back into compliance.
func (p *Pipeline) checkVersionPolicy(m domain.Manifest) error {
	current := p.store.LoadU32Default(KeyAntiRollbackVersion, 0)
	if m.MinRequired > 0 && current < m.MinRequired {
		return nil
	}
	if !m.AllowRollback && m.Version <= current {
		return domain.ErrVersionRejected
	}
	return nil
}

// fetchAndCommit streams the image into a fresh slot, verifies its digest,
// and commits.
func (p *Pipeline) fetchAndCommit(ctx context.Context, m domain.Manifest) error {
	slot, err := p.slots()
	if err != nil {
		return domain.Wrap(domain.CodeIO, "Pipeline.fetchAndCommit", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		slot.Discard()
		return domain.ErrDownloadIncomplete
	}
	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		slot.Discard()
		return domain.ErrDownloadIncomplete
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slot.Discard()
		return domain.ErrDownloadIncomplete
	}

	hash := cryptocore.NewStreamingSHA256()
	tee := io.TeeReader(resp.Body, hash)
	if _, err := io.Copy(slot, tee); err != nil {
		slot.Discard()
		return domain.ErrDownloadIncomplete
	}

	if hash.Finish() != m.Digest {
		slot.Discard()
		return domain.ErrDigestMismatch
	}

	if err := slot.Commit(); err != nil {
		return domain.ErrCommitFailed
	}
	return nil
}

// DecodeManifestJSON decodes the wire shape into a domain.Manifest, the
// same hex/base64 decode cloudlink applies before handing a manifest to
// Apply, exposed here for callers (CLI, tests) that build manifests
// directly rather than receiving them over a job notification.
func DecodeManifestJSON(mj domain.ManifestJSON) (domain.Manifest, error) {
	digestBytes, err := hex.DecodeString(mj.DigestHex)
	if err != nil || len(digestBytes) != 32 {
		return domain.Manifest{}, domain.ErrManifestInvalid
	}
	sig, err := base64.StdEncoding.DecodeString(mj.SignatureB64)
	if err != nil {
		return domain.Manifest{}, domain.ErrManifestInvalid
	}

	m := domain.Manifest{
		URL:           mj.URL,
		Signature:     sig,
		Version:       mj.Version,
		MinRequired:   mj.MinRequired,
		SignerKeyID:   mj.SignerKeyIDHex,
		AllowRollback: mj.AllowRollback,
	}
	copy(m.Digest[:], digestBytes)

	if mj.SignerCertB64 != "" {
		cert, err := base64.StdEncoding.DecodeString(mj.SignerCertB64)
		if err != nil {
			return domain.Manifest{}, domain.ErrManifestInvalid
		}
		m.SignerCertDER = cert
	}
	return m, nil
}

// ConfirmBoot runs on successful application boot. The real bootloader API
// is out of scope; this only persists version under KeyAntiRollbackVersion,
// the same key Apply already writes at commit. No separate confirmation
// record is kept and FirstBootBudget is not consulted, so an unconfirmed
// restart is not distinguishable from a confirmed one through the store.
func ConfirmBoot(store VersionStore, version uint32) error {
	return store.SaveU32(KeyAntiRollbackVersion, version)
}

// pinnedTLSConfig builds a TLS config that trusts only trustRootCAs, used
// when a manifest URL must be fetched over a pinned connection rather than
// the system root pool.
func pinnedTLSConfig(trustRootCAs [][]byte) *tls.Config {
	pool := x509.NewCertPool()
	for _, der := range trustRootCAs {
		if cert, err := x509.ParseCertificate(der); err == nil {
			pool.AddCert(cert)
		}
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
}

// NewPinnedHTTPClient returns an *http.Client that only trusts
// trustRootCAs for HTTPS, per spec §4.8's "fetch pinned to the trust-root
// CA (when present)".
func NewPinnedHTTPClient(trustRootCAs [][]byte, timeout time.Duration) *http.Client {
	if len(trustRootCAs) == 0 {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: pinnedTLSConfig(trustRootCAs),
		},
	}
}
