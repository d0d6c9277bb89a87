package update

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ccgarces/esp32-light-and-pump/internal/cryptocore"
	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
)

type memVersionStore struct {
	mu sync.Mutex
	v  map[string]uint32
}

func newMemVersionStore() *memVersionStore { return &memVersionStore{v: map[string]uint32{}} }

func (m *memVersionStore) LoadU32Default(key string, def uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.v[key]; ok {
		return v
	}
	return def
}

func (m *memVersionStore) SaveU32(key string, v uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v[key] = v
	return nil
}

type memSlot struct {
	buf       bytes.Buffer
	discarded bool
	committed bool
}

func (s *memSlot) Write(p []byte) (int, error) { return s.buf.Write(p) }
func (s *memSlot) Discard() error              { s.discarded = true; return nil }
func (s *memSlot) Commit() error               { s.committed = true; return nil }

type recordingAudit struct {
	mu    sync.Mutex
	lines []string
}

func (a *recordingAudit) PublishAudit(line string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lines = append(a.lines, line)
}

// selfSignedSigner builds an ECDSA P-256 self-signed certificate usable as
// both CA and leaf for the update pipeline's chain-of-one test fixtures.
func selfSignedSigner(t *testing.T) (priv *ecdsa.PrivateKey, certDER []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "update-signer"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate() error: %v", err)
	}
	return priv, der
}

func buildManifest(t *testing.T, priv *ecdsa.PrivateKey, certDER []byte, imageBytes []byte, version uint32, allowRollback bool) domain.Manifest {
	t.Helper()
	digest := cryptocore.SHA256(imageBytes)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("SignASN1() error: %v", err)
	}
	return domain.Manifest{
		Digest:        digest,
		Signature:     sig,
		Version:       version,
		SignerCertDER: certDER,
		AllowRollback: allowRollback,
	}
}

func TestApplySuccessCommitsVersionAndImage(t *testing.T) {
	priv, certDER := selfSignedSigner(t)
	image := []byte("firmware-image-bytes")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(image)
	}))
	defer ts.Close()

	m := buildManifest(t, priv, certDER, image, 5, false)
	m.URL = ts.URL

	store := newMemVersionStore()
	slot := &memSlot{}
	audit := &recordingAudit{}
	p := New(Config{TrustRootCAs: [][]byte{certDER}}, store, func() (Slot, error) { return slot, nil }, audit)

	if err := p.Apply(context.Background(), m); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !slot.committed {
		t.Error("expected slot committed")
	}
	if slot.buf.String() != string(image) {
		t.Errorf("slot contents = %q, want %q", slot.buf.String(), image)
	}
	if got := store.LoadU32Default(KeyAntiRollbackVersion, 0); got != 5 {
		t.Errorf("stored version = %d, want 5", got)
	}
}

func TestApplyRejectsBadSignature(t *testing.T) {
	priv, certDER := selfSignedSigner(t)
	image := []byte("firmware-image-bytes")
	m := buildManifest(t, priv, certDER, image, 5, false)
	m.Signature[0] ^= 0xFF
	m.URL = "http://unused"

	store := newMemVersionStore()
	p := New(Config{TrustRootCAs: [][]byte{certDER}}, store, func() (Slot, error) { return &memSlot{}, nil }, nil)

	err := p.Apply(context.Background(), m)
	if !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Errorf("Apply() error = %v, want ErrSignatureInvalid", err)
	}
}

func TestApplyRejectsUntrustedChain(t *testing.T) {
	priv, certDER := selfSignedSigner(t)
	_, otherCA := selfSignedSigner(t)
	image := []byte("firmware-image-bytes")
	m := buildManifest(t, priv, certDER, image, 5, false)
	m.URL = "http://unused"

	store := newMemVersionStore()
	p := New(Config{TrustRootCAs: [][]byte{otherCA}}, store, func() (Slot, error) { return &memSlot{}, nil }, nil)

	err := p.Apply(context.Background(), m)
	if !errors.Is(err, domain.ErrChainInvalid) {
		t.Errorf("Apply() error = %v, want ErrChainInvalid", err)
	}
}

func TestApplyRejectsRollback(t *testing.T) {
	priv, certDER := selfSignedSigner(t)
	image := []byte("firmware-image-bytes")
	m := buildManifest(t, priv, certDER, image, 3, false)
	m.URL = "http://unused"

	store := newMemVersionStore()
	store.SaveU32(KeyAntiRollbackVersion, 5)
	p := New(Config{TrustRootCAs: [][]byte{certDER}}, store, func() (Slot, error) { return &memSlot{}, nil }, nil)

	err := p.Apply(context.Background(), m)
	if !errors.Is(err, domain.ErrVersionRejected) {
		t.Errorf("Apply() error = %v, want ErrVersionRejected", err)
	}
}

func TestApplyAllowsEqualVersionWhenBelowMinRequired(t *testing.T) {
	priv, certDER := selfSignedSigner(t)
	image := []byte("firmware-image-bytes")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write(image) }))
	defer ts.Close()

	m := buildManifest(t, priv, certDER, image, 5, false)
	m.MinRequired = 6
	m.URL = ts.URL

	store := newMemVersionStore()
	store.SaveU32(KeyAntiRollbackVersion, 5)
	slot := &memSlot{}
	p := New(Config{TrustRootCAs: [][]byte{certDER}}, store, func() (Slot, error) { return slot, nil }, nil)

	if err := p.Apply(context.Background(), m); err != nil {
		t.Fatalf("Apply() error = %v, want nil", err)
	}
	if got := store.LoadU32Default(KeyAntiRollbackVersion, 0); got != 5 {
		t.Errorf("committed version = %d, want 5", got)
	}
}

func TestApplyAllowsExplicitRollback(t *testing.T) {
	priv, certDER := selfSignedSigner(t)
	image := []byte("firmware-image-bytes")
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write(image) }))
	defer ts.Close()

	m := buildManifest(t, priv, certDER, image, 3, true)
	m.URL = ts.URL

	store := newMemVersionStore()
	store.SaveU32(KeyAntiRollbackVersion, 5)
	slot := &memSlot{}
	p := New(Config{TrustRootCAs: [][]byte{certDER}}, store, func() (Slot, error) { return slot, nil }, nil)

	if err := p.Apply(context.Background(), m); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !slot.committed {
		t.Error("expected slot committed on allowed rollback")
	}
}

func TestApplyDigestMismatchDiscardsSlot(t *testing.T) {
	priv, certDER := selfSignedSigner(t)
	image := []byte("firmware-image-bytes")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("a different payload entirely"))
	}))
	defer ts.Close()

	m := buildManifest(t, priv, certDER, image, 5, false)
	m.URL = ts.URL

	store := newMemVersionStore()
	slot := &memSlot{}
	p := New(Config{TrustRootCAs: [][]byte{certDER}}, store, func() (Slot, error) { return slot, nil }, nil)

	err := p.Apply(context.Background(), m)
	if !errors.Is(err, domain.ErrDigestMismatch) {
		t.Errorf("Apply() error = %v, want ErrDigestMismatch", err)
	}
	if !slot.discarded {
		t.Error("expected slot discarded on digest mismatch")
	}
	if store.LoadU32Default(KeyAntiRollbackVersion, 99) != 99 {
		t.Error("version must not be persisted on failure")
	}
}

func TestApplyNoSignerIsUnauthorized(t *testing.T) {
	priv, certDER := selfSignedSigner(t)
	image := []byte("firmware-image-bytes")
	m := buildManifest(t, priv, certDER, image, 5, false)
	m.SignerCertDER = nil
	m.URL = "http://unused"

	store := newMemVersionStore()
	p := New(Config{TrustRootCAs: [][]byte{certDER}}, store, func() (Slot, error) { return &memSlot{}, nil }, nil)

	err := p.Apply(context.Background(), m)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("Apply() error = %v, want ErrUnauthorized", err)
	}
}

func TestApplyKeyIDMismatch(t *testing.T) {
	priv, certDER := selfSignedSigner(t)
	image := []byte("firmware-image-bytes")
	m := buildManifest(t, priv, certDER, image, 5, false)
	m.SignerKeyID = "0000000000000000000000000000000000000000000000000000000000000"
	m.URL = "http://unused"

	store := newMemVersionStore()
	p := New(Config{TrustRootCAs: [][]byte{certDER}}, store, func() (Slot, error) { return &memSlot{}, nil }, nil)

	err := p.Apply(context.Background(), m)
	if !errors.Is(err, domain.ErrKeyIDMismatch) {
		t.Errorf("Apply() error = %v, want ErrKeyIDMismatch", err)
	}
}

func TestDecodeManifestJSONRejectsBadDigestLength(t *testing.T) {
	_, err := DecodeManifestJSON(domain.ManifestJSON{DigestHex: "abcd"})
	if err != domain.ErrManifestInvalid {
		t.Errorf("DecodeManifestJSON() error = %v, want ErrManifestInvalid", err)
	}
}

func TestConfirmBootPersistsVersion(t *testing.T) {
	store := newMemVersionStore()
	if err := ConfirmBoot(store, 7); err != nil {
		t.Fatalf("ConfirmBoot() error: %v", err)
	}
	if got := store.LoadU32Default(KeyAntiRollbackVersion, 0); got != 7 {
		t.Errorf("stored version = %d, want 7", got)
	}
}
