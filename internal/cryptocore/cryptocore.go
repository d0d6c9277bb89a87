// Package cryptocore implements the crypto primitives of spec §4.2 (C2):
// P-256 ECDH key agreement, HKDF-SHA256, AES-256-GCM AEAD, SHA-256
// (one-shot and streaming), and ECDSA-P256/X.509 chain verification.
//
// Grounded on the key-wrapper conventions of Tutu's internal/security
// (GenerateKeypair/Sign/Verify) and the AEAD/x509 usage shown by the
// pack's blockchain teacher (Synnergy core/security.go), adapted from
// Ed25519/ChaCha20-Poly1305 to the P-256/AES-GCM suite this spec mandates.
package cryptocore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
)

// ECDHKeyPair is an ephemeral P-256 key agreement keypair.
type ECDHKeyPair struct {
	priv *ecdh.PrivateKey
}

// NewECDHKeyPair generates a fresh ephemeral P-256 keypair.
func NewECDHKeyPair() (*ECDHKeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, domain.Wrap(domain.CodeCryptoError, "NewECDHKeyPair", err)
	}
	return &ECDHKeyPair{priv: priv}, nil
}

// PublicUncompressed65 returns the uncompressed X9.62 public key (65 bytes,
// leading 0x04).
func (kp *ECDHKeyPair) PublicUncompressed65() []byte {
	return kp.priv.PublicKey().Bytes()
}

// Shared computes the raw ECDH shared secret with a peer's uncompressed
// public key.
func (kp *ECDHKeyPair) Shared(peerPub65 []byte) ([]byte, error) {
	peerKey, err := ecdh.P256().NewPublicKey(peerPub65)
	if err != nil {
		return nil, domain.Wrap(domain.CodeInvalidArgument, "ECDHKeyPair.Shared", err)
	}
	secret, err := kp.priv.ECDH(peerKey)
	if err != nil {
		return nil, domain.Wrap(domain.CodeCryptoError, "ECDHKeyPair.Shared", err)
	}
	return secret, nil
}

// HKDFSHA256 derives L bytes from ikm using HMAC-SHA256-based HKDF, with
// the given salt and info — the exact derivation spec §4.7 requires for
// session_key = HKDF-SHA256(salt="BLE-POP", ikm=shared_secret, info=pop, L=32).
func HKDFSHA256(salt, ikm, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, domain.Wrap(domain.CodeCryptoError, "HKDFSHA256", err)
	}
	return out, nil
}

// AES256GCMSeal seals pt under key32 with the given 12-byte iv and aad,
// returning ciphertext and a detached 16-byte tag.
func AES256GCMSeal(key32, iv12, aad, pt []byte) (ct, tag []byte, err error) {
	gcm, err := newGCM(key32)
	if err != nil {
		return nil, nil, err
	}
	if len(iv12) != gcm.NonceSize() {
		return nil, nil, domain.Wrap(domain.CodeInvalidArgument, "AES256GCMSeal", fmt.Errorf("bad iv length"))
	}
	sealed := gcm.Seal(nil, iv12, pt, aad)
	ctLen := len(sealed) - gcm.Overhead()
	return sealed[:ctLen], sealed[ctLen:], nil
}

// AES256GCMOpen opens ct+tag under key32/iv12/aad. A tag mismatch is
// reported as domain.ErrAuth, matching spec §4.2's constant-time check
// requirement (crypto/cipher's Open already runs in constant time).
func AES256GCMOpen(key32, iv12, aad, ct, tag []byte) ([]byte, error) {
	gcm, err := newGCM(key32)
	if err != nil {
		return nil, err
	}
	if len(iv12) != gcm.NonceSize() {
		return nil, domain.Wrap(domain.CodeInvalidArgument, "AES256GCMOpen", fmt.Errorf("bad iv length"))
	}
	sealed := append(append([]byte{}, ct...), tag...)
	pt, err := gcm.Open(nil, iv12, sealed, aad)
	if err != nil {
		return nil, domain.ErrAuth
	}
	return pt, nil
}

func newGCM(key32 []byte) (cipher.AEAD, error) {
	if len(key32) != 32 {
		return nil, domain.Wrap(domain.CodeInvalidArgument, "newGCM", fmt.Errorf("key must be 32 bytes"))
	}
	block, err := aes.NewCipher(key32)
	if err != nil {
		return nil, domain.Wrap(domain.CodeCryptoError, "newGCM", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.Wrap(domain.CodeCryptoError, "newGCM", err)
	}
	return gcm, nil
}

// SHA256 hashes data in one call.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// StreamingSHA256 supports incremental hashing of a downloaded image.
type StreamingSHA256 struct {
	h interface {
		io.Writer
		Sum(b []byte) []byte
	}
}

// NewStreamingSHA256 starts a new incremental hash.
func NewStreamingSHA256() *StreamingSHA256 {
	return &StreamingSHA256{h: sha256.New()}
}

func (s *StreamingSHA256) Write(p []byte) (int, error) { return s.h.Write(p) }

// Finish returns the final 32-byte digest.
func (s *StreamingSHA256) Finish() [32]byte {
	var out [32]byte
	copy(out[:], s.h.Sum(nil))
	return out
}

// ECDSAP256VerifySHA256 verifies sig (ASN.1 DER) over sha256(msg) under the
// public key extracted from an already-parsed certificate.
func ECDSAP256VerifySHA256(pub *ecdsa.PublicKey, digest [32]byte, sigDER []byte) bool {
	if pub.Curve != elliptic.P256() {
		return false
	}
	return ecdsa.VerifyASN1(pub, digest[:], sigDER)
}

// X509Parse parses a single DER-encoded certificate.
func X509Parse(der []byte) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, domain.Wrap(domain.CodeCryptoError, "X509Parse", err)
	}
	return cert, nil
}

// X509VerifyChain verifies leaf chains to one of the CAs, per spec §3/§4.8.
func X509VerifyChain(leaf *x509.Certificate, caDER [][]byte) error {
	pool := x509.NewCertPool()
	for _, der := range caDER {
		ca, err := x509.ParseCertificate(der)
		if err != nil {
			continue
		}
		pool.AddCert(ca)
	}
	_, err := leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
	if err != nil {
		return domain.Wrap(domain.CodeCryptoError, "X509VerifyChain", err)
	}
	return nil
}
