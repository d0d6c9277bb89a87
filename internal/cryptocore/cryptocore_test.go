package cryptocore

import (
	"bytes"
	"testing"
)

func TestECDHHandshakeDerivesMatchingSessionKeys(t *testing.T) {
	deviceKP, err := NewECDHKeyPair()
	if err != nil {
		t.Fatalf("NewECDHKeyPair() (device) error: %v", err)
	}
	clientKP, err := NewECDHKeyPair()
	if err != nil {
		t.Fatalf("NewECDHKeyPair() (client) error: %v", err)
	}

	deviceSecret, err := deviceKP.Shared(clientKP.PublicUncompressed65())
	if err != nil {
		t.Fatalf("device Shared() error: %v", err)
	}
	clientSecret, err := clientKP.Shared(deviceKP.PublicUncompressed65())
	if err != nil {
		t.Fatalf("client Shared() error: %v", err)
	}
	if !bytes.Equal(deviceSecret, clientSecret) {
		t.Fatalf("shared secrets differ")
	}

	pop := []byte("printed-label-secret")
	deviceKey, err := HKDFSHA256([]byte("BLE-POP"), deviceSecret, pop, 32)
	if err != nil {
		t.Fatalf("device HKDFSHA256() error: %v", err)
	}
	clientKey, err := HKDFSHA256([]byte("BLE-POP"), clientSecret, pop, 32)
	if err != nil {
		t.Fatalf("client HKDFSHA256() error: %v", err)
	}
	if !bytes.Equal(deviceKey, clientKey) {
		t.Fatalf("derived session keys differ")
	}

	iv := bytes.Repeat([]byte{0x01}, 12)
	plaintext := []byte(`{"ctr":1,"light":50}`)
	ct, tag, err := AES256GCMSeal(deviceKey, iv, nil, plaintext)
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	opened, err := AES256GCMOpen(clientKey, iv, nil, ct, tag)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", opened, plaintext)
	}
}

func TestAES256GCMOpenRejectsTamperedTag(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	iv := bytes.Repeat([]byte{0x01}, 12)
	ct, tag, err := AES256GCMSeal(key, iv, nil, []byte("hello"))
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	tag[0] ^= 0xFF
	if _, err := AES256GCMOpen(key, iv, nil, ct, tag); err == nil {
		t.Fatal("Open() with tampered tag should fail")
	}
}

func TestStreamingSHA256MatchesOneShot(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	want := SHA256(data)

	s := NewStreamingSHA256()
	s.Write(data[:10])
	s.Write(data[10:])
	got := s.Finish()

	if got != want {
		t.Fatalf("streaming digest = %x, want %x", got, want)
	}
}
