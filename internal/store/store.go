// Package store implements the durable, integrity-checked key→blob
// persistence of spec §4.1 (C1): every logical write lands as
// payload‖CRC32-IEEE(payload) in two copies (primary K, spare K_bak),
// spare-first then primary then commit; reads try primary, fall back to
// spare, and self-repair primary when the spare had to be used.
//
// The algorithm itself is storage-agnostic: it runs over any Backend, the
// way Tutu's infra/sqlite.DB wraps a concrete driver behind Open/Close. Two
// backends are provided — a flat-file backend standing in for the
// wear-leveled NVS-like namespace named in spec §4.1, and a SQLite-backed
// one for development hosts.
package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log"

	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
)

// Backend is the external, wear-leveled key-value namespace spec §4.1
// treats as a collaborator outside the core's scope. Keys are short ASCII
// identifiers; values are small opaque blobs.
type Backend interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Close() error
}

// ErrNoFreePages and ErrVersionMismatch are the two Backend failure modes
// that Store.Init() treats as recoverable by erase-and-reinitialize.
var (
	ErrNoFreePages     = fmt.Errorf("store: backend out of free pages")
	ErrVersionMismatch = fmt.Errorf("store: backend namespace version mismatch")
)

// Eraser is implemented by backends that can wipe and reinitialize their
// namespace, used by Store.Init() repair path.
type Eraser interface {
	Erase() error
}

// Store is the C1 durable store handle.
type Store struct {
	backend Backend
	log     *log.Logger
}

// Open wraps a Backend in the CRC/spare durability algorithm. Mirrors the
// constructor shape of Tutu's sqlite.Open: validate, wrap, return a handle.
func Open(backend Backend) (*Store, error) {
	if backend == nil {
		return nil, domain.Wrap(domain.CodeInvalidArgument, "store.Open", fmt.Errorf("nil backend"))
	}
	return &Store{backend: backend, log: log.New(logWriter{}, "[store] ", log.LstdFlags)}, nil
}

// Init repairs the backend namespace if the first touch fails with
// ErrNoFreePages or ErrVersionMismatch, by erasing and reinitializing.
func (s *Store) Init() error {
	_, _, err := s.backend.Get("__init_probe__")
	if err == nil {
		return nil
	}
	if err == ErrNoFreePages || err == ErrVersionMismatch {
		eraser, ok := s.backend.(Eraser)
		if !ok {
			return domain.Wrap(domain.CodeBackend, "store.Init", err)
		}
		if eraseErr := eraser.Erase(); eraseErr != nil {
			return domain.Wrap(domain.CodeBackend, "store.Init", eraseErr)
		}
		return nil
	}
	return nil
}

// Close releases the underlying backend.
func (s *Store) Close() error { return s.backend.Close() }

func spareKey(key string) string { return key + "_bak" }

func frame(payload []byte) []byte {
	sum := crc32.ChecksumIEEE(payload)
	out := make([]byte, len(payload)+4)
	copy(out, payload)
	binary.LittleEndian.PutUint32(out[len(payload):], sum)
	return out
}

func unframe(framed []byte) (payload []byte, ok bool) {
	if len(framed) < 4 {
		return nil, false
	}
	payload = framed[:len(framed)-4]
	want := binary.LittleEndian.Uint32(framed[len(framed)-4:])
	got := crc32.ChecksumIEEE(payload)
	return payload, want == got
}

// Save writes value under key: spare first, then primary, then (implicitly,
// since Put is a single backend call) commit.
func (s *Store) Save(key string, value []byte) error {
	framed := frame(value)
	if err := s.backend.Put(spareKey(key), framed); err != nil {
		return domain.Wrap(domain.CodeBackend, "store.Save", err)
	}
	if err := s.backend.Put(key, framed); err != nil {
		return domain.Wrap(domain.CodeBackend, "store.Save", err)
	}
	return nil
}

// Load reads key. It tries primary first; on absence or CRC failure it
// falls back to the spare, and if the spare validates it repairs primary
// before returning. If the primary exists but neither copy validates, it
// returns ErrIntegrity; if the primary is absent and the spare is absent or
// fails its CRC, ErrNotFound.
func (s *Store) Load(key string) ([]byte, error) {
	primaryRaw, primaryExists, err := s.backend.Get(key)
	if err != nil {
		return nil, domain.Wrap(domain.CodeBackend, "store.Load", err)
	}
	if primaryExists {
		if payload, ok := unframe(primaryRaw); ok {
			return payload, nil
		}
	}

	spareRaw, spareExists, err := s.backend.Get(spareKey(key))
	if err != nil {
		return nil, domain.Wrap(domain.CodeBackend, "store.Load", err)
	}
	if !spareExists {
		if !primaryExists {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrIntegrity
	}

	payload, ok := unframe(spareRaw)
	if !ok {
		if !primaryExists {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrIntegrity
	}

	// Spare validated — repair primary.
	if err := s.backend.Put(key, spareRaw); err != nil {
		s.log.Printf("repair of %q failed: %v", key, err)
	}
	return payload, nil
}

// SaveU32 persists a little-endian uint32, e.g. the anti-rollback version.
func (s *Store) SaveU32(key string, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return s.Save(key, buf[:])
}

// LoadU32 reads a little-endian uint32, returning 0, ErrNotFound if absent.
func (s *Store) LoadU32(key string) (uint32, error) {
	b, err := s.Load(key)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, domain.ErrIntegrity
	}
	return binary.LittleEndian.Uint32(b), nil
}

// LoadU32Default returns def when the key is absent.
func (s *Store) LoadU32Default(key string, def uint32) uint32 {
	v, err := s.LoadU32(key)
	if err != nil {
		return def
	}
	return v
}

// LoadU64/SaveU64 mirror the u32 helpers for the replay-window counter.
func (s *Store) SaveU64(key string, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return s.Save(key, buf[:])
}

func (s *Store) LoadU64(key string) (uint64, error) {
	b, err := s.Load(key)
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, domain.ErrIntegrity
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (s *Store) LoadU64Default(key string, def uint64) uint64 {
	v, err := s.LoadU64(key)
	if err != nil {
		return def
	}
	return v
}

// logWriter discards by default; Store's logger is exposed via SetLogOutput in
// tests that want to assert on repair messages.
type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) { return len(p), nil }

// SetLogOutput redirects the store's diagnostic logger, mirroring Tutu's
// SetSecurityLogger pattern for test visibility.
func (s *Store) SetLogOutput(l *log.Logger) { s.log = l }
