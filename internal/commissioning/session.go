package commissioning

import (
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/ccgarces/esp32-light-and-pump/internal/cryptocore"
	"github.com/ccgarces/esp32-light-and-pump/internal/domain"
)

const (
	KeyReplayCounter = "ble_peer_counter"
	KeyReplayWindow  = "ble_peer_window"

	hkdfSalt = "BLE-POP"
)

// ReplayStore is the subset of *store.Store the session needs for its two
// reserved anti-replay keys.
type ReplayStore interface {
	LoadU32Default(key string, def uint32) uint32
	SaveU32(key string, v uint32) error
	LoadU64Default(key string, def uint64) uint64
	SaveU64(key string, v uint64) error
}

// handshakeFrame is the pre-session JSON handshake request of spec §4.7.
type handshakeFrame struct {
	Cmd       string `json:"cmd"`
	ClientPub string `json:"client_pub"`
	PoP       string `json:"pop"`
}

// provisioningFrame is the pre-session plaintext JSON of spec §4.6/§4.7.
type provisioningFrame struct {
	SSID string `json:"ssid"`
	PSK  string `json:"psk,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// controlFrame is the decrypted plaintext of a post-session control frame.
type controlFrame struct {
	Ctr    uint64 `json:"ctr"`
	RampMS int    `json:"ramp_ms,omitempty"`
	Light  *int   `json:"light,omitempty"`
	Pump   *int   `json:"pump,omitempty"`
}

// ProvisioningHandler is invoked when a provisioning frame is accepted; the
// caller applies it to C5 and the schedule's timezone.
type ProvisioningHandler func(ssid, psk, tz string) error

// Session owns one commissioning channel's handshake/AEAD/replay-window
// state. Its mutex guards only the session key and active flag; concurrent
// HandleJSONFrame/HandleControlFrame calls are not otherwise serialized (the
// replay-window load and save are not atomic). The reference transport
// processes frames on one connection in order.
type Session struct {
	store   ReplayStore
	onProv  ProvisioningHandler

	mu         sync.Mutex
	active     bool
	sessionKey []byte
	deviceKP   *cryptocore.ECDHKeyPair
}

// NewSession builds a Session bound to its replay-window store and
// provisioning callback.
func NewSession(store ReplayStore, onProv ProvisioningHandler) *Session {
	return &Session{store: store, onProv: onProv}
}

// DevicePublicKey returns the device's current ephemeral public key after a
// successful handshake, or nil before one completes.
func (s *Session) DevicePublicKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceKP == nil {
		return nil
	}
	return s.deviceKP.PublicUncompressed65()
}

// IsJSONFrame reports spec §4.7's carrier-level framing detection: first
// byte '{' is JSON (provisioning or handshake), anything else is a binary
// post-session control frame.
func IsJSONFrame(raw []byte) bool {
	return len(raw) > 0 && raw[0] == '{'
}

// HandleJSONFrame processes a provisioning or handshake frame.
func (s *Session) HandleJSONFrame(raw []byte) error {
	if len(raw) == 0 {
		return domain.ErrMalformed
	}
	return s.handleJSON(raw)
}

func (s *Session) handleJSON(raw []byte) error {
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return domain.ErrMalformed
	}
	if _, isHandshake := probe["cmd"]; isHandshake {
		var hf handshakeFrame
		if err := json.Unmarshal(raw, &hf); err != nil {
			return domain.ErrMalformed
		}
		return s.handshake(hf)
	}
	var pf provisioningFrame
	if err := json.Unmarshal(raw, &pf); err != nil || pf.SSID == "" {
		return domain.ErrMalformed
	}
	if s.onProv == nil {
		return nil
	}
	return s.onProv(pf.SSID, pf.PSK, pf.TZ)
}

// handshake implements spec §4.7's handshake steps 1-3. The device's public
// key is returned to the caller via DevicePublicKey for out-of-band or
// response-frame transport.
func (s *Session) handshake(hf handshakeFrame) error {
	if hf.ClientPub == "" || hf.PoP == "" {
		return domain.ErrMalformed
	}
	clientPub, err := hex.DecodeString(hf.ClientPub)
	if err != nil || len(clientPub) != 65 {
		return domain.ErrMalformed
	}

	kp, err := cryptocore.NewECDHKeyPair()
	if err != nil {
		return domain.ErrCrypto
	}
	shared, err := kp.Shared(clientPub)
	if err != nil {
		return domain.ErrCrypto
	}
	sessionKey, err := cryptocore.HKDFSHA256([]byte(hkdfSalt), shared, []byte(hf.PoP), 32)
	if err != nil {
		return domain.ErrCrypto
	}

	if err := s.store.SaveU32(KeyReplayCounter, 0); err != nil {
		return domain.Wrap(domain.CodeBackend, "Session.handshake", err)
	}
	if err := s.store.SaveU64(KeyReplayWindow, 0); err != nil {
		return domain.Wrap(domain.CodeBackend, "Session.handshake", err)
	}

	s.mu.Lock()
	s.deviceKP = kp
	s.sessionKey = sessionKey
	s.active = true
	s.mu.Unlock()
	return nil
}

// ControlFrame is the decrypted, replay-checked payload of a post-session
// control frame, exported so the server can build a domain.Command from it.
type ControlFrame = controlFrame

// HandleControlFrame implements spec §4.7's post-session processing:
// decrypt, apply replay rules, and return the decoded frame. Any error here
// means the caller must drop the frame silently per spec, incrementing
// whatever error metric it tracks.
func (s *Session) HandleControlFrame(raw []byte) (ControlFrame, error) {
	s.mu.Lock()
	active := s.active
	key := s.sessionKey
	s.mu.Unlock()
	if !active {
		return controlFrame{}, domain.ErrNoSession
	}
	if len(raw) < 12+16 {
		return controlFrame{}, domain.ErrMalformed
	}

	iv := raw[:12]
	tag := raw[len(raw)-16:]
	ct := raw[12 : len(raw)-16]

	plaintext, err := cryptocore.AES256GCMOpen(key, iv, nil, ct, tag)
	if err != nil {
		return controlFrame{}, domain.ErrAuth
	}

	var cf controlFrame
	if err := json.Unmarshal(plaintext, &cf); err != nil {
		return controlFrame{}, domain.ErrMalformed
	}

	if err := s.checkReplay(cf.Ctr); err != nil {
		return controlFrame{}, err
	}
	return cf, nil
}

// checkReplay implements spec §4.7's exact replay-window arithmetic over the
// persisted counter C and 64-bit window W, persisting on every acceptance.
func (s *Session) checkReplay(c uint64) error {
	C := uint64(s.store.LoadU32Default(KeyReplayCounter, 0))
	W := s.store.LoadU64Default(KeyReplayWindow, 0)

	if c > C {
		delta := c - C
		if delta >= 64 {
			W = 1
		} else {
			W = (W << delta) | 1
		}
		C = c
	} else {
		back := C - c
		if back >= 64 {
			return domain.ErrReplay
		}
		m := uint64(1) << back
		if W&m != 0 {
			return domain.ErrReplay
		}
		W |= m
	}

	if err := s.store.SaveU32(KeyReplayCounter, uint32(C)); err != nil {
		return domain.Wrap(domain.CodeBackend, "Session.checkReplay", err)
	}
	if err := s.store.SaveU64(KeyReplayWindow, W); err != nil {
		return domain.Wrap(domain.CodeBackend, "Session.checkReplay", err)
	}
	return nil
}
