package domain

// Manifest is the firmware-update descriptor of spec §3/§6. Digest is the
// raw 32-byte SHA-256 of the image; Signature is the raw ECDSA signature
// bytes (already base64-decoded by the caller).
type Manifest struct {
	URL             string
	Digest          [32]byte
	Signature       []byte
	Version         uint32
	MinRequired     uint32 // 0 means "not set"
	SignerCertDER   []byte // optional
	SignerKeyID     string // optional, 64 hex chars, lower or upper case
	AllowRollback   bool
}

// ManifestJSON is the wire shape of spec §6, before digest/signature are
// decoded into a Manifest.
type ManifestJSON struct {
	URL             string `json:"url"`
	DigestHex       string `json:"digest"`
	SignatureB64    string `json:"signature"`
	Version         uint32 `json:"version"`
	MinRequired     uint32 `json:"min_required,omitempty"`
	SignerCertB64   string `json:"signer_cert_b64,omitempty"`
	SignerKeyIDHex  string `json:"signer_keyid_hex,omitempty"`
	AllowRollback   bool   `json:"allow_rollback,omitempty"`
}

// CloudJob is the legacy job-notification shape carrying either an embedded
// manifest or the weaker {jobId, ota_url, signature} scheme (spec §6, Open
// Question 2). cloudlink rejects the legacy scheme even when it is enabled
// in config.
type CloudJob struct {
	JobID     string          `json:"jobId"`
	Manifest  *ManifestJSON   `json:"manifest,omitempty"`
	OTAURL    string          `json:"ota_url,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// TLV record types within the trust-root blob (spec §3).
const (
	TLVTypeCA         uint8 = 1
	TLVTypeDeviceCert uint8 = 2
	TLVTypeDeviceKey  uint8 = 3
)

// TrustRoot holds the parsed contents of the factory-installed TLV
// container: zero or more CA certificates, an optional device certificate,
// and an optional device private key (DER-encoded throughout).
type TrustRoot struct {
	CACerts    [][]byte
	DeviceCert []byte
	DeviceKey  []byte
}

var trustRootHeader = [5]byte{'S', 'P', 'C', 'F', 0x01}
