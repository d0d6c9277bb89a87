package domain

import (
	"encoding/binary"
	"fmt"
)

// ParseTrustRoot decodes the TLV container of spec §3/§6: a 5-byte header
// 'S','P','C','F',0x01, then zero or more type(u8)||length(u32 LE)||value
// records. Unknown types are skipped. A truncated final TLV ends parsing
// without error, per the spec's explicit invariant.
func ParseTrustRoot(blob []byte) (TrustRoot, error) {
	var tr TrustRoot
	if len(blob) < len(trustRootHeader) {
		return tr, Wrap(CodeInvalidArgument, "ParseTrustRoot", fmt.Errorf("blob shorter than header"))
	}
	for i, b := range trustRootHeader {
		if blob[i] != b {
			return tr, Wrap(CodeInvalidArgument, "ParseTrustRoot", fmt.Errorf("bad header"))
		}
	}

	off := len(trustRootHeader)
	for {
		if off >= len(blob) {
			break
		}
		if off+1+4 > len(blob) {
			// Truncated final TLV header — stop cleanly.
			break
		}
		typ := blob[off]
		length := binary.LittleEndian.Uint32(blob[off+1 : off+5])
		valueStart := off + 5
		valueEnd := valueStart + int(length)
		if valueEnd > len(blob) || valueEnd < valueStart {
			// Truncated final TLV value — stop cleanly.
			break
		}
		value := blob[valueStart:valueEnd]

		switch typ {
		case TLVTypeCA:
			tr.CACerts = append(tr.CACerts, value)
		case TLVTypeDeviceCert:
			tr.DeviceCert = value
		case TLVTypeDeviceKey:
			tr.DeviceKey = value
		default:
			// Unknown type: skip.
		}

		off = valueEnd
	}

	return tr, nil
}

// EncodeTrustRoot is the inverse of ParseTrustRoot, used by bench tooling
// (devicectl keygen) to materialize a trust-root blob for testing.
func EncodeTrustRoot(tr TrustRoot) []byte {
	buf := append([]byte{}, trustRootHeader[:]...)
	appendTLV := func(typ uint8, value []byte) {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(value)))
		buf = append(buf, typ)
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, value...)
	}
	for _, ca := range tr.CACerts {
		appendTLV(TLVTypeCA, ca)
	}
	if len(tr.DeviceCert) > 0 {
		appendTLV(TLVTypeDeviceCert, tr.DeviceCert)
	}
	if len(tr.DeviceKey) > 0 {
		appendTLV(TLVTypeDeviceKey, tr.DeviceKey)
	}
	return buf
}
