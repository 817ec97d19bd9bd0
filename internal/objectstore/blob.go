package objectstore

import (
	"encoding/binary"
	"fmt"

	"chronoshare/internal/core"
)

// encodeSegmentBlob and decodeSegmentBody mirror the length-prefixed
// body/signature framing used for signed actions, so both stores share
// one wire convention for signed data objects.
func encodeSegmentBlob(o *core.SignedObject) []byte {
	buf := make([]byte, 0, len(o.Body)+len(o.Signature)+16)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(o.Body)))
	buf = append(buf, o.Body...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(o.Signature)))
	buf = append(buf, o.Signature...)
	return buf
}

func decodeSegmentBody(blob []byte) ([]byte, error) {
	if len(blob) < 8 {
		return nil, fmt.Errorf("%w: segment blob too short", core.ErrProtocol)
	}
	bodyLen := binary.LittleEndian.Uint64(blob[:8])
	blob = blob[8:]
	if uint64(len(blob)) < bodyLen {
		return nil, fmt.Errorf("%w: segment blob truncated", core.ErrProtocol)
	}
	return blob[:bodyLen], nil
}
