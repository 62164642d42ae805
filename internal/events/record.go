package events

import (
	"encoding/binary"
	"hash/crc32"
)

// Record encoding: varint payloadLen | payload | crc32c(payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(payload []byte) []byte {
	out := make([]byte, 0, 10+len(payload)+4)
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], uint64(len(payload)))
	out = append(out, tmp[:n]...)
	out = append(out, payload...)

	crc := crc32.Checksum(payload, castagnoli)
	var crcb [4]byte
	binary.BigEndian.PutUint32(crcb[:], crc)
	out = append(out, crcb[:]...)
	return out
}

func decodeRecord(b []byte) ([]byte, bool) {
	if len(b) < 1+4 {
		return nil, false
	}
	plen, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, false
	}
	if n+int(plen)+4 != len(b) {
		return nil, false
	}
	payload := b[n : n+int(plen)]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.Checksum(payload, castagnoli) != expect {
		return nil, false
	}
	return append([]byte(nil), payload...), true
}
