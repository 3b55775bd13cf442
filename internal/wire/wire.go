// Package wire frames snapshot payloads for storage. The frame carries
// the writer's worker generation (so readers can order snapshots across
// promotion races) and the store time.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const version byte = 1

var (
	ErrCorrupt = errors.New("autocell: corrupt snapshot")
	magic4     = [...]byte{'A', 'C', 'E', 'L'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Frame: magic(4) | ver(1) | gen(u64 be) | storedAt unixnano(i64 be) | vlen(u32 be) | payload(vlen)
func Encode(gen uint64, storedAt int64, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 8 + 8 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], gen)
	buf.Write(u8[:])

	binary.BigEndian.PutUint64(u8[:], uint64(storedAt))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func Decode(b []byte) (gen uint64, storedAt int64, payload []byte, err error) {
	const hdr = 4 + 1 + 8 + 8 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return 0, 0, nil, ErrCorrupt
	}

	off := 5

	gen = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	storedAt = int64(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen != len(b)-off { // strict: no trailing bytes
		return 0, 0, nil, ErrCorrupt
	}

	return gen, storedAt, b[off : off+vlen], nil
}
