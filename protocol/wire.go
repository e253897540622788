package protocol

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

// The helpers in this file give the variable-length message payloads
// (string and length-prefixed fields) the same explicit, little-endian
// encoding used by the fixed-size structs in descriptor.go, rather than
// relying on any host-dependent struct layout.

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func takeUint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, errors.New("buffer too short for u32")
	}
	return binary.LittleEndian.Uint32(buf[:4]), buf[4:], nil
}

func takeUint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, errors.New("buffer too short for u64")
	}
	return binary.LittleEndian.Uint64(buf[:8]), buf[8:], nil
}

func takeString(buf []byte) (string, []byte, error) {
	length, rest, err := takeUint32(buf)
	if err != nil {
		return "", nil, errors.Wrap(err, "read string length")
	}
	if uint32(len(rest)) < length {
		return "", nil, errors.New("buffer too short for string contents")
	}
	return string(rest[:length]), rest[length:], nil
}

func leUint32(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf) }
func leUint64(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf) }
