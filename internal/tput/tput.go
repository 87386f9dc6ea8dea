// Package tput implements the small wire messages the TPUT rounds
// (spec §4.F) exchange beyond plain record batches: the round-1→2
// threshold broadcast and the round-2→3 candidate key set. Kept as
// its own leaf package so both internal/worker and internal/coordinator
// can import it without depending on each other.
package tput

import (
	"encoding/binary"

	"github.com/CESNET/fdistdump/internal/xerr"
)

// EncodeThreshold serializes τ (spec §4.F round 2's broadcast value)
// as 8 big-endian bytes.
func EncodeThreshold(tau uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, tau)
	return b
}

// DecodeThreshold is the symmetric reader side of EncodeThreshold.
func DecodeThreshold(body []byte) (uint64, error) {
	if len(body) != 8 {
		return 0, xerr.New(xerr.KindTransport, "tput: threshold message must be 8 bytes, got %d", len(body))
	}
	return binary.BigEndian.Uint64(body), nil
}

// EncodeKeySet serializes the candidate key set T (spec §4.F round 3)
// as a length-prefixed run of length-prefixed key byte strings.
func EncodeKeySet(keys [][]byte) []byte {
	size := 4
	for _, k := range keys {
		size += 4 + len(k)
	}
	b := make([]byte, 0, size)
	b = binary.BigEndian.AppendUint32(b, uint32(len(keys)))
	for _, k := range keys {
		b = binary.BigEndian.AppendUint32(b, uint32(len(k)))
		b = append(b, k...)
	}
	return b
}

// DecodeKeySet is the symmetric reader side of EncodeKeySet.
func DecodeKeySet(body []byte) ([][]byte, error) {
	if len(body) < 4 {
		return nil, xerr.New(xerr.KindTransport, "tput: key set message truncated")
	}
	n := binary.BigEndian.Uint32(body)
	body = body[4:]
	keys := make([][]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(body) < 4 {
			return nil, xerr.New(xerr.KindTransport, "tput: key set message truncated at key %d", i)
		}
		klen := binary.BigEndian.Uint32(body)
		body = body[4:]
		if uint32(len(body)) < klen {
			return nil, xerr.New(xerr.KindTransport, "tput: key set message truncated reading key %d", i)
		}
		keys = append(keys, append([]byte(nil), body[:klen]...))
		body = body[klen:]
	}
	return keys, nil
}
