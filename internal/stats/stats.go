// Package stats implements the Processed Summary and Metadata Summary
// tuples (spec §3).
package stats

import (
	"encoding/binary"

	"github.com/CESNET/fdistdump/internal/xerr"
)

// ProcessedSummary is the per-worker (flows, packets, bytes) tuple
// counting records accepted by the filter (spec §3).
type ProcessedSummary struct {
	Flows   uint64
	Packets uint64
	Bytes   uint64
}

// Add accumulates other into s.
func (s *ProcessedSummary) Add(other ProcessedSummary) {
	s.Flows += other.Flows
	s.Packets += other.Packets
	s.Bytes += other.Bytes
}

// Protocol indexes the per-protocol split in MetadataSummary.
type Protocol int

const (
	ProtoTCP Protocol = iota
	ProtoUDP
	ProtoICMP
	ProtoOther
	protoCount
)

// MetadataSummary is the per-file tuple of 15 counters (flows/
// packets/bytes, each split by protocol TCP/UDP/ICMP/OTHER, plus the
// three unsplit totals) read from file metadata without scanning
// records (spec §3).
type MetadataSummary struct {
	Flows   [protoCount]uint64
	Packets [protoCount]uint64
	Bytes   [protoCount]uint64
}

// TotalFlows, TotalPackets, TotalBytes sum across protocols, giving
// the 3 "total" counters that complete the 15 (4 protocols x 3
// counters + 3 totals).
func (m MetadataSummary) TotalFlows() uint64   { return sumAll(m.Flows) }
func (m MetadataSummary) TotalPackets() uint64 { return sumAll(m.Packets) }
func (m MetadataSummary) TotalBytes() uint64   { return sumAll(m.Bytes) }

func sumAll(a [protoCount]uint64) uint64 {
	var s uint64
	for _, v := range a {
		s += v
	}
	return s
}

// Add accumulates other into m, preserving associativity across
// per-worker partial summaries (spec §3 aggregation invariant).
func (m *MetadataSummary) Add(other MetadataSummary) {
	for p := Protocol(0); p < protoCount; p++ {
		m.Flows[p] += other.Flows[p]
		m.Packets[p] += other.Packets[p]
		m.Bytes[p] += other.Bytes[p]
	}
}

// Final bundles a worker's processed and metadata summaries — the
// message each worker sends the coordinator once, after end-of-stream
// (spec §4.D: "the worker sends a final summary message (processed +
// metadata summaries) and awaits termination").
type Final struct {
	Processed ProcessedSummary
	Metadata  MetadataSummary
}

// EncodeFinal serializes f as 18 fixed-width big-endian uint64s (3 for
// ProcessedSummary, 15 for MetadataSummary) — a hand-rolled binary
// layout rather than msgp, since Final never varies in shape and needs
// no schema evolution.
func EncodeFinal(f Final) []byte {
	vals := make([]uint64, 0, 18)
	vals = append(vals, f.Processed.Flows, f.Processed.Packets, f.Processed.Bytes)
	vals = append(vals, f.Metadata.Flows[:]...)
	vals = append(vals, f.Metadata.Packets[:]...)
	vals = append(vals, f.Metadata.Bytes[:]...)
	vals = append(vals, f.Metadata.TotalFlows(), f.Metadata.TotalPackets(), f.Metadata.TotalBytes())
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

// DecodeFinal is the symmetric reader side of EncodeFinal.
func DecodeFinal(body []byte) (Final, error) {
	const want = 18
	if len(body) != want*8 {
		return Final{}, xerr.New(xerr.KindTransport, "stats: final summary must be %d bytes, got %d", want*8, len(body))
	}
	read := func(i int) uint64 { return binary.BigEndian.Uint64(body[i*8:]) }
	var f Final
	f.Processed.Flows = read(0)
	f.Processed.Packets = read(1)
	f.Processed.Bytes = read(2)
	for p := 0; p < protoCount; p++ {
		f.Metadata.Flows[p] = read(3 + p)
		f.Metadata.Packets[p] = read(3 + protoCount + p)
		f.Metadata.Bytes[p] = read(3 + 2*protoCount + p)
	}
	return f, nil
}

// ProtocolOf maps an IP protocol number onto the 4-way split used by
// MetadataSummary.
func ProtocolOf(ipProto uint8) Protocol {
	switch ipProto {
	case 6:
		return ProtoTCP
	case 17:
		return ProtoUDP
	case 1, 58:
		return ProtoICMP
	default:
		return ProtoOther
	}
}
