// Package flowfile implements the minimal concrete flow-capture format
// (spec §4.H stand-in): fixed-width binary rows plus a header carrying
// the metadata summary spec §4.C reads without a full record scan.
package flowfile

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"os"

	"github.com/CESNET/fdistdump/internal/stats"
	"github.com/CESNET/fdistdump/internal/xerr"
)

const (
	magic = uint32(0x464c4f31) // "FLO1"

	protoSplitCount        = 4 // TCP/UDP/ICMP/Other
	metadataSummaryWireSize = 8 * 3 * protoSplitCount
	recordSize              = 16 + 16 + 2 + 2 + 1 + 1 + 8 + 8 + 8 + 8 // see Record below
)

func readMetadataSummary(r io.Reader, m *stats.MetadataSummary) error {
	for _, arr := range []*[protoSplitCount]uint64{&m.Flows, &m.Packets, &m.Bytes} {
		for i := range arr {
			if err := binary.Read(r, binary.BigEndian, &arr[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeMetadataSummary(w io.Writer, m stats.MetadataSummary) error {
	for _, arr := range [][protoSplitCount]uint64{m.Flows, m.Packets, m.Bytes} {
		for _, v := range arr {
			if err := binary.Write(w, binary.BigEndian, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Record is one fixed-width flow row. IPv4 addresses are stored in
// the low 4 bytes of the 16-byte field, matching net.IP's v4-in-v6
// convention, so the same layout serves both families.
type Record struct {
	SrcIP      net.IP
	DstIP      net.IP
	SrcPort    uint16
	DstPort    uint16
	Proto      uint8
	TCPFlags   uint8
	Packets    uint64
	Bytes      uint64
	FirstSeen  uint64 // unix nanoseconds
	LastSeen   uint64 // unix nanoseconds
}

// Reader reads a flow-capture file sequentially: a header carrying the
// precomputed metadata summary (spec §4.C step 1, "without scanning
// records"), followed by fixed-width records.
type Reader struct {
	f   *os.File
	br  *bufio.Reader
	hdr stats.MetadataSummary
}

// Open reads and validates the file header, without touching record
// data (spec §4.C: metadata summary must be obtainable without a scan).
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerr.Wrap(xerr.KindIO, err, "opening %s", path)
	}
	r := &Reader{f: f, br: bufio.NewReaderSize(f, 64*1024)}
	var m uint32
	if err := binary.Read(r.br, binary.BigEndian, &m); err != nil {
		f.Close()
		return nil, xerr.Wrap(xerr.KindIO, err, "reading header magic of %s", path)
	}
	if m != magic {
		f.Close()
		return nil, xerr.New(xerr.KindIO, "%s: not a flow-capture file (bad magic)", path)
	}
	if err := readMetadataSummary(r.br, &r.hdr); err != nil {
		f.Close()
		return nil, xerr.Wrap(xerr.KindIO, err, "reading metadata summary of %s", path)
	}
	return r, nil
}

// MetadataSummary returns the file's precomputed summary (spec §4.C
// step 1).
func (r *Reader) MetadataSummary() stats.MetadataSummary { return r.hdr }

// Next reads the next record, returning io.EOF when exhausted.
func (r *Reader) Next() (Record, error) {
	buf := make([]byte, recordSize)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Record{}, io.EOF
		}
		return Record{}, xerr.Wrap(xerr.KindIO, err, "reading record")
	}
	return decodeRecord(buf), nil
}

// Close releases the underlying file handle.
func (r *Reader) Close() error { return r.f.Close() }

func decodeRecord(b []byte) Record {
	var rec Record
	off := 0
	rec.SrcIP = append(net.IP(nil), b[off:off+16]...)
	off += 16
	rec.DstIP = append(net.IP(nil), b[off:off+16]...)
	off += 16
	rec.SrcPort = binary.BigEndian.Uint16(b[off:])
	off += 2
	rec.DstPort = binary.BigEndian.Uint16(b[off:])
	off += 2
	rec.Proto = b[off]
	off++
	rec.TCPFlags = b[off]
	off++
	rec.Packets = binary.BigEndian.Uint64(b[off:])
	off += 8
	rec.Bytes = binary.BigEndian.Uint64(b[off:])
	off += 8
	rec.FirstSeen = binary.BigEndian.Uint64(b[off:])
	off += 8
	rec.LastSeen = binary.BigEndian.Uint64(b[off:])
	return rec
}

func encodeRecord(r Record) []byte {
	b := make([]byte, recordSize)
	off := 0
	copy(b[off:off+16], to16(r.SrcIP))
	off += 16
	copy(b[off:off+16], to16(r.DstIP))
	off += 16
	binary.BigEndian.PutUint16(b[off:], r.SrcPort)
	off += 2
	binary.BigEndian.PutUint16(b[off:], r.DstPort)
	off += 2
	b[off] = r.Proto
	off++
	b[off] = r.TCPFlags
	off++
	binary.BigEndian.PutUint64(b[off:], r.Packets)
	off += 8
	binary.BigEndian.PutUint64(b[off:], r.Bytes)
	off += 8
	binary.BigEndian.PutUint64(b[off:], r.FirstSeen)
	off += 8
	binary.BigEndian.PutUint64(b[off:], r.LastSeen)
	return b
}

func to16(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		out := make([]byte, 16)
		out[10], out[11] = 0xff, 0xff
		copy(out[12:], v4)
		return out
	}
	if len(ip) == 16 {
		return ip
	}
	return make([]byte, 16)
}

// Writer writes a flow-capture file: used by tests to build fixtures
// and by any future capture-conversion tooling.
type Writer struct {
	f   *os.File
	bw  *bufio.Writer
	sum stats.MetadataSummary
}

// Create writes the magic and the given metadata summary as the file
// header up front; Close only flushes and closes the file.
func Create(path string, sum stats.MetadataSummary) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, xerr.Wrap(xerr.KindIO, err, "creating %s", path)
	}
	w := &Writer{f: f, bw: bufio.NewWriter(f), sum: sum}
	if err := binary.Write(w.bw, binary.BigEndian, magic); err != nil {
		f.Close()
		return nil, xerr.Wrap(xerr.KindIO, err, "writing header magic")
	}
	if err := writeMetadataSummary(w.bw, sum); err != nil {
		f.Close()
		return nil, xerr.Wrap(xerr.KindIO, err, "writing metadata summary")
	}
	return w, nil
}

// Append writes one record.
func (w *Writer) Append(r Record) error {
	if _, err := w.bw.Write(encodeRecord(r)); err != nil {
		return xerr.Wrap(xerr.KindIO, err, "writing record")
	}
	return nil
}

// Close flushes buffered data and closes the file.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return xerr.Wrap(xerr.KindIO, err, "flushing")
	}
	return w.f.Close()
}
