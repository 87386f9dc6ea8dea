package filterexpr

import (
	"net"

	"github.com/CESNET/fdistdump/internal/flowfile"
)

// Eval evaluates n against rec, implementing the predicate the File
// Processor applies per record (spec §4.C step 4). A nil n always
// matches (no filter configured).
func Eval(n *Node, rec flowfile.Record) bool {
	if n == nil {
		return true
	}
	if n.And {
		return Eval(n.Left, rec) && Eval(n.Right, rec)
	}
	if n.Or {
		return Eval(n.Left, rec) || Eval(n.Right, rec)
	}
	return evalLeaf(n, rec)
}

func evalLeaf(n *Node, rec flowfile.Record) bool {
	switch n.LeafField {
	case FieldSrcIP:
		return matchAddr(n, rec.SrcIP)
	case FieldDstIP:
		return matchAddr(n, rec.DstIP)
	case FieldProto:
		return compareInt(n.LeafOp, int64(rec.Proto), n.Num)
	case FieldPort:
		return compareInt(n.LeafOp, int64(rec.DstPort), n.Num) || compareInt(n.LeafOp, int64(rec.SrcPort), n.Num)
	case FieldBytes:
		return compareInt(n.LeafOp, int64(rec.Bytes), n.Num)
	case FieldPackets:
		return compareInt(n.LeafOp, int64(rec.Packets), n.Num)
	default:
		return false
	}
}

func matchAddr(n *Node, addr net.IP) bool {
	want := net.ParseIP(n.Addr)
	if want == nil {
		return false
	}
	var inNet bool
	if n.Netmask >= 0 {
		bits := 32
		if want.To4() == nil {
			bits = 128
		}
		mask := net.CIDRMask(n.Netmask, bits)
		inNet = want.Mask(mask).Equal(addr.Mask(mask))
	} else {
		inNet = want.Equal(addr)
	}
	switch n.LeafOp {
	case OpEQ:
		return inNet
	case OpNE:
		return !inNet
	default:
		return false
	}
}

func compareInt(op Op, got, want int64) bool {
	switch op {
	case OpEQ:
		return got == want
	case OpNE:
		return got != want
	case OpLT:
		return got < want
	case OpLE:
		return got <= want
	case OpGT:
		return got > want
	case OpGE:
		return got >= want
	default:
		return false
	}
}
