// Package bloomprune implements the Index Pruner (spec §4.B): it
// reduces a compiled filter expression to an IP-predicate tree and
// evaluates that tree against each file's Bloom sidecar index to
// decide whether the file can be skipped without opening it.
//
// The sidecar is backed by seiflotfy/cuckoofilter rather than a
// classic Bloom filter (see DESIGN.md) — a cuckoo filter gives the
// same one-sided-error membership contract spec §4.B requires
// (never a false negative, modulo the fallback-to-unpruned path)
// with a lower false-positive rate at equal memory.
package bloomprune

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"

	cuckoo "github.com/seiflotfy/cuckoofilter"

	"github.com/CESNET/fdistdump/internal/filterexpr"
	"github.com/CESNET/fdistdump/internal/nlog"
)

// MaxAddresses is the address-count limit beyond which indexing is
// disabled entirely for the query (spec §4.B).
const MaxAddresses = 20

// SidecarExt is the extension of the per-file Bloom sidecar; combined
// with sidecarPrefix in pathresolver, e.g. "bfi.cap.20260101.cf".
const SidecarExt = ".cf"

// predNode is the reduced IP-predicate tree (spec §4.B): either an
// And/Or combinator over two surviving children, or a leaf address
// test. Unlike filterexpr.Node, every node here is known, after
// reduction, to test only IP addresses with a full mask.
type predNode struct {
	and, or     bool
	left, right *predNode
	addr        net.IP // leaf only
}

// Plan is the outcome of reducing one query's filter into a pruning
// strategy: either a usable predicate tree, or Disabled == true, in
// which case the caller must treat every file as kept (spec §4.B
// failure model: "fall back to do not prune").
type Plan struct {
	root     *predNode
	Disabled bool
}

// Compile reduces a compiled filter AST into a Plan. A nil root (no
// filter, or the filter contains nothing IP-related) is a legitimate
// Plan that keeps every file — the caller's Keep always returns true
// for it.
func Compile(n *filterexpr.Node) *Plan {
	if n == nil {
		return &Plan{}
	}
	root, masked := reduce(n)
	if masked {
		nlog.Infof("bloomprune: disabling index (address carries a subnet mask)")
		return &Plan{Disabled: true}
	}
	if root == nil {
		return &Plan{}
	}
	addrs := collectAddrs(root)
	if len(addrs) > MaxAddresses {
		nlog.Infof("bloomprune: disabling index (addrs=%d limit=%d)", len(addrs), MaxAddresses)
		return &Plan{Disabled: true}
	}
	return &Plan{root: root}
}

// reduce applies the bottom-up reduction rules from spec §4.B. It
// returns the reduced node (nil if nothing survived) and whether a
// masked IP-equality leaf was seen anywhere in the subtree. A masked
// leaf is NOT the same as a non-IP leaf: a non-IP leaf is simply
// pruned away, but a masked leaf must disable indexing for the whole
// query (spec §4.B: "any address uses a subnet mask -> disable
// indexing entirely"), so `masked` propagates up through every parent
// regardless of AND/OR, instead of being silently dropped like an
// ordinary pruned child.
func reduce(n *filterexpr.Node) (node *predNode, masked bool) {
	if n.IsLeaf() {
		if (n.LeafField != filterexpr.FieldSrcIP && n.LeafField != filterexpr.FieldDstIP) ||
			n.LeafOp != filterexpr.OpEQ {
			return nil, false
		}
		ip := net.ParseIP(n.Addr)
		if ip == nil {
			return nil, false
		}
		// full-mask only: no netmask token, or an exact /32 or /128.
		if n.Netmask != -1 {
			full := 32
			if ip.To4() == nil {
				full = 128
			}
			if n.Netmask != full {
				return nil, true
			}
		}
		return &predNode{addr: ip}, false
	}

	left, leftMasked := reduce(n.Left)
	right, rightMasked := reduce(n.Right)
	if leftMasked || rightMasked {
		return nil, true
	}

	switch {
	case left == nil && right == nil:
		// AND/OR with both children pruned -> prune node.
		return nil, false
	case left != nil && right == nil:
		// one child pruned -> replace by the surviving child.
		return left, false
	case left == nil && right != nil:
		return right, false
	}

	// both live: if they hold the identical address, replace by
	// either child (covers `ip X` desugared as srcip X OR dstip X).
	if left.addr != nil && right.addr != nil && left.addr.Equal(right.addr) {
		return left, false
	}
	return &predNode{and: n.And, or: n.Or, left: left, right: right}, false
}

func collectAddrs(n *predNode) []net.IP {
	if n == nil {
		return nil
	}
	if n.addr != nil {
		return []net.IP{n.addr}
	}
	return append(collectAddrs(n.left), collectAddrs(n.right)...)
}

// Sidecar is a loaded per-file cuckoo-filter index.
type Sidecar struct {
	cf *cuckoo.Filter
}

// SidecarPath returns the conventional sidecar path for a data file:
// "<dir>/bfi.<base><ext>" (pathresolver.sidecarPrefix + SidecarExt).
func SidecarPath(dataPath string) string {
	dir := filepath.Dir(dataPath)
	base := filepath.Base(dataPath)
	return filepath.Join(dir, "bfi."+base+SidecarExt)
}

// LoadSidecar reads and deserializes the cuckoo filter for dataPath's
// sidecar. Any failure (missing file, corrupt encoding) is returned
// verbatim so the caller can apply the fallback-to-unpruned policy.
func LoadSidecar(dataPath string) (*Sidecar, error) {
	f, err := os.Open(SidecarPath(dataPath))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	br := bufio.NewReader(f)
	var size uint32
	if err := binary.Read(br, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	cf, err := cuckoo.Decode(buf)
	if err != nil {
		return nil, err
	}
	return &Sidecar{cf: cf}, nil
}

// BuildSidecar constructs a cuckoo filter over the given addresses and
// serializes it to dataPath's conventional sidecar location.
func BuildSidecar(dataPath string, addrs []net.IP) error {
	cf := cuckoo.NewFilter(uint(nextPow2(uint32(len(addrs)*2 + 1))))
	for _, a := range addrs {
		cf.InsertUnique(a)
	}
	enc := cf.Encode()
	f, err := os.Create(SidecarPath(dataPath))
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	if err := binary.Write(bw, binary.BigEndian, uint32(len(enc))); err != nil {
		return err
	}
	if _, err := bw.Write(enc); err != nil {
		return err
	}
	return bw.Flush()
}

func nextPow2(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return v + 1
}

// Keep reports whether dataPath should be opened, given plan. On any
// sidecar load failure the file is kept (spec §4.B: "missing sidecar,
// malformed sidecar, or exceeded address limit -> fall back to do not
// prune").
func Keep(plan *Plan, dataPath string) bool {
	if plan.Disabled || plan.root == nil {
		return true
	}
	sc, err := LoadSidecar(dataPath)
	if err != nil {
		nlog.Debugf("bloomprune: %s: %v, keeping unpruned", dataPath, err)
		return true
	}
	return evaluate(plan.root, sc)
}

// evaluate walks the predicate tree directly against the sidecar:
// AND nodes require both children true, OR nodes require either,
// matching contains_all/contains_any per branch (spec §4.B) without
// flattening into one address list per combinator.
func evaluate(n *predNode, sc *Sidecar) bool {
	if n.addr != nil {
		return sc.cf.Lookup(n.addr)
	}
	if n.and {
		return evaluate(n.left, sc) && evaluate(n.right, sc)
	}
	return evaluate(n.left, sc) || evaluate(n.right, sc)
}
