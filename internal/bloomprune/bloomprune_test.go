package bloomprune_test

import (
	"net"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/CESNET/fdistdump/internal/bloomprune"
	"github.com/CESNET/fdistdump/internal/filterexpr"
)

var _ = Describe("reduction rules", func() {
	It("prunes a non-IP leaf entirely", func() {
		n, err := filterexpr.Compile("proto = 6")
		Expect(err).NotTo(HaveOccurred())
		plan := bloomprune.Compile(n)
		Expect(plan.Disabled).To(BeFalse())
		// no surviving predicate: every file is kept.
		Expect(bloomprune.Keep(plan, "/nonexistent/path")).To(BeTrue())
	})

	It("replaces an AND with its surviving child when one side prunes", func() {
		n, err := filterexpr.Compile("srcip = 10.0.0.1 and proto = 6")
		Expect(err).NotTo(HaveOccurred())
		plan := bloomprune.Compile(n)
		Expect(plan.Disabled).To(BeFalse())
	})

	It("collapses an ip-shorthand OR with identical addresses", func() {
		n, err := filterexpr.Compile("ip = 10.0.0.1")
		Expect(err).NotTo(HaveOccurred())
		plan := bloomprune.Compile(n)
		Expect(plan.Disabled).To(BeFalse())
	})

	It("disables indexing when an address carries a subnet mask", func() {
		n, err := filterexpr.Compile("srcip = 10.0.0.0/24")
		Expect(err).NotTo(HaveOccurred())
		plan := bloomprune.Compile(n)
		Expect(plan.Disabled).To(BeTrue())
	})

	It("disables indexing beyond the address limit", func() {
		expr := "srcip = 10.0.0.1"
		for i := 2; i <= bloomprune.MaxAddresses+1; i++ {
			expr += " or srcip = 10.0.0." + itoa(i)
		}
		n, err := filterexpr.Compile(expr)
		Expect(err).NotTo(HaveOccurred())
		plan := bloomprune.Compile(n)
		Expect(plan.Disabled).To(BeTrue())
	})
})

var _ = Describe("sidecar evaluation", func() {
	var dir, dataPath string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "bloomprune")
		Expect(err).NotTo(HaveOccurred())
		dataPath = filepath.Join(dir, "cap.dat")
		Expect(os.WriteFile(dataPath, []byte("x"), 0o644)).To(Succeed())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("keeps a file whose sidecar contains the queried address", func() {
		addr := net.ParseIP("10.0.0.1")
		Expect(bloomprune.BuildSidecar(dataPath, []net.IP{addr})).To(Succeed())

		n, err := filterexpr.Compile("srcip = 10.0.0.1")
		Expect(err).NotTo(HaveOccurred())
		plan := bloomprune.Compile(n)
		Expect(bloomprune.Keep(plan, dataPath)).To(BeTrue())
	})

	It("skips a file whose sidecar lacks the queried address", func() {
		Expect(bloomprune.BuildSidecar(dataPath, []net.IP{net.ParseIP("192.168.1.1")})).To(Succeed())

		n, err := filterexpr.Compile("srcip = 10.0.0.1")
		Expect(err).NotTo(HaveOccurred())
		plan := bloomprune.Compile(n)
		Expect(bloomprune.Keep(plan, dataPath)).To(BeFalse())
	})

	It("falls back to keeping the file when the sidecar is missing", func() {
		n, err := filterexpr.Compile("srcip = 10.0.0.1")
		Expect(err).NotTo(HaveOccurred())
		plan := bloomprune.Compile(n)
		Expect(bloomprune.Keep(plan, dataPath)).To(BeTrue())
	})

	It("falls back to keeping the file when the sidecar is malformed", func() {
		Expect(os.WriteFile(bloomprune.SidecarPath(dataPath), []byte{0xff, 0xff, 0xff, 0xff}, 0o644)).To(Succeed())

		n, err := filterexpr.Compile("srcip = 10.0.0.1")
		Expect(err).NotTo(HaveOccurred())
		plan := bloomprune.Compile(n)
		Expect(bloomprune.Keep(plan, dataPath)).To(BeTrue())
	})
})

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	return string(b)
}
