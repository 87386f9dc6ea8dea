package filterexpr

import "testing"

func TestCompileSimpleComparison(t *testing.T) {
	n, err := Compile("proto = 6")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !n.IsLeaf() || n.LeafField != FieldProto || n.Num != 6 {
		t.Fatalf("unexpected node: %+v", n)
	}
}

func TestCompileAndOr(t *testing.T) {
	n, err := Compile("srcip = 10.0.0.1 and port = 443")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !n.And {
		t.Fatalf("expected top-level And node, got %+v", n)
	}
}

func TestCompileIPShorthandDesugarsToOr(t *testing.T) {
	n, err := Compile("ip = 192.168.1.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !n.Or {
		t.Fatalf("expected Or node for ip shorthand, got %+v", n)
	}
	if n.Left.LeafField != FieldSrcIP || n.Right.LeafField != FieldDstIP {
		t.Fatalf("expected srcip/dstip children, got %+v / %+v", n.Left, n.Right)
	}
	if n.Left.Addr != n.Right.Addr {
		t.Fatalf("expected identical address on both children")
	}
}

func TestCompileParens(t *testing.T) {
	n, err := Compile("(srcip = 10.0.0.1 or dstip = 10.0.0.1) and proto = 17")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !n.And || !n.Left.Or {
		t.Fatalf("unexpected tree shape: %+v", n)
	}
}

func TestCompileNetmask(t *testing.T) {
	n, err := Compile("srcip = 10.0.0.0/24")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Addr != "10.0.0.0" || n.Netmask != 24 {
		t.Fatalf("expected addr=10.0.0.0 netmask=24, got addr=%s netmask=%d", n.Addr, n.Netmask)
	}
}

func TestCompileUnknownFieldErrors(t *testing.T) {
	if _, err := Compile("bogus = 1"); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestCompileTrailingTokensError(t *testing.T) {
	if _, err := Compile("proto = 6 proto"); err == nil {
		t.Fatal("expected error for trailing tokens")
	}
}

func TestCompileEmptyIsNoFilter(t *testing.T) {
	n, err := Compile("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != nil {
		t.Fatalf("expected nil node for empty filter, got %+v", n)
	}
	n, err = Compile("   ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != nil {
		t.Fatalf("expected nil node for blank filter, got %+v", n)
	}
}
