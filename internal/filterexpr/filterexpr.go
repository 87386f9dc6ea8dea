// Package filterexpr compiles the small filter-expression grammar
// (spec §4.H stand-in) into an AST of AND/OR/comparison nodes — the
// same shape spec §4.B's Index Pruner expects from "the external
// filter library", since no real flow-filter library is in scope
// (spec §1 Non-goals).
package filterexpr

import (
	"strconv"
	"strings"

	"github.com/CESNET/fdistdump/internal/xerr"
)

// Op is a comparison operator for leaf nodes.
type Op int

const (
	OpEQ Op = iota
	OpNE
	OpLT
	OpLE
	OpGT
	OpGE
)

// Field identifies which flow attribute a leaf node tests.
type Field int

const (
	FieldSrcIP Field = iota
	FieldDstIP
	FieldIP // shorthand expanded to srcip OR dstip at parse time
	FieldProto
	FieldPort
	FieldBytes
	FieldPackets
)

// Node is one AST node: either a boolean combinator (And/Or) with two
// children, or a leaf comparison against a literal.
type Node struct {
	And, Or   bool
	Left, Right *Node

	// Leaf fields, valid when And == Or == false.
	LeafField Field
	LeafOp    Op
	// Addr holds the leaf's value when LeafField is an IP field;
	// Netmask is the prefix length, or -1 if the literal carried none.
	Addr    string
	Netmask int
	// Num holds the leaf's value for non-IP numeric fields.
	Num int64
}

// Compile parses expr into an AST. Grammar:
//
//	expr    := term (("and"|"or") term)*
//	term    := "(" expr ")" | comparison
//	comparison := field op literal
//	field   := "srcip" | "dstip" | "ip" | "proto" | "port" | "bytes" | "packets"
//	op      := "=" | "!=" | "<" | "<=" | ">" | ">="
//	literal := IPv4/IPv6[/mask] | decimal integer
//
// `ip X` desugars into `srcip X or dstip X` per spec §4.B. An empty
// (or all-whitespace) expr is a valid, optional filter (spec §3: "the
// predicate is optional") and compiles to a nil Node, which Eval
// treats as an unconditional match.
func Compile(expr string) (*Node, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	p := &parser{toks: tokenize(expr)}
	n, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, xerr.New(xerr.KindFilter, "unexpected trailing tokens near %q", p.toks[p.pos])
	}
	return n, nil
}

func tokenize(expr string) []string {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	runes := []rune(expr)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '(' || c == ')':
			flush()
			toks = append(toks, string(c))
		case c == ' ' || c == '\t' || c == '\n':
			flush()
		case c == '!' && i+1 < len(runes) && runes[i+1] == '=':
			flush()
			toks = append(toks, "!=")
			i++
		case c == '<' || c == '>':
			flush()
			if i+1 < len(runes) && runes[i+1] == '=' {
				toks = append(toks, string(c)+"=")
				i++
			} else {
				toks = append(toks, string(c))
			}
		case c == '=':
			flush()
			toks = append(toks, "=")
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return toks
}

type parser struct {
	toks []string
	pos  int
}

func (p *parser) peek() string {
	if p.pos >= len(p.toks) {
		return ""
	}
	return p.toks[p.pos]
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) parseExpr() (*Node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		switch strings.ToLower(p.peek()) {
		case "and":
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			left = &Node{And: true, Left: left, Right: right}
		case "or":
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			left = &Node{Or: true, Left: left, Right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseTerm() (*Node, error) {
	if p.peek() == "(" {
		p.next()
		n, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, xerr.New(xerr.KindFilter, "missing closing paren")
		}
		p.next()
		return n, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (*Node, error) {
	fieldTok := strings.ToLower(p.next())
	var f Field
	switch fieldTok {
	case "srcip":
		f = FieldSrcIP
	case "dstip":
		f = FieldDstIP
	case "ip":
		f = FieldIP
	case "proto":
		f = FieldProto
	case "port":
		f = FieldPort
	case "bytes":
		f = FieldBytes
	case "packets":
		f = FieldPackets
	default:
		return nil, xerr.New(xerr.KindFilter, "unknown field %q", fieldTok)
	}

	opTok := p.next()
	op, err := parseOp(opTok)
	if err != nil {
		return nil, err
	}

	litTok := p.next()
	if litTok == "" {
		return nil, xerr.New(xerr.KindFilter, "comparison %s %s missing a literal", fieldTok, opTok)
	}

	switch f {
	case FieldSrcIP, FieldDstIP:
		addr, mask := splitAddr(litTok)
		return &Node{LeafField: f, LeafOp: op, Addr: addr, Netmask: mask}, nil
	case FieldIP:
		addr, mask := splitAddr(litTok)
		l := &Node{LeafField: FieldSrcIP, LeafOp: op, Addr: addr, Netmask: mask}
		r := &Node{LeafField: FieldDstIP, LeafOp: op, Addr: addr, Netmask: mask}
		return &Node{Or: true, Left: l, Right: r}, nil
	default:
		n, convErr := strconv.ParseInt(litTok, 10, 64)
		if convErr != nil {
			return nil, xerr.New(xerr.KindFilter, "expected integer literal, got %q", litTok)
		}
		return &Node{LeafField: f, LeafOp: op, Num: n}, nil
	}
}

func splitAddr(lit string) (addr string, netmask int) {
	if idx := strings.IndexByte(lit, '/'); idx >= 0 {
		mask, err := strconv.Atoi(lit[idx+1:])
		if err != nil {
			return lit[:idx], -1
		}
		return lit[:idx], mask
	}
	return lit, -1
}

func parseOp(tok string) (Op, error) {
	switch tok {
	case "=":
		return OpEQ, nil
	case "!=":
		return OpNE, nil
	case "<":
		return OpLT, nil
	case "<=":
		return OpLE, nil
	case ">":
		return OpGT, nil
	case ">=":
		return OpGE, nil
	default:
		return 0, xerr.New(xerr.KindFilter, "unknown operator %q", tok)
	}
}

// IsLeaf reports whether n is a comparison node (no children).
func (n *Node) IsLeaf() bool { return !n.And && !n.Or }
