package task

import "github.com/CESNET/fdistdump/internal/xerr"

// Catalog is the fixed set of fields this module knows how to extract
// from a flow record (spec §3 GLOSSARY; mirrors fileproc.packInto's
// switch, which is the other half of this contract). NetMask is -1 for
// every entry, the two IP fields included: the catalog applies no
// prefix alignment to any field.
var Catalog = map[string]Field{
	"srcip":   {ID: "srcip", Kind: KindIPv4, ByteSize: 4, NetMask: -1},
	"dstip":   {ID: "dstip", Kind: KindIPv4, ByteSize: 4, NetMask: -1},
	"srcport": {ID: "srcport", Kind: KindNumeric, ByteSize: 8, NetMask: -1},
	"dstport": {ID: "dstport", Kind: KindNumeric, ByteSize: 8, NetMask: -1},
	"proto":   {ID: "proto", Kind: KindNumeric, ByteSize: 8, NetMask: -1},
	"bytes":   {ID: "bytes", Kind: KindNumeric, ByteSize: 8, AggFunc: AggSUM, NetMask: -1},
	"packets": {ID: "packets", Kind: KindNumeric, ByteSize: 8, AggFunc: AggSUM, NetMask: -1},
	"flows":   {ID: "flows", Kind: KindNumeric, ByteSize: 8, AggFunc: AggSUM, NetMask: -1},
	"first":   {ID: "first", Kind: KindTimestamp, ByteSize: 8, AggFunc: AggMIN, NetMask: -1},
	"last":    {ID: "last", Kind: KindTimestamp, ByteSize: 8, AggFunc: AggMAX, NetMask: -1},
}

// LookupField resolves a field name to its Catalog entry, with
// aggFunc overriding the catalog default when non-zero (AGGR mode's
// per-field "id:func" CLI syntax, e.g. "bytes:sum").
func LookupField(id string, aggFunc AggFunc) (Field, error) {
	f, ok := Catalog[id]
	if !ok {
		return Field{}, xerr.New(xerr.KindArgument, "unknown field %q", id)
	}
	if aggFunc != AggKEY {
		f.AggFunc = aggFunc
	}
	return f, nil
}

// ParseAggFunc maps the CLI's short aggregation-function names onto
// AggFunc (spec GLOSSARY).
func ParseAggFunc(s string) (AggFunc, error) {
	switch s {
	case "", "key":
		return AggKEY, nil
	case "min":
		return AggMIN, nil
	case "max":
		return AggMAX, nil
	case "sum":
		return AggSUM, nil
	case "or":
		return AggOR, nil
	default:
		return 0, xerr.New(xerr.KindArgument, "unknown aggregation function %q", s)
	}
}
