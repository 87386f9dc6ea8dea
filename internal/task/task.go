// Package task defines the query Task descriptor broadcast once from
// coordinator to every worker (spec §3), immutable for the life of the
// query.
package task

import (
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"

	"github.com/CESNET/fdistdump/internal/xerr"
)

// Mode is the working mode, one of LIST/SORT/AGGR/META (spec §3).
type Mode int

const (
	ModeList Mode = iota
	ModeSort
	ModeAggr
	ModeMeta
)

func (m Mode) String() string {
	switch m {
	case ModeList:
		return "LIST"
	case ModeSort:
		return "SORT"
	case ModeAggr:
		return "AGGR"
	case ModeMeta:
		return "META"
	default:
		return "UNKNOWN"
	}
}

// AggFunc is the per-field aggregation function (spec GLOSSARY).
type AggFunc int

const (
	AggKEY AggFunc = iota // identity, for aggregation keys
	AggMIN
	AggMAX
	AggSUM
	AggOR
)

// Kind classifies a field's domain, used by the TPUT-eligibility
// predicate (spec §9 Open Question: "must be a traffic-volume field
// aggregated by SUM", encoded as a predicate on kind+AggFunc, never
// as a hardcoded field-id range).
type Kind int

const (
	KindNumeric Kind = iota
	KindIPv4
	KindIPv6
	KindTimestamp
	KindOther
)

// Direction is the sort direction.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Field describes one column in a record (spec §3).
type Field struct {
	ID        string
	Kind      Kind
	ByteSize  int
	AggFunc   AggFunc // meaningful only in AGGR mode, for non-key fields
	NetMask   int     // IP fields: prefix length, -1 if not applicable
	Granularity time.Duration // time fields: rounding granularity, 0 if not applicable
}

// SortKey is the at-most-one sort field (spec §3).
type SortKey struct {
	Field     Field
	Direction Direction
}

// IsVolumeSUM reports whether this sort key is eligible to drive TPUT:
// a SUM-aggregated numeric field, descending (or the symmetric
// ascending case, e.g. least-active talkers) (spec §4.F, §9).
func (sk SortKey) IsVolumeSUM() bool {
	return sk.Field.Kind == KindNumeric && sk.Field.AggFunc == AggSUM
}

// TimeRange is [Begin, End), already aligned to the rotation interval
// by the caller (spec §4.A/§6).
type TimeRange struct {
	Begin time.Time
	End   time.Time
}

// Zero reports whether the range has zero length (spec §8 boundary:
// "time range of zero length" selects exactly one file per pattern).
func (r TimeRange) Zero() bool { return !r.End.After(r.Begin) }

// Descriptor is the immutable, broadcast Task (spec §3).
type Descriptor struct {
	UUID string

	Mode Mode

	// AggKeys, SortKey (optional) and OutputFields partition the field
	// set; a field may appear at most once across their union except
	// that SortKey may coincide with one AggKey (spec §3 invariant).
	AggKeys      []Field
	SortKey      *SortKey
	OutputFields []Field

	Filter string // predicate expression, compiled per worker

	Limit uint64 // 0 = unlimited (spec §8 boundary)

	TimeRange TimeRange

	PathPatterns []string

	UseTPUT    bool
	UseBFIndex bool

	RotationInterval time.Duration // S, seconds (spec §6)
}

// New assigns a fresh UUID to a descriptor, mirroring the teacher's
// cos.GenUUID (shortid seeded by xxhash of the process start time is
// avoided here since it must be deterministic-enough for tests; we
// seed from a caller-supplied value instead).
func New(seed uint64) (string, error) {
	sid, err := shortid.New(1, shortid.DefaultABC, seed)
	if err != nil {
		return "", err
	}
	return sid.Generate()
}

// SeedFromString derives a stable uint64 seed from an arbitrary string
// (e.g. hostname+pid), matching the xxhash-based seeding the teacher
// uses elsewhere for deterministic IDs (cmn/cos.HashK8sProxyID).
func SeedFromString(s string) uint64 {
	return xxhash.Checksum64S([]byte(s), 0)
}

// Validate checks the field-set invariant from spec §3: each field
// appears at most once across (AggKeys ∪ SortKey ∪ OutputFields)
// except that SortKey may coincide with one AggKey.
func (d *Descriptor) Validate() error {
	seen := make(map[string]int, len(d.AggKeys)+len(d.OutputFields)+1)
	for _, f := range d.AggKeys {
		seen[f.ID]++
	}
	for _, f := range d.OutputFields {
		seen[f.ID]++
	}
	if d.SortKey != nil {
		seen[d.SortKey.Field.ID]++
	}
	for id, n := range seen {
		if n <= 1 {
			continue
		}
		// allowed exception: SortKey coincides with exactly one AggKey
		if d.SortKey != nil && d.SortKey.Field.ID == id {
			isAggKey := false
			for _, f := range d.AggKeys {
				if f.ID == id {
					isAggKey = true
					break
				}
			}
			if isAggKey && n == 2 {
				continue
			}
		}
		return xerr.New(xerr.KindArgument, "field %q appears more than once across aggregation keys, sort key, and output fields", id)
	}
	return nil
}
