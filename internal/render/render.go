// Package render implements the Output Renderer (spec §4.I
// stand-in): the coordinator's final record set, rendered as CSV or
// an aligned pretty table. Deliberately minimal, per spec §1's
// non-goals around presentation.
package render

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/CESNET/fdistdump/internal/record"
	"github.com/CESNET/fdistdump/internal/task"
)

// Format selects the output renderer.
type Format int

const (
	FormatCSV Format = iota
	FormatPretty
)

// Write renders recs (laid out per layout) to w in the requested
// format.
func Write(w io.Writer, format Format, layout *record.Layout, recs []record.Record) error {
	switch format {
	case FormatCSV:
		return writeCSV(w, layout, recs)
	case FormatPretty:
		return writePretty(w, layout, recs)
	default:
		return fmt.Errorf("render: unknown format %d", format)
	}
}

func writeCSV(w io.Writer, layout *record.Layout, recs []record.Record) error {
	header := make([]string, len(layout.Fields))
	for i, f := range layout.Fields {
		header[i] = f.ID
	}
	if _, err := fmt.Fprintln(w, strings.Join(header, ",")); err != nil {
		return err
	}
	for _, r := range recs {
		cells := formatRow(layout, r)
		if _, err := fmt.Fprintln(w, strings.Join(cells, ",")); err != nil {
			return err
		}
	}
	return nil
}

func writePretty(w io.Writer, layout *record.Layout, recs []record.Record) error {
	header := make([]string, len(layout.Fields))
	for i, f := range layout.Fields {
		header[i] = f.ID
	}
	rows := make([][]string, len(recs))
	for i, r := range recs {
		rows[i] = formatRow(layout, r)
	}

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	writePaddedRow(w, header, widths)
	for _, row := range rows {
		writePaddedRow(w, row, widths)
	}
	return nil
}

func writePaddedRow(w io.Writer, cells []string, widths []int) {
	padded := make([]string, len(cells))
	for i, c := range cells {
		padded[i] = c + strings.Repeat(" ", widths[i]-len(c))
	}
	fmt.Fprintln(w, strings.Join(padded, "  "))
}

func formatRow(layout *record.Layout, r record.Record) []string {
	cells := make([]string, len(layout.Fields))
	for i, f := range layout.Fields {
		switch f.Kind {
		case task.KindIPv4:
			cells[i] = formatIP(layout.Slice(r, i))
		case task.KindIPv6:
			cells[i] = formatIP(layout.Slice(r, i))
		case task.KindNumeric, task.KindTimestamp:
			cells[i] = strconv.FormatUint(layout.Uint64(r, i), 10)
		default:
			cells[i] = fmt.Sprintf("%x", layout.Slice(r, i))
		}
	}
	return cells
}

func formatIP(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = strconv.Itoa(int(v))
	}
	if len(b) == 4 {
		return strings.Join(parts, ".")
	}
	return fmt.Sprintf("%x", b)
}
