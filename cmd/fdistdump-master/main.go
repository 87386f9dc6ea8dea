// fdistdump-master is the coordinator-side process (spec §4.F): it
// assembles a Task Descriptor from CLI flags, broadcasts it to a
// fixed worker set, merges the results, and renders them.
//
// CLI argument parsing is intentionally minimal (spec §1 non-goals);
// this is enough to drive the query pipeline end-to-end, not a
// full-featured flag surface with help text, config files, or
// subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CESNET/fdistdump/internal/cluster"
	"github.com/CESNET/fdistdump/internal/config"
	"github.com/CESNET/fdistdump/internal/coordinator"
	"github.com/CESNET/fdistdump/internal/nlog"
	"github.com/CESNET/fdistdump/internal/progress"
	"github.com/CESNET/fdistdump/internal/render"
	"github.com/CESNET/fdistdump/internal/task"
)

func main() {
	var (
		listenAddr  string
		workersFlag string
		modeFlag    string
		keysFlag    string
		valuesFlag  string
		fieldsFlag  string
		orderFlag   string
		filterFlag  string
		limit       uint64
		beginFlag   string
		endFlag     string
		pathsFlag   string
		interval    time.Duration
		useTPUT     bool
		useBFIndex  bool
		compress    bool
		formatFlag  string
		progressFlg string
		verbosity   int
	)
	flag.StringVar(&listenAddr, "addr", ":9000", "address to listen on (host:port)")
	flag.StringVar(&workersFlag, "workers", "", "comma-separated rank=host:port worker list")
	flag.StringVar(&modeFlag, "mode", "list", "working mode: list|sort|aggr|meta")
	flag.StringVar(&keysFlag, "keys", "", "AGGR mode: comma-separated grouping-key fields")
	flag.StringVar(&valuesFlag, "values", "", "AGGR mode: comma-separated field:func value fields")
	flag.StringVar(&fieldsFlag, "fields", "srcip,dstip,bytes,packets", "LIST/SORT mode: comma-separated output fields")
	flag.StringVar(&orderFlag, "order", "", "sort key: field:asc|desc")
	flag.StringVar(&filterFlag, "filter", "", "filter expression")
	flag.Uint64Var(&limit, "limit", 0, "result limit (0 = unlimited)")
	flag.StringVar(&beginFlag, "begin", "", "time range start, RFC3339")
	flag.StringVar(&endFlag, "end", "", "time range end, RFC3339")
	flag.StringVar(&pathsFlag, "paths", "", "comma-separated path patterns")
	flag.DurationVar(&interval, "interval", 300*time.Second, "rotation interval")
	flag.BoolVar(&useTPUT, "tput", false, "use the TPUT top-N algorithm when eligible")
	flag.BoolVar(&useBFIndex, "bfindex", false, "use the bloom/cuckoo filter index to prune files")
	flag.BoolVar(&compress, "compress", false, "compress record transport (lz4)")
	flag.StringVar(&formatFlag, "format", "pretty", "output format: csv|pretty")
	flag.StringVar(&progressFlg, "progress", "none", "progress rendering: none|total|per-worker|json")
	flag.IntVar(&verbosity, "v", int(nlog.LevelWarn), "log verbosity (0=quiet .. 4=debug)")
	flag.Parse()

	nlog.SetLevel(nlog.Level(verbosity))

	td, err := buildDescriptor(modeFlag, keysFlag, valuesFlag, fieldsFlag, orderFlag, filterFlag, limit, beginFlag, endFlag, pathsFlag, interval, useTPUT, useBFIndex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fdistdump-master: %v\n", err)
		os.Exit(2)
	}

	workers, err := parseWorkers(workersFlag)
	if err != nil || len(workers) == 0 {
		fmt.Fprintln(os.Stderr, "fdistdump-master: -workers must list at least one rank=host:port")
		os.Exit(2)
	}

	bus, err := cluster.NewBus(cluster.Node{Rank: -1, Addr: listenAddr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fdistdump-master: %v\n", err)
		os.Exit(1)
	}

	progMode, err := parseProgressMode(progressFlg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fdistdump-master: %v\n", err)
		os.Exit(2)
	}
	var collector *progress.Collector
	if progMode != progress.ModeNone {
		collector = progress.New(progMode, os.Stderr, prometheus.DefaultRegisterer)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	co := &coordinator.Coordinator{Bus: bus, Workers: workers, Progress: collector, Compress: compress}
	result, err := co.Run(ctx, td)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fdistdump-master: query failed: %v\n", err)
		os.Exit(1)
	}

	format := render.FormatPretty
	if formatFlag == "csv" {
		format = render.FormatCSV
	}
	if err := render.Write(os.Stdout, format, result.Layout, result.Records); err != nil {
		fmt.Fprintf(os.Stderr, "fdistdump-master: rendering results: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "processed %d flows, %d packets, %d bytes\n",
		result.Processed.Flows, result.Processed.Packets, result.Processed.Bytes)
}

func buildDescriptor(modeFlag, keysFlag, valuesFlag, fieldsFlag, orderFlag, filterFlag string, limit uint64, beginFlag, endFlag, pathsFlag string, interval time.Duration, useTPUT, useBFIndex bool) (*task.Descriptor, error) {
	mode, err := parseMode(modeFlag)
	if err != nil {
		return nil, err
	}

	var aggKeys, outputFields []task.Field
	switch mode {
	case task.ModeAggr:
		if aggKeys, err = parseFieldList(keysFlag, false); err != nil {
			return nil, err
		}
		if outputFields, err = parseFieldList(valuesFlag, true); err != nil {
			return nil, err
		}
	case task.ModeList, task.ModeSort:
		if outputFields, err = parseFieldList(fieldsFlag, false); err != nil {
			return nil, err
		}
	}

	var sortKey *task.SortKey
	if orderFlag != "" {
		sortKey, err = parseSortKey(orderFlag)
		if err != nil {
			return nil, err
		}
	}

	begin, end, err := parseTimeRange(beginFlag, endFlag)
	if err != nil {
		return nil, err
	}
	begin, end = config.Config{RotationInterval: interval}.ResolveTimeRange(begin, end)

	var paths []string
	if pathsFlag != "" {
		paths = strings.Split(pathsFlag, ",")
	}

	uuid, err := task.New(task.SeedFromString(fmt.Sprintf("%d:%s", os.Getpid(), modeFlag)))
	if err != nil {
		return nil, err
	}

	td := &task.Descriptor{
		UUID:             uuid,
		Mode:             mode,
		AggKeys:          aggKeys,
		SortKey:          sortKey,
		OutputFields:     outputFields,
		Filter:           filterFlag,
		Limit:            limit,
		TimeRange:        task.TimeRange{Begin: begin, End: end},
		PathPatterns:     paths,
		UseTPUT:          useTPUT,
		UseBFIndex:       useBFIndex,
		RotationInterval: interval,
	}
	if err := td.Validate(); err != nil {
		return nil, err
	}
	return td, nil
}

func parseMode(s string) (task.Mode, error) {
	switch strings.ToLower(s) {
	case "list":
		return task.ModeList, nil
	case "sort":
		return task.ModeSort, nil
	case "aggr":
		return task.ModeAggr, nil
	case "meta":
		return task.ModeMeta, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

// parseFieldList parses a comma-separated "field" or "field:func"
// list. withFunc requires (and defaults to sum for) the ":func" form,
// matching AGGR mode's value-field syntax; key lists never carry a
// func suffix.
func parseFieldList(s string, withFunc bool) ([]task.Field, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	fields := make([]task.Field, 0, len(parts))
	for _, p := range parts {
		name, fn := p, ""
		if idx := strings.IndexByte(p, ':'); idx >= 0 {
			name, fn = p[:idx], p[idx+1:]
		} else if withFunc {
			fn = "sum"
		}
		agg, err := task.ParseAggFunc(fn)
		if err != nil {
			return nil, err
		}
		f, err := task.LookupField(name, agg)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func parseSortKey(s string) (*task.SortKey, error) {
	name, dir := s, "desc"
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		name, dir = s[:idx], s[idx+1:]
	}
	f, err := task.LookupField(name, task.AggKEY)
	if err != nil {
		return nil, err
	}
	var direction task.Direction
	switch strings.ToLower(dir) {
	case "asc":
		direction = task.Asc
	case "desc":
		direction = task.Desc
	default:
		return nil, fmt.Errorf("unknown sort direction %q", dir)
	}
	return &task.SortKey{Field: f, Direction: direction}, nil
}

func parseTimeRange(beginFlag, endFlag string) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	begin, end := now.Add(-time.Hour), now
	if beginFlag != "" {
		t, err := time.Parse(time.RFC3339, beginFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing -begin: %w", err)
		}
		begin = t
	}
	if endFlag != "" {
		t, err := time.Parse(time.RFC3339, endFlag)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing -end: %w", err)
		}
		end = t
	}
	return begin, end, nil
}

// parseWorkers parses "rank=host:port,rank=host:port,...".
func parseWorkers(s string) ([]cluster.Node, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	nodes := make([]cluster.Node, 0, len(parts))
	for _, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid worker entry %q, want rank=host:port", p)
		}
		rank, err := strconv.Atoi(kv[0])
		if err != nil {
			return nil, fmt.Errorf("invalid worker rank %q: %w", kv[0], err)
		}
		nodes = append(nodes, cluster.Node{Rank: rank, Addr: kv[1]})
	}
	return nodes, nil
}

func parseProgressMode(s string) (progress.Mode, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return progress.ModeNone, nil
	case "total":
		return progress.ModeTotal, nil
	case "per-worker":
		return progress.ModePerWorker, nil
	case "json":
		return progress.ModeJSON, nil
	default:
		return 0, fmt.Errorf("unknown progress mode %q", s)
	}
}
