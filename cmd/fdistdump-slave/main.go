// fdistdump-slave is the worker-side process (spec §4.D): it
// registers on the cluster bus under a fixed rank, then blocks
// waiting for a task broadcast from the coordinator, one query at a
// time, until killed.
//
// CLI argument parsing is intentionally minimal (spec §1 non-goals
// place full CLI handling, help/version text, and config-file loading
// out of scope); this is the bootstrap glue, not the Task Descriptor
// builder -- that lives in fdistdump-master.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/CESNET/fdistdump/internal/cluster"
	"github.com/CESNET/fdistdump/internal/config"
	"github.com/CESNET/fdistdump/internal/nlog"
	"github.com/CESNET/fdistdump/internal/worker"
)

func main() {
	var (
		rank            int
		listenAddr      string
		coordinatorAddr string
		threads         int
		compress        bool
		verbosity       int
	)
	flag.IntVar(&rank, "rank", 0, "this worker's rank")
	flag.StringVar(&listenAddr, "addr", ":9100", "address to listen on (host:port)")
	flag.StringVar(&coordinatorAddr, "coordinator", "", "coordinator's address (host:port)")
	flag.IntVar(&threads, "threads", 0, "processing threads (0 = one per core)")
	flag.BoolVar(&compress, "compress", false, "compress record transport (lz4)")
	flag.IntVar(&verbosity, "v", int(nlog.LevelWarn), "log verbosity (0=quiet .. 4=debug)")
	flag.Parse()

	if coordinatorAddr == "" {
		fmt.Fprintln(os.Stderr, "fdistdump-slave: -coordinator is required")
		os.Exit(2)
	}

	nlog.SetLevel(nlog.Level(verbosity))

	hostname, err := os.Hostname()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fdistdump-slave: resolving hostname: %v\n", err)
		os.Exit(1)
	}

	cfg := config.Default(runtime.NumCPU())
	if threads > 0 {
		cfg.NumThreads = threads
	}

	bus, err := cluster.NewBus(cluster.Node{Rank: rank, Addr: listenAddr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fdistdump-slave: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &worker.Controller{
		Rank:        rank,
		Hostname:    hostname,
		Bus:         bus,
		Coordinator: cluster.Node{Rank: -1, Addr: coordinatorAddr},
		NumThreads:  cfg.NumThreads,
		Compress:    compress,
	}

	nlog.Infof("fdistdump-slave: rank %d listening on %s, coordinator %s", rank, listenAddr, coordinatorAddr)
	for {
		if err := c.Run(ctx); err != nil {
			nlog.Errorf("worker %d: query failed: %v", rank, err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}
