package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/l7mp/dmotif/internal/config"
	"github.com/l7mp/dmotif/pkg/engine"
	"github.com/l7mp/dmotif/pkg/exchange"
	"github.com/l7mp/dmotif/pkg/graph"
	"github.com/l7mp/dmotif/pkg/sink"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Count a motif over an edge stream in a single process",
	Long: `Load the leading edges of the input in bulk, then process the rest of the stream in batches
and report the change of the motif count after every batch. Input lines are "src dst [sign]";
files ending in .gz or .zst are decompressed and "-" reads the standard input.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run one process of a distributed motif count",
	Long: `Start the workers of one process of a distributed run. Every process must be started with
the same hosts, motif, input and batching, and a distinct process index. Each process reports
the occurrences found by its own workers; the per batch deltas of all processes add up to the
global delta.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if !cfg.Distributed() {
			return fmt.Errorf("%w: a distributed run needs at least two hosts", config.ErrInvalidConfig)
		}
		return run(cmd.Context(), cfg)
	},
}

func addRunFlags(flags *pflag.FlagSet) {
	d := config.Default()
	flags.StringP("motif", "m", d.Motif, "catalog name (triangle, diamond, clique<k>, cycle<k>), motif YAML file or inline \"m p0 q0 ...\" pattern")
	flags.StringP("input", "i", d.Input, "edge stream file")
	flags.Int("initial", d.Initial, "number of leading edges loaded in bulk (-1: all)")
	flags.IntP("batch-size", "b", d.BatchSize, "number of changes per batch (0: a single batch)")
	flags.Bool("count", d.Count, "count the occurrences of the bulk edge set")
	flags.IntP("workers", "w", d.Workers, "number of workers per process")
	flags.StringSlice("hosts", d.Hosts, "listen addresses of every process of a distributed run")
	flags.Int("process", d.Process, "index of this process in hosts")
	flags.Duration("handshake-timeout", d.HandshakeTimeout, "time to wait for the other processes")
	flags.Uint64("max-intermediate", d.MaxIntermediate, "per worker limit of intermediate tuples in a batch (0: unlimited)")
	flags.Int("count-cache-bytes", d.CountCacheBytes, "size of the per worker remote count cache (0: disabled)")
	flags.Int("drain-chunk", d.DrainChunk, "tuples advanced between two mailbox polls")
	flags.String("metrics-addr", d.MetricsAddr, "address of the Prometheus metrics endpoint (empty: disabled)")
	flags.String("recorder", d.Recorder, "file to record the batch summaries into")
}

func init() {
	addRunFlags(runCmd.Flags())
	addRunFlags(workerCmd.Flags())
	_ = workerCmd.MarkFlagRequired("hosts")
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := logger.WithName("run")

	m, err := cfg.LoadMotif()
	if err != nil {
		return err
	}

	changes, err := readInput(cfg.Input)
	if err != nil {
		return err
	}
	stream, err := graph.NewStream(changes, cfg.Initial, cfg.BatchSize)
	if err != nil {
		return err
	}
	log.Info("edge stream loaded", "motif", m.String(), "initial", len(stream.Initial),
		"batches", len(stream.Batches), "changes", stream.Changes())

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, log)
		defer srv.Close()
	}

	sinks := sink.Tee{sink.NewLogger(logger)}
	if cfg.Recorder != "" {
		rec, err := sink.NewRecorder(cfg.Recorder, map[string]string{
			"motif":   m.String(),
			"input":   cfg.Input,
			"workers": strconv.Itoa(cfg.Workers),
			"hosts":   strconv.Itoa(max(len(cfg.Hosts), 1)),
			"process": strconv.Itoa(cfg.Process),
			"started": time.Now().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, rec)
	}
	defer sinks.Close()

	opts := engine.Options{
		Workers:         cfg.Workers,
		MaxIntermediate: cfg.MaxIntermediate,
		CountCacheBytes: cfg.CountCacheBytes,
		DrainChunk:      cfg.DrainChunk,
		Sink:            sinks,
		Logger:          logger,
	}
	if cfg.Distributed() {
		network, err := exchange.NewRPCNetwork(ctx, exchange.RPCConfig{
			Hosts:             cfg.Hosts,
			Process:           cfg.Process,
			WorkersPerProcess: cfg.Workers,
			HandshakeTimeout:  cfg.HandshakeTimeout,
			Logger:            logger,
		})
		if err != nil {
			return err
		}
		defer network.Close()
		log.Info("network ready", "run-id", network.RunID(), "process", cfg.Process,
			"workers", network.Workers())
		opts.Network = network
	}

	e, err := engine.New(m, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	sum, err := engine.NewScheduler(e, logger).Run(ctx, stream.Initial, engine.NewSliceSource(stream.Batches), cfg.Count)
	if err != nil {
		return err
	}

	printSummary(sum)
	return nil
}

func readInput(path string) ([]graph.Change, error) {
	switch path {
	case "":
		return nil, fmt.Errorf("%w: no input", config.ErrInvalidConfig)
	case "-":
		return graph.ReadChanges(os.Stdin)
	default:
		return graph.LoadFile(path)
	}
}

func serveMetrics(addr string, log logr.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "metrics server failed", "addr", addr)
		}
	}()
	log.V(2).Info("serving metrics", "addr", addr)
	return srv
}

func printSummary(sum *engine.Summary) {
	rate := 0.0
	if secs := sum.Elapsed.Seconds(); secs > 0 {
		rate = float64(sum.Changes) / secs
	}
	fmt.Printf("batches:  %s\n", humanize.Comma(int64(len(sum.Batches))))
	fmt.Printf("changes:  %s (%s changes/s)\n", humanize.Comma(int64(sum.Changes)), humanize.SIWithDigits(rate, 1, ""))
	fmt.Printf("initial:  %s\n", humanize.Comma(sum.Initial))
	fmt.Printf("final:    %s\n", humanize.Comma(sum.Total))
	fmt.Printf("elapsed:  %s\n", sum.Elapsed.Round(time.Millisecond))
}
