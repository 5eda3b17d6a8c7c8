// Command kvgo is an operator tool for a kvgo data directory.
//
//	kvgo [-config file] [-data-dir dir] [-metrics-addr addr] <command> [args]
//
// Commands:
//
//	put <key> <value>     store a value
//	get <key>             print a value
//	delete <key>          remove a key
//	scan [start [end]]    print keys in [start, end)
//	verify                check every log file
//	stats                 print store statistics
//	checkpoint            write a checkpoint record
//	rotate                seal the active log segment
//	archive               upload sealed log segments to the archive target
//	load [-workers N] [-keys M] [-value-size B]
//	                      run a concurrent write workload
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/kvgo"
	"github.com/hupe1980/kvgo/config"
	"github.com/hupe1980/kvgo/metrics"
	"github.com/hupe1980/kvgo/wal"
)

const shutdownTimeout = 5 * time.Second

var errUsage = errors.New("usage: kvgo [-config file] [-data-dir dir] [-metrics-addr addr] <put|get|delete|scan|verify|stats|checkpoint|rotate|archive|load> [args]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "kvgo:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// cli carries what every command needs.
type cli struct {
	cfg     *config.Config
	log     *loggers
	stdout  io.Writer
	metrics kvgo.MetricsCollector
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("kvgo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "YAML configuration file")
	dataDir := fs.String("data-dir", "", "data directory (overrides the configuration)")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errUsage
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	logs, err := setupLoggers(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer logs.Close() //nolint:errcheck // best effort on exit

	c := &cli{cfg: cfg, log: logs, stdout: stdout, metrics: kvgo.NoopMetricsCollector{}}

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		pm, err := metrics.New(reg)
		if err != nil {
			return err
		}
		c.metrics = pm

		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logs.zap.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logs.zap.Info("serving metrics", zap.String("addr", *metricsAddr))
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	logs.zap.Debug("running command", zap.String("command", cmd), zap.String("data_dir", cfg.DataDir))

	switch cmd {
	case "put":
		if len(rest) != 2 {
			return errUsage
		}
		return c.withStore(func(s *kvgo.Store) error {
			return s.Put([]byte(rest[0]), []byte(rest[1]))
		})
	case "get":
		if len(rest) != 1 {
			return errUsage
		}
		return c.withStore(func(s *kvgo.Store) error {
			v, err := s.Get([]byte(rest[0]))
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s\n", v)
			return nil
		})
	case "delete":
		if len(rest) != 1 {
			return errUsage
		}
		return c.withStore(func(s *kvgo.Store) error {
			return s.Delete([]byte(rest[0]))
		})
	case "scan":
		if len(rest) > 2 {
			return errUsage
		}
		var start, end []byte
		if len(rest) > 0 {
			start = []byte(rest[0])
		}
		if len(rest) > 1 {
			end = []byte(rest[1])
		}
		return c.withStore(func(s *kvgo.Store) error {
			for k, v := range s.Scan(start, end) {
				fmt.Fprintf(stdout, "%s\t%s\n", k, v)
			}
			return nil
		})
	case "verify":
		return c.verify()
	case "stats":
		return c.withStore(c.stats)
	case "checkpoint":
		return c.withStore(func(s *kvgo.Store) error {
			seq, err := s.Checkpoint()
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "checkpoint at seq %d\n", seq)
			return nil
		})
	case "rotate":
		return c.withStore(func(s *kvgo.Store) error { return s.Rotate() })
	case "archive":
		return c.archive(ctx)
	case "load":
		return c.load(ctx, rest)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (c *cli) withStore(fn func(s *kvgo.Store) error) error {
	s, err := kvgo.Open(c.cfg.DataDir,
		kvgo.WithConfig(c.cfg),
		kvgo.WithLogger(c.log.engine),
		kvgo.WithMetricsCollector(c.metrics),
	)
	if err != nil {
		return err
	}
	return errors.Join(fn(s), s.Close())
}

func (c *cli) walPath() string {
	return filepath.Join(c.cfg.DataDir, kvgo.WALFileName)
}

func (c *cli) logFiles() ([]string, error) {
	segs, err := wal.Segments(c.walPath())
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(segs)+1)
	for _, seg := range segs {
		files = append(files, seg.Path)
	}
	if _, err := os.Stat(c.walPath()); err == nil {
		files = append(files, c.walPath())
	}
	return files, nil
}

func (c *cli) verify() error {
	files, err := c.logFiles()
	if err != nil {
		return err
	}
	var errs []error
	for _, f := range files {
		rep, err := wal.Verify(f, c.cfg.WAL.RecoverOptions())
		status := "ok"
		if err != nil {
			status = err.Error()
			errs = append(errs, err)
		}
		fmt.Fprintf(c.stdout, "%s\trecords=%d puts=%d deletes=%d checkpoints=%d seq=[%d,%d] bytes=%s missing=%d\t%s\n",
			f, rep.Records, rep.Puts, rep.Deletes, rep.Checkpoints, rep.MinSeq, rep.MaxSeq,
			humanize.Bytes(uint64(rep.ValidBytes)), rep.MissingSeqs, status)
	}
	return errors.Join(errs...)
}

func (c *cli) stats(s *kvgo.Store) error {
	st := s.Stats()
	fmt.Fprintf(c.stdout, "entries\t%s\n", humanize.Comma(int64(st.Entries)))
	fmt.Fprintf(c.stdout, "memtable bytes\t%s\n", humanize.Bytes(uint64(st.Bytes)))
	fmt.Fprintf(c.stdout, "immutables\t%d\n", st.Immutables)
	fmt.Fprintf(c.stdout, "last seq\t%d\n", st.LastSeq)
	fmt.Fprintf(c.stdout, "wal size\t%s\n", humanize.Bytes(uint64(st.WAL.Size)))
	fmt.Fprintf(c.stdout, "skiplist height\t%d\n", st.MemTable.Index.Height)
	return nil
}

func (c *cli) archive(ctx context.Context) error {
	if !c.cfg.Archive.Enabled() {
		return fmt.Errorf("%w: no archive target configured", kvgo.ErrParam)
	}
	store, err := c.cfg.Archive.Open(ctx)
	if err != nil {
		return err
	}
	segs, err := wal.Segments(c.walPath())
	if err != nil {
		return err
	}
	for _, seg := range segs {
		name, err := wal.Archive(ctx, store, seg.Path)
		if err != nil {
			return err
		}
		c.log.zap.Info("segment archived", zap.String("segment", seg.Path), zap.String("name", name))
		fmt.Fprintf(c.stdout, "%s\t%s\n", seg.Path, name)
	}
	return nil
}

func (c *cli) load(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("load", flag.ContinueOnError)
	workers := fs.Int("workers", 4, "concurrent writers")
	keys := fs.Int("keys", 10_000, "keys written per worker")
	valueSize := fs.Int("value-size", 100, "value size in bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workers <= 0 || *keys <= 0 || *valueSize < 0 {
		return fmt.Errorf("%w: workers and keys must be positive", kvgo.ErrParam)
	}

	return c.withStore(func(s *kvgo.Store) error {
		value := make([]byte, *valueSize)
		start := time.Now()

		g, ctx := errgroup.WithContext(ctx)
		for w := 0; w < *workers; w++ {
			g.Go(func() error {
				for i := 0; i < *keys; i++ {
					if i%1024 == 0 && ctx.Err() != nil {
						return ctx.Err()
					}
					key := fmt.Appendf(nil, "load-%02d-%08d", w, i)
					if err := s.Put(key, value); err != nil {
						return err
					}
				}
				return nil
			})
		}
		err := g.Wait()

		elapsed := time.Since(start)
		total := *workers * *keys
		c.log.zap.Info("load finished",
			zap.Int("workers", *workers),
			zap.Int("writes", total),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		fmt.Fprintf(c.stdout, "%s writes in %s (%s/s)\n",
			humanize.Comma(int64(total)), elapsed.Round(time.Millisecond),
			humanize.Comma(int64(float64(total)/elapsed.Seconds())))
		return err
	})
}
