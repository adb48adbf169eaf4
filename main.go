//go:build unix

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"pythonspeed.dev/gofil/memtrack"
)

// Exit code 53 marks an out-of-memory abort, so wrapper scripts can
// tell "profiled program would have died" from profiler failures.
const oomExitCode = 53

var errOutOfMemory = errors.New("process would have run out of memory")

func main() {
	root := &ffcli.Command{
		ShortUsage: "gofil <subcommand>",
		Subcommands: []*ffcli.Command{
			replayCommand(),
			infoCommand(),
		},
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
	}
	err := root.ParseAndRun(context.Background(), os.Args[1:])
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	case errors.Is(err, errOutOfMemory):
		os.Exit(oomExitCode)
	default:
		log.WithError(err).Error("gofil failed")
		os.Exit(1)
	}
}

type replayOpts struct {
	trace      string
	outDir     string
	detectOOM  bool
	memLimit   uint64
	renderer   string
	ledgerSize int
	verbose    bool
}

// fileConfig mirrors the replay flags for the optional TOML config
// file. Flags and environment win over the file.
type fileConfig struct {
	Trace      string `toml:"trace"`
	OutDir     string `toml:"out_dir"`
	DetectOOM  bool   `toml:"detect_oom"`
	MemLimit   uint64 `toml:"mem_limit"`
	Renderer   string `toml:"renderer"`
	LedgerSize int    `toml:"ledger_size"`
	Verbose    bool   `toml:"verbose"`
}

func replayCommand() *ffcli.Command {
	fs := flag.NewFlagSet("gofil replay", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "TOML config file")
		trace      = fs.String("trace", "", "trace file to replay")
		outDir     = fs.String("o", "gofil-report", "report output directory")
		detectOOM  = fs.Bool("oom", false, "abort with an out-of-memory report when memory runs low")
		memLimit   = fs.Uint64("mem-limit", 0, "treat this many tracked bytes as the memory ceiling")
		renderer   = fs.String("renderer", "", "external folded-stack renderer used for SVGs")
		ledgerSize = fs.Int("ledger-size", 0, "live-allocation capacity of the ledger")
		verbose    = fs.Bool("v", false, "debug logging")
	)
	return &ffcli.Command{
		Name:       "replay",
		ShortUsage: "gofil replay -trace FILE [-o DIR]",
		ShortHelp:  "Replay a recorded allocation trace and write the memory report",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix("GOFIL")},
		Exec: func(ctx context.Context, args []string) error {
			set := map[string]bool{}
			fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
			if *configPath != "" {
				fc, err := loadFileConfig(*configPath)
				if err != nil {
					return err
				}
				if !set["trace"] && fc.Trace != "" {
					*trace = fc.Trace
				}
				if !set["o"] && fc.OutDir != "" {
					*outDir = fc.OutDir
				}
				if !set["oom"] && fc.DetectOOM {
					*detectOOM = true
				}
				if !set["mem-limit"] && fc.MemLimit != 0 {
					*memLimit = fc.MemLimit
				}
				if !set["renderer"] && fc.Renderer != "" {
					*renderer = fc.Renderer
				}
				if !set["ledger-size"] && fc.LedgerSize != 0 {
					*ledgerSize = fc.LedgerSize
				}
				if !set["v"] && fc.Verbose {
					*verbose = true
				}
			}
			return runReplay(ctx, replayOpts{
				trace:      *trace,
				outDir:     *outDir,
				detectOOM:  *detectOOM,
				memLimit:   *memLimit,
				renderer:   *renderer,
				ledgerSize: *ledgerSize,
				verbose:    *verbose,
			})
		},
	}
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("reading config file: %w", err)
	}
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parsing config file: %w", err)
	}
	return fc, nil
}

func runReplay(ctx context.Context, opts replayOpts) error {
	if opts.trace == "" {
		return errors.New("missing -trace")
	}
	if opts.verbose {
		log.SetLevel(log.DebugLevel)
	}
	reportDir := filepath.Join(opts.outDir, time.Now().Format("20060102-150405"))

	oomHit := false
	cfg := memtrack.Config{
		MaxTrackedAllocations: opts.ledgerSize,
		DetectOutOfMemory:     opts.detectOOM,
		MemLimit:              opts.memLimit,
		FlamegraphCommand:     opts.renderer,
		Verbose:               opts.verbose,
	}
	cfg.OnOutOfMemory = func(t *memtrack.Tracker) {
		oomHit = true
		if err := t.WriteOOMReport(reportDir); err != nil {
			log.WithError(err).Error("writing out-of-memory report")
		}
	}
	tracker, err := memtrack.New(cfg)
	if err != nil {
		return err
	}

	// SIGUSR2 writes an extra report mid-run without disturbing the
	// replay, the usual way to peek at a long job.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGUSR2)
	defer signal.Stop(sigCh)
	go func() {
		n := 0
		for range sigCh {
			n++
			dir := filepath.Join(opts.outDir, fmt.Sprintf("signal-%d", n))
			if err := tracker.WriteReport(dir); err != nil {
				log.WithError(err).Error("writing signal-requested report")
			}
		}
	}()

	f, err := os.Open(opts.trace)
	if err != nil {
		return fmt.Errorf("opening trace: %w", err)
	}
	defer f.Close()

	start := time.Now()
	if err := memtrack.Replay(ctx, f, tracker); err != nil {
		return fmt.Errorf("replaying %s: %w", opts.trace, err)
	}
	stats := tracker.Stats()
	log.WithFields(log.Fields{
		"allocations": stats.Allocations,
		"frees":       stats.Frees,
		"peak_bytes":  tracker.PeakBytes(),
		"elapsed":     time.Since(start),
	}).Info("replay finished")

	if oomHit {
		return errOutOfMemory
	}
	if err := tracker.WriteReport(reportDir); err != nil {
		return err
	}
	log.WithField("dir", reportDir).Info("memory report written")
	return nil
}

func infoCommand() *ffcli.Command {
	fs := flag.NewFlagSet("gofil info", flag.ExitOnError)
	trace := fs.String("trace", "", "trace file to inspect")
	return &ffcli.Command{
		Name:       "info",
		ShortUsage: "gofil info -trace FILE",
		ShortHelp:  "Print a summary of a recorded trace",
		FlagSet:    fs,
		Options:    []ff.Option{ff.WithEnvVarPrefix("GOFIL")},
		Exec: func(ctx context.Context, args []string) error {
			if *trace == "" {
				return errors.New("missing -trace")
			}
			f, err := os.Open(*trace)
			if err != nil {
				return fmt.Errorf("opening trace: %w", err)
			}
			defer f.Close()
			sum, err := memtrack.SummarizeTrace(f)
			if err != nil {
				return err
			}
			fmt.Printf("records:     %d\n", sum.Records)
			fmt.Printf("threads:     %d\n", sum.Threads)
			fmt.Printf("functions:   %d\n", sum.Functions)
			fmt.Printf("allocations: %d (%d bytes)\n", sum.AllocCount, sum.AllocBytes)
			fmt.Printf("frees:       %d\n", sum.FreeCount)
			fmt.Printf("mmaps:       %d (%d bytes)\n", sum.Mmaps, sum.MmapBytes)
			fmt.Printf("resets:      %d\n", sum.Resets)
			return nil
		},
	}
}
