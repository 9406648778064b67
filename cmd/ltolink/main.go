package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/lto/internal/backend"
	_ "github.com/tinyrange/lto/internal/backend/llc"
	_ "github.com/tinyrange/lto/internal/backend/native"
	"github.com/tinyrange/lto/internal/config"
	"github.com/tinyrange/lto/internal/diag"
	"github.com/tinyrange/lto/internal/linker"
	"github.com/tinyrange/lto/internal/lto"
	"github.com/tinyrange/lto/internal/symtab"
	"github.com/tinyrange/lto/internal/timeslice"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ltolink: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	configPath := flag.String("config", "", "Link configuration file (.yaml or .toml)")
	output := flag.String("o", config.DefaultOutput, "Output file name")
	machine := flag.String("machine", string(config.DefaultMachine), "Target machine (x86_64, i386, aarch64, riscv64)")
	triple := flag.String("triple", "", "Target triple (default: derived from machine)")
	cpu := flag.String("mcpu", "", "Target CPU")
	attrs := flag.String("mattr", "", "Comma separated target attributes")
	optLevel := flag.Int("O", config.DefaultOptLevel, "LTO optimization level (0-3)")
	jobs := flag.Int("jobs", 0, "Parallel code generation units (0: single unit)")
	backendName := flag.String("backend", config.DefaultBackend, "Code generation backend ("+strings.Join(backend.Names(), ", ")+")")
	toolDir := flag.String("tool-dir", "", "Directory searched for LLVM tools before PATH")
	cacheDir := flag.String("cache-dir", "", "LTO cache directory (default: no cache)")
	cachePolicy := flag.String("cache-policy", "", "Cache pruning policy, e.g. prune_after=168h:cache_size_files=1000")
	saveTemps := flag.Bool("save-temps", false, "Keep per-unit objects and the resolution table")
	allowUndefined := flag.Bool("allow-undefined", false, "Do not fail on undefined symbols")
	timings := flag.Bool("timings", false, "Print time spent per link phase")
	tracePath := flag.String("trace", "", "Write a binary phase trace to this file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <input>...\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Link ELF objects and LLVM IR with link-time optimization.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -o prog main.o lib.ll\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -jobs 4 -cache-dir ~/.cache/lto -O3 a.bc b.bc\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	inputs := flag.Args()
	if len(inputs) == 0 {
		flag.Usage()
		return fmt.Errorf("no input files")
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	// Flags given on the command line override the configuration file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "o":
			cfg.Output = *output
		case "machine":
			cfg.Machine = *machine
		case "triple":
			cfg.Triple = *triple
		case "mcpu":
			cfg.CPU = *cpu
		case "mattr":
			cfg.Attrs = splitList(*attrs)
		case "O":
			cfg.OptLevel = optLevel
		case "jobs":
			cfg.Jobs = *jobs
		case "backend":
			cfg.Backend = *backendName
		case "tool-dir":
			cfg.ToolDir = *toolDir
		case "cache-dir":
			cfg.Cache.Dir = *cacheDir
		case "cache-policy":
			cfg.Cache.Policy = *cachePolicy
		case "save-temps":
			cfg.SaveTemps = *saveTemps
		}
	})

	ltoCfg, err := cfg.LTO()
	if err != nil {
		return fmt.Errorf("configure LTO: %w", err)
	}
	beOpts, err := cfg.BackendOptions()
	if err != nil {
		return fmt.Errorf("configure backend: %w", err)
	}
	beOpts.Logger = logger
	be, err := backend.Open(cfg.Backend, beOpts)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}

	var diags diag.Collector
	ltoCfg.Diagnostics = diag.Tee(diag.NewConsole(os.Stderr, "ltolink"), &diags)

	opts := []lto.Option{lto.WithLogger(logger)}

	var recorder *timeslice.Recorder
	if *timings || *tracePath != "" {
		recorder = timeslice.NewRecorder()
		opts = append(opts, lto.WithTimings(recorder))
	}
	closeTrace, err := streamTrace(recorder, *tracePath)
	if err != nil {
		return err
	}
	// Flush the trace even when the link fails.
	defer func() {
		if cerr := closeTrace(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) && !*debug {
		opts = append(opts, lto.WithProgress(func(done, total int) {
			if bar == nil {
				return
			}
			bar.ChangeMax(total)
			_ = bar.Set(done)
		}))
		bar = progressbar.Default(-1, "compiling LTO units")
	}

	table := symtab.New()
	compiler, err := lto.New(ltoCfg, be, table, opts...)
	if err != nil {
		return err
	}
	l := linker.New(table, compiler, logger)

	for _, path := range inputs {
		if err := l.AddFile(path); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := l.Link(ctx)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return err
	}

	written := 0
	for _, obj := range res.Objects {
		if !obj.FromLTO {
			continue
		}
		path := cfg.Output + ".lto." + strconv.Itoa(written) + ".o"
		if err := os.WriteFile(path, obj.Data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		logger.Debug("wrote LTO object", slog.String("path", path), slog.Int("bytes", len(obj.Data)))
		written++
	}

	label := cfg.Backend
	if v, ok := be.(interface{ Version() string }); ok {
		label += " (LLVM " + v.Version() + ")"
	}
	printSummary(label, res, diags.Count(diag.Warning))
	if *timings {
		printTimings(recorder.Totals())
	}
	if len(res.Undefined) > 0 && !*allowUndefined {
		return fmt.Errorf("undefined symbols: %s", strings.Join(res.Undefined, ", "))
	}
	return nil
}

// streamTrace sends r's records to a trace file at path. The returned
// function flushes the records and closes the file; it is safe to call when
// path is empty.
func streamTrace(r *timeslice.Recorder, path string) (func() error, error) {
	if path == "" {
		return r.Close, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace: %w", err)
	}
	if err := r.Stream(f); err != nil {
		f.Close()
		return nil, err
	}
	return func() error {
		if err := r.Close(); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func printSummary(backendName string, res linker.Result, warnings int) {
	regular := 0
	for _, obj := range res.Objects {
		if !obj.FromLTO {
			regular++
		}
	}
	data := pterm.TableData{
		{"Backend", "Units", "Cache hits", "Cache misses", "LTO objects", "Regular objects", "Undefined", "Warnings"},
		{
			backendName,
			strconv.Itoa(res.Stats.Units),
			strconv.Itoa(res.Stats.CacheHits),
			strconv.Itoa(res.Stats.CacheMisses),
			strconv.Itoa(res.Stats.Objects),
			strconv.Itoa(regular),
			strconv.Itoa(len(res.Undefined)),
			strconv.Itoa(warnings),
		},
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		slog.Warn("render summary", "err", err)
	}
}

func printTimings(totals []timeslice.Total) {
	data := pterm.TableData{{"Phase", "Count", "Time"}}
	for _, t := range totals {
		data = append(data, []string{t.Kind.String(), strconv.Itoa(t.Count), t.Duration.Round(time.Microsecond).String()})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		slog.Warn("render timings", "err", err)
	}
}
