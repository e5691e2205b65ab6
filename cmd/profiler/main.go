package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/felixge/fgprof"

	archive "github.com/meigma/imgfactory/core"
)

type config struct {
	mode        string
	entries     int
	entrySize   int
	variant     string
	archives    int
	concurrency int
	overlay     string
	pattern     string
	fgProfile   string
	duration    time.Duration
	iterations  int
	pprofAddr   string
	cpuProfile  string
	memProfile  string
	traceFile   string
	readRandom  bool
	tempDir     string
	keepTemp    bool
	randomSeed  int64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkBytes   []byte
	sinkEntries []archive.Entry
	sinkReport  archive.Report
)

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()
	if cfg.entries < 1 {
		log.Fatal("entries must be at least 1")
	}

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupTempDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	variant, err := archive.ParseVariant(cfg.variant)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}
	count := 1
	if cfg.mode == "batch" {
		count = max(cfg.archives, 1)
	}
	paths := make([]string, 0, count)
	for i := range count {
		path := filepath.Join(dir, fmt.Sprintf("archive%03d.img", i))
		names, err := makeArchive(path, variant, cfg)
		if err != nil {
			log.Fatal(err)
		}
		if i == 0 {
			log.Printf("generated %d archives of %d entries (%s)", count, len(names), variant)
		}
		paths = append(paths, path)
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, paths, dir)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

//nolint:gocognit,gocyclo,gocritic // complexity is inherent to multi-mode profiler dispatch; hugeParam acceptable for profiler
func runProfile(cfg config, paths []string, rootDir string) (profileStats, error) {
	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	switch cfg.mode {
	case "parse":
		for shouldContinue() {
			d, err := archive.Open(paths[0])
			if err != nil {
				return profileStats{}, err
			}
			sinkEntries = d.Entries()
			if err := d.Close(); err != nil {
				return profileStats{}, err
			}
			ops++
		}

	case "read":
		d, err := archive.Open(paths[0])
		if err != nil {
			return profileStats{}, err
		}
		defer d.Close()
		entries := d.Entries()
		rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			e := pickEntry(entries, ops, rng, cfg.readRandom)
			content, err := d.ReadEntry(e.Name)
			if err != nil {
				return profileStats{}, err
			}
			sinkBytes = content
			byteCount += int64(len(content))
			ops++
		}

	case "rebuild-fast", "rebuild-safe":
		mode := archive.ModeFast
		if cfg.mode == "rebuild-safe" {
			mode = archive.ModeSafe
		}
		opts, cleanup, err := documentOptions(cfg, rootDir)
		if err != nil {
			return profileStats{}, err
		}
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
		d, err := archive.Open(paths[0], opts...)
		if err != nil {
			return profileStats{}, err
		}
		defer d.Close()
		first := d.Entries()[0].Name
		payload := fill(max(cfg.entrySize, 1), 0, cfg.pattern, rand.New(rand.NewSource(cfg.randomSeed))) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			// Keep the document dirty so every rebuild writes.
			payload[0]++
			if err := d.Replace(first, payload); err != nil {
				return profileStats{}, err
			}
			res, err := d.Rebuild(context.Background(), mode)
			if err != nil {
				return profileStats{}, err
			}
			byteCount += res.BytesAfter
			ops++
		}

	case "batch":
		opts, cleanup, err := documentOptions(cfg, rootDir)
		if err != nil {
			return profileStats{}, err
		}
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
		docs := make([]*archive.Document, len(paths))
		targets := make([]archive.Rebuildable, len(paths))
		for i, p := range paths {
			d, err := archive.Open(p, opts...)
			if err != nil {
				return profileStats{}, err
			}
			defer d.Close()
			docs[i] = d
			targets[i] = d
		}
		for shouldContinue() {
			for _, d := range docs {
				if err := d.Rename(d.Entries()[0].Name, fmt.Sprintf("r%06d.dat", ops)); err != nil {
					return profileStats{}, err
				}
			}
			summary := archive.BatchRebuild(context.Background(), targets,
				archive.BatchWithMode(archive.ModeFast),
				archive.BatchWithConcurrency(cfg.concurrency))
			if !summary.OK() {
				return profileStats{}, fmt.Errorf("batch failed for %v", summary.Failed)
			}
			for _, r := range summary.Results {
				byteCount += r.Result.BytesAfter
			}
			ops++
		}

	case "analyze":
		d, err := archive.Open(paths[0])
		if err != nil {
			return profileStats{}, err
		}
		defer d.Close()
		for shouldContinue() {
			report, err := d.Analyze(archive.AnalyzeWithDuplicates(true))
			if err != nil {
				return profileStats{}, err
			}
			sinkReport = report
			byteCount += report.DataBytes
			ops++
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.mode, "mode", "read", "mode: parse, read, rebuild-fast, rebuild-safe, batch, analyze")
	flag.IntVar(&cfg.entries, "entries", 2048, "number of entries per archive")
	flag.IntVar(&cfg.entrySize, "entry-size", 16<<10, "entry size in bytes")
	flag.StringVar(&cfg.variant, "variant", "ver2", "archive layout: dir or ver2")
	flag.IntVar(&cfg.archives, "archives", 8, "number of archives (batch mode only)")
	flag.IntVar(&cfg.concurrency, "concurrency", 0, "batch concurrency (0 uses GOMAXPROCS)")
	flag.StringVar(&cfg.overlay, "overlay", "memory", "pending payload store: memory or disk")
	flag.StringVar(&cfg.pattern, "pattern", "compressible", "pattern: compressible or random")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.BoolVar(&cfg.readRandom, "read-random", true, "randomize read entry selection")
	flag.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for dataset")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.Parse()
	return cfg
}

func pickEntry(entries []archive.Entry, idx int, rng *rand.Rand, random bool) archive.Entry {
	if random {
		return entries[rng.Intn(len(entries))]
	}
	return entries[idx%len(entries)]
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupTempDir(cfg config) (string, func() error, error) {
	if cfg.tempDir != "" {
		return cfg.tempDir, nil, os.MkdirAll(cfg.tempDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "imgfactory-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

// makeArchive writes a synthetic archive at path through the library's own
// create and rebuild path.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func makeArchive(path string, v archive.Variant, cfg config) ([]string, error) {
	d, err := archive.Create(path, v)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional use for reproducible benchmarks
	names := make([]string, 0, cfg.entries)
	for i := range cfg.entries {
		name := fmt.Sprintf("file%05d.dat", i)
		if err := d.Add(name, fill(cfg.entrySize, i, cfg.pattern, rng)); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if _, err := d.Rebuild(context.Background(), archive.ModeFast); err != nil {
		return nil, err
	}
	return names, nil
}

func fill(size, i int, pattern string, rng *rand.Rand) []byte {
	content := make([]byte, size)
	switch pattern {
	case "random":
		_, _ = rng.Read(content) //nolint:errcheck // math/rand Read never fails
	default:
		fillByte := byte('a' + (i % 26))
		for j := range content {
			content[j] = fillByte
		}
		if len(content) > 0 {
			content[0] = byte(i)
		}
	}
	return content
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func documentOptions(cfg config, rootDir string) ([]archive.Option, func() error, error) {
	switch cfg.overlay {
	case "memory":
		return nil, func() error { return nil }, nil
	case "disk":
		dir := filepath.Join(rootDir, "overlay")
		opts := []archive.Option{archive.WithOverlayDir(dir)}
		return opts, func() error { return os.RemoveAll(dir) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown overlay: %s", cfg.overlay)
	}
}
