package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meigma/imgfactory/core/testutil"
)

// Set IMGFACTORY_BENCH_JSON to emit one JSON line per benchmark.
const benchJSONEnv = "IMGFACTORY_BENCH_JSON"

var benchJSONMu sync.Mutex

type benchRecord struct {
	Name       string             `json:"name"`
	N          int                `json:"n"`
	NsPerOp    float64            `json:"ns_per_op"`
	Parameters map[string]any     `json:"parameters,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

type benchMetric struct {
	unit  string
	value float64
}

func reportMetrics(b *testing.B, elapsed time.Duration, params map[string]any, metrics ...benchMetric) {
	b.Helper()
	values := make(map[string]float64, len(metrics))
	for _, m := range metrics {
		b.ReportMetric(m.value, m.unit)
		values[m.unit] = m.value
	}
	if os.Getenv(benchJSONEnv) == "" || b.N == 0 {
		return
	}
	data, err := json.Marshal(benchRecord{
		Name:       b.Name(),
		N:          b.N,
		NsPerOp:    float64(elapsed.Nanoseconds()) / float64(b.N),
		Parameters: params,
		Metrics:    values,
	})
	if err != nil {
		b.Logf("failed to marshal benchmark json: %v", err)
		return
	}
	benchJSONMu.Lock()
	defer benchJSONMu.Unlock()
	fmt.Fprintln(os.Stdout, string(data))
}

func throughputMBs(totalBytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return (float64(totalBytes) / (1024 * 1024)) / elapsed.Seconds()
}

func benchFiles(count, size int) []testutil.File {
	names := make([]string, count)
	for i := range names {
		names[i] = fmt.Sprintf("e%05d.dff", i)
	}
	return testutil.Files(size, names...)
}

func benchArchive(b *testing.B, dir string, v Variant, files []testutil.File) string {
	b.Helper()
	if v == VariantDir {
		return testutil.WriteDirArchive(b, dir, "bench", files)
	}
	return testutil.WriteVER2Archive(b, dir, "bench", files)
}

func BenchmarkOpen(b *testing.B) {
	for _, v := range []Variant{VariantDir, VariantVER2} {
		for _, count := range []int{64, 1024} {
			b.Run(fmt.Sprintf("%s/entries=%d", v, count), func(b *testing.B) {
				path := benchArchive(b, b.TempDir(), v, benchFiles(count, 16))
				b.ReportAllocs()
				b.ResetTimer()
				start := time.Now()
				for b.Loop() {
					doc, err := Open(path)
					if err != nil {
						b.Fatal(err)
					}
					_ = doc.Close()
				}
				elapsed := time.Since(start)
				reportMetrics(b, elapsed, map[string]any{"variant": v.String(), "entries": count},
					benchMetric{unit: "entries/op", value: float64(count)})
			})
		}
	}
}

func BenchmarkReadEntry(b *testing.B) {
	for _, size := range []int{2 << 10, 256 << 10} {
		b.Run(fmt.Sprintf("size=%d", size), func(b *testing.B) {
			files := benchFiles(32, size)
			doc, err := Open(benchArchive(b, b.TempDir(), VariantVER2, files))
			require.NoError(b, err)
			b.Cleanup(func() { _ = doc.Close() })

			b.SetBytes(int64(size))
			b.ReportAllocs()
			b.ResetTimer()
			start := time.Now()
			i := 0
			for b.Loop() {
				if _, err := doc.ReadEntry(files[i%len(files)].Name); err != nil {
					b.Fatal(err)
				}
				i++
			}
			elapsed := time.Since(start)
			reportMetrics(b, elapsed, map[string]any{"size": size},
				benchMetric{unit: "MB/s_read", value: throughputMBs(int64(size)*int64(b.N), elapsed)})
		})
	}
}

func BenchmarkRebuild(b *testing.B) {
	const count, size = 256, 8 << 10
	for _, mode := range []Mode{ModeFast, ModeSafe} {
		b.Run(mode.String(), func(b *testing.B) {
			dir := b.TempDir()
			files := benchFiles(count, size)
			b.ReportAllocs()
			var total int64
			var elapsed time.Duration
			for b.Loop() {
				b.StopTimer()
				doc, err := Open(benchArchive(b, dir, VariantVER2, files))
				require.NoError(b, err)
				require.NoError(b, doc.Remove(files[0].Name))
				b.StartTimer()

				start := time.Now()
				res, err := doc.Rebuild(context.Background(), mode)
				elapsed += time.Since(start)
				if err != nil {
					b.Fatal(err)
				}
				total += res.BytesAfter

				b.StopTimer()
				_ = doc.Close()
				b.StartTimer()
			}
			reportMetrics(b, elapsed, map[string]any{"mode": mode.String(), "entries": count, "size": size},
				benchMetric{unit: "MB/s_written", value: throughputMBs(total, elapsed)})
		})
	}
}

func BenchmarkBatchRebuild(b *testing.B) {
	const archives, count, size = 8, 64, 4 << 10
	for _, concurrency := range []int{1, 4} {
		b.Run(fmt.Sprintf("concurrency=%d", concurrency), func(b *testing.B) {
			files := benchFiles(count, size)
			dirs := make([]string, archives)
			for i := range dirs {
				dirs[i] = filepath.Join(b.TempDir(), fmt.Sprintf("a%d", i))
				require.NoError(b, os.MkdirAll(dirs[i], 0o750))
			}
			var elapsed time.Duration
			for b.Loop() {
				b.StopTimer()
				targets := make([]Rebuildable, archives)
				docs := make([]*Document, archives)
				for i, dir := range dirs {
					doc, err := Open(benchArchive(b, dir, VariantVER2, files))
					require.NoError(b, err)
					require.NoError(b, doc.Remove(files[0].Name))
					docs[i], targets[i] = doc, doc
				}
				b.StartTimer()

				start := time.Now()
				summary := BatchRebuild(context.Background(), targets, BatchWithConcurrency(concurrency))
				elapsed += time.Since(start)
				if !summary.OK() {
					b.Fatalf("batch failed: %v", summary.Failed)
				}

				b.StopTimer()
				for _, doc := range docs {
					_ = doc.Close()
				}
				b.StartTimer()
			}
			reportMetrics(b, elapsed, map[string]any{"archives": archives, "concurrency": concurrency},
				benchMetric{unit: "archives/s", value: float64(archives*b.N) / elapsed.Seconds()})
		})
	}
}
