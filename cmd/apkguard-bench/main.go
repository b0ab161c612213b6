package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/straja-ai/apkguard/internal/apk"
	"github.com/straja-ai/apkguard/internal/batch"
	"github.com/straja-ai/apkguard/internal/classifier"
	"github.com/straja-ai/apkguard/internal/config"
	"github.com/straja-ai/apkguard/internal/features"
)

func main() {
	cfgPath := flag.String("config", "apkguard.yaml", "path to config yaml")
	n := flag.Int("n", 50, "number of iterations")
	flag.Parse()

	if flag.NArg() == 0 {
		log.Fatalf("usage: apkguard-bench [-config path] [-n iterations] <apk>...")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	parser := apk.NewDexParser(cfg.Scan.MaxEntryBytes)
	var sets []features.FeatureSet
	extractStart := time.Now()
	for _, path := range flag.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			log.Fatalf("read %s: %v", path, err)
		}
		fs, err := features.ExtractBytes(parser, data)
		if err != nil {
			log.Fatalf("extract %s: %v", path, err)
		}
		sets = append(sets, fs)
	}
	extractDur := time.Since(extractStart)

	b, ok := batch.Assemble(sets)
	if !ok {
		log.Fatalf("no packages to benchmark")
	}

	rt, err := classifier.LoadONNX(classifier.ONNXConfig{
		ModelPath:         cfg.Model.Path,
		SharedLibraryPath: cfg.Model.SharedLibraryPath,
		SHA256:            cfg.Model.SHA256,
		IntraOpThreads:    cfg.Model.IntraOpThreads,
	})
	if err != nil {
		log.Fatalf("load model: %v", err)
	}
	defer rt.Close()
	clf := classifier.New(rt)

	// Warmup
	for i := 0; i < 3; i++ {
		if _, err := clf.Classify(b); err != nil {
			log.Fatalf("warmup classify failed: %v", err)
		}
	}

	if *n <= 0 {
		*n = 1
	}

	durations := make([]time.Duration, 0, *n)
	for i := 0; i < *n; i++ {
		start := time.Now()
		if _, err := clf.Classify(b); err != nil {
			log.Fatalf("classify failed: %v", err)
		}
		durations = append(durations, time.Since(start))
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}

	avg := float64(total.Microseconds()) / 1000.0 / float64(len(durations))
	p50 := float64(durations[len(durations)/2].Microseconds()) / 1000.0
	p95 := float64(durations[int(float64(len(durations))*0.95)].Microseconds()) / 1000.0

	fmt.Printf("bench: n=%d rows=%d opcode_width=%d span_width=%d extract_ms=%.2f avg_ms=%.2f p50_ms=%.2f p95_ms=%.2f model=%s\n",
		len(durations),
		b.Rows,
		b.OpcodeWidth,
		b.SpanWidth,
		float64(extractDur.Microseconds())/1000.0,
		avg,
		p50,
		p95,
		cfg.Model.Path,
	)
}
