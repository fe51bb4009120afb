package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felixge/fgprof"

	"github.com/meigma/sketch"
	"github.com/meigma/sketch/cache/disk"
	"github.com/meigma/sketch/internal/testutil"
)

const syntheticScheme = "synthetic"

type config struct {
	mode            string
	images          int
	imageWidth      int
	imageHeight     int
	fileSize        int
	targetSize      int
	workers         int
	transform       bool
	dataURL         string
	dataHTTPLatency time.Duration
	dataHTTPBPS     int64
	fgProfile       string
	duration        time.Duration
	iterations      int
	pprofAddr       string
	cpuProfile      string
	memProfile      string
	traceFile       string
	cache           string
	cacheDir        string
	compress        bool
	memoryBytes     int64
	readRandom      bool
	verbose         bool
	randomSeed      int64
}

//nolint:unused // sink variable prevents compiler optimizations in profiling
var sinkImage sketch.Image

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	images := makeImages(cfg.images, cfg.imageWidth, cfg.imageHeight, cfg.fileSize)
	s, uris, cleanup, err := newSketch(cfg, images)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup()

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
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

	stats, err := runProfile(cfg, s, uris)
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

	fmt.Printf("mode=%s ops=%d decoded=%d elapsed=%s rate=%.0f ops/s memory=%d/%d\n",
		cfg.mode,
		stats.ops,
		stats.decoded,
		stats.elapsed,
		float64(stats.ops)/stats.elapsed.Seconds(),
		s.MemoryCache().Size(),
		s.MemoryCache().MaxSize(),
	)
	if dc := s.DiskCache(); dc != nil {
		fmt.Printf("disk=%d/%d entries=%d\n", dc.Size(), dc.MaxSize(), dc.Len())
	}
}

type profileStats struct {
	ops     int64
	decoded int64
	elapsed time.Duration
}

// countingDecoder counts decodes so the profiler can report cache efficiency.
type countingDecoder struct {
	syntheticDecoder
	n atomic.Int64
}

func (d *countingDecoder) Decode(ctx context.Context, req *sketch.DecodeRequest) (*sketch.DecodeResult, error) {
	d.n.Add(1)
	return d.syntheticDecoder.Decode(ctx, req)
}

var decoder = &countingDecoder{}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func newSketch(cfg config, images [][]byte) (*sketch.Sketch, []string, func(), error) {
	logLevel := slog.LevelWarn
	if cfg.verbose {
		logLevel = sketch.LevelVerbose
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	opts := []sketch.Option{
		sketch.WithLogger(logger),
		sketch.WithDecoder(decoder),
		sketch.WithMemoryCacheSize(cfg.memoryBytes),
		sketch.WithResultCodec(&testutil.Codec{}),
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	if cfg.cache == "disk" {
		dir := cfg.cacheDir
		if dir == "" {
			tmp, err := os.MkdirTemp("", "sketch-profiler-*")
			if err != nil {
				return nil, nil, nil, err
			}
			dir = filepath.Join(tmp, "cache")
			cleanups = append(cleanups, func() { _ = os.RemoveAll(tmp) })
		}
		opts = append(opts, sketch.WithCacheDir(dir, disk.WithCompression(cfg.compress)))
	}

	uris := make([]string, len(images))
	if cfg.dataURL == "" {
		opts = append(opts, sketch.WithFetcher(syntheticScheme, sketch.FetcherFunc(
			func(_ context.Context, req *sketch.FetchRequest) (*sketch.FetchResult, error) {
				var idx int
				if _, err := fmt.Sscanf(req.URI, syntheticScheme+"://img/%d", &idx); err != nil || idx >= len(images) {
					return nil, fmt.Errorf("%w: %s", sketch.ErrNotFound, req.URI)
				}
				return &sketch.FetchResult{
					Source:   sketch.BytesSource(images[idx]),
					MimeType: imageMimeType,
					DataFrom: sketch.DataFromNetwork,
				}, nil
			})))
		for i := range uris {
			uris[i] = fmt.Sprintf("%s://img/%d", syntheticScheme, i)
		}
	} else {
		f, base, stop, err := newHTTPFetcher(cfg, images)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		if stop != nil {
			cleanups = append(cleanups, stop)
		}
		opts = append(opts, sketch.WithFetcher("http", f), sketch.WithFetcher("https", f))
		for i := range uris {
			uris[i] = fmt.Sprintf("%s/img/%d.img", base, i)
		}
	}

	s, err := sketch.New(opts...)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	cleanups = append(cleanups, func() { _ = s.Close() })
	return s, uris, cleanup, nil
}

//nolint:gocognit,gocritic // complexity is inherent to multi-mode profiler dispatch; hugeParam acceptable for profiler
func runProfile(cfg config, s *sketch.Sketch, uris []string) (profileStats, error) {
	ctx := context.Background()
	base := sketch.Options{SizeResolver: sketch.FixedSize(cfg.targetSize, cfg.targetSize)}
	if cfg.transform {
		base.Transformations = []sketch.Transformation{grayscale{}}
	}

	switch cfg.mode {
	case "cold":
		base.MemoryCachePolicy = sketch.Ptr(sketch.Disabled)
		base.ResultCachePolicy = sketch.Ptr(sketch.Disabled)
		base.DownloadCachePolicy = sketch.Ptr(sketch.Disabled)
	case "memory-hit":
		if err := warm(ctx, s, uris, base); err != nil {
			return profileStats{}, err
		}
	case "disk-hit":
		if s.DiskCache() == nil {
			return profileStats{}, errors.New("disk-hit requires -cache=disk")
		}
		if err := warm(ctx, s, uris, base); err != nil {
			return profileStats{}, err
		}
		base.MemoryCachePolicy = sketch.Ptr(sketch.Disabled)
	case "mixed":
	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	var (
		ops   atomic.Int64
		start = time.Now()
		wg    sync.WaitGroup
		errMu sync.Mutex
		first error
	)
	decodedBefore := decoder.n.Load()
	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops.Add(1) <= int64(cfg.iterations)
		}
		if time.Since(start) >= cfg.duration {
			return false
		}
		ops.Add(1)
		return true
	}

	for w := range cfg.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(cfg.randomSeed + int64(w))) //nolint:gosec // intentional for reproducible benchmarks
			for i := 0; shouldContinue(); i++ {
				uri := pickURI(uris, i*cfg.workers+w, rng, cfg.readRandom)
				req, err := sketch.NewRequest(uri, base)
				if err == nil {
					var res *sketch.Result
					if res, err = s.Execute(ctx, req); err == nil {
						sinkImage = res.Image
						res.Release()
						continue
					}
				}
				errMu.Lock()
				if first == nil {
					first = err
				}
				errMu.Unlock()
				return
			}
		}()
	}
	wg.Wait()
	if first != nil {
		return profileStats{}, first
	}

	done := ops.Load()
	if cfg.iterations > 0 && done > int64(cfg.iterations) {
		done = int64(cfg.iterations)
	}
	return profileStats{
		ops:     done,
		decoded: decoder.n.Load() - decodedBefore,
		elapsed: time.Since(start),
	}, nil
}

func warm(ctx context.Context, s *sketch.Sketch, uris []string, base sketch.Options) error {
	reqs := make([]*sketch.Request, 0, len(uris))
	for _, uri := range uris {
		req, err := sketch.NewRequest(uri, base)
		if err != nil {
			return err
		}
		reqs = append(reqs, req)
	}
	return s.Prefetch(ctx, reqs...)
}

func pickURI(uris []string, idx int, rng *rand.Rand, random bool) string {
	if random {
		return uris[rng.Intn(len(uris))]
	}
	return uris[idx%len(uris)]
}

func parseFlags() config {
	var cfg config
	var dataHTTPBPS string
	flag.StringVar(&cfg.mode, "mode", "mixed", "mode: cold, memory-hit, disk-hit, mixed")
	flag.IntVar(&cfg.images, "images", 256, "number of distinct images")
	flag.IntVar(&cfg.imageWidth, "image-width", 1600, "source image width")
	flag.IntVar(&cfg.imageHeight, "image-height", 1200, "source image height")
	flag.IntVar(&cfg.fileSize, "file-size", 64<<10, "encoded image size in bytes")
	flag.IntVar(&cfg.targetSize, "target-size", 200, "requested width and height")
	flag.IntVar(&cfg.workers, "workers", runtime.GOMAXPROCS(0), "concurrent requesters")
	flag.BoolVar(&cfg.transform, "transform", false, "apply a transformation cached in the result cache")
	flag.StringVar(&cfg.dataURL, "data-url", "", "HTTP base URL serving /img/N.img (use \"local\" to serve generated data)")
	flag.DurationVar(&cfg.dataHTTPLatency, "data-http-latency", 0, "per-request latency for HTTP data source")
	flag.StringVar(&dataHTTPBPS, "data-http-bps", "", "bytes/sec throttle for HTTP data source (e.g. 10MBps)")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of requests to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.StringVar(&cfg.cache, "cache", "memory", "cache: memory or disk")
	flag.StringVar(&cfg.cacheDir, "cache-dir", "", "disk cache directory (temporary if empty)")
	flag.BoolVar(&cfg.compress, "compress", true, "zstd-compress disk cache entries")
	flag.Int64Var(&cfg.memoryBytes, "memory-bytes", 0, "memory cache budget (0 uses the default)")
	flag.BoolVar(&cfg.readRandom, "read-random", true, "randomize image selection")
	flag.BoolVar(&cfg.verbose, "verbose", false, "log every pipeline step")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.Parse()
	if dataHTTPBPS != "" {
		bps, err := parseBytesPerSecond(dataHTTPBPS)
		if err != nil {
			log.Fatalf("data-http-bps: %v", err)
		}
		cfg.dataHTTPBPS = bps
	}
	if cfg.workers <= 0 {
		cfg.workers = 1
	}
	return cfg
}
