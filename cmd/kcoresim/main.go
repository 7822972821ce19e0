// kcoresim is the one outer surface this repository adds on top of the
// page allocator and buffer cache: a CLI and REPL for exercising both
// manually or under concurrent simulated load. It implements no
// filesystem semantics of its own — it only calls the public PA/BC
// APIs, the same role the teacher's own user/pingpong.c and
// user/primes.c play for the kernel they drive.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/oichkatzele/kcore/bufcache"
	"github.com/oichkatzele/kcore/bufcache/filedisk"
	"github.com/oichkatzele/kcore/bufcache/memdisk"
	"github.com/oichkatzele/kcore/internal/config"
	"github.com/oichkatzele/kcore/internal/diag"
	"github.com/oichkatzele/kcore/internal/syncd"
	"github.com/oichkatzele/kcore/mem"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kcoresim:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = pflag.StringP("config", "c", "", "path to a JWCC config file")
		nbuf        = pflag.Int("nbuf", 0, "override buffer cache pool size")
		nbucket     = pflag.Int("nbucket", 0, "override buffer cache bucket count")
		heapFrames  = pflag.Int("heap-frames", 0, "override page allocator frame count")
		diskPath    = pflag.String("disk", "", "backing file for the simulated disk (':memory:': in-memory; empty: the config's disk_path)")
		harts       = pflag.IntP("harts", "j", 4, "number of concurrent simulated harts in automatic mode")
		ops         = pflag.Int("ops", 2000, "operations per hart in automatic mode")
		interactive = pflag.BoolP("interactive", "i", false, "drop into an interactive REPL instead of running automatically")
		cpuProfile  = pflag.String("cpuprofile", "", "write a CPU profile to this path")
		reportPath  = pflag.String("report", "", "write a JSON run report to this path")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *nbuf > 0 {
		cfg.NBUF = *nbuf
	}
	if *nbucket > 0 {
		cfg.NBUCKET = *nbucket
	}
	if *heapFrames > 0 {
		cfg.HeapFrames = *heapFrames
	}
	if *diskPath != "" {
		cfg.DiskPath = *diskPath
	}

	lg := log.New(os.Stderr, "kcoresim: ", log.LstdFlags)
	mem.SetLogger(log.New(os.Stderr, "kcoresim: mem: ", log.LstdFlags))
	bufcache.SetLogger(log.New(os.Stderr, "kcoresim: bufcache: ", log.LstdFlags))

	pa, err := mem.Init(cfg.HeapFrames * int(mem.PAGE_SIZE))
	if err != nil {
		return fmt.Errorf("init page allocator: %w", err)
	}
	defer pa.Close()

	disk, closeDisk, err := openDisk(cfg)
	if err != nil {
		return err
	}
	if closeDisk != nil {
		defer closeDisk()
	}

	cache := bufcache.New(cfg.NBUF, cfg.NBUCKET, cfg.BlockSize, disk)
	events := diag.NewEventRing(1024)

	daemon := syncd.New(cache, nil, lg)
	if err := daemon.Start(fmt.Sprintf("@every %s", cfg.SyncInterval)); err != nil {
		return fmt.Errorf("start sync daemon: %w", err)
	}
	defer daemon.Stop()

	var profileFile *os.File
	if *cpuProfile != "" {
		profileFile, err = os.Create(*cpuProfile)
		if err != nil {
			return fmt.Errorf("create cpu profile: %w", err)
		}
		defer profileFile.Close()
		if err := pprof.StartCPUProfile(profileFile); err != nil {
			return fmt.Errorf("start cpu profile: %w", err)
		}
	}

	start := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *interactive {
		repl := NewREPL(pa, cache, events, daemon)
		if err := repl.Run(); err != nil {
			return err
		}
	} else if err := runAutomatic(ctx, pa, cache, events, *harts, *ops, lg); err != nil {
		return err
	}

	if *cpuProfile != "" {
		pprof.StopCPUProfile()
	}

	if *reportPath != "" {
		if err := writeReport(*reportPath, *cpuProfile, start, pa, cache, events); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
	}

	return nil
}

// openDisk builds the Disk collaborator the cache reads and writes
// through: a plain file when cfg names one, otherwise an in-memory
// stand-in. The returned closer is nil for the in-memory case.
func openDisk(cfg config.Config) (bufcache.Disk, func(), error) {
	if cfg.DiskPath == "" || cfg.DiskPath == ":memory:" {
		return memdisk.New(), nil, nil
	}
	fd, err := filedisk.Open(cfg.DiskPath, cfg.BlockSize)
	if err != nil {
		return nil, nil, fmt.Errorf("open disk %s: %w", cfg.DiskPath, err)
	}
	return fd, func() { fd.Close() }, nil
}

// runAutomatic fans n simulated harts out across the shared allocator
// and cache via an errgroup, returning once every hart finishes its op
// budget or ctx is canceled.
func runAutomatic(ctx context.Context, pa *mem.PageAllocator, cache *bufcache.Cache, events *diag.EventRing, harts, ops int, lg *log.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < harts; i++ {
		h := NewHart(i, pa, cache, events, i%4)
		g.Go(func() error {
			return h.Run(gctx, ops)
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		lg.Printf("simulation ended early: %v", err)
	}
	return nil
}

func writeReport(path, cpuProfilePath string, start time.Time, pa *mem.PageAllocator, cache *bufcache.Cache, events *diag.EventRing) error {
	report := diag.NewReport(start, pa.Metrics(), cache.Metrics(), events.Snapshot())
	if cpuProfilePath != "" {
		data, err := os.ReadFile(cpuProfilePath)
		if err == nil {
			if err := report.AddProfile(data); err != nil {
				log.Printf("kcoresim: parse cpu profile: %v", err)
			}
		}
	}
	return report.WriteJSON(path)
}
