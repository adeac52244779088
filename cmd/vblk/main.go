package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vblk/internal/config"
	"github.com/tinyrange/vblk/internal/devices/virtio"
	"github.com/tinyrange/vblk/internal/diskimage"
	"github.com/tinyrange/vblk/internal/guest"
	"github.com/tinyrange/vblk/internal/hv/riscv/rv64"
	"github.com/tinyrange/vblk/internal/stats"
)

var version = "v0.1.0-dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vblk: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	writeConfig := flag.String("write-config", "", "Write the effective config to this path and exit")
	image := flag.String("image", "", "Raw disk image (overrides disk.image)")
	create := flag.Int64("create", 0, "Create a zero-filled image of this many bytes if it does not exist")
	memory := flag.Uint64("memory", 0, "Guest memory in MB (overrides machine.memoryMB)")
	readOnly := flag.Bool("read-only", false, "Refuse writes to the image")
	persist := flag.Bool("persist", false, "Write the disk back to the image on exit")
	headSlot := flag.String("head-slot", "", "Available ring slot the device reads heads from: avail-idx or consumed (overrides virtio.headSlot)")
	statsListen := flag.String("stats-listen", "", "Serve Prometheus metrics on this address")
	serve := flag.Bool("serve", false, "Keep serving metrics after the workload until interrupted")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print the version and exit")

	var wl workload
	flag.BoolVar(&wl.verify, "verify", false, "Read every sector through the device and compare with the image")
	flag.Int64Var(&wl.dump, "dump", -1, "Hex dump this sector as read through the device")
	flag.Var(&wl.fill, "fill", "Fill SECTOR with BYTE through the device (SECTOR=BYTE, repeatable)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Attach a raw disk image to a legacy virtio-mmio block device and drive it\n")
		fmt.Fprintf(os.Stderr, "from a guest driver on an emulated RISC-V physical address map.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -image disk.img -verify\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -image disk.img -fill 3=0xaa -persist\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config vblk.yaml -stats-listen 127.0.0.1:9100 -serve\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *image != "" {
		cfg.Disk.Image = *image
	}
	if *memory != 0 {
		cfg.Machine.MemoryMB = *memory
	}
	if *readOnly {
		cfg.Disk.ReadOnly = true
	}
	if *persist {
		cfg.Disk.Persist = true
	}
	if *headSlot != "" {
		cfg.Virtio.HeadSlot = *headSlot
	}
	if *statsListen != "" {
		cfg.Stats.Listen = *statsListen
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if *writeConfig != "" {
		if err := config.Write(*writeConfig, cfg); err != nil {
			return err
		}
		slog.Info("Wrote config", "path", *writeConfig)
		return nil
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if cfg.Disk.Image == "" {
		flag.Usage()
		return errors.New("disk image required")
	}
	if cfg.Disk.ReadOnly && len(wl.fill) > 0 {
		return errors.New("-fill on a read-only disk")
	}

	if *create > 0 {
		if _, err := os.Stat(cfg.Disk.Image); errors.Is(err, os.ErrNotExist) {
			if err := diskimage.Create(cfg.Disk.Image, *create); err != nil {
				return err
			}
			log.Info("Created image", "path", cfg.Disk.Image, "bytes", *create)
		}
	}

	lock, err := diskimage.AcquireLock(cfg.Disk.Image)
	if err != nil {
		return err
	}
	defer lock.Release()

	data, err := diskimage.Load(cfg.Disk.Image, diskimage.ProgressAuto)
	if err != nil {
		return err
	}
	if len(data)%virtio.SectorSize != 0 {
		log.Warn("Image size is not a whole number of sectors; the tail is unreachable",
			"bytes", len(data), "sector_size", virtio.SectorSize)
	}

	slotMode, err := cfg.HeadSlot()
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	blk := virtio.NewBlk(
		virtio.WithLogger(log),
		virtio.WithMetrics(registry),
		virtio.WithMaxChainLength(cfg.Virtio.MaxChainLength),
		virtio.WithQueueNumMax(cfg.Virtio.QueueNumMax),
		virtio.WithHeadSlot(slotMode),
	)
	blk.Initialize(data)

	machine := rv64.NewMachine(cfg.MemoryBytes(), blk, log)
	drv := guest.New(machine, log, guest.WithHeadSlot(slotMode))
	if err := drv.Init(); err != nil {
		return err
	}
	log.Info("Disk attached",
		"image", cfg.Disk.Image, "sectors", drv.Capacity(),
		"base", fmt.Sprintf("%#x", rv64.VirtIOBase), "irq", rv64.VirtIOIRQ)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Stats.Listen != "" || cfg.Stats.Graphite != "" {
		exp, err := stats.New(log, registry, stats.Options{
			Listen:    cfg.Stats.Listen,
			Path:      cfg.Stats.Path,
			Namespace: cfg.Stats.Namespace,
			Interval:  cfg.Stats.Interval,
			Graphite:  cfg.Stats.Graphite,
			Prefix:    cfg.Stats.Prefix,
			Version:   version,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return exp.Run(gctx) })
	}

	g.Go(func() error {
		if !*serve {
			defer cancel()
		}
		return wl.run(gctx, log, drv, data, os.Stdout)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if cfg.Disk.Persist {
		changed, err := diskimage.SaveIfChanged(cfg.Disk.Image, data, blk.Disk())
		if err != nil {
			return err
		}
		log.Info("Disk persisted", "path", cfg.Disk.Image, "changed", changed)
	}
	return nil
}
