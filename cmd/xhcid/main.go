package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/tinyrange/xhcid/internal/dma"
	"github.com/tinyrange/xhcid/internal/mmio"
	"github.com/tinyrange/xhcid/internal/xhci"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "xhcid: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	resource := flag.String("resource", "", "PCI BAR resource file of the controller")
	irqFile := flag.String("irq", "", "Interrupt notification file (empty: poll)")
	pollInterval := flag.Duration("poll-interval", 0, "Event ring poll period in polling mode")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Drive an xHCI host controller through its PCI BAR.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s --resource /sys/bus/pci/devices/0000:00:14.0/resource0\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config /etc/xhcid.yml --debug\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *resource != "" {
		cfg.Device.Resource = *resource
	}
	if *irqFile != "" {
		cfg.Device.IrqFile = *irqFile
	}
	if *pollInterval > 0 {
		cfg.Device.PollInterval = *pollInterval
	}
	if *debug {
		cfg.Debug = true
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	bar, barClose, err := mapResource(cfg.Device.Resource)
	if err != nil {
		return err
	}
	defer barClose()

	alloc, err := dma.NewContiguousAllocator()
	if err != nil {
		return fmt.Errorf("open dma allocator: %w", err)
	}
	defer alloc.Close()

	hci, err := xhci.NewController(bar, alloc, &xhci.Options{
		CommandRingEntries: cfg.Rings.CommandEntries,
		EventRingEntries:   cfg.Rings.EventEntries,
		PortChange: func(port uint8) {
			slog.Info("xhcid: port status changed", "port", port)
		},
	})
	if err != nil {
		return err
	}
	defer hci.Close()

	if err := hci.Reset(); err != nil {
		return err
	}
	if err := hci.Start(); err != nil {
		return err
	}

	var irq *os.File
	if cfg.Device.IrqFile != "" {
		irq, err = os.Open(cfg.Device.IrqFile)
		if err != nil {
			return fmt.Errorf("open interrupt file: %w", err)
		}
		defer irq.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	reactor := xhci.NewIrqReactor(hci, irq, cfg.Device.PollInterval)
	eg.Go(func() error { return reactor.Run(ctx) })
	eg.Go(func() error {
		// Prove the command path end to end before reporting healthy.
		comp, err := hci.SubmitCommand((*xhci.Trb).SetNoOpCmd)
		if err != nil {
			return fmt.Errorf("submit no-op command: %w", err)
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		res, err := comp.Wait(probeCtx)
		if err != nil {
			return fmt.Errorf("no-op command: %w", err)
		}
		if code := res.Event.CompletionCode(); !code.Ok() {
			return fmt.Errorf("no-op command failed: %v", code)
		}
		slog.Info("xhcid: controller ready")
		return nil
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		slog.Info("xhcid: shutting down")
		return nil
	}
	return err
}

// mapResource maps a PCI BAR resource file read-write and shared, so
// register writes reach the device.
func mapResource(path string) (*mmio.Region, func(), error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("stat %s: %w", path, err)
	}

	b, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, nil, fmt.Errorf("map %s: %w", path, err)
	}

	cleanup := func() {
		unix.Munmap(b)
		unix.Close(fd)
	}
	return mmio.NewRegion(b), cleanup, nil
}
