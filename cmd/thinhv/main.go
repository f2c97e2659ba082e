package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/thinhv/internal/config"
	"github.com/tinyrange/thinhv/internal/hv/factory"
	"github.com/tinyrange/thinhv/internal/hypervisor"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "thinhv: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Configuration file (default: built-in defaults)")
	processors := flag.Int("processors", -1, "Number of processors to virtualize (0 = all)")
	tracePath := flag.String("trace", "", "Write an exit trace to this file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	writeConfig := flag.String("write-config", "", "Write the effective configuration to this file and exit")
	hold := flag.Bool("hold", false, "Stay virtualized until interrupted")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Virtualize the host processors, check the hypercall interface and devirtualize.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *processors >= 0 {
		cfg.Processors = *processors
	}
	if *tracePath != "" {
		cfg.Trace = *tracePath
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if *writeConfig != "" {
		return config.Write(*writeConfig, cfg)
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	backend, err := factory.Open(cfg.Backend.Kind, cfg.BackendOptions())
	if err != nil {
		return fmt.Errorf("open %s backend: %w", cfg.Backend.Kind, err)
	}

	var trace io.Writer
	if cfg.Trace != "" {
		f, err := os.Create(cfg.Trace)
		if err != nil {
			return fmt.Errorf("create trace: %w", err)
		}
		defer f.Close()
		trace = f
	}

	hvCfg := cfg.Hypervisor(trace, logger)
	if term.IsTerminal(int(os.Stderr.Fd())) {
		var bar *progressbar.ProgressBar
		hvCfg.Progress = func(done, total int) {
			if bar == nil {
				bar = progressbar.Default(int64(total), "virtualize")
			}
			bar.Set(done)
			if done == total {
				bar.Close()
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	h := hypervisor.New(backend, hvCfg)
	if err := h.Start(ctx); err != nil {
		return err
	}

	if err := check(h, logger); err != nil {
		h.Stop()
		return err
	}

	if *hold {
		slog.Info("Virtualized, press Ctrl-C to stop")
		<-ctx.Done()
	}

	return h.Stop()
}

// check issues the read-only hypercalls from every virtualized processor.
func check(h *hypervisor.Hypervisor, logger *slog.Logger) error {
	for i, v := range h.VCPUs() {
		c := h.Client(i)
		if err := c.Ping(); err != nil {
			return fmt.Errorf("processor %d: %w", i, err)
		}
		logger.Info("processor ready",
			"processor", i,
			"imageBase", fmt.Sprintf("%#x", c.ImageBase()),
			"root", fmt.Sprintf("%#x", c.CurrentRoot()),
			"tscOverhead", v.Timing.TSCOverhead,
			"mperfOverhead", v.Timing.MPERFOverhead)
	}
	return nil
}
