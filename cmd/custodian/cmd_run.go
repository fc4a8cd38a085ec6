package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/custodian-project/custodian/internal/capture"
	"github.com/custodian-project/custodian/internal/core"
	"github.com/custodian-project/custodian/internal/detect"
	"github.com/custodian-project/custodian/internal/ingest"
	"github.com/custodian-project/custodian/internal/oracle"
	"github.com/custodian-project/custodian/internal/pipeline"
	"github.com/custodian-project/custodian/internal/report"
	"github.com/custodian-project/custodian/internal/vault"
	"github.com/rs/zerolog"
)

// cmdRun starts the full pipeline and blocks until SIGINT/SIGTERM.
func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (default: built-in defaults)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bus *core.EventBus
	if cfg.Bus.Embedded || cfg.Bus.URL != "" {
		bus, err = core.NewEventBus(&cfg.Bus, logger)
		if err != nil {
			fatal(fmt.Errorf("starting event bus: %w", err))
		}
		defer bus.Close()
	}

	v, err := vault.New(cfg.Vault.Dir, logger)
	if err != nil {
		fatal(fmt.Errorf("opening vault: %w", err))
	}
	defer v.Close()

	reports, err := report.NewGenerator(filepath.Join(cfg.Vault.Dir, "reports"), logger)
	if err != nil {
		fatal(fmt.Errorf("creating report dir: %w", err))
	}

	var gateway *oracle.Gateway
	if cfg.Oracle.URL != "" {
		client := oracle.NewHTTPClient(cfg.Oracle.URL, cfg.OracleAPIKey(), cfg.Oracle.Timeout, logger)
		gateway = oracle.NewGateway(client, &cfg.Oracle, logger)
		logger.Info().Str("url", cfg.Oracle.URL).Msg("oracle gateway enabled")
	} else {
		logger.Info().Msg("no oracle configured, ambiguous payloads use the local fallback verdict")
	}

	p := pipeline.New(pipeline.Options{
		Config:  cfg,
		Matcher: detect.NewMatcher(logger),
		Gateway: gateway,
		Engine:  capture.NewEngine(capture.DefaultCollectors(), logger),
		Vault:   v,
		Reports: reports,
		Bus:     bus,
		Logger:  logger,
	})
	p.Start(ctx)

	if bus != nil && cfg.Archive.Enabled {
		archiver, err := core.NewArchiver(cfg.Archive, bus, logger)
		if err != nil {
			fatal(fmt.Errorf("creating archiver: %w", err))
		}
		if err := archiver.Start(ctx); err != nil {
			fatal(fmt.Errorf("starting archiver: %w", err))
		}
	}

	if cfg.Watcher.Enabled {
		poller := ingest.NewProcPoller("", cfg.Watcher.PollInterval, logger)
		go poller.Run(ctx, p.Events())
	}
	if cfg.Syslog.Enabled {
		source := ingest.NewSyslogSource(&cfg.Syslog, logger)
		go func() {
			if err := source.Run(ctx, p.Events()); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("syslog source failed")
			}
		}()
	}

	logger.Info().
		Str("version", version).
		Str("vault_dir", cfg.Vault.Dir).
		Msg("custodian running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutting down")
	cancel()
	p.Stop()
}

func loadConfig(path string) (*core.Config, error) {
	if path == "" {
		return core.DefaultConfig(), nil
	}
	return core.LoadConfig(path)
}

func newLogger(cfg *core.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	switch cfg.LogLevel() {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	return logger
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
