// cloudserver runs the cloud variable broker.
//
// Usage:
//
//	cloudserver [--config-dir DIR | --config FILE] [--filters-dir DIR] [--log-level LEVEL] [--log-format FORMAT]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"cloudserver/internal/app"
	"cloudserver/internal/config"
)

const shutdownTimeout = 30 * time.Second

type flags struct {
	configDir  string
	configFile string
	filtersDir string
	logLevel   string
	logFormat  string
}

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, output io.Writer) (*flags, error) {
	f := &flags{}
	flagSet := pflag.NewFlagSet("cloudserver", pflag.ContinueOnError)
	flagSet.SetOutput(output)
	flagSet.StringVar(&f.configDir, "config-dir", "", "directory holding server, room and monitoring configuration (default $"+config.EnvConfigDir+" or ./"+config.DefaultConfigDir+")")
	flagSet.StringVar(&f.configFile, "config", "", "single configuration file with server, room and monitoring sections")
	flagSet.StringVar(&f.filtersDir, "filters-dir", app.DefaultFiltersDir, "directory holding .filter and .jsfilter lists")
	flagSet.StringVar(&f.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flagSet.StringVar(&f.logFormat, "log-format", "text", "log format: text or json")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(flagSet.Args(), " "))
	}
	if f.configDir != "" && f.configFile != "" {
		return nil, errors.New("--config-dir and --config are mutually exclusive")
	}
	return f, nil
}

func newLogger(level, format string, output io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(output, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(output, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}

func loadConfig(f *flags, logger *slog.Logger) (*config.Config, error) {
	if f.configFile == "" {
		return config.LoadConfigWithPrecedence(f.configDir, logger), nil
	}
	cfg, err := config.LoadFromFile(f.configFile)
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg)
	return cfg, nil
}

func run(args []string, stderr io.Writer) error {
	f, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	logger, err := newLogger(f.logLevel, f.logFormat, stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := loadConfig(f, logger)
	if err != nil {
		return err
	}

	application, err := app.NewApplication(cfg, app.Options{FiltersDir: f.filtersDir, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
