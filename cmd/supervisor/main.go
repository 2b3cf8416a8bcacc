package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/extraction-supervisor/internal/config"
	"github.com/JakeFAU/extraction-supervisor/internal/logging"
	"github.com/JakeFAU/extraction-supervisor/internal/server"
)

// Version is the application version (set via ldflags).
var Version = "dev"

// Run parses args and executes the selected command.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	app := kingpin.New("supervisor", "Tracks extraction job lifecycles and recovers stale runs.")
	app.Version(Version)
	app.DefaultEnvars()
	app.UsageWriter(stdout)
	app.ErrorWriter(stderr)

	var cfgPath string
	app.Flag("config", "Path to a YAML/JSON/TOML config file.").Short('c').StringVar(&cfgPath)

	serveCmd := app.Command("serve", "Run the HTTP API, the stale sweeper and the progress hub.").Default()
	sweepCmd := app.Command("sweep", "Run one stale sweep against the configured store and exit.")
	migrateCmd := app.Command("migrate", "Apply the progress store schema and exit.")

	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	switch cmdName {
	case serveCmd.FullCommand():
		return serve(ctx, cfg)
	case sweepCmd.FullCommand():
		return sweep(ctx, cfg, stdout)
	case migrateCmd.FullCommand():
		return migrate(cfg)
	default:
		return fmt.Errorf("unknown command %q", cmdName)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	app, err := server.Build(ctx, cfg, Version)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		app.Close(closeCtx)
	}()
	return app.Run(ctx)
}

type sweepOutput struct {
	ID           string    `json:"sweep_id"`
	Scanned      int       `json:"scanned"`
	Transitioned int       `json:"transitioned"`
	StartedAt    time.Time `json:"started_at"`
	DurationMS   int64     `json:"duration_ms"`
}

func sweep(ctx context.Context, cfg config.Config, stdout io.Writer) error {
	cfg.Supervisor.SweepEnabled = false
	app, err := server.Build(ctx, cfg, Version)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer app.Close(context.Background())

	report, err := app.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sweepOutput{
		ID:           report.ID,
		Scanned:      report.Scanned,
		Transitioned: report.Transitioned,
		StartedAt:    report.StartedAt,
		DurationMS:   report.Duration.Milliseconds(),
	})
}

func migrate(cfg config.Config) error {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := server.Migrate(cfg, logger); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	logger.Info("migrations applied", zap.String("store", cfg.Store.Backend))
	return nil
}

func main() {
	if err := Run(context.Background(), os.Args, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
