package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/faultline/faultline/pkg/config"
	"github.com/faultline/faultline/pkg/mocktarget"
	"github.com/faultline/faultline/pkg/monitoring"
	"github.com/faultline/faultline/pkg/report"
)

var (
	// Global flags
	configFile string
	logLevel   string
	logFormat  string

	// Build info (set by build system)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "faultline",
		Short: "Resilience test orchestrator for the CRUD demo deployment",
		Long: `Faultline drives a distributed CRUD deployment through load and
fault-injection suites: it polls readiness, generates weighted load,
stops and restarts components, and verifies data survives recovery.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&logFormat, "log-format", "f", "", "log format (json, text, console)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newSuitesCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newMockCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig applies flag overrides on top of the file and env config
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [suite...]",
		Short: "Run test suites against the deployment",
		Long: `Run executes the named suites, or every registered suite when no
names are given. The exit code is zero only when all required suites
pass.`,
		RunE: runSuites,
	}
}

func runSuites(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := setupLogging(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := monitoring.InitTracing(ctx, monitoring.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    "faultline",
		ServiceVersion: version,
		Environment:    "test",
		Exporter:       monitoring.TracingExporter(cfg.Tracing.Exporter),
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SamplingRatio:  cfg.Tracing.SamplingRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Tracing shutdown failed")
		}
	}()

	var journal *report.Store
	if cfg.History.Path != "" {
		journal, err = report.Open(report.Config{DatabasePath: cfg.History.Path})
		if err != nil {
			return fmt.Errorf("failed to open run journal: %w", err)
		}
		defer journal.Close()
	}

	runID := uuid.New().String()
	logger.Info().
		Str("version", version).
		Str("run_id", runID).
		Strs("suites", args).
		Msg("Starting faultline run")

	registry, err := buildRegistry(cfg, journal, runID)
	if err != nil {
		return fmt.Errorf("failed to build suite registry: %w", err)
	}

	verdict, err := registry.RunAll(ctx, args...)
	if err != nil {
		return err
	}

	if journal != nil {
		if err := journal.SaveVerdict(context.Background(), runID, verdict); err != nil {
			log.Warn().Err(err).Msg("Failed to journal run")
		}
	}

	if !verdict.Passing() {
		return fmt.Errorf("verdict: %s", verdict.Classification)
	}
	return nil
}

func newSuitesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "suites",
		Short: "List registered suites",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(zerolog.ErrorLevel)

			registry, err := buildRegistry(cfg, nil, "")
			if err != nil {
				return err
			}

			for _, s := range registry.Suites() {
				kind := "optional"
				if s.Required {
					kind = "required"
				}
				fmt.Printf("%-28s %-9s %s\n", s.Name, kind, s.Description)
			}
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent journaled runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.History.Path == "" {
				return fmt.Errorf("run journal is disabled: set history.path in the configuration")
			}

			journal, err := report.Open(report.Config{DatabasePath: cfg.History.Path})
			if err != nil {
				return fmt.Errorf("failed to open run journal: %w", err)
			}
			defer journal.Close()

			runs, err := journal.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No journaled runs")
				return nil
			}

			for _, r := range runs {
				fmt.Printf("%s  %-13s  required %d/%d  optional %d/%d  %s\n",
					r.StartedAt.Format(time.RFC3339), r.Classification,
					r.RequiredPassed, r.RequiredTotal,
					r.OptionalPassed, r.OptionalTotal,
					r.ID)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()

			if outputPath == "" {
				outputPath = "faultline.yaml"
			}

			if err := cfg.SaveConfig(outputPath); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			fmt.Printf("Generated default configuration: %s\n", outputPath)
			return nil
		},
	}
	generateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			fmt.Printf("Configuration is valid\n")
			fmt.Printf("Gateway: %s\n", cfg.Targets.Gateway.BaseURL)
			fmt.Printf("Infra: %s %v\n", cfg.Infra.Binary, cfg.Infra.ComposeArgs)
			fmt.Printf("Load: %d users x %d requests\n", cfg.Load.Concurrency, cfg.Load.RequestsPerUser)
			fmt.Printf("Database nodes: %d\n", len(cfg.Infra.DatabaseNodes))
			return nil
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(validateCmd)
	return cmd
}

func newMockCmd() *cobra.Command {
	var gatewayAddr, userAddr, orderAddr string

	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Serve in-memory mock targets for local dry runs",
		Long: `Mock starts three in-memory CRUD services matching the default
target configuration, so a full faultline run can be exercised without
a real deployment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			logger, err := setupLogging(cfg.Logging)
			if err != nil {
				return err
			}
			log.Logger = logger

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			servers := []*http.Server{
				{Addr: gatewayAddr, Handler: mocktarget.NewServer("gateway", "users", "orders").Handler()},
				{Addr: userAddr, Handler: mocktarget.NewServer("user-service", "users").Handler()},
				{Addr: orderAddr, Handler: mocktarget.NewServer("order-service", "orders").Handler()},
			}

			errCh := make(chan error, len(servers))
			for _, srv := range servers {
				srv := srv
				go func() {
					log.Info().Str("addr", srv.Addr).Msg("Mock target listening")
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						errCh <- err
					}
				}()
			}

			select {
			case err := <-errCh:
				return fmt.Errorf("mock target failed: %w", err)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for _, srv := range servers {
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Warn().Str("addr", srv.Addr).Err(err).Msg("Mock target shutdown failed")
				}
			}
			log.Info().Msg("Mock targets stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&gatewayAddr, "gateway-addr", ":8080", "gateway listen address")
	cmd.Flags().StringVar(&userAddr, "user-addr", ":8081", "user service listen address")
	cmd.Flags().StringVar(&orderAddr, "order-addr", ":8082", "order service listen address")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Faultline\n")
			fmt.Printf("Version: %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Built: %s\n", date)
		},
	}
}

func setupLogging(cfg config.LoggingConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	var output *os.File
	if cfg.OutputFile != "" {
		logDir := filepath.Dir(cfg.OutputFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to create log directory: %w", err)
		}

		file, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
	} else {
		output = os.Stderr
	}

	var logger zerolog.Logger
	switch cfg.Format {
	case "console":
		logger = log.Output(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339})
	case "text":
		// Console rendering without color codes, for log files and
		// terminals that cannot display ANSI sequences.
		writer := zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339, NoColor: true}
		logger = zerolog.New(writer).With().Timestamp().Logger()
	case "json":
		fallthrough
	default:
		logger = zerolog.New(output).With().Timestamp().Logger()
	}

	return logger, nil
}
