package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/confluxdata/conflux/internal/pipeline"
	"github.com/confluxdata/conflux/pkg/config"
	"github.com/confluxdata/conflux/pkg/logger"
	"github.com/confluxdata/conflux/pkg/source"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "conflux",
		Short: "Conflux - continuous data source integration pipeline",
		Long: `Conflux continuously polls heterogeneous data sources on independent
schedules, normalizes their output into a canonical record shape, buffers it,
caches recent results and persists them as date-partitioned JSON lines.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Conflux v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available source types",
		Run: func(cmd *cobra.Command, args []string) {
			types := source.List()
			sort.Strings(types)
			fmt.Println("Available source types:")
			for _, t := range types {
				fmt.Printf("  - %s\n", t)
			}
		},
	})

	runCmd := &cobra.Command{
		Use:   "run <config.yaml>",
		Short: "Run the integration pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0])
		},
	}
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Encoding:    cfg.Logging.Encoding,
		Development: cfg.Logging.Development,
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get()
	log.Info("starting conflux",
		zap.String("version", version),
		zap.Int("sources", len(cfg.Sources)))

	integrator, err := pipeline.NewIntegrator(cfg, log)
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, srcCfg := range cfg.Sources {
		src, err := source.New(srcCfg, log)
		if err != nil {
			return err
		}
		if err := integrator.RegisterSource(src); err != nil {
			return err
		}
		if err := integrator.StartSource(ctx, srcCfg.Name, srcCfg.Interval); err != nil {
			return err
		}
	}

	if err := integrator.StartProcessing(ctx); err != nil {
		return err
	}

	// Block until interrupted
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return integrator.Close(shutdownCtx)
}

// loadConfig loads the YAML config and applies CONFLUX_* environment
// overrides for the common pipeline knobs.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("CONFLUX")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	for _, key := range []string{"log_level", "buffer_size", "data_dir"} {
		_ = v.BindEnv(key)
	}

	if v.IsSet("log_level") {
		cfg.Logging.Level = v.GetString("log_level")
	}
	if v.IsSet("buffer_size") {
		cfg.Pipeline.BufferSize = v.GetInt("buffer_size")
	}
	if v.IsSet("data_dir") {
		cfg.Persistence.Dir = v.GetString("data_dir")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
