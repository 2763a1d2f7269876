// ============================================================================
// outbreak-sim CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line interface for the epidemic simulator
//
// Command Structure:
//   outbreak                       # Root command
//   ├── run                        # Paced simulation node (WebSocket, gRPC, metrics)
//   ├── simulate                   # Headless run to termination
//   ├── resume                     # Continue headless from the last snapshot
//   ├── ensemble                   # Many seeds across the worker pool
//   ├── status / pause / unpause   # Talk to a running node over gRPC
//   ├── verify                     # Replay the journal against the snapshot
//   ├── history                    # Stored runs (SQLite)
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version / --help
//
// Configuration Management:
//   YAML config file; missing fields keep their defaults. Simulation flags
//   (--seed, --population, --r0 ...) override the file.
//
// Signal Handling:
//   run and resume stop gracefully on SIGINT / SIGTERM:
//   1. Stop the tick loop
//   2. Write the final snapshot
//   3. Close journal, servers and store
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/outbreak-sim/internal/controller"
	"github.com/ChuLiYu/outbreak-sim/internal/epidemic"
	"github.com/ChuLiYu/outbreak-sim/internal/hub"
	"github.com/ChuLiYu/outbreak-sim/internal/metrics"
	"github.com/ChuLiYu/outbreak-sim/internal/server"
	"github.com/ChuLiYu/outbreak-sim/internal/store"
)

const defaultConfigPath = "configs/default.yaml"

// Config represents the complete system configuration structure
type Config struct {
	Simulation struct {
		Population   int     `yaml:"population"`
		PatientZeros int     `yaml:"patient_zeros"`
		Seed         *uint64 `yaml:"seed"` // 未設定時隨機
		Horizon      int     `yaml:"horizon"`
		MaxDays      int     `yaml:"max_days"`
	} `yaml:"simulation"`

	Disease epidemic.Params `yaml:"disease"`

	Controller struct {
		TickInterval     time.Duration `yaml:"tick_interval"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	} `yaml:"controller"`

	Journal struct {
		Path       string `yaml:"path"`
		BufferSize int    `yaml:"buffer_size"`
	} `yaml:"journal"`

	Snapshot struct {
		Path    string `yaml:"path"`
		Backups int    `yaml:"backups"`
	} `yaml:"snapshot"`

	Store struct {
		Path string `yaml:"path"` // 空字串表示不記錄歷史
	} `yaml:"store"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Server struct {
		HTTPPort int `yaml:"http_port"`
		GRPCPort int `yaml:"grpc_port"`
	} `yaml:"server"`

	Ensemble struct {
		Workers int           `yaml:"workers"`
		Runs    int           `yaml:"runs"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"ensemble"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text | json
	} `yaml:"log"`
}

// defaultConfig 所有欄位的預設值
func defaultConfig() *Config {
	cfg := &Config{Disease: epidemic.DefaultParams()}
	cfg.Simulation.Population = epidemic.DefaultPopulationSize
	cfg.Simulation.PatientZeros = 1
	cfg.Controller.TickInterval = 50 * time.Millisecond
	cfg.Controller.SnapshotInterval = 10 * time.Second
	cfg.Journal.Path = "./data/outbreak.journal"
	cfg.Journal.BufferSize = 256
	cfg.Snapshot.Path = "./data/outbreak.snapshot"
	cfg.Store.Path = "./data/runs.db"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Server.HTTPPort = 8080
	cfg.Server.GRPCPort = 50051
	cfg.Ensemble.Workers = 4
	cfg.Ensemble.Runs = 16
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

var configFile string

// BuildCLI 建立 root 命令
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "outbreak",
		Short: "outbreak: a stochastic wave-based epidemic simulator",
		Long: `outbreak simulates an epidemic spreading through a fixed population in waves:
- deterministic runs from a seed
- journal + snapshot crash recovery
- WebSocket streaming, gRPC control and Prometheus metrics
- multi-seed ensembles and SQLite run history`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildResumeCommand())
	rootCmd.AddCommand(buildEnsembleCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildPauseCommand())
	rootCmd.AddCommand(buildUnpauseCommand())
	rootCmd.AddCommand(buildVerifyCommand())
	rootCmd.AddCommand(buildHistoryCommand())

	return rootCmd
}

// ============================================================================
// Configuration
// ============================================================================

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Disease.Validate(); err != nil {
		return nil, fmt.Errorf("invalid disease parameters: %w", err)
	}
	return cfg, nil
}

// resolveConfig 讀取 --config；預設路徑不存在時使用內建預設值
func resolveConfig(cmd *cobra.Command) (*Config, error) {
	cfg, err := loadConfig(configFile)
	if err == nil {
		return cfg, nil
	}
	if !cmd.Flags().Changed("config") && errors.Is(err, os.ErrNotExist) {
		slog.Warn("Config file not found, using defaults", "path", configFile)
		return defaultConfig(), nil
	}
	return nil, fmt.Errorf("failed to load config: %w", err)
}

// setupLogging 依設定安裝全域 slog handler
func setupLogging(cfg *Config, w io.Writer) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Log.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.SetLogLoggerLevel(level)
}

// simFlags 覆寫設定檔的模擬參數
type simFlags struct {
	seed         uint64
	population   int
	patientZeros int
	maxDays      int
	horizon      int
	r0           float64
}

func (f *simFlags) bind(cmd *cobra.Command) {
	cmd.Flags().Uint64Var(&f.seed, "seed", 0, "random seed (default: config or random)")
	cmd.Flags().IntVar(&f.population, "population", 0, "population size")
	cmd.Flags().IntVar(&f.patientZeros, "patient-zeros", 0, "individuals infected at day 0")
	cmd.Flags().IntVar(&f.maxDays, "max-days", 0, "stop after this many days (0 = until termination)")
	cmd.Flags().IntVar(&f.horizon, "horizon", 0, "schedule horizon in days (0 = unbounded)")
	cmd.Flags().Float64Var(&f.r0, "r0", 0, "basic reproduction number")
}

func (f *simFlags) apply(cmd *cobra.Command, cfg *Config) error {
	changed := cmd.Flags().Changed
	if changed("seed") {
		seed := f.seed
		cfg.Simulation.Seed = &seed
	}
	if changed("population") {
		cfg.Simulation.Population = f.population
	}
	if changed("patient-zeros") {
		cfg.Simulation.PatientZeros = f.patientZeros
	}
	if changed("max-days") {
		cfg.Simulation.MaxDays = f.maxDays
	}
	if changed("horizon") {
		cfg.Simulation.Horizon = f.horizon
	}
	if changed("r0") {
		cfg.Disease.R0 = f.r0
	}
	return cfg.Disease.Validate()
}

func (cfg *Config) simOptions() []epidemic.Option {
	opts := []epidemic.Option{
		epidemic.WithPopulation(cfg.Simulation.Population),
		epidemic.WithPatientZeros(cfg.Simulation.PatientZeros),
		epidemic.WithHorizon(cfg.Simulation.Horizon),
	}
	if cfg.Simulation.Seed != nil {
		opts = append(opts, epidemic.WithSeed(*cfg.Simulation.Seed))
	}
	return opts
}

func (cfg *Config) controllerConfig() controller.Config {
	cc := controller.Config{
		Params:           cfg.Disease,
		Population:       cfg.Simulation.Population,
		PatientZeros:     cfg.Simulation.PatientZeros,
		Horizon:          cfg.Simulation.Horizon,
		MaxDays:          cfg.Simulation.MaxDays,
		TickInterval:     cfg.Controller.TickInterval,
		SnapshotInterval: cfg.Controller.SnapshotInterval,
		JournalPath:      cfg.Journal.Path,
		JournalBuffer:    cfg.Journal.BufferSize,
		SnapshotPath:     cfg.Snapshot.Path,
		SnapshotBackups:  cfg.Snapshot.Backups,
	}
	if cfg.Simulation.Seed != nil {
		cc.Seed = *cfg.Simulation.Seed
		cc.Seeded = true
	}
	return cc
}

// ============================================================================
// run Command
// ============================================================================

func buildRunCommand() *cobra.Command {
	var flags simFlags
	var fresh bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a paced simulation node",
		Long:  "Run the simulation at tick_interval, streaming days over WebSocket and serving gRPC control and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}
			setupLogging(cfg, cmd.ErrOrStderr())
			return runNode(cfg, fresh)
		},
	}

	flags.bind(cmd)
	cmd.Flags().BoolVar(&fresh, "fresh", false, "ignore an existing snapshot and start a new run")
	return cmd
}

func runNode(cfg *Config, fresh bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	h := hub.NewHub(nil)
	opts := []controller.Option{controller.WithMetrics(collector), controller.WithPublisher(h)}

	if cfg.Store.Path != "" {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open run store: %w", err)
		}
		defer st.Close()
		opts = append(opts, controller.WithStore(st))
	}

	ccfg := cfg.controllerConfig()
	ccfg.Fresh = fresh
	ctrl, err := controller.NewController(ccfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	h.SetControls(ctrl)
	go h.Run(ctx)

	// WebSocket + state API
	httpSrv := newHTTPServer(cfg.Server.HTTPPort, h.Handler(func() any { return ctrl.Status() }))
	go func() {
		slog.Info("Starting HTTP server", "addr", httpSrv.Addr)
		if err := httpSrv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, nil)
		go func() {
			slog.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metricsSrv.Start(); err != nil {
				slog.Error("Metrics server error", "error", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.GRPCPort, err)
	}
	grpcServer := server.NewGRPCServer(server.NewServer(ctrl))
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server failed", "error", err)
		}
	}()

	if err := ctrl.Start(ctx); err != nil {
		ctrl.Stop()
		grpcServer.Stop()
		return fmt.Errorf("failed to start controller: %w", err)
	}
	slog.Info("System started successfully")

	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal, stopping gracefully...")
	case <-ctrl.Done():
		slog.Info("Simulation finished", "phase", ctrl.Status().Phase)
	}

	ctrl.Stop()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Metrics shutdown error", "error", err)
		}
	}

	slog.Info("System stopped. Goodbye!")
	return ctrl.Err()
}
