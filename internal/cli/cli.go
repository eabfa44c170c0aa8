// Package cli builds the broker-core command line, in the teacher's
// style of a cobra root command wired up by BuildCLI.
//
// Command structure:
//
//	brokerd                     # root command
//	├── run                     # start the maintenance loop
//	│   └── --config, -c        # config file path
//	├── enqueue                 # submit jobs from a JSON file
//	│   └── --file, -f          # job definitions
//	├── status                  # print the resolved configuration
//	└── --version
//
// run starts a backend (Redis-backed if redis.addr is set, in-memory
// otherwise), registers any periodic tasks named in the config, and
// loops MoveFutureJobs/WaitForEvent until SIGINT/SIGTERM, matching the
// maintenance loop every broker process must run per spec §5.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/broker-core/internal/broker"
	"github.com/ChuLiYu/broker-core/internal/broker/memory"
	"github.com/ChuLiYu/broker-core/internal/broker/redisbroker"
	"github.com/ChuLiYu/broker-core/internal/clock"
	"github.com/ChuLiYu/broker-core/internal/config"
	"github.com/ChuLiYu/broker-core/internal/metrics"
	"github.com/ChuLiYu/broker-core/pkg/types"
)

var (
	configFile string
	log        = slog.Default()
)

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "brokerd",
		Short:   "broker-core: a shared-backend background job broker",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildEnqueueCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// newBackend resolves a broker.Backend from the loaded config: Redis
// if redis.addr is set, the in-memory backend otherwise.
func newBackend(cfg *config.Config) (broker.Backend, error) {
	bc := cfg.BrokerConfig()
	if cfg.Redis.Addr != "" {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return redisbroker.New(bc, clock.Real{}, rdb), nil
	}
	return memory.New(bc, clock.Real{}), nil
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the broker's maintenance loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker(cmd.Context())
		},
	}
	return cmd
}

func runBroker(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}

	if err := backend.Start(ctx); err != nil {
		return fmt.Errorf("cli: start broker: %w", err)
	}
	defer backend.Stop(context.Background())

	if len(cfg.PeriodicTasks) > 0 {
		tasks := make([]*types.PeriodicTask, 0, len(cfg.PeriodicTasks))
		for _, t := range cfg.PeriodicTasks {
			tasks = append(tasks, &types.PeriodicTask{
				Name:        t.Name,
				Queue:       t.Queue,
				MaxRetries:  t.MaxRetries,
				Periodicity: t.Periodicity(),
			})
		}
		if err := backend.RegisterPeriodicTasks(ctx, tasks); err != nil {
			return fmt.Errorf("cli: register periodic tasks: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		collector := metrics.NewCollector()
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info("starting metrics server", "addr", addr)
			if err := runMetricsServer(addr, collector); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("broker maintenance loop started", "namespace", cfg.Namespace)
	for {
		select {
		case <-sigCtx.Done():
			log.Info("shutdown signal received, stopping")
			return nil
		default:
		}

		if _, err := backend.MoveFutureJobs(sigCtx); err != nil {
			log.Error("move future jobs failed", "error", err)
		}
		backend.WaitForEvent(sigCtx)
	}
}

func runMetricsServer(addr string, collector *metrics.Collector) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return http.ListenAndServe(addr, mux)
}

func buildEnqueueCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue jobs from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobFile == "" {
				return fmt.Errorf("cli: job file is required (use --file or -f)")
			}
			return enqueueFromFile(cmd.Context(), jobFile)
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "JSON file containing job definitions")
	cmd.MarkFlagRequired("file")

	return cmd
}

// jobInput is the JSON shape a caller supplies on the command line;
// At defaults to now when omitted.
type jobInput struct {
	TaskName   string          `json:"task_name"`
	Queue      string          `json:"queue"`
	At         *time.Time      `json:"at,omitempty"`
	MaxRetries int             `json:"max_retries"`
	TaskArgs   json.RawMessage `json:"task_args,omitempty"`
	TaskKwargs json.RawMessage `json:"task_kwargs,omitempty"`
}

func enqueueFromFile(ctx context.Context, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("cli: read job file: %w", err)
	}

	var inputs []jobInput
	if err := json.Unmarshal(data, &inputs); err != nil {
		return fmt.Errorf("cli: parse job file: %w", err)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}
	backend, err := newBackend(cfg)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}
	if err := backend.Start(ctx); err != nil {
		return fmt.Errorf("cli: start broker: %w", err)
	}
	defer backend.Stop(context.Background())

	now := time.Now().UTC()
	jobs := make([]*types.Job, 0, len(inputs))
	for _, in := range inputs {
		at := now
		if in.At != nil {
			at = *in.At
		}
		job := types.NewJob(in.TaskName, in.Queue, at, in.MaxRetries)
		job.TaskArgs = in.TaskArgs
		job.TaskKwargs = in.TaskKwargs
		jobs = append(jobs, job)
	}

	if err := backend.EnqueueJobs(ctx, jobs); err != nil {
		return fmt.Errorf("cli: enqueue jobs: %w", err)
	}

	log.Info("enqueued jobs", "count", len(jobs), "file", filePath)
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
	return cmd
}

func showStatus() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("cli: %w", err)
	}

	fmt.Println("broker-core status")
	fmt.Printf("  config file:           %s\n", configFile)
	fmt.Printf("  namespace:             %s\n", cfg.Namespace)
	fmt.Printf("  broker dead threshold: %ds\n", cfg.BrokerConfig().BrokerDeadThresholdSeconds)
	fmt.Printf("  wait_for_event ceiling: %ds\n", cfg.BrokerConfig().WaitForEventMaxSeconds)
	if cfg.Redis.Addr != "" {
		fmt.Printf("  backend:               redis (%s)\n", cfg.Redis.Addr)
	} else {
		fmt.Printf("  backend:               in-memory\n")
	}
	fmt.Printf("  periodic tasks:        %d\n", len(cfg.PeriodicTasks))
	if cfg.Metrics.Enabled {
		fmt.Printf("  metrics:               enabled on :%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Printf("  metrics:               disabled\n")
	}
	return nil
}
