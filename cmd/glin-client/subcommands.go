package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/glin-ai/glin-client/internal/backend"
	"github.com/glin-ai/glin-client/internal/config"
	"github.com/glin-ai/glin-client/internal/errdefs"
	"github.com/glin-ai/glin-client/internal/storage"
	"github.com/glin-ai/glin-client/internal/store"
	"github.com/glin-ai/glin-client/internal/telemetry"
	"github.com/glin-ai/glin-client/internal/worker"
	"github.com/glin-ai/glin-client/pkg/api"
)

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// Register this machine as a provider
func newRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this machine as a GLIN provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			wallet, _ := cmd.Flags().GetString("wallet-address")
			backendURL, _ := cmd.Flags().GetString("backend-url")

			if cfg, err := loadConfig(cmd); err == nil && cfg.Registered() {
				return fmt.Errorf("%w: provider id %s", errdefs.ErrAlreadyRegistered, cfg.Provider.ID)
			}

			log.Info().Msg("Detecting hardware...")
			hw := telemetry.DetectHardware()
			log.Info().
				Str("gpu", hw.GPUModel).
				Int("vram_gb", hw.VRAMGb).
				Str("cpu", hw.CPUModel).
				Int("cores", hw.CPUCores).
				Msg("Hardware detected")

			client := backend.NewClient(backendURL)
			resp, err := client.Register(cmd.Context(), api.RegisterProviderRequest{
				Name:            name,
				WalletAddress:   wallet,
				HardwareInfo:    hw,
				MinPricePerHour: 1000,
			})
			if err != nil {
				return err
			}

			cfg := config.Default()
			cfg.Provider.ID = resp.Provider.ID
			cfg.Provider.Name = name
			cfg.Provider.WalletAddress = wallet
			cfg.Provider.APIKey = resp.APIKey
			cfg.Provider.JWTToken = resp.Token
			cfg.Backend.URL = backendURL
			path, _ := cmd.Flags().GetString("config")
			if err := cfg.Save(path); err != nil {
				return err
			}

			fmt.Printf("Registration successful\n")
			fmt.Printf("Provider ID: %s\n", resp.Provider.ID)
			fmt.Printf("\nStart accepting tasks with:\n  glin-client start\n")
			return nil
		},
	}
	cmd.Flags().StringP("name", "n", "", "provider name")
	cmd.Flags().StringP("wallet-address", "w", "", "wallet address for rewards")
	cmd.Flags().StringP("backend-url", "b", "http://localhost:3000", "backend API URL")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("wallet-address")
	return cmd
}

// Start the worker loop
func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the worker and begin accepting tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.Registered() {
				return errdefs.ErrNotRegistered
			}

			client := backend.NewClient(cfg.Backend.URL)
			client.SetToken(cfg.Provider.JWTToken)

			fetcher := storage.NewIPFSClient(cfg.Storage.IPFSGateway, cfg.Storage.IPFSAPIURL)
			cache := storage.NewCache(cfg.Storage.CacheDir, fetcher)
			if err := cache.Init(); err != nil {
				return err
			}

			if err := os.MkdirAll(config.DataDir(), 0o755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			history, err := store.New(filepath.Join(config.DataDir(), "history.db"))
			if err != nil {
				return fmt.Errorf("open history store: %w", err)
			}
			defer history.Close()

			w := worker.New(cfg.Provider.ID, client, worker.NewTrainingExecutor(cache, fetcher), worker.Options{
				Monitor:            telemetry.NewMonitor(),
				History:            history,
				PollInterval:       time.Duration(cfg.Worker.PollIntervalSecs) * time.Second,
				HeartbeatInterval:  time.Duration(cfg.Worker.HeartbeatIntervalSecs) * time.Second,
				DrainTimeout:       time.Duration(cfg.Worker.DrainTimeoutSecs) * time.Second,
				MaxConcurrentTasks: cfg.Worker.MaxConcurrentTasks,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Starting GLIN worker (provider %s, backend %s)\n", cfg.Provider.ID, cfg.Backend.URL)
			fmt.Println("Press Ctrl+C to stop")
			return w.Run(ctx)
		},
	}
}

// Show provider status
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show provider status, assigned tasks and recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.Registered() {
				return errdefs.ErrNotRegistered
			}

			fmt.Printf("Provider ID: %s\n", cfg.Provider.ID)
			fmt.Printf("Name:        %s\n", cfg.Provider.Name)
			fmt.Printf("Wallet:      %s\n", cfg.Provider.WalletAddress)
			fmt.Printf("Backend:     %s\n", cfg.Backend.URL)

			client := backend.NewClient(cfg.Backend.URL)
			client.SetToken(cfg.Provider.JWTToken)

			if provider, err := client.GetProvider(cmd.Context(), cfg.Provider.ID); err != nil {
				log.Warn().Err(err).Msg("Could not fetch provider details")
			} else {
				fmt.Printf("\nReputation:      %.2f\n", provider.ReputationScore)
				fmt.Printf("Tasks completed: %d\n", provider.TotalTasksCompleted)
				fmt.Printf("Tokens earned:   %d\n", provider.TotalTokensEarned)
				fmt.Printf("Status:          %s\n", provider.Status)
			}

			if tasks, err := client.Tasks(cmd.Context()); err != nil {
				log.Warn().Err(err).Msg("Could not fetch tasks")
			} else if len(tasks) == 0 {
				fmt.Println("\nNo assigned tasks")
			} else {
				fmt.Printf("\nAssigned tasks (%d):\n", len(tasks))
				for _, t := range tasks {
					fmt.Printf("  %s  %s (%s)\n", t.ID, t.Name, t.Status)
				}
			}

			historyPath := filepath.Join(config.DataDir(), "history.db")
			if _, err := os.Stat(historyPath); err == nil {
				history, err := store.New(historyPath)
				if err == nil {
					defer history.Close()
					if runs, err := history.RecentRuns(cmd.Context(), 5); err == nil && len(runs) > 0 {
						fmt.Printf("\nRecent runs:\n")
						for _, r := range runs {
							fmt.Printf("  %s  %s  loss=%.4f  %ds\n", r.TaskID, r.Status, r.Loss, r.DurationSecs)
						}
					}
				}
			}

			monitor := telemetry.NewMonitor()
			stats := monitor.Stats()
			fmt.Printf("\nGPU usage:       %.1f%%\n", stats.UsagePercent)
			fmt.Printf("Memory usage:    %.1f%%\n", monitor.MemoryUsage())
			fmt.Printf("Temperature:     %.1f C\n", stats.TemperatureC)
			fmt.Printf("Available VRAM:  %.1f GB\n", monitor.AvailableVRAMGb())

			cache := storage.NewCache(cfg.Storage.CacheDir, nil)
			if size, err := cache.Size(); err == nil {
				fmt.Printf("Cache size:      %.1f MB\n", float64(size)/1024/1024)
			}
			return nil
		},
	}
}

// Cache maintenance
func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and clean the artifact cache",
	}

	clean := &cobra.Command{
		Use:   "clean",
		Short: "Remove cache entries older than --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			maxAge, _ := cmd.Flags().GetDuration("max-age")
			cfg, err := loadConfig(cmd)
			if err != nil && !errors.Is(err, errdefs.ErrNotRegistered) {
				return err
			}
			cache := storage.NewCache(cfg.Storage.CacheDir, nil)
			removed, err := cache.Cleanup(maxAge)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d cache entries\n", removed)
			return nil
		},
	}
	clean.Flags().Duration("max-age", 7*24*time.Hour, "remove entries not modified within this duration")

	cmd.AddCommand(clean)
	return cmd
}
