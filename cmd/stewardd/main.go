// Steward agent runtime server — hosts the service registry, message
// buses, resource monitor, wise authority subsystem and the HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/steward-ai/steward/pkg/api"
	"github.com/steward-ai/steward/pkg/auth"
	"github.com/steward-ai/steward/pkg/bus"
	"github.com/steward-ai/steward/pkg/cleanup"
	"github.com/steward-ai/steward/pkg/config"
	"github.com/steward-ai/steward/pkg/control"
	"github.com/steward-ai/steward/pkg/database"
	"github.com/steward-ai/steward/pkg/lifecycle"
	"github.com/steward-ai/steward/pkg/llm"
	"github.com/steward-ai/steward/pkg/models"
	"github.com/steward-ai/steward/pkg/registry"
	"github.com/steward-ai/steward/pkg/resources"
	"github.com/steward-ai/steward/pkg/tasks"
	"github.com/steward-ai/steward/pkg/version"
	"github.com/steward-ai/steward/pkg/wise"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging() {
	level := slog.LevelInfo
	switch getEnv("LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./config"),
		"Path to configuration directory")
	mockLLM := flag.Bool("mock-llm", false,
		"Force the mock LLM provider; no real LLM client may be constructed")
	flag.Parse()

	if *mockLLM {
		// Single source of truth for the interlock: the env var is what
		// every constructor checks.
		_ = os.Setenv("MOCK_LLM", "1")
	}

	// Load .env file from the config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "path", envPath)
	}

	setupLogging()
	slog.Info("Starting steward", "version", version.Full(), "config_dir", *configDir)

	ctx := context.Background()

	shutdownSvc := lifecycle.NewShutdownService()
	initSvc := lifecycle.NewInitService()
	reg := registry.NewRegistry()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Populated by init steps; read after Initialize returns.
	var (
		cfg        *config.Config
		dbClient   *database.Client
		taskStore  *tasks.Store
		monitor    *resources.Monitor
		authSvc    *auth.Service
		wiseSvc    *wise.Service
		ctrlSvc    *control.Service
		llmBus     *bus.LLMBus
		wiseBus    *bus.WiseBus
		controlBus *bus.RuntimeControlBus
	)

	// --- INFRASTRUCTURE ---

	initSvc.RegisterStep(lifecycle.Step{
		Phase:    lifecycle.PhaseInfrastructure,
		Name:     "config",
		Critical: true,
		Run: func(ctx context.Context) error {
			var err error
			cfg, err = config.Initialize(ctx, *configDir)
			return err
		},
	})

	// --- DATABASE ---

	initSvc.RegisterStep(lifecycle.Step{
		Phase:    lifecycle.PhaseDatabase,
		Name:     "open",
		Critical: true,
		Run: func(ctx context.Context) error {
			dbCfg := database.Config{
				Path:         getEnv("STEWARD_DB_PATH", cfg.Database.Path),
				BusyTimeout:  cfg.Database.BusyTimeout,
				MaxOpenConns: cfg.Database.MaxOpenConns,
			}
			if dir := filepath.Dir(dbCfg.Path); dir != "." && dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("failed to create database directory: %w", err)
				}
			}
			var err error
			dbClient, err = database.NewClient(ctx, dbCfg)
			if err != nil {
				return err
			}
			taskStore = tasks.NewStore(dbClient)
			return nil
		},
		Verify: func(ctx context.Context) (bool, error) {
			_, err := dbClient.Health(ctx)
			return err == nil, err
		},
	})

	// --- SERVICES ---

	initSvc.RegisterStep(lifecycle.Step{
		Phase:    lifecycle.PhaseServices,
		Name:     "resource_monitor",
		Critical: true,
		Run: func(ctx context.Context) error {
			var err error
			monitor, err = resources.NewMonitor(resources.MonitorConfig{
				Budget: cfg.Resources,
				DBPath: dbClient.Path(),
			}, taskStore, resources.NewSignalBus(), promReg)
			return err
		},
	})

	initSvc.RegisterStep(lifecycle.Step{
		Phase:    lifecycle.PhaseServices,
		Name:     "llm_providers",
		Critical: true,
		Run: func(ctx context.Context) error {
			return registerLLMProviders(reg, cfg)
		},
	})

	initSvc.RegisterStep(lifecycle.Step{
		Phase:    lifecycle.PhaseServices,
		Name:     "buses",
		Critical: true,
		Run: func(ctx context.Context) error {
			llmBus = bus.NewLLMBus(reg, bus.LLMBusConfig{
				Strategy: models.DistributionRoundRobin,
			}, promReg, monitor)
			wiseBus = bus.NewWiseBus(reg)
			controlBus = bus.NewRuntimeControlBus(reg)
			return nil
		},
	})

	// --- SECURITY ---

	initSvc.RegisterStep(lifecycle.Step{
		Phase:    lifecycle.PhaseSecurity,
		Name:     "wise_authority",
		Critical: true,
		Run: func(ctx context.Context) error {
			certStore := auth.NewCertStore(dbClient)
			var err error
			authSvc, err = auth.NewService(certStore, cfg.Wise.KeyDir, dbClient)
			if err != nil {
				return err
			}
			if err := authSvc.Bootstrap(ctx); err != nil {
				return err
			}

			wiseSvc = wise.NewService(authSvc, taskStore)
			if _, err := reg.Register(models.ServiceTypeWiseAuthority, wiseSvc, registry.RegisterOptions{
				Priority: models.PriorityCritical,
				Capabilities: []string{
					bus.CapabilitySendDeferral,
					bus.CapabilityFetchGuidance,
				},
			}); err != nil {
				return err
			}

			killSwitchKeys, err := certStore.ListKillSwitchKeys(ctx)
			if err != nil {
				return err
			}
			ctrlSvc = control.NewService(control.NewStateProcessor(nil, nil), cfg,
				shutdownSvc, dbClient, killSwitchKeys)
			_, err = reg.Register(models.ServiceTypeRuntimeControl, ctrlSvc, registry.RegisterOptions{
				Priority: models.PriorityCritical,
			})
			return err
		},
	})

	// --- VERIFICATION ---

	initSvc.RegisterStep(lifecycle.Step{
		Phase:    lifecycle.PhaseVerification,
		Name:     "registry_ready",
		Critical: true,
		Run: func(ctx context.Context) error {
			ready := reg.WaitReady(ctx, 5*time.Second,
				models.ServiceTypeLLM, models.ServiceTypeWiseAuthority,
				models.ServiceTypeRuntimeControl)
			if !ready {
				return fmt.Errorf("required service types never became available")
			}
			return nil
		},
	})

	if err := initSvc.Initialize(ctx); err != nil {
		slog.Error("Initialization failed", "critical", true, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()

	// Start background services and buses.
	monitor.Start(ctx)
	llmBus.Start(ctx)
	wiseBus.Start(ctx)
	controlBus.Start(ctx)

	retention := cleanup.NewService(cfg.Retention, taskStore, dbClient)
	retention.Start(ctx)

	shutdownSvc.RegisterAsyncHandler("retention", func(ctx context.Context) error {
		retention.Stop()
		return nil
	})
	shutdownSvc.RegisterAsyncHandler("resource_monitor", func(ctx context.Context) error {
		monitor.Stop()
		return nil
	})
	shutdownSvc.RegisterAsyncHandler("buses", func(ctx context.Context) error {
		llmBus.Stop()
		wiseBus.Stop()
		controlBus.Stop()
		return nil
	})

	// HTTP server
	httpServer := api.NewServer(dbClient, reg, monitor, ctrlSvc, initSvc, shutdownSvc, promReg)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	shutdownSvc.RegisterAsyncHandler("http_server", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})

	slog.Info("Steward started successfully",
		"mock_llm", cfg.LLM.MockMode,
		"providers", cfg.Stats().LLMProviders)

	// Wait for a shutdown signal, a service-requested shutdown, or a
	// server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		shutdownSvc.RequestShutdown(fmt.Sprintf("signal %s", sig))
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
		shutdownSvc.RequestShutdown("http server failure")
	case <-shutdownSvc.WaitChan():
		// Requested internally (runtime control or emergency command).
	}

	if shutdownSvc.IsEmergency() {
		// The emergency flow owns process exit; give it room to finish.
		time.Sleep(2 * cfg.Shutdown.EmergencyTimeout)
		return
	}

	slog.Info("Shutting down", "reason", shutdownSvc.Reason(),
		"timeout", cfg.Shutdown.GracefulTimeout)
	shutdownSvc.ExecuteAsyncHandlers(ctx, cfg.Shutdown.GracefulTimeout)
	slog.Info("Shutdown complete")
}

// registerLLMProviders registers every configured LLM provider with the
// service registry. In mock mode exactly one mock provider is
// registered; the registry rejects any attempt to mix mock and real
// providers.
func registerLLMProviders(reg *registry.Registry, cfg *config.Config) error {
	if cfg.LLM.MockMode {
		_, err := reg.Register(models.ServiceTypeLLM, llm.NewMockLLMProvider(), registry.RegisterOptions{
			Priority: models.PriorityCritical,
			Metadata: map[string]string{"provider": "mock"},
		})
		return err
	}

	for name, p := range cfg.LLM.Providers {
		provider, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  os.Getenv(p.APIKeyEnv),
			BaseURL: p.BaseURL,
			Model:   p.Model,
			Timeout: time.Duration(p.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to construct LLM provider %s: %w", name, err)
		}
		if _, err := reg.Register(models.ServiceTypeLLM, provider, registry.RegisterOptions{
			Priority:      models.ParsePriority(p.Priority),
			PriorityGroup: p.PriorityGroup,
			Metadata:      map[string]string{"provider": name, "model": p.Model},
		}); err != nil {
			return fmt.Errorf("failed to register LLM provider %s: %w", name, err)
		}
	}
	return nil
}
