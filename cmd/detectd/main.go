package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pitchvision/detectd/pkg/api"
	"github.com/pitchvision/detectd/pkg/auth"
	"github.com/pitchvision/detectd/pkg/config"
	"github.com/pitchvision/detectd/pkg/logging"
	"github.com/pitchvision/detectd/pkg/metrics"
	"github.com/pitchvision/detectd/pkg/provider"
	"github.com/pitchvision/detectd/pkg/scheduler"
	"github.com/pitchvision/detectd/pkg/service"
	"github.com/pitchvision/detectd/pkg/shutdown"
	"github.com/pitchvision/detectd/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	bootstrapOwner := flag.String("bootstrap-owner", "", "Generate an API credential for this owner id at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)

	log.Println("Starting detectd orchestration server")
	log.Printf("Listen address: %s", cfg.Server.ListenAddr)
	log.Printf("Store: %s", storeDescription(cfg.Store))
	log.Printf("Fallback candidates: %d", len(cfg.Provider.Fallbacks))

	dataStore, err := store.NewStore(store.Config{
		Type:            cfg.Store.Type,
		DSN:             cfg.Store.DSN,
		Path:            cfg.Store.Path,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime.Std(),
	})
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}

	credentials := auth.NewCredentialStore()
	for _, seed := range cfg.APIKeys {
		credentials.AddHash(seed.OwnerID, seed.SecretHash)
	}
	if *bootstrapOwner != "" {
		credential, cerr := credentials.Generate(*bootstrapOwner)
		if cerr != nil {
			log.Fatalf("Failed to generate bootstrap credential: %v", cerr)
		}
		// Printed once and never stored in the clear
		log.Printf("Bootstrap credential for %s: %s", *bootstrapOwner, credential)
	}
	if len(cfg.APIKeys) == 0 && *bootstrapOwner == "" {
		log.Println("WARNING: no API credentials configured, every /detect request will be rejected")
	}

	backend := provider.NewHTTPBackend(cfg.Provider.Timeout.Std())
	chain := provider.NewChain(backend, cfg.Provider.Fallbacks)
	svc := service.New(dataStore, chain, logger)

	dispatcherCfg := scheduler.DefaultConfig()
	if cfg.Scheduler.MaxConcurrent > 0 {
		dispatcherCfg.MaxConcurrent = cfg.Scheduler.MaxConcurrent
	}
	if cfg.Scheduler.CheckInterval > 0 {
		dispatcherCfg.CheckInterval = cfg.Scheduler.CheckInterval.Std()
	}
	if cfg.Scheduler.PollInterval > 0 {
		dispatcherCfg.PollInterval = cfg.Scheduler.PollInterval.Std()
	}
	if cfg.Scheduler.MaxProcessing > 0 {
		dispatcherCfg.MaxProcessing = cfg.Scheduler.MaxProcessing.Std()
	}
	dispatcherCfg.BoostAfter = cfg.Scheduler.BoostAfter.Std()

	dispatcher := scheduler.NewDispatcher(dataStore, backend, dispatcherCfg, logger)

	exporter := metrics.NewExporter(dataStore, dispatcherCfg.BoostAfter)
	dispatcher.SetScheduleRecorder(exporter)

	handler := api.NewHandler(svc, dataStore, credentials, cfg.Provider.Fallbacks)
	handler.SetMetricsRecorder(exporter)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	router.Handle(cfg.Server.MetricsPath, exporter).Methods("GET")

	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	dispatcher.Start()

	manager := shutdown.New(30 * time.Second)
	manager.Register(shutdown.CloseResource(dataStore, "job store"))
	manager.Register(func(context.Context) error {
		dispatcher.Stop()
		return nil
	})
	manager.Register(shutdown.StopHTTPServer(server, "api server"))

	go func() {
		log.Printf("API server listening on %s", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	manager.Wait()
	manager.Shutdown()
}

func storeDescription(cfg config.StoreConfig) string {
	switch cfg.Type {
	case "postgres", "postgresql":
		return "postgres"
	case "sqlite":
		if cfg.Path != "" {
			return "sqlite (" + cfg.Path + ")"
		}
		return "sqlite"
	default:
		return "memory (data will not persist)"
	}
}
