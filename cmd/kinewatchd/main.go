package main

import (
	"context"
	"errors"
	"flag"
	"kinewatchd/internal/api"
	"kinewatchd/internal/config"
	"kinewatchd/internal/engine"
	"kinewatchd/internal/heatmap"
	"kinewatchd/internal/logger"
	"kinewatchd/internal/store"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. Parse command-line arguments
	configFile := flag.String("c", "", "Path to the YAML config file")
	listenAddr := flag.String("l", "", "HTTP listen address (overrides config)")
	logLevel := flag.String("L", "", "Log level (error, warn, info, debug; overrides config)")
	flag.Parse()

	// 2. Load .env and configuration
	envErr := godotenv.Load()
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logger.NewLogger("error").Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// 3. Initialize logger
	log := logger.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	log.Infof("Starting KineWatch daemon...")
	log.Infof("Log level set to: %s", cfg.LogLevel)
	if envErr != nil {
		log.Debugf("No .env file loaded: %v", envErr)
	}

	// 4. Initialize store and manager
	st, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		log.Errorf("Failed to open settings store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	manager := engine.NewManager(log, engine.ManagerOptions{
		Store:            st,
		SnapshotURL:      cfg.SnapshotURL,
		UserAgent:        cfg.UserAgent,
		Extractor:        heatmap.NewExtractor(cfg.Calibration, cfg.ExtractWorkers),
		Backoff:          cfg.Backoff,
		Config:           cfg.Rate,
		EvictionInterval: cfg.CacheEvictionInterval,
	})
	manager.Start()

	// 5. Set up API router and server
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.New(manager, log),
	}

	// 6. Run until a shutdown signal arrives
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Server starting on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Infof("Server is shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// Drain in-flight requests before the engines go away.
		err := server.Shutdown(shutdownCtx)
		manager.Stop()
		return err
	})

	if err := g.Wait(); err != nil {
		log.Errorf("Server exited with error: %v", err)
		os.Exit(1)
	}
	log.Infof("Server exited gracefully")
}
