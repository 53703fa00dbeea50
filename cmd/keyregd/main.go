package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"keyreg/internal/adminapi"
	"keyreg/internal/clients"
	"keyreg/internal/config"
	"keyreg/internal/dashboard"
	"keyreg/internal/logging"
	"keyreg/internal/metrics"
	"keyreg/internal/registry"
	"keyreg/internal/server"
	"keyreg/internal/version"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the key group table")
	listenAddr := flag.String("listen", ":9300", "HTTP listen address")
	envFile := flag.String("env-file", ".env", "optional dotenv file holding group keys")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	probeTimeout := flag.Duration("probe-timeout", 15*time.Second, "timeout for a single service probe")
	initServices := flag.String("init", "", "comma separated services to initialize at startup")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Keys referenced through keyEnv must be in the environment before the table is parsed.
	if err := loadEnvFile(*envFile); err != nil {
		log.Fatalf("failed to load env file: %v", err)
	}

	baseLogger, err := logging.NewLogger(*logLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	sugar := baseLogger.Sugar()

	manager := config.NewManager()
	if err := ensureDevConfig(*configPath); err != nil {
		sugar.Fatalw("failed to ensure dev config", "path", *configPath, "error", err)
	}
	if err := manager.LoadFromFile(*configPath); err != nil {
		sugar.Fatalw("failed to load config", "path", *configPath, "error", err)
	}
	known := manager.ListServices()
	sugar.Infow("starting", "build", version.BuildInfo(len(known)))
	sugar.Infow("key table loaded", "path", *configPath, "services", known)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	configLogger := baseLogger.Named("config").Sugar()
	if err := config.WatchFile(rootCtx, manager, *configPath, configLogger.Infof); err != nil {
		configLogger.Fatalw("failed to start config watcher", "error", err)
	}

	events := logging.NewEventLog(0)
	prober := &clients.Prober{
		Endpoints: manager,
		Client:    &http.Client{Timeout: *probeTimeout},
		Logger:    baseLogger.Named("prober"),
	}
	reg := registry.New(manager, prober,
		registry.WithLogger(baseLogger.Named("registry")),
		registry.WithEventLog(events),
	)

	if services := splitList(*initServices); len(services) > 0 {
		res := reg.InitializeAll(rootCtx, services)
		sugar.Infow("startup initialization finished", "services", services, "success", res.Success)
	}

	gatewayToken := os.Getenv("KEYREG_GATEWAY_TOKEN")
	if gatewayToken == "" {
		sugar.Warnw("gateway open to unauthenticated callers (KEYREG_GATEWAY_TOKEN not set)")
	}
	gateway := &server.Gateway{
		Registry:  reg,
		Endpoints: manager,
		Token:     gatewayToken,
		Logger:    baseLogger.Named("gateway"),
	}

	mux := http.NewServeMux()
	mux.Handle("/svc/", gateway)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())

	adminToken := os.Getenv("KEYREG_ADMIN_TOKEN")
	if adminToken == "" {
		sugar.Infow("admin api disabled (KEYREG_ADMIN_TOKEN not set)")
	} else {
		adminHandler := adminapi.NewHandler(manager, reg, events, *configPath, adminToken, baseLogger.Named("admin"))
		mux.Handle("/keyreg/api/", server.RequestIDMiddleware(http.StripPrefix("/keyreg/api", adminHandler)))

		page, err := dashboard.NewHandler()
		if err != nil {
			sugar.Warnw("failed to initialize dashboard", "error", err)
		} else {
			mux.Handle("/keyreg/", http.StripPrefix("/keyreg", page))
			sugar.Infow("dashboard enabled at /keyreg/")
		}
	}

	srv := &http.Server{
		Addr:         *listenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Gemini responses stream for a while
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		sugar.Infow("keyreg listening", "addr", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		sugar.Infow("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		sugar.Fatalw("server error", "error", err)
	}

	rootCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		sugar.Fatalw("graceful shutdown failed", "error", err)
	}
	sugar.Infow("shutdown complete")
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ensureDevConfig writes an empty key table when running against config.dev.yaml
// for the first time.
func ensureDevConfig(path string) error {
	_, err := os.Stat(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if filepath.Base(path) != "config.dev.yaml" {
		return nil
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	return os.WriteFile(path, []byte("groups: []\nendpoints: []\n"), 0o600)
}
