package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Vicky270506/awake-watch-tech/internal/config"
	"github.com/Vicky270506/awake-watch-tech/internal/database"
	"github.com/Vicky270506/awake-watch-tech/internal/handlers"
	"github.com/Vicky270506/awake-watch-tech/internal/logging"
	"github.com/Vicky270506/awake-watch-tech/internal/services"
)

func main() {
	httpPort := flag.String("http-port", "", "HTTP port (overrides HTTP_PORT)")
	flag.Parse()

	cfg := config.LoadConfig()
	if *httpPort != "" {
		cfg.HTTPPort = *httpPort
	}
	logging.Init(cfg.LogLevel, cfg.Environment)
	handlers.SetCORSOrigin(cfg.CORSOrigins)

	logging.Info("starting detection server",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"calibration_samples", cfg.Detector.CalibrationSamples,
	)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	if err := database.InitDB(cfg.DSN()); err != nil {
		// Detection keeps working without persistence; sessions and event
		// history will not.
		logging.Error("database unavailable, continuing without persistence",
			"dsn", cfg.DSNForLog(), "error", err)
	}
	defer database.CloseDB()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var extractor services.EarExtractor = services.NoopExtractor{}
	if cfg.WorkerScript != "" {
		worker := services.NewPythonWorker(cfg.PythonBin, cfg.WorkerScript)
		if err := worker.Start(ctx); err != nil {
			logging.Error("landmark worker unavailable, frames will report no face", "error", err)
		} else {
			extractor = worker
		}
	} else {
		logging.Warn("no WORKER_SCRIPT configured, frames will report no face")
	}
	defer extractor.Close()

	hub := handlers.NewWSHub(extractor, cfg.Detector, cfg.MaxMessageSizeMB)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)

	mux.HandleFunc("/api/auth/register", handlers.Register)
	mux.HandleFunc("/api/auth/login", handlers.Login)
	mux.HandleFunc("/api/auth/logout", handlers.Logout)
	mux.HandleFunc("/api/auth/me", handlers.GetCurrentUser)

	mux.HandleFunc("/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handlers.CreateSession(w, r)
		case http.MethodGet:
			handlers.GetSessions(w, r)
		case http.MethodDelete:
			handlers.DeleteSession(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/sessions/end", handlers.EndSession)

	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handlers.SaveEvent(w, r)
		case http.MethodGet:
			handlers.GetEvents(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/health", handlers.Health)
	mux.HandleFunc("/api/metrics", handlers.MetricsJSON)
	mux.Handle("/metrics", services.GetMetrics().Handler())

	httpServer := &http.Server{
		Addr:         ":" + strings.TrimPrefix(cfg.HTTPPort, ":"),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logging.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logging.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error("http shutdown failed", "error", err)
	}

	hub.CloseAll()
	logging.Info("goodbye")
}
