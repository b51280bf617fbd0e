// cmd/diag runs a local diagnostics endpoint over the resilience core:
// cache statistics, circuit breaker state, and session status.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/calebstern/offlinekit/cache"
	"github.com/calebstern/offlinekit/internal/config"
	"github.com/calebstern/offlinekit/retry"
	"github.com/calebstern/offlinekit/storage"
	"github.com/calebstern/offlinekit/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("instance", uuid.NewString()).
		Logger()

	ctx := context.Background()

	var store storage.Store
	if cfg.Cache.SQLitePath != "" {
		s, err := storage.NewSQLiteStore(ctx, cfg.Cache.SQLitePath)
		if err != nil {
			log.Fatalf("sqlite store error: %v", err)
		}
		defer s.Close()
		store = s
	} else {
		s, err := storage.NewFileStore(filepath.Join(cfg.DataDir, "offlinekit"))
		if err != nil {
			log.Fatalf("file store error: %v", err)
		}
		store = s
	}

	engine := cache.New(store,
		cache.WithBudget(cfg.CacheMaxBytes(), cfg.Cache.MaxEntries),
		cache.WithLogger(logger),
	)

	breakers := retry.NewBreakers(cfg.Retry.BreakerThreshold, cfg.Retry.BreakerReset)

	var tokens *token.Manager
	if cfg.Token.RefreshURL != "" {
		tokens = token.NewManager(store, cfg.Token.RefreshURL,
			token.WithLogger(logger),
			token.WithRefreshBuffer(cfg.Token.RefreshBuffer),
			token.WithMinRefreshInterval(cfg.Token.MinRefreshInterval),
		)
		if err := tokens.Initialize(ctx); err != nil {
			logger.Warn().Err(err).Msg("token restore failed, starting without session")
		}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Printf("error writing health check response: %v", err)
		}
	})

	r.Get("/cache/stats", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, engine.Stats(req.Context()))
	})

	r.Get("/breakers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, breakers.Snapshot())
	})

	r.Get("/session", func(w http.ResponseWriter, _ *http.Request) {
		active := tokens != nil && tokens.HasSession()
		writeJSON(w, map[string]bool{"active": active})
	})

	h := hlog.NewHandler(logger)(r)
	logger.Info().Str("addr", cfg.Diag.Addr).Msg("diag listening")
	srv := &http.Server{Addr: cfg.Diag.Addr, Handler: h}
	log.Fatal(srv.ListenAndServe())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("error encoding response: %v", err)
	}
}
