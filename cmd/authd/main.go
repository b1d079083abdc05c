package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"authvault.org/internal/audit"
	"authvault.org/internal/auth"
	"authvault.org/internal/obs"
	"authvault.org/internal/ratelimit"
	"authvault.org/internal/store/pg"
)

var version = "0.3.0"

func main() {
	dsn := os.Getenv("AUTHVAULT_PG_DSN")
	if dsn == "" {
		log.Fatal("AUTHVAULT_PG_DSN is required")
	}
	cfg := auth.Config{
		FeatureEnabled: envBool("AUTHVAULT_RBAC_ENABLED", true),
		DefaultRole:    os.Getenv("AUTHVAULT_DEFAULT_ROLE"),
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	metrics := obs.NewMetrics(prometheus.DefaultRegisterer)
	obs.RegisterBuildInfo(prometheus.DefaultRegisterer, version)

	tokens, err := auth.NewTokenService(store,
		auth.WithMetrics(metrics),
		auth.WithAuditLogger(audit.LogEvent),
		auth.WithRateLimiter(ratelimit.New(30, time.Minute, 10)),
	)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	engine, err := auth.NewEngine(store, cfg,
		auth.WithEngineMetrics(metrics),
		auth.WithEngineAuditLogger(audit.LogEvent),
	)
	if err != nil {
		log.Fatalf("rbac engine: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := provision(ctx, store, engine); err != nil {
		log.Fatalf("provision builtins: %v", err)
	}

	go reaper(ctx, tokens)

	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.DB().PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:              ":9090",
		Handler:           mux,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("starting authd %s on %s", version, srv.Addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Println("stopped")
}

// provision ensures the builtin permission catalog and the admin system
// role exist.
func provision(ctx context.Context, store *pg.Store, engine *auth.Engine) error {
	if err := store.Permissions(ctx).Ensure(ctx, auth.BuiltinPermissions); err != nil {
		return err
	}
	_, err := store.Roles(ctx).FindByName(ctx, auth.SystemRoleAdmin)
	if err == nil {
		return nil
	}
	if !errors.Is(err, auth.ErrRoleNotFound) {
		return err
	}
	names := make([]string, 0, len(auth.BuiltinPermissions))
	for _, p := range auth.BuiltinPermissions {
		names = append(names, p.Name)
	}
	_, err = engine.CreateRole(ctx, auth.CreateRoleInput{
		Name:         auth.SystemRoleAdmin,
		DisplayName:  "Administrator",
		Description:  "Full access system role",
		IsSystemRole: true,
		Permissions:  names,
	})
	if errors.Is(err, auth.ErrDuplicateRoleName) {
		return nil
	}
	return err
}

// reaper purges long-expired refresh token rows. Hygiene only.
func reaper(ctx context.Context, tokens *auth.TokenService) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purgeCtx, cancel := context.WithTimeout(ctx, time.Minute)
			n, err := tokens.PurgeExpired(purgeCtx, 7*24*time.Hour)
			cancel()
			if err != nil {
				log.Printf("purge expired tokens: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("purged %d expired refresh tokens", n)
			}
		}
	}
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
