package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"aegis.dev/internal/access"
	"aegis.dev/internal/auth"
	"aegis.dev/internal/config"
	"aegis.dev/internal/gate"
	"aegis.dev/internal/httpapi"
	"aegis.dev/internal/obs"
	"aegis.dev/internal/ratelimit"
	"aegis.dev/internal/session"
	"aegis.dev/internal/token"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("AEGIS_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Optional durable identity table behind the in-memory registry.
	var db *sql.DB
	var registryOpts []auth.RegistryOption
	registryOpts = append(registryOpts, auth.WithMaxFailedAttempts(cfg.MaxFailedAttempts))
	if cfg.PGDSN != "" {
		db, err = sql.Open("pgx", cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
		registryOpts = append(registryOpts, auth.WithPersistence(auth.NewPGStore(db)))
	}

	creds, err := auth.NewRegistry(registryOpts...)
	if err != nil {
		log.Fatalf("credential registry: %v", err)
	}
	if err := creds.Hydrate(context.Background()); err != nil {
		log.Fatalf("hydrate identities: %v", err)
	}
	if cfg.BootstrapUsername != "" {
		err := creds.Register(context.Background(), cfg.BootstrapUsername, cfg.BootstrapPassword, cfg.BootstrapRole)
		if err != nil && !errors.Is(err, auth.ErrDuplicateIdentity) {
			log.Fatalf("bootstrap identity: %v", err)
		}
	}

	tokens, err := token.NewService([]byte(cfg.TokenSecret), cfg.TokenTTL)
	if err != nil {
		log.Fatalf("token service: %v", err)
	}
	sessions, err := session.NewRegistry(tokens, session.WithCountHook(obs.SetActiveSessions))
	if err != nil {
		log.Fatalf("session registry: %v", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		Max:           cfg.RateMax,
		Burst:         cfg.RateBurst,
		Window:        cfg.RateWindow,
		BlockDuration: cfg.RateBlock,
	}, ratelimit.WithDenyHook(obs.ObserveRateLimitDenied))

	roleMap, err := cfg.RoleMap()
	if err != nil {
		log.Fatalf("role map: %v", err)
	}
	evaluator, err := access.NewEvaluator(roleMap)
	if err != nil {
		log.Fatalf("access evaluator: %v", err)
	}

	g, err := gate.New(limiter, creds, sessions, evaluator)
	if err != nil {
		log.Fatalf("gate: %v", err)
	}

	api := httpapi.New(g, httpapi.ReadyProbe{DB: db}, version,
		httpapi.WithTransportRate(cfg.HTTPRatePerSecond, cfg.HTTPRateBurst))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Expired sessions and idle limiter entries are rejected either way;
	// the sweeps only reclaim memory, off the hot path.
	sweepCtx, stopSweeps := context.WithCancel(context.Background())
	go runSweeps(sweepCtx, cfg.SweepInterval, sessions, limiter)

	log.Printf("Starting aegis-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweeps()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

func runSweeps(ctx context.Context, interval time.Duration, sessions *session.Registry, limiter *ratelimit.Limiter) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := sessions.Sweep(); n > 0 {
				log.Printf("swept %d expired sessions", n)
			}
			limiter.Sweep(10 * interval)
		}
	}
}
