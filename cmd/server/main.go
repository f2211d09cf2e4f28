package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"warnet/backend/internal/cache"
	"warnet/backend/internal/channel"
	"warnet/backend/internal/config"
	"warnet/backend/internal/httpapi"
	"warnet/backend/internal/service"
	"warnet/backend/internal/store"
	"warnet/backend/internal/store/memory"
	pgstore "warnet/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("postgres migration failed: %v", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	priceCache := cache.PriceCache(cache.NoopPriceCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisPriceCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache", err)
		} else {
			priceCache = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	hub := channel.NewHub()
	svc := service.New(repo, priceCache, time.Duration(cfg.PriceCacheTTLSeconds)*time.Second, hub)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if cfg.DatabaseURL != "" && cfg.SeedAdminPassword != "" {
		if err := auth.EnsureAdmin(ctx, "admin", cfg.SeedAdminPassword); err != nil {
			log.Fatalf("bootstrap admin failed: %v", err)
		}
	}
	sockets := channel.NewHandler(hub, svc, auth, cfg.AllowedOrigin)
	api := httpapi.New(svc, auth, sockets, cfg.AllowedOrigin)

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	monitor := service.NewMonitor(svc,
		time.Duration(cfg.LivenessSweepSeconds)*time.Second,
		time.Duration(cfg.LivenessThresholdSeconds)*time.Second,
	)
	go monitor.Run(monitorCtx)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("warnet backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopMonitor()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.LivenessThresholdSeconds > 0 && cfg.LivenessSweepSeconds > cfg.LivenessThresholdSeconds*4 {
		return fmt.Errorf("LIVENESS_SWEEP_SECONDS must not exceed four times LIVENESS_THRESHOLD_SECONDS")
	}
	return nil
}
