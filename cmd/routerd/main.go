// Package main provides the carpool-router routing core daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codingauto/carpool-router/internal/balancer"
	"github.com/codingauto/carpool-router/internal/binding"
	"github.com/codingauto/carpool-router/internal/cache"
	"github.com/codingauto/carpool-router/internal/config"
	"github.com/codingauto/carpool-router/internal/domain"
	"github.com/codingauto/carpool-router/internal/httpapi"
	"github.com/codingauto/carpool-router/internal/pool"
	"github.com/codingauto/carpool-router/internal/provider"
	"github.com/codingauto/carpool-router/internal/quota"
	"github.com/codingauto/carpool-router/internal/router"
	"github.com/codingauto/carpool-router/internal/storage"
	"github.com/codingauto/carpool-router/internal/utils"
)

func main() {
	var (
		devMode    bool
		port       int
		host       string
		sqlitePath string
		preset     string
	)

	flag.BoolVar(&devMode, "dev-mode", false, "Enable developer mode (verbose logs, gin debug mode)")
	flag.IntVar(&port, "port", 0, "Admin HTTP port (default: 8088)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.StringVar(&sqlitePath, "sqlite-path", "", "Path to the sqlite persistence file")
	flag.StringVar(&preset, "preset", "", "Operating-point preset (few-accounts/many-accounts/conservative)")
	flag.Parse()

	if os.Getenv("DEBUG") == "true" || os.Getenv("DEV_MODE") == "true" {
		devMode = true
	}
	utils.SetDebug(devMode)

	cfg := config.Default()
	cfg.LoadFromEnv()
	if port != 0 {
		cfg.Port = port
	}
	if host != "" {
		cfg.Host = host
	}
	if sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}
	cfg.DevMode = devMode

	if preset != "" {
		p, ok := config.FindPreset(preset)
		if !ok {
			utils.Warn("[Startup] Unknown preset %q, ignoring", preset)
		} else {
			p.Apply(cfg)
			utils.Info("[Startup] Applied preset %q: %s", p.Name, p.Description)
		}
	}

	store, err := storage.OpenSQLiteStore(cfg.SQLitePath)
	if err != nil {
		utils.Error("[Startup] Failed to open sqlite store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	kv, err := cache.NewRedisCache(cache.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	var kvCache cache.KVCache
	if err != nil {
		utils.Warn("[Startup] Failed to connect to Redis (%v); falling back to in-memory cache", err)
		kvCache = cache.NewMemoryCache()
	} else {
		kvCache = kv
	}

	providers := provider.NewRegistry(func(serviceType domain.ServiceType) provider.ProviderClient {
		endpoint := cfg.Providers[serviceType]
		return provider.NewHTTPClient(serviceType, endpoint.BaseURL, endpoint.HealthPath, endpoint.APIKey, cfg.ProviderTimeout)
	})

	quotaGate := quota.New(store, nil)
	resolver := binding.New(store, kvCache, providers)
	lb := balancer.New(kvCache)
	// smartRouter is the library entry point (Route) that an embedding
	// chat-transport front-end calls per request; this daemon only owns
	// the admin surface and the background pool manager.
	smartRouter := router.New(store, kvCache, quotaGate, resolver, lb, providers, cfg)
	utils.Debug("router ready: %T", smartRouter)

	poolManager := pool.New(store, kvCache, providers, cfg)
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := poolManager.Start(startCtx); err != nil {
		utils.Error("[Startup] Failed to start pool manager: %v", err)
		cancel()
		os.Exit(1)
	}
	cancel()

	admin := httpapi.New(poolManager, devMode)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      admin.Engine(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		utils.Info("[Server] Admin surface starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	}()

	utils.Success("carpool-router started successfully on port %d", cfg.Port)
	if devMode {
		utils.Warn("Running in DEVELOPER mode - verbose logs enabled")
	}

	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, syscall.SIGINT, syscall.SIGTERM)
	<-quitCh

	utils.Info("Shutting down...")
	poolManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		utils.Error("Admin server forced to shutdown: %v", err)
		os.Exit(1)
	}

	if rc, ok := kvCache.(*cache.RedisCache); ok {
		_ = rc.Close()
	}

	utils.Success("carpool-router stopped")
}
