package main

import (
	"context"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/tandem/social-app/internal/gateway"
	"github.com/tandem/social-app/internal/identity"
	"github.com/tandem/social-app/internal/message"
	"github.com/tandem/social-app/internal/messaging"
	"github.com/tandem/social-app/internal/metrics"
	"github.com/tandem/social-app/internal/presence"
	"github.com/tandem/social-app/internal/ratelimit"
	"github.com/tandem/social-app/internal/registry"
	"github.com/tandem/social-app/internal/signal"
)

func main() {
	listenAddr := ":8080"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		listenAddr = v
	}

	config := gateway.DefaultServerConfig()
	if hostname, _ := os.Hostname(); hostname != "" {
		config.InstanceID = hostname
	}
	if v := os.Getenv("INSTANCE_ID"); v != "" {
		config.InstanceID = v
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.IdleTimeout = d
		}
	}

	// --- Redis: identity resolution, rate limiting, presence mirror ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	identityStore, err := identity.NewStore(redisAddr)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	limiter := ratelimit.NewLimiter(identityStore.Client())
	mirror := presence.NewStore(identityStore.Client())

	// --- Postgres: durable message log ---
	dsn := "postgres://localhost:5432/tandem?sslmode=disable"
	if v := os.Getenv("DATABASE_URL"); v != "" {
		dsn = v
	}
	db, err := message.Open(dsn)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	if err := message.Migrate(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	messageStore := message.NewStore(db)

	// --- NATS: cross-instance fan-out ---
	natsConfig := messaging.DefaultConfig()
	natsConfig.Name = "tandem-gateway-" + config.InstanceID
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsClient, err := messaging.NewClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Signal relay ---
	signalRetention := 5 * time.Minute
	if v := os.Getenv("SIGNAL_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			signalRetention = d
		}
	}
	signalStore := signal.NewStore()
	janitorDone := make(chan struct{})
	signalStore.StartJanitor(time.Minute, signalRetention, janitorDone)

	signalHandler := signal.NewHandler(signalStore, identityStore)
	signalHandler.SetLimiter(limiter)

	// --- Gateway ---
	server, err := gateway.New(config, gateway.Options{
		Registry: registry.New(),
		Resolver: identityStore,
		Limiter:  limiter,
		Bridge:   natsClient,
		Mirror:   mirror,
	})
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)
	message.NewHandler(messageStore, identityStore).RegisterRoutes(mux)
	mux.Handle("/signal", signalHandler)
	mux.Handle("/metrics", metrics.Handler())

	log.Printf("Tandem realtime gateway starting")
	log.Printf("  listen_addr:        %s", listenAddr)
	log.Printf("  instance_id:        %s", config.InstanceID)
	log.Printf("  heartbeat_interval: %s", config.HeartbeatInterval)
	log.Printf("  idle_timeout:       %s", config.IdleTimeout)
	log.Printf("  redis_addr:         %s", redisAddr)
	log.Printf("  nats_url:           %s", natsConfig.URL)
	log.Printf("  signal_retention:   %s", signalRetention)

	server.Start()

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("gateway shutdown error: %v", err)
		}
		if err := httpServer.Shutdown(ctx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}

		close(janitorDone)
		natsClient.Close()
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		if err := identityStore.Close(); err != nil {
			log.Printf("redis close error: %v", err)
		}
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("gateway stopped")
}
