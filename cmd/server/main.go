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

	"quantum-collab/internal/api"
	"quantum-collab/internal/auth"
	"quantum-collab/internal/config"
	"quantum-collab/internal/db"
	"quantum-collab/internal/repository"
	"quantum-collab/internal/services/collaboration"
	"quantum-collab/internal/telemetry"
)

func main() {
	log.Println("🚀 Starting Quantum Collab session engine...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Tracing comes up first so every operation is covered.
	jaegerShutdown, err := telemetry.InitJaeger("quantum-collab", cfg.JaegerEndpoint)
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer database.Close()

	repo := repository.NewCollabRepository(database.DB)
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	registry := collaboration.NewRegistry(repo, cfg.MaxParticipants, cfg.ConnectionTimeout, cfg.SweepInterval)
	registry.Start()

	gate := collaboration.NewAccessGate(verifier, registry)
	guard := collaboration.NewGuard(cfg.RatePerSecond, cfg.RatePerMinute, cfg.MaxMessageBytes)
	validator := collaboration.NewValidator()
	msgRouter := collaboration.NewRouter(gate, repo)
	wsHandler := collaboration.NewWSHandler(registry, gate, guard, validator, msgRouter)

	handler := api.NewHandler(registry, gate, repo, verifier, wsHandler)
	router := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🌐 Server listening on http://%s", addr)
		log.Printf("📚 API Endpoints:")
		log.Printf("   POST   /api/sessions                    - Create session")
		log.Printf("   GET    /api/sessions                    - List sessions")
		log.Printf("   GET    /api/sessions/:id                - Session stats")
		log.Printf("   DELETE /api/sessions/:id                - Delete session")
		log.Printf("   GET    /api/sessions/:id/content        - Document content")
		log.Printf("   GET    /api/sessions/:id/history        - Edit history")
		log.Printf("   GET    /ws/sessions/:id                 - WebSocket connect")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	registry.Shutdown()

	log.Println("✓ Server shutdown complete")
}
