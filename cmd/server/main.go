/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the waitlist engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Open the store (SQLite or Postgres) and migrate
  3. Create API handler with dependencies
  4. Start the maintenance scheduler
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -driver  sqlite3 | postgres (default: sqlite3)
  -db      SQLite path or Postgres DSN (default: waitlist.db)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running job)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/waitlist.db"

  # Run against Postgres
  ./server -driver=postgres -db="postgres://localhost/waitlist?sslmode=disable"

ENVIRONMENT:
  See config/config.go.

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Background jobs
  - store/sqlstore/sqlstore.go: Database implementation
*/
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

	"github.com/warp/waitlist-engine/api"
	"github.com/warp/waitlist-engine/config"
	"github.com/warp/waitlist-engine/store/sqlstore"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize store
	dialect, err := sqlstore.ParseDialect(cfg.Driver)
	if err != nil {
		log.Fatalf("Invalid database driver: %v", err)
	}
	store, err := sqlstore.Open(dialect, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Initialize handler
	handler := api.NewHandler(store)
	handler.Referrals.AwardSignupPoints = cfg.SignupPoints

	joinLimiter := api.NewJoinLimiter(cfg.JoinRatePerMinute)

	// Background jobs
	scheduler := api.NewScheduler(handler)
	scheduler.CheckInterval = cfg.ReconcileInterval
	scheduler.Limiter = joinLimiter
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		JoinLimiter:    joinLimiter,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d (%s)", cfg.Port, cfg.Driver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
