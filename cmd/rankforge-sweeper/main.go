// The sweeper finalizes soft-canceled subscriptions. A subscription marked
// cancel_at_period_end keeps its quotas until the paid period runs out; this
// job flips it to canceled once that happens. It runs alongside the API
// server, either on a cron schedule or once for manual operation.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/rankforge/rankforge/pkg/subscription"
)

var (
	dbURL    = flag.String("db-url", getEnv("RANKFORGE_POSTGRES_URL", "postgres://localhost/rankforge?sslmode=disable"), "PostgreSQL connection URL")
	schedule = flag.String("schedule", getEnv("RANKFORGE_SWEEP_SCHEDULE", "*/5 * * * *"), "Cron schedule for the expiry sweep")
	runOnce  = flag.Bool("run-once", false, "Run one sweep and exit (for manual operation)")
)

func main() {
	flag.Parse()

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	subs := subscription.NewPostgresService(db)

	if *runOnce {
		if err := runSweep(subs); err != nil {
			log.Fatalf("Sweep failed: %v", err)
		}
		return
	}

	c := cron.New()
	_, err = c.AddFunc(*schedule, func() {
		if err := runSweep(subs); err != nil {
			log.Printf("Sweep failed: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule sweep: %v", err)
	}

	c.Start()
	log.Println("RankForge subscription sweeper started")
	log.Printf("Sweep schedule: %s", *schedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down gracefully...")

	ctx := c.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
		log.Println("Timed out waiting for running sweep to finish")
	}
}

func runSweep(subs *subscription.PostgresService) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	swept, err := subs.SweepExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if swept > 0 {
		log.Printf("Canceled %d expired subscriptions", swept)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
