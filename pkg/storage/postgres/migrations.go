package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all billing schema migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create plans table",
			SQL: `
				CREATE TABLE IF NOT EXISTS plans (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					price_id VARCHAR(255) NOT NULL,
					plan_type VARCHAR(50) NOT NULL,
					billing_period VARCHAR(50) NOT NULL,
					limits JSONB NOT NULL DEFAULT '{}',
					credits JSONB NOT NULL DEFAULT '{}',
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(price_id)
				);

				CREATE INDEX idx_plans_plan_type ON plans(plan_type);
				CREATE INDEX idx_plans_is_active ON plans(is_active);
			`,
		},
		{
			Version:     2,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id BIGSERIAL PRIMARY KEY,
					user_id BIGINT NOT NULL,
					plan_id BIGINT NOT NULL REFERENCES plans(id),
					provider_subscription_id VARCHAR(255),
					provider_customer_id VARCHAR(255),
					status VARCHAR(50) NOT NULL,
					period_start TIMESTAMP NOT NULL,
					period_end TIMESTAMP NOT NULL,
					trial_end TIMESTAMP,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					canceled_at TIMESTAMP,
					last_reset TIMESTAMP NOT NULL,
					event_ts TIMESTAMP NOT NULL,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_subscriptions_user_id ON subscriptions(user_id);
				CREATE INDEX idx_subscriptions_provider_sub_id ON subscriptions(provider_subscription_id);
				CREATE INDEX idx_subscriptions_status ON subscriptions(status);
				CREATE INDEX idx_subscriptions_period_end ON subscriptions(period_end)
					WHERE cancel_at_period_end = TRUE;

				-- at most one non-terminal subscription per user
				CREATE UNIQUE INDEX idx_subscriptions_one_active_per_user
					ON subscriptions(user_id)
					WHERE status IN ('trial', 'active', 'lifetime', 'past_due');
			`,
		},
		{
			Version:     3,
			Description: "Create subscription_usage table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscription_usage (
					subscription_id BIGINT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
					quota VARCHAR(100) NOT NULL,
					used INT NOT NULL DEFAULT 0 CHECK (used >= 0),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (subscription_id, quota)
				);
			`,
		},
		{
			Version:     4,
			Description: "Create user_credits table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_credits (
					user_id BIGINT NOT NULL,
					quota VARCHAR(100) NOT NULL,
					balance INT NOT NULL DEFAULT 0 CHECK (balance >= 0),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_id, quota)
				);
			`,
		},
		{
			Version:     5,
			Description: "Create webhook_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS webhook_events (
					event_id VARCHAR(255) PRIMARY KEY,
					event_type VARCHAR(100) NOT NULL,
					processed_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_webhook_events_processed_at ON webhook_events(processed_at);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM billing_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO billing_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
