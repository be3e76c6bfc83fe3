package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// priceCacheSize bounds the price-id lookup cache. The catalog is small;
// this exists to keep webhook processing off the database for hot price ids.
const priceCacheSize = 256

// Service defines the interface for plan catalog operations
type Service interface {
	GetPlan(ctx context.Context, id int64) (*Plan, error)
	GetPlanByPriceID(ctx context.Context, priceID string) (*Plan, error)
	ListPlans(ctx context.Context, filter ListFilter) ([]*Plan, error)
	CreatePlan(ctx context.Context, req *CreatePlanRequest) (*Plan, error)
	UpdatePlan(ctx context.Context, id int64, req *UpdatePlanRequest) (*Plan, error)
	DeactivatePlan(ctx context.Context, id int64) error
}

// PostgresService implements Service using PostgreSQL
type PostgresService struct {
	db         *sql.DB
	priceCache *lru.Cache[string, *Plan]
	lookups    singleflight.Group
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB) (*PostgresService, error) {
	cache, err := lru.New[string, *Plan](priceCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create price cache: %w", err)
	}
	return &PostgresService{db: db, priceCache: cache}, nil
}

const planColumns = `id, name, price_id, plan_type, billing_period, limits, credits, is_active, created_at, updated_at`

func scanPlan(row *sql.Row) (*Plan, error) {
	plan := &Plan{}
	var limitsJSON, creditsJSON []byte
	err := row.Scan(
		&plan.ID, &plan.Name, &plan.PriceID, &plan.PlanType, &plan.BillingPeriod,
		&limitsJSON, &creditsJSON, &plan.IsActive, &plan.CreatedAt, &plan.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}
	if err := unmarshalQuotaMaps(plan, limitsJSON, creditsJSON); err != nil {
		return nil, err
	}
	return plan, nil
}

func unmarshalQuotaMaps(plan *Plan, limitsJSON, creditsJSON []byte) error {
	if len(limitsJSON) > 0 {
		if err := json.Unmarshal(limitsJSON, &plan.Limits); err != nil {
			return fmt.Errorf("failed to unmarshal limits: %w", err)
		}
	}
	if len(creditsJSON) > 0 {
		if err := json.Unmarshal(creditsJSON, &plan.Credits); err != nil {
			return fmt.Errorf("failed to unmarshal credits: %w", err)
		}
	}
	return nil
}

// GetPlan retrieves an active plan by id
func (s *PostgresService) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1 AND is_active = true`
	return scanPlan(s.db.QueryRowContext(ctx, query, id))
}

// GetPlanByPriceID retrieves an active plan by its provider price identifier.
// Results are cached; admin writes invalidate the cache. Concurrent misses on
// the same price id share a single database lookup.
func (s *PostgresService) GetPlanByPriceID(ctx context.Context, priceID string) (*Plan, error) {
	if plan, ok := s.priceCache.Get(priceID); ok {
		return plan, nil
	}

	result, err, _ := s.lookups.Do(priceID, func() (interface{}, error) {
		query := `SELECT ` + planColumns + ` FROM plans WHERE price_id = $1 AND is_active = true`
		plan, err := scanPlan(s.db.QueryRowContext(ctx, query, priceID))
		if err != nil {
			return nil, err
		}
		s.priceCache.Add(priceID, plan)
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Plan), nil
}

// ListPlans lists plans matching the filter
func (s *PostgresService) ListPlans(ctx context.Context, filter ListFilter) ([]*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE 1=1`
	args := []interface{}{}
	if filter.ActiveOnly {
		query += ` AND is_active = true`
	}
	if filter.PlanType != "" {
		args = append(args, filter.PlanType)
		query += fmt.Sprintf(` AND plan_type = $%d`, len(args))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		plan := &Plan{}
		var limitsJSON, creditsJSON []byte
		if err := rows.Scan(
			&plan.ID, &plan.Name, &plan.PriceID, &plan.PlanType, &plan.BillingPeriod,
			&limitsJSON, &creditsJSON, &plan.IsActive, &plan.CreatedAt, &plan.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		if err := unmarshalQuotaMaps(plan, limitsJSON, creditsJSON); err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// CreatePlan creates a new plan
func (s *PostgresService) CreatePlan(ctx context.Context, req *CreatePlanRequest) (*Plan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	limitsJSON, err := json.Marshal(req.Limits)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal limits: %w", err)
	}
	creditsJSON, err := json.Marshal(req.Credits)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credits: %w", err)
	}

	query := `
		INSERT INTO plans (name, price_id, plan_type, billing_period, limits, credits, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, true)
		RETURNING id, created_at, updated_at
	`
	plan := &Plan{
		Name:          req.Name,
		PriceID:       req.PriceID,
		PlanType:      req.PlanType,
		BillingPeriod: req.BillingPeriod,
		Limits:        req.Limits,
		Credits:       req.Credits,
		IsActive:      true,
	}
	err = s.db.QueryRowContext(ctx, query, req.Name, req.PriceID, req.PlanType,
		req.BillingPeriod, limitsJSON, creditsJSON).
		Scan(&plan.ID, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}

	s.priceCache.Remove(req.PriceID)
	return plan, nil
}

// UpdatePlan updates mutable catalog fields on a plan
func (s *PostgresService) UpdatePlan(ctx context.Context, id int64, req *UpdatePlanRequest) (*Plan, error) {
	current, err := s.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}

	name := current.Name
	if req.Name != nil {
		name = *req.Name
	}
	limits := current.Limits
	if req.Limits != nil {
		limits = req.Limits
	}
	credits := current.Credits
	if req.Credits != nil {
		credits = req.Credits
	}

	limitsJSON, err := json.Marshal(limits)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal limits: %w", err)
	}
	creditsJSON, err := json.Marshal(credits)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credits: %w", err)
	}

	query := `
		UPDATE plans SET name = $1, limits = $2, credits = $3, updated_at = NOW()
		WHERE id = $4
	`
	if _, err := s.db.ExecContext(ctx, query, name, limitsJSON, creditsJSON, id); err != nil {
		return nil, fmt.Errorf("failed to update plan: %w", err)
	}

	s.priceCache.Remove(current.PriceID)
	return s.GetPlan(ctx, id)
}

// DeactivatePlan marks a plan inactive. Lookups stop resolving it, so
// subscribers still bound to the plan hard-stop on consumption until they are
// moved to an active plan; deactivate only after migrating subscribers.
func (s *PostgresService) DeactivatePlan(ctx context.Context, id int64) error {
	plan, err := s.GetPlan(ctx, id)
	if err != nil {
		return err
	}

	query := `UPDATE plans SET is_active = false, updated_at = NOW() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to deactivate plan: %w", err)
	}

	s.priceCache.Remove(plan.PriceID)
	return nil
}
