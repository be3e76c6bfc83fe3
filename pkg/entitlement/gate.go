package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rankforge/rankforge/pkg/catalog"
	"github.com/rankforge/rankforge/pkg/credits"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/subscription"
)

// SummaryCache caches entitlement summaries between mutations. Implemented
// by the Redis layer; a nil cache disables caching.
type SummaryCache interface {
	GetSummary(ctx context.Context, userID int64) (map[string]QuotaSummary, bool)
	SetSummary(ctx context.Context, userID int64, summary map[string]QuotaSummary)
	InvalidateSummary(ctx context.Context, userID int64)
}

// Gate decides whether a metered action may run. It reads and mutates only
// local state, never the payment provider, so it is safe to call inline on
// the hot path of every metered request.
type Gate struct {
	db      *sql.DB
	plans   catalog.Service
	subs    *subscription.PostgresService
	ledger  *credits.PostgresService
	cache   SummaryCache
	metrics *observability.Metrics
	logger  *observability.Logger

	now func() time.Time
}

// NewGate creates a consumption gate. cache and metrics may be nil.
func NewGate(db *sql.DB, plans catalog.Service, subs *subscription.PostgresService,
	ledger *credits.PostgresService, cache SummaryCache, metrics *observability.Metrics,
	logger *observability.Logger) *Gate {
	return &Gate{
		db:      db,
		plans:   plans,
		subs:    subs,
		ledger:  ledger,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// TryConsume attempts to pay for one unit of quota. The subscription
// allowance is tried first, addon credits second; a unit is never refunded
// if the metered action fails afterwards. Either path decrements with a
// single conditional statement, so two racing requests for the last unit
// cannot both be granted.
func (g *Gate) TryConsume(ctx context.Context, userID int64, quota string) (*Decision, error) {
	decision, err := g.consumeFromSubscription(ctx, userID, quota)
	if err != nil {
		return nil, err
	}

	if !decision.Granted {
		granted, err := g.ledger.ConsumeAddon(ctx, userID, quota)
		if err != nil {
			return nil, err
		}
		if granted {
			decision = &Decision{Granted: true, Source: SourceAddon}
		}
	}

	if decision.Granted && g.cache != nil {
		g.cache.InvalidateSummary(ctx, userID)
	}
	if g.metrics != nil {
		g.metrics.ConsumptionDecisionsTotal.WithLabelValues(quota, string(decision.Source)).Inc()
	}
	g.logger.WithFields(map[string]interface{}{
		"user_id": userID,
		"quota":   quota,
		"granted": decision.Granted,
		"source":  string(decision.Source),
	}).Debug("consumption decision")
	return decision, nil
}

// consumeFromSubscription runs the reset-then-increment sequence inside one
// transaction under the subscription row lock. Many requests may observe a
// period boundary at once; the lock plus the conditional last_reset update
// apply exactly one logical reset per boundary.
func (g *Gate) consumeFromSubscription(ctx context.Context, userID int64, quota string) (*Decision, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	subs := g.subs.WithTx(tx)
	sub, err := subs.CurrentForUpdate(ctx, userID)
	if errors.Is(err, subscription.ErrNotFound) {
		return &Decision{Granted: false, Source: SourceNone}, nil
	}
	if err != nil {
		return nil, err
	}

	plan, err := g.plans.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, fmt.Errorf("subscription %d references unknown plan %d: %w", sub.ID, sub.PlanID, err)
	}

	if err := subs.ApplyLazyReset(ctx, sub, plan.BillingPeriod, g.now()); err != nil {
		return nil, err
	}

	granted, err := subs.IncrementUsage(ctx, sub.ID, quota, plan.Limits[quota])
	if err != nil {
		return nil, err
	}
	if !granted {
		// Nothing mutated unless a reset was applied; commit keeps it.
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit: %w", err)
		}
		return &Decision{Granted: false, Source: SourceNone}, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &Decision{Granted: true, Source: SourceSubscription}, nil
}

// Summary projects the per-quota entitlement state for a user: plan
// allowance plus addon balance, with usage shown as zero when a period
// boundary has passed but no consumption has applied the lazy reset yet.
// It never mutates.
func (g *Gate) Summary(ctx context.Context, userID int64) (map[string]QuotaSummary, error) {
	if g.cache != nil {
		if cached, ok := g.cache.GetSummary(ctx, userID); ok {
			if g.metrics != nil {
				g.metrics.CacheHitsTotal.WithLabelValues("entitlement_summary").Inc()
			}
			return cached, nil
		}
		if g.metrics != nil {
			g.metrics.CacheMissesTotal.WithLabelValues("entitlement_summary").Inc()
		}
	}

	limits := map[string]int{}
	usage := map[string]int{}

	sub, err := g.subs.Current(ctx, userID)
	if err != nil && !errors.Is(err, subscription.ErrNotFound) {
		return nil, err
	}
	if sub != nil {
		plan, err := g.plans.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return nil, fmt.Errorf("subscription %d references unknown plan %d: %w", sub.ID, sub.PlanID, err)
		}
		limits = plan.Limits
		if boundary := subscription.ResetBoundary(sub.LastReset, plan.BillingPeriod, g.now()); boundary.IsZero() {
			usage = sub.Usage
		}
	}

	balances, err := g.ledger.Balances(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := make(map[string]QuotaSummary)
	for quota := range limits {
		summary[quota] = buildQuotaSummary(limits[quota], usage[quota], balances[quota])
	}
	for quota, balance := range balances {
		if _, ok := summary[quota]; !ok {
			summary[quota] = buildQuotaSummary(0, 0, balance)
		}
	}

	if g.cache != nil {
		g.cache.SetSummary(ctx, userID, summary)
	}
	return summary, nil
}

func buildQuotaSummary(limit, used, addon int) QuotaSummary {
	available := limit + addon
	planRemaining := limit - used
	if planRemaining < 0 {
		planRemaining = 0
	}
	s := QuotaSummary{
		Available: available,
		Used:      used,
		Remaining: planRemaining + addon,
	}
	if available > 0 {
		s.PercentageUsed = float64(used) / float64(available) * 100
	}
	return s
}
