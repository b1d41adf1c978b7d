// Package quota enforces the monthly execution allowance. Usage counts
// attempt-1 terminal outcomes of real executions; retries and internal
// callback executions ride for free. Windows roll lazily on write and are
// swept by the janitor for orgs that went quiet.
package quota

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tickloom/tickloom/server/notify"
	"github.com/tickloom/tickloom/server/observability"
	"github.com/tickloom/tickloom/server/store"
)

// Limits holds the per-tier monthly execution allowance.
type Limits struct {
	Free int64
	Pro  int64
}

func (l Limits) ForTier(t store.Tier) int64 {
	if t == store.TierPro {
		return l.Pro
	}
	return l.Free
}

type Accountant struct {
	store    store.Store
	notifier *notify.Notifier
	limits   Limits
}

func NewAccountant(st store.Store, n *notify.Notifier, limits Limits) *Accountant {
	return &Accountant{store: st, notifier: n, limits: limits}
}

// Exhausted reports whether the org has no quota left in its current
// window. A lapsed window counts as fresh; the next write rolls it.
func (a *Accountant) Exhausted(org *store.Organization, now time.Time) bool {
	if !org.ResetAt.After(now) {
		return false
	}
	return org.ExecCount >= a.limits.ForTier(org.Tier)
}

// Admit refuses new API-initiated work once the quota is exhausted.
// In-flight executions and retries are never refused.
func (a *Accountant) Admit(ctx context.Context, orgID string, now time.Time) error {
	org, err := a.store.GetOrganization(ctx, orgID)
	if err != nil {
		return err
	}
	if org == nil {
		return fmt.Errorf("organization %s: %w", orgID, store.ErrNotFound)
	}
	if a.Exhausted(org, now) {
		observability.QuotaRefusals.Inc()
		return fmt.Errorf("organization %s: %w", orgID, store.ErrQuotaExceeded)
	}
	return nil
}

// Record counts one finished first-attempt execution and fires the 80%
// and 100% events. The sent markers make each event at-most-once per
// window even with concurrent workers.
func (a *Accountant) Record(ctx context.Context, orgID string, now time.Time) {
	org, err := a.store.RecordQuotaUsage(ctx, orgID, now)
	if err != nil {
		log.Printf("[quota] record %s: %v", orgID, err)
		return
	}
	limit := a.limits.ForTier(org.Tier)
	if limit <= 0 {
		return
	}

	warnAt := limit * 80 / 100
	if org.ExecCount >= warnAt && org.ExecCount < limit {
		if won, err := a.store.MarkQuotaWarningSent(ctx, org.ID, now); err != nil {
			log.Printf("[quota] mark warning %s: %v", org.ID, err)
		} else if won {
			a.notifier.QuotaWarning(ctx, org, org.ExecCount, limit)
		}
	}
	if org.ExecCount >= limit {
		if won, err := a.store.MarkQuotaReachedSent(ctx, org.ID, now); err != nil {
			log.Printf("[quota] mark reached %s: %v", org.ID, err)
		} else if won {
			a.notifier.QuotaReached(ctx, org, org.ExecCount, limit)
		}
	}
}
