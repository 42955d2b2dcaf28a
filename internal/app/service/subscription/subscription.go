package subscription

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	models "github.com/promptcraft/billing/internal/models"
	"github.com/promptcraft/billing/pkg/dberr"
	"github.com/promptcraft/billing/pkg/logctx"
	types "github.com/promptcraft/billing/pkg/types"
)

const billingPeriodMonths = 1

type ActivateInput struct {
	UserID  string
	Plan    *types.Plan
	OrderID string
	// Renewal marks a recurring charge. Renewals keep the billing cadence
	// and leave a scheduled cancellation alone.
	Renewal bool
}

// ActivateTx applies a settled payment to the subscription inside tx:
// status active, period extended by one month, usage reset.
func (s *Service) ActivateTx(ctx context.Context, tx *gorm.DB, in ActivateInput) (*models.Subscription, error) {
	if in.Plan == nil {
		return nil, ErrPlanNotFound
	}
	sub, found, err := s.lockForUpdate(ctx, tx, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	before := snapshot(sub, found)
	if !found {
		sub = &models.Subscription{UserID: in.UserID}
	}

	now := s.now()
	start := periodBase(sub, in.Plan.Code, in.Renewal, now)
	end := start.AddDate(0, billingPeriodMonths, 0)

	sub.PlanCode = in.Plan.Code
	sub.Status = types.SubscriptionStatusActive
	sub.RewriteUsed = 0
	sub.RewriteLimit = in.Plan.RewriteLimit
	sub.CurrentPeriodStart = &start
	sub.CurrentPeriodEnd = &end
	sub.CanceledAt = nil
	sub.FailedChargeCount = 0
	sub.LastChargeFailedAt = nil
	if !in.Renewal {
		sub.CancelAt = nil
		sub.CancelRequestedAt = nil
	}

	reason := types.SubscriptionChangeReasonActivate
	if in.Renewal {
		reason = types.SubscriptionChangeReasonRenew
	}
	if err := s.save(ctx, tx, before, sub, reason, map[string]interface{}{"order_id": in.OrderID}); err != nil {
		return nil, err
	}
	return sub, nil
}

// periodBase picks where the new period starts. Renewals continue from the
// previous end unless it lapsed by more than a full period. A repeat
// purchase of the same plan stacks on the remaining time.
func periodBase(sub *models.Subscription, planCode string, renewal bool, now time.Time) time.Time {
	end := sub.CurrentPeriodEnd
	if end == nil {
		return now
	}
	if renewal {
		if end.AddDate(0, billingPeriodMonths, 0).After(now) {
			return end.UTC()
		}
		return now
	}
	if sub.Billable() && sub.PlanCode == planCode && end.After(now) {
		return end.UTC()
	}
	return now
}

// ScheduleCancel sets cancel_at to the end of the current period. It is
// idempotent while a cancellation is already pending.
func (s *Service) ScheduleCancel(ctx context.Context, userID string) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.inTx(ctx, "subscriptions.schedule_cancel", func(tx *gorm.DB) error {
		sub, found, err := s.lockForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !found || sub.Status != types.SubscriptionStatusActive || sub.CurrentPeriodEnd == nil {
			return ErrNotActive
		}
		if sub.CancelAt != nil && sub.CancelAt.Equal(*sub.CurrentPeriodEnd) {
			out = sub
			return nil
		}
		before := snapshot(sub, true)
		now := s.now()
		cancelAt := sub.CurrentPeriodEnd.UTC()
		sub.CancelAt = &cancelAt
		sub.CancelRequestedAt = &now
		if err := s.save(ctx, tx, before, sub, types.SubscriptionChangeReasonScheduleCancel, nil); err != nil {
			return err
		}
		out = sub
		return nil
	})
	return out, err
}

// UndoCancel clears a pending cancellation. A subscription left without an
// active billing profile still ends at period end through finalization.
func (s *Service) UndoCancel(ctx context.Context, userID string) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.inTx(ctx, "subscriptions.undo_cancel", func(tx *gorm.DB) error {
		sub, found, err := s.lockForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !found || sub.Status != types.SubscriptionStatusActive {
			return ErrNotActive
		}
		if sub.CancelAt == nil {
			out = sub
			return nil
		}
		before := snapshot(sub, true)
		sub.CancelAt = nil
		sub.CancelRequestedAt = nil
		if err := s.save(ctx, tx, before, sub, types.SubscriptionChangeReasonUndoCancel, nil); err != nil {
			return err
		}
		out = sub
		return nil
	})
	return out, err
}

func hasActiveBillingProfile(ctx context.Context, tx *gorm.DB, userID string) (bool, error) {
	var n int64
	err := tx.WithContext(ctx).Model(&models.BillingProfile{}).
		Where("user_id = ? AND status_code = ?", userID, types.BillingProfileStatusActive).
		Where("billing_key <> ''").
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to check billing profile: %w", err)
	}
	return n > 0, nil
}

// FinalizeCancellations moves to canceled every billable subscription whose
// cancel_at has passed, and every one whose period ended without an active
// billing profile to renew it. It returns the number of rows changed.
func (s *Service) FinalizeCancellations(ctx context.Context, now time.Time) (int, error) {
	log := logctx.FromCtx(ctx, s.log)
	var candidates []*models.Subscription
	err := s.db.WithContext(ctx).
		Where("status_code IN ?", []types.SubscriptionStatus{types.SubscriptionStatusActive, types.SubscriptionStatusPastDue}).
		Where(s.db.
			Where("cancel_at IS NOT NULL AND cancel_at <= ?", now).
			Or("current_period_end <= ? AND NOT EXISTS (?)", now,
				s.db.Model(&models.BillingProfile{}).Select("1").
					Where("billing_profiles.user_id = subscriptions.user_id AND billing_profiles.status_code = ?", types.BillingProfileStatusActive))).
		Find(&candidates).Error
	if err != nil {
		dberr.Log(log, "subscriptions.finalize_cancellations.list", err)
		return 0, fmt.Errorf("failed to list cancellations: %w", err)
	}

	changed := 0
	for _, c := range candidates {
		done, err := s.finalizeOne(ctx, c.UserID, now)
		if err != nil {
			log.Errorw("subscription_finalize_failed", "user_id", c.UserID, "error", err)
			continue
		}
		if done {
			changed++
		}
	}
	return changed, nil
}

func (s *Service) finalizeOne(ctx context.Context, userID string, now time.Time) (bool, error) {
	done := false
	err := s.inTx(ctx, "subscriptions.finalize_cancel", func(tx *gorm.DB) error {
		sub, found, err := s.lockForUpdate(ctx, tx, userID)
		if err != nil || !found || !sub.Billable() {
			return err
		}
		due := sub.CancelAt != nil && !sub.CancelAt.After(now)
		if !due && sub.CurrentPeriodEnd != nil && !sub.CurrentPeriodEnd.After(now) {
			ok, err := hasActiveBillingProfile(ctx, tx, userID)
			if err != nil {
				return err
			}
			due = !ok
		}
		if !due {
			return nil
		}
		before := snapshot(sub, true)
		free := s.cfg.FreePlan()
		sub.Status = types.SubscriptionStatusCanceled
		sub.PlanCode = free.Code
		sub.RewriteLimit = free.RewriteLimit
		sub.CancelAt = nil
		sub.CanceledAt = &now
		if err := s.save(ctx, tx, before, sub, types.SubscriptionChangeReasonFinalizeCancel, nil); err != nil {
			return err
		}
		done = true
		return nil
	})
	return done, err
}

// Due is a subscription ready to renew together with the key to charge.
type Due struct {
	Subscription *models.Subscription
	BillingKey   string
	CustomerKey  string
}

// DueForBilling lists active subscriptions whose period ended at or before
// cutoff, with no cancellation due by cutoff and an active billing profile.
// A subscription whose last renewal failed within billing.retry_interval is
// left for a later run. past_due subscriptions are not charged until the
// card is replaced.
func (s *Service) DueForBilling(ctx context.Context, cutoff time.Time) ([]*Due, error) {
	log := logctx.FromCtx(ctx, s.log)
	var subs []*models.Subscription
	err := s.db.WithContext(ctx).
		Where("status_code = ?", types.SubscriptionStatusActive).
		Where("current_period_end IS NOT NULL AND current_period_end <= ?", cutoff).
		Where("cancel_at IS NULL OR cancel_at > ?", cutoff).
		Where("last_charge_failed_at IS NULL OR last_charge_failed_at <= ?", cutoff.Add(-s.cfg.Billing.RetryInterval)).
		Order("current_period_end ASC").
		Find(&subs).Error
	if err != nil {
		dberr.Log(log, "subscriptions.due_for_billing", err)
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}

	userIDs := make([]string, 0, len(subs))
	for _, sub := range subs {
		userIDs = append(userIDs, sub.UserID)
	}
	var profiles []*models.BillingProfile
	if err := s.db.WithContext(ctx).
		Where("user_id IN ? AND status_code = ?", userIDs, types.BillingProfileStatusActive).
		Find(&profiles).Error; err != nil {
		dberr.Log(log, "billing_profiles.list_active", err)
		return nil, fmt.Errorf("failed to list billing profiles: %w", err)
	}
	byUser := make(map[string]*models.BillingProfile, len(profiles))
	for _, p := range profiles {
		if p.Active() {
			byUser[p.UserID] = p
		}
	}

	out := make([]*Due, 0, len(subs))
	for _, sub := range subs {
		p, ok := byUser[sub.UserID]
		if !ok {
			continue
		}
		out = append(out, &Due{Subscription: sub, BillingKey: p.BillingKey, CustomerKey: p.CustomerKey})
	}
	return out, nil
}

// RecordChargeFailure counts a failed renewal. After billing.max_failed_charges
// consecutive failures an active subscription becomes past_due and renewals
// stop until ResumeBilling.
func (s *Service) RecordChargeFailure(ctx context.Context, userID, orderID string) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.inTx(ctx, "subscriptions.record_charge_failure", func(tx *gorm.DB) error {
		sub, found, err := s.lockForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotActive
		}
		before := snapshot(sub, true)
		now := s.now()
		sub.FailedChargeCount++
		sub.LastChargeFailedAt = &now

		reason := types.SubscriptionChangeReasonChargeFailed
		limit := s.cfg.Billing.MaxFailedCharges
		if limit > 0 && sub.FailedChargeCount >= limit && sub.Status == types.SubscriptionStatusActive {
			sub.Status = types.SubscriptionStatusPastDue
			reason = types.SubscriptionChangeReasonPastDue
		}
		if err := s.save(ctx, tx, before, sub, reason, map[string]interface{}{
			"order_id":            orderID,
			"failed_charge_count": sub.FailedChargeCount,
		}); err != nil {
			return err
		}
		out = sub
		return nil
	})
	return out, err
}

// ResumeBilling clears the failure count after the card was replaced so the
// next batch charges the subscription again. A past_due subscription becomes
// active. It is a no-op for subscriptions without failures.
func (s *Service) ResumeBilling(ctx context.Context, userID string) (*models.Subscription, error) {
	var out *models.Subscription
	err := s.inTx(ctx, "subscriptions.resume_billing", func(tx *gorm.DB) error {
		sub, found, err := s.lockForUpdate(ctx, tx, userID)
		if err != nil || !found {
			return err
		}
		out = sub
		if !sub.Billable() || (sub.FailedChargeCount == 0 && sub.LastChargeFailedAt == nil) {
			return nil
		}
		before := snapshot(sub, true)
		sub.Status = types.SubscriptionStatusActive
		sub.FailedChargeCount = 0
		sub.LastChargeFailedAt = nil
		return s.save(ctx, tx, before, sub, types.SubscriptionChangeReasonBillingResumed, nil)
	})
	return out, err
}
