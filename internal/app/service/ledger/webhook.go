package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/promptcraft/billing/internal/app/service/subscription"
	models "github.com/promptcraft/billing/internal/models"
	"github.com/promptcraft/billing/pkg/dberr"
	"github.com/promptcraft/billing/pkg/logctx"
	types "github.com/promptcraft/billing/pkg/types"
)

// WebhookInput is a provider-verified status for an existing order.
type WebhookInput struct {
	OrderID    string
	PaymentKey string
	Status     types.PaymentStatus
	// Amount is the provider's amount; nil when the provider omitted it.
	Amount     *int64
	Method     string
	ApprovedAt *time.Time
	Raw        map[string]any
	EventType  string
}

// ApplyWebhookStatus moves an existing order to the verified status.
// Rules: paid is terminal, pending never overwrites another status, and a
// known amount must match the stored one. Unknown orders return
// ErrPaymentNotFound; the delivery is still worth acknowledging.
func (s *Service) ApplyWebhookStatus(ctx context.Context, in WebhookInput) (*ApplyResult, error) {
	log := logctx.FromCtx(ctx, s.log)
	var out *ApplyResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := s.lookupForUpdate(ctx, tx, in.OrderID, in.PaymentKey)
		if err != nil {
			return err
		}
		if in.Amount != nil && *in.Amount != stored.Amount {
			return ErrAmountMismatch
		}
		res := &ApplyResult{Payment: stored}
		eventType := "webhook"
		if in.EventType != "" {
			eventType = "webhook:" + in.EventType
		}

		if stored.Paid() || stored.Status == in.Status ||
			(in.Status == types.PaymentStatusPending && stored.Status != types.PaymentStatusPending) {
			out = res
			return s.appendEvent(ctx, tx, stored.ID, eventType, in.Raw)
		}

		updates := map[string]interface{}{
			"status_code":  in.Status,
			"raw_response": rawJSON(in.Raw),
			"updated_at":   time.Now().UTC(),
		}
		if in.PaymentKey != "" && stored.PaymentKey == nil {
			updates["payment_key"] = in.PaymentKey
		}
		if in.Method != "" {
			updates["method"] = in.Method
		}
		if in.Status == types.PaymentStatusPaid {
			updates["approved_at"] = approvedAt(in.ApprovedAt)
			updates["failure_code"] = nil
			updates["failure_message"] = nil
		}
		upd := tx.WithContext(ctx).Model(&models.Payment{}).
			Where("id = ? AND status_code <> ?", stored.ID, types.PaymentStatusPaid).
			Updates(updates)
		if upd.Error != nil {
			return fmt.Errorf("failed to update payment status: %w", upd.Error)
		}
		if err := tx.WithContext(ctx).Where("id = ?", stored.ID).First(stored).Error; err != nil {
			return fmt.Errorf("failed to reload payment: %w", err)
		}
		res.Transitioned = upd.RowsAffected > 0 && stored.Paid()

		if res.Transitioned {
			planCode := ""
			if stored.PlanCode != nil {
				planCode = *stored.PlanCode
			}
			plan := s.cfg.GetPlan(planCode)
			if plan == nil {
				return subscription.ErrPlanNotFound
			}
			res.Subscription, err = s.sub.ActivateTx(ctx, tx, subscription.ActivateInput{
				UserID:  stored.UserID,
				Plan:    plan,
				OrderID: stored.OrderID,
			})
			if err != nil {
				return err
			}
		}
		out = res
		return s.appendEvent(ctx, tx, stored.ID, eventType, in.Raw)
	})
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) || errors.Is(err, ErrAmountMismatch) {
			return nil, err
		}
		dberr.Log(log, "payments.apply_webhook", err)
		return nil, ErrApplyFailed.Wrap(err, "")
	}
	log.Infow("payment_webhook_applied",
		"order_id", out.Payment.OrderID,
		"status", out.Payment.Status,
		"transitioned", out.Transitioned,
	)
	return out, nil
}

func (s *Service) lookupForUpdate(ctx context.Context, tx *gorm.DB, orderID, paymentKey string) (*models.Payment, error) {
	q := tx.WithContext(ctx).Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
	switch {
	case orderID != "":
		q = q.Where("order_id = ?", orderID)
	case paymentKey != "":
		q = q.Where("payment_key = ?", paymentKey)
	default:
		return nil, ErrPaymentNotFound
	}
	var p models.Payment
	err := q.First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return &p, nil
}
