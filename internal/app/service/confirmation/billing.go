package confirmation

import (
	"context"
	"errors"
	"strings"

	"github.com/promptcraft/billing/internal/app/service/billing_profile"
	"github.com/promptcraft/billing/internal/app/service/ledger"
	"github.com/promptcraft/billing/internal/app/service/subscription"
	models "github.com/promptcraft/billing/internal/models"
	"github.com/promptcraft/billing/internal/platform/toss"
	"github.com/promptcraft/billing/pkg/errs"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/mask"
	"github.com/promptcraft/billing/pkg/tool"
	types "github.com/promptcraft/billing/pkg/types"
)

type IssueInput struct {
	AuthKey     string
	CustomerKey string
	PlanCode    string
	// OrderID is optional; a sub_{plan}_{uuid} id is generated when empty.
	OrderID string
}

type IssueResult struct {
	Profile *models.BillingProfile
	Payment *models.Payment
}

// IssueBillingKey registers a card and charges the first period with it.
func (s *Service) IssueBillingKey(ctx context.Context, userID string, in IssueInput) (*IssueResult, error) {
	in.AuthKey, in.CustomerKey = strings.TrimSpace(in.AuthKey), strings.TrimSpace(in.CustomerKey)
	if in.AuthKey == "" || in.CustomerKey == "" {
		return nil, errs.ErrInvalidInput
	}
	plan, err := s.billablePlan(in.PlanCode)
	if err != nil {
		return nil, err
	}
	orderID := strings.TrimSpace(in.OrderID)
	if orderID == "" {
		orderID = tool.NewOrderID("sub", plan.Code)
	} else if err := s.checkOrderOwner(ctx, userID, orderID, true); err != nil {
		return nil, err
	}

	profile, err := s.issueAndStore(ctx, userID, in.AuthKey, in.CustomerKey, "")
	if err != nil {
		return nil, err
	}

	log := logctx.FromCtx(ctx, s.log)
	charged, err := s.gw.ChargeBillingKey(ctx, toss.ChargeRequest{
		BillingKey:  profile.BillingKey,
		CustomerKey: profile.CustomerKey,
		Amount:      plan.Price,
		OrderID:     orderID,
		OrderName:   s.orderName(plan),
	})
	if err != nil {
		log.Warnw("billing_charge_failed", "user_id", userID, "order_id", orderID, "error", err)
		s.recordChargeFailure(ctx, userID, orderID, plan, err)
		return nil, upstream(ErrChargeFailed, err)
	}

	paid := ledger.ProviderPaid(charged)
	paid.UserID = userID
	paid.OrderID = orderID
	paid.Amount = plan.Price
	paid.PlanCode = plan.Code
	paid.EventType = "billing_charge"
	res, err := s.ledger.ApplyPaid(ctx, paid)
	if err != nil {
		log.Errorw("payment_apply_failed",
			"user_id", userID,
			"order_id", orderID,
			"payment_key", charged.PaymentKey,
			"error", err,
		)
		return nil, err
	}
	return &IssueResult{Profile: profile, Payment: res.Payment}, nil
}

// checkOrderOwner rejects a client-supplied order id already stored for
// another user. With rejectPaid a paid order of the same user is rejected
// too; charging it again would never be applied.
func (s *Service) checkOrderOwner(ctx context.Context, userID, orderID string, rejectPaid bool) error {
	existing, err := s.ledger.GetByOrderID(ctx, orderID)
	if errors.Is(err, ledger.ErrPaymentNotFound) {
		return nil
	}
	if err != nil {
		return errs.ErrInternal.Wrap(err, "")
	}
	if existing.UserID != userID || (rejectPaid && existing.Paid()) {
		logctx.FromCtx(ctx, s.log).Warnw("order_id_taken",
			"user_id", userID,
			"order_id", orderID,
			"owner_matches", existing.UserID == userID,
			"status", existing.Status,
		)
		return ErrOrderTaken
	}
	return nil
}

// recordChargeFailure stores the failed first charge. A failure to record it
// is logged only; the caller already reports the charge failure.
func (s *Service) recordChargeFailure(ctx context.Context, userID, orderID string, plan *types.Plan, cause error) {
	in := ledger.FailedInput{
		UserID:    userID,
		OrderID:   orderID,
		Amount:    plan.Price,
		Currency:  plan.Currency,
		PlanCode:  plan.Code,
		Raw:       toss.PayloadOf(cause),
		EventType: "billing_charge_failed",
	}
	if pe, ok := toss.AsProviderError(cause); ok {
		in.FailureCode, in.FailureMessage = pe.Code, pe.Message
	} else {
		in.FailureMessage = cause.Error()
	}
	if _, err := s.ledger.ApplyFailed(ctx, in); err != nil {
		logctx.FromCtx(ctx, s.log).Errorw("billing_charge_failure_not_recorded", "order_id", orderID, "error", err)
	}
}

// UpdateBillingKey swaps the stored card without charging. Renewals that
// stopped after failed charges resume with the next batch.
func (s *Service) UpdateBillingKey(ctx context.Context, userID, authKey, customerKey string) (*models.BillingProfile, error) {
	authKey, customerKey = strings.TrimSpace(authKey), strings.TrimSpace(customerKey)
	if authKey == "" || customerKey == "" {
		return nil, errs.ErrInvalidInput
	}
	profile, err := s.issueAndStore(ctx, userID, authKey, customerKey, "결제수단 변경에 실패했습니다.")
	if err != nil {
		return nil, err
	}
	if _, err := s.subs.ResumeBilling(ctx, userID); err != nil {
		logctx.FromCtx(ctx, s.log).Errorw("subscription_resume_failed", "user_id", userID, "error", err)
	}
	return profile, nil
}

func (s *Service) issueAndStore(ctx context.Context, userID, authKey, customerKey, failMessage string) (*models.BillingProfile, error) {
	log := logctx.FromCtx(ctx, s.log)
	issued, err := s.gw.IssueBillingKey(ctx, authKey, customerKey)
	if err != nil {
		log.Warnw("billing_issue_failed", "user_id", userID, "error", err)
		return nil, upstream(ErrIssueFailed, err)
	}
	if issued == nil || strings.TrimSpace(issued.BillingKey) == "" {
		log.Warnw("billing_key_missing", "user_id", userID)
		return nil, ErrKeyMissing
	}
	profile, err := s.profiles.Upsert(ctx, billing_profile.UpsertInput{
		UserID:      userID,
		CustomerKey: customerKey,
		Issued:      issued,
	})
	if err != nil {
		log.Errorw("billing_profile_failed", "user_id", userID, "billing_key", mask.Last4(issued.BillingKey), "error", err)
		return nil, billing_profile.ErrUpsertFailed.Wrap(err, failMessage)
	}
	return profile, nil
}

// CancelBilling revokes the stored key at the provider and schedules the
// subscription to end with the current period.
func (s *Service) CancelBilling(ctx context.Context, userID string) (*models.Subscription, error) {
	log := logctx.FromCtx(ctx, s.log)
	profile, err := s.profiles.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile.BillingKey == "" {
		return nil, billing_profile.ErrNotFound
	}
	sub, err := s.subs.Get(ctx, userID)
	if err != nil {
		return nil, ErrCancelFailed.Wrap(err, "")
	}
	if sub.Status != types.SubscriptionStatusActive {
		return nil, subscription.ErrNotActive
	}

	if profile.Active() {
		res, err := s.gw.RevokeBillingKey(ctx, profile.BillingKey, profile.CustomerKey)
		if err != nil {
			log.Warnw("billing_revoke_failed", "user_id", userID, "billing_key", mask.Last4(profile.BillingKey), "error", err)
			return nil, upstream(ErrRevokeFailed, err)
		}
		log.Infow("billing_key_revoked", "user_id", userID, "endpoint", res.Endpoint, "fallback", res.Fallback)
		if err := s.profiles.MarkRevoked(ctx, userID); err != nil {
			return nil, ErrCancelFailed.Wrap(err, "")
		}
	}

	out, err := s.subs.ScheduleCancel(ctx, userID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotActive) {
			return nil, err
		}
		log.Errorw("cancel_failed", "user_id", userID, "error", err)
		return nil, ErrCancelFailed.Wrap(err, "")
	}
	return out, nil
}

// UndoCancel keeps the plan past the current period. When the key was
// already revoked the user has to register a card again before the next
// renewal, otherwise the subscription ends at period end.
func (s *Service) UndoCancel(ctx context.Context, userID string) (*models.Subscription, error) {
	out, err := s.subs.UndoCancel(ctx, userID)
	if err != nil {
		if errors.Is(err, subscription.ErrNotActive) {
			return nil, err
		}
		logctx.FromCtx(ctx, s.log).Errorw("cancel_undo_failed", "user_id", userID, "error", err)
		return nil, ErrUndoFailed.Wrap(err, "")
	}
	return out, nil
}

// RecordAttempt stores a client-side authorization outcome.
func (s *Service) RecordAttempt(ctx context.Context, userID string, in ledger.AttemptInput) error {
	in.UserID = userID
	if _, err := s.ledger.RecordAttempt(ctx, in); err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			return err
		}
		return errs.ErrInternal.Wrap(err, "")
	}
	return nil
}
