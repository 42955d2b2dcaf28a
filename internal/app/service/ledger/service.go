package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/promptcraft/billing/internal/app/service/subscription"
	models "github.com/promptcraft/billing/internal/models"
	"github.com/promptcraft/billing/internal/platform/toss"
	"github.com/promptcraft/billing/pkg/config"
	"github.com/promptcraft/billing/pkg/dberr"
	"github.com/promptcraft/billing/pkg/errs"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/tool"
	types "github.com/promptcraft/billing/pkg/types"
)

var (
	ErrPaymentNotFound = errs.NotFound("payment_not_found", "결제 정보를 찾을 수 없습니다.")
	ErrAmountMismatch  = errs.Validation("amount_mismatch", "결제 금액이 일치하지 않습니다.")
	ErrApplyFailed     = errs.ApplyFailed("payment_apply_failed", "결제 반영에 실패했습니다.")
	ErrInvalidAttempt  = errs.Validation("invalid_input", "입력값이 올바르지 않습니다.")
)

const defaultCurrency = "KRW"

// Service is the payment ledger. Every write is keyed by order_id so the
// confirmation path, the webhook and the recurring job can all apply the
// same order without double counting.
type Service struct {
	cfg *config.Config
	db  *gorm.DB
	log *zap.SugaredLogger
	sub *subscription.Service
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger, sub *subscription.Service) *Service {
	return &Service{cfg: cfg, db: db, log: log, sub: sub}
}

// ApplyResult describes one ledger application. Transitioned is true only
// for the call that moved the order into paid.
type ApplyResult struct {
	Payment      *models.Payment
	Transitioned bool
	Subscription *models.Subscription
}

type PaidInput struct {
	UserID      string
	OrderID     string
	PaymentKey  string
	Amount      int64
	Currency    string
	Method      string
	PlanCode    string
	RequestedAt *time.Time
	ApprovedAt  *time.Time
	Raw         map[string]any
	// Renewal is set by the recurring job.
	Renewal bool
	// EventType, when set, appends a payment event in the same transaction.
	EventType string
}

// ProviderPaid copies the provider-owned fields of a settled payment.
// Callers fill in the user, order, amount and plan.
func ProviderPaid(p *toss.Payment) PaidInput {
	if p == nil {
		return PaidInput{}
	}
	return PaidInput{
		PaymentKey:  p.PaymentKey,
		Currency:    p.Currency,
		Method:      p.Method,
		RequestedAt: p.RequestedAt,
		ApprovedAt:  p.ApprovedAt,
		Raw:         p.Raw,
	}
}

// ApplyPaid settles an order as paid. The first application activates or
// renews the subscription in the same transaction; later ones are no-ops.
func (s *Service) ApplyPaid(ctx context.Context, in PaidInput) (*ApplyResult, error) {
	plan := s.cfg.GetPlan(in.PlanCode)
	if plan == nil {
		return nil, subscription.ErrPlanNotFound
	}
	log := logctx.FromCtx(ctx, s.log)
	var out *ApplyResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p := &models.Payment{
			ID:           tool.GenerateUUIDV7(),
			UserID:       in.UserID,
			OrderID:      in.OrderID,
			PaymentKey:   optional(in.PaymentKey),
			Status:       types.PaymentStatusPaid,
			Amount:       in.Amount,
			Currency:     currencyOr(in.Currency),
			Method:       optional(in.Method),
			PlanCode:     optional(plan.Code),
			ProviderCode: types.PaymentProviderToss,
			RequestedAt:  in.RequestedAt,
			ApprovedAt:   approvedAt(in.ApprovedAt),
			RawResponse:  rawJSON(in.Raw),
		}
		affected, err := s.upsert(ctx, tx, p)
		if err != nil {
			return err
		}
		stored, err := s.byOrderID(ctx, tx, in.OrderID)
		if err != nil {
			return err
		}
		res := &ApplyResult{Payment: stored, Transitioned: affected > 0 && stored.Paid()}
		if res.Transitioned {
			res.Subscription, err = s.sub.ActivateTx(ctx, tx, subscription.ActivateInput{
				UserID:  stored.UserID,
				Plan:    plan,
				OrderID: stored.OrderID,
				Renewal: in.Renewal,
			})
			if err != nil {
				return err
			}
		}
		if in.EventType != "" {
			if err := s.appendEvent(ctx, tx, stored.ID, in.EventType, in.Raw); err != nil {
				return err
			}
		}
		out = res
		return nil
	})
	if err != nil {
		dberr.Log(log, "payments.apply_paid", err)
		return nil, ErrApplyFailed.Wrap(err, "")
	}
	log.Infow("payment_applied",
		"order_id", in.OrderID,
		"status", types.PaymentStatusPaid,
		"transitioned", out.Transitioned,
	)
	return out, nil
}

type FailedInput struct {
	UserID         string
	OrderID        string
	PaymentKey     string
	Amount         int64
	Currency       string
	PlanCode       string
	FailureCode    string
	FailureMessage string
	Raw            map[string]any
	EventType      string
}

// ApplyFailed records a failed attempt. A paid order is never overwritten.
func (s *Service) ApplyFailed(ctx context.Context, in FailedInput) (*models.Payment, error) {
	log := logctx.FromCtx(ctx, s.log)
	now := time.Now().UTC()
	var stored *models.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p := &models.Payment{
			ID:             tool.GenerateUUIDV7(),
			UserID:         in.UserID,
			OrderID:        in.OrderID,
			PaymentKey:     optional(in.PaymentKey),
			Status:         types.PaymentStatusFailed,
			Amount:         in.Amount,
			Currency:       currencyOr(in.Currency),
			PlanCode:       optional(in.PlanCode),
			ProviderCode:   types.PaymentProviderToss,
			RequestedAt:    &now,
			FailureCode:    optional(in.FailureCode),
			FailureMessage: optional(in.FailureMessage),
			RawResponse:    rawJSON(in.Raw),
		}
		if _, err := s.upsert(ctx, tx, p); err != nil {
			return err
		}
		var err error
		stored, err = s.byOrderID(ctx, tx, in.OrderID)
		if err != nil {
			return err
		}
		if in.EventType != "" {
			return s.appendEvent(ctx, tx, stored.ID, in.EventType, in.Raw)
		}
		return nil
	})
	if err != nil {
		dberr.Log(log, "payments.apply_failed", err)
		return nil, ErrApplyFailed.Wrap(err, "")
	}
	log.Infow("payment_applied", "order_id", in.OrderID, "status", stored.Status, "failure_code", in.FailureCode)
	return stored, nil
}

// upsert inserts p or updates the existing order unless it is already paid.
// The returned count is zero when the order was paid before this call.
func (s *Service) upsert(ctx context.Context, tx *gorm.DB, p *models.Payment) (int64, error) {
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"payment_key":     gorm.Expr("COALESCE(excluded.payment_key, payments.payment_key)"),
			"status_code":     gorm.Expr("excluded.status_code"),
			"amount":          gorm.Expr("excluded.amount"),
			"currency":        gorm.Expr("excluded.currency"),
			"method":          gorm.Expr("COALESCE(excluded.method, payments.method)"),
			"plan_code":       gorm.Expr("COALESCE(excluded.plan_code, payments.plan_code)"),
			"requested_at":    gorm.Expr("COALESCE(payments.requested_at, excluded.requested_at)"),
			"approved_at":     gorm.Expr("COALESCE(excluded.approved_at, payments.approved_at)"),
			"failure_code":    gorm.Expr("excluded.failure_code"),
			"failure_message": gorm.Expr("excluded.failure_message"),
			"raw_response":    gorm.Expr("excluded.raw_response"),
			"updated_at":      gorm.Expr("excluded.updated_at"),
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "payments.status_code <> ?", Vars: []interface{}{types.PaymentStatusPaid}},
		}},
	}).Create(p)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to upsert payment: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Service) byOrderID(ctx context.Context, tx *gorm.DB, orderID string) (*models.Payment, error) {
	var p models.Payment
	err := tx.WithContext(ctx).Where("order_id = ?", orderID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return &p, nil
}

func (s *Service) GetByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	p, err := s.byOrderID(ctx, s.db, orderID)
	if err != nil && !errors.Is(err, ErrPaymentNotFound) {
		dberr.Log(logctx.FromCtx(ctx, s.log), "payments.get", err)
	}
	return p, err
}

func (s *Service) appendEvent(ctx context.Context, tx *gorm.DB, paymentID, eventType string, payload map[string]any) error {
	ev := &models.PaymentEvent{
		ID:           tool.GenerateUUIDV7(),
		PaymentID:    paymentID,
		ProviderCode: types.PaymentProviderToss,
		EventType:    eventType,
		EventPayload: rawJSON(payload),
	}
	if err := tx.WithContext(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("failed to append payment event: %w", err)
	}
	return nil
}

// AppendEvent adds an audit entry to a payment. Events are never updated.
func (s *Service) AppendEvent(ctx context.Context, paymentID, eventType string, payload map[string]any) error {
	if err := s.appendEvent(ctx, s.db, paymentID, eventType, payload); err != nil {
		dberr.Log(logctx.FromCtx(ctx, s.log), "payment_events.insert", err)
		return err
	}
	return nil
}

func (s *Service) Events(ctx context.Context, paymentID string) ([]*models.PaymentEvent, error) {
	var out []*models.PaymentEvent
	if err := s.db.WithContext(ctx).Where("payment_id = ?", paymentID).Order("created_at ASC, id ASC").Find(&out).Error; err != nil {
		dberr.Log(logctx.FromCtx(ctx, s.log), "payment_events.list", err)
		return nil, fmt.Errorf("failed to list payment events: %w", err)
	}
	return out, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func currencyOr(c string) string {
	if c == "" {
		return defaultCurrency
	}
	return c
}

func approvedAt(t *time.Time) *time.Time {
	if t != nil {
		return t
	}
	now := time.Now().UTC()
	return &now
}

func rawJSON(raw map[string]any) datatypes.JSON {
	if raw == nil {
		return datatypes.JSON("{}")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(b)
}
