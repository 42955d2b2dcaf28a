package confirmation

import (
	"context"
	"strings"

	"github.com/promptcraft/billing/internal/app/service/ledger"
	"github.com/promptcraft/billing/pkg/errs"
	"github.com/promptcraft/billing/pkg/logctx"
	types "github.com/promptcraft/billing/pkg/types"
)

type ConfirmInput struct {
	PaymentKey string
	OrderID    string
	Amount     int64
	PlanCode   string
}

type ConfirmResult struct {
	PaymentID string              `json:"payment_id"`
	Status    types.PaymentStatus `json:"status"`
}

// ConfirmPayment confirms a one-off widget payment and applies it. Every
// check that can reject the payment runs before the ledger is touched.
func (s *Service) ConfirmPayment(ctx context.Context, userID string, in ConfirmInput) (*ConfirmResult, error) {
	in.PaymentKey, in.OrderID = strings.TrimSpace(in.PaymentKey), strings.TrimSpace(in.OrderID)
	if in.PaymentKey == "" || in.OrderID == "" || in.Amount <= 0 {
		return nil, errs.ErrInvalidInput
	}
	plan, err := s.billablePlan(in.PlanCode)
	if err != nil {
		return nil, err
	}
	if in.Amount != plan.Price {
		return nil, ledger.ErrAmountMismatch
	}
	if err := s.checkOrderOwner(ctx, userID, in.OrderID, false); err != nil {
		return nil, err
	}

	log := logctx.FromCtx(ctx, s.log)
	confirmed, err := s.gw.ConfirmPayment(ctx, in.PaymentKey, in.OrderID, in.Amount)
	if err != nil {
		log.Warnw("payment_confirm_rejected", "order_id", in.OrderID, "error", err)
		return nil, upstream(ErrConfirmFailed, err)
	}

	switch {
	case confirmed.OrderID != "" && confirmed.OrderID != in.OrderID:
		err = ErrOrderMismatch
	case confirmed.PaymentKey != "" && confirmed.PaymentKey != in.PaymentKey:
		err = ErrPaymentMismatch
	case confirmed.AmountDiffers(in.Amount):
		err = ledger.ErrAmountMismatch
	case confirmed.Status != "" && !IsPaidStatus(confirmed.Status):
		err = ErrNotApproved
	}
	if err != nil {
		log.Warnw("payment_confirm_mismatch",
			"order_id", in.OrderID,
			"provider_order_id", confirmed.OrderID,
			"provider_status", confirmed.Status,
			"error", err,
		)
		return nil, err
	}

	paid := ledger.ProviderPaid(confirmed)
	paid.UserID = userID
	paid.OrderID = in.OrderID
	paid.PaymentKey = in.PaymentKey
	paid.Amount = in.Amount
	paid.PlanCode = plan.Code
	paid.EventType = "confirm"
	res, err := s.ledger.ApplyPaid(ctx, paid)
	if err != nil {
		log.Errorw("payment_apply_failed", "order_id", in.OrderID, "payment_key", in.PaymentKey, "error", err)
		return nil, err
	}
	return &ConfirmResult{PaymentID: res.Payment.ID, Status: res.Payment.Status}, nil
}
