package notification_handler

import (
	"context"
	"errors"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/promptcraft/billing/internal/app/service/billing_profile"
	"github.com/promptcraft/billing/internal/app/service/ledger"
	notificationlog "github.com/promptcraft/billing/internal/app/service/notification_log"
	models "github.com/promptcraft/billing/internal/models"
	"github.com/promptcraft/billing/internal/platform/toss"
	"github.com/promptcraft/billing/pkg/config"
	"github.com/promptcraft/billing/pkg/errs"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/metrics"
	"github.com/promptcraft/billing/pkg/mask"
	"github.com/promptcraft/billing/pkg/types"
)

var (
	ErrInvalidPayload    = errs.Validation("invalid_payload", "요청 본문이 올바르지 않습니다.")
	ErrMissingPaymentKey = errs.Validation("missing_payment_key", "paymentKey가 없어 검증할 수 없습니다.")
	ErrFetchFailed       = errs.Upstream("payment_fetch_failed", "결제 조회에 실패했습니다.")
	ErrApplyFailed       = errs.Internal("webhook_apply_failed", "웹훅 처리 실패")
	ErrRevokeFailed      = errs.Internal("billing_revoke_failed", "빌링키 해지 처리 실패")
)

// Outcome is the result of one webhook delivery. Ignored deliveries are
// acknowledged without changing any state.
type Outcome struct {
	EventType     string              `json:"event_type"`
	Ignored       bool                `json:"ignored"`
	PaymentStatus types.PaymentStatus `json:"status,omitempty"`
	OrderID       string              `json:"order_id,omitempty"`
	Transitioned  bool                `json:"transitioned,omitempty"`
	RevokedUsers  int                 `json:"revoked_users,omitempty"`
}

type NotificationHandler struct {
	cfg      *config.Config
	gw       toss.Gateway
	ledger   *ledger.Service
	profiles *billing_profile.Service
	notifSvc *notificationlog.Service
	rec      *metrics.Recorder
	Logger   *zap.SugaredLogger
}

func NewNotificationHandler(
	cfg *config.Config,
	gw toss.Gateway,
	ledgerSvc *ledger.Service,
	profiles *billing_profile.Service,
	notif *notificationlog.Service,
	rec *metrics.Recorder,
	log *zap.SugaredLogger,
) *NotificationHandler {
	return &NotificationHandler{cfg: cfg, gw: gw, ledger: ledgerSvc, profiles: profiles, notifSvc: notif, rec: rec, Logger: log}
}

var Module = fx.Options(
	fx.Provide(NewNotificationHandler),
)

// Handle processes one provider webhook. Deliveries are not signed, so the
// payment state is always re-fetched from the provider before it is applied.
func (h *NotificationHandler) Handle(ctx context.Context, body []byte) (out *Outcome, resErr error) {
	log := logctx.FromCtx(ctx, h.Logger)
	log.Warnw("webhook_signature_unsupported", "detail", "verifying by provider api")

	ev, err := toss.ParseEvent(body)
	if err != nil {
		log.Warnw("webhook_invalid_payload", "error", err)
		h.rec.ObserveWebhook("", "invalid")
		return nil, ErrInvalidPayload.Wrap(err, "")
	}

	entry := &models.PaymentNotificationLog{
		ProviderCode: types.PaymentProviderToss,
		TraceID:      logctx.TraceID(ctx),
		EventType:    ev.EventType,
		OrderID:      optional(ev.Payment.OrderID),
		PaymentKey:   optional(ev.Payment.PaymentKey),
		Data:         datatypes.JSON(body),
		Status:       models.PaymentNotificationLogStatusReceived,
	}
	h.notifSvc.Save(ctx, entry)

	defer func() {
		status := models.PaymentNotificationLogStatusHandled
		result := map[string]interface{}{}
		switch {
		case resErr != nil:
			status = models.PaymentNotificationLogStatusHandleFailed
			result["error"] = resErr.Error()
		case out != nil && out.Ignored:
			status = models.PaymentNotificationLogStatusIgnored
		}
		if out != nil {
			result["outcome"] = out
		}
		h.notifSvc.Finish(ctx, entry, status, result)
		h.rec.ObserveWebhook(ev.EventType, string(status))
	}()

	if ev.BillingDeleted() {
		return h.handleBillingDeleted(ctx, ev)
	}
	return h.handlePayment(ctx, ev)
}

func (h *NotificationHandler) handleBillingDeleted(ctx context.Context, ev *toss.Event) (*Outcome, error) {
	log := logctx.FromCtx(ctx, h.Logger)
	userIDs, err := h.profiles.RevokeByKeys(ctx, ev.CustomerKey, ev.BillingKey)
	if err != nil {
		if errors.Is(err, billing_profile.ErrMissingKeys) {
			return nil, err
		}
		log.Errorw("billing_revoke_failed", "billing_key", mask.Last4(ev.BillingKey), "error", err)
		return nil, ErrRevokeFailed.Wrap(err, "")
	}
	log.Infow("webhook_billing_deleted", "billing_key", mask.Last4(ev.BillingKey), "users", len(userIDs))
	return &Outcome{EventType: ev.EventType, Ignored: len(userIDs) == 0, RevokedUsers: len(userIDs)}, nil
}

func (h *NotificationHandler) handlePayment(ctx context.Context, ev *toss.Event) (*Outcome, error) {
	log := logctx.FromCtx(ctx, h.Logger)
	delivered := ev.Payment
	if delivered.PaymentKey == "" {
		return nil, ErrMissingPaymentKey
	}

	verified, err := h.gw.FetchPaymentByKey(ctx, delivered.PaymentKey)
	if err != nil {
		log.Warnw("payment_fetch_failed", "payment_key", mask.Last4(delivered.PaymentKey), "error", err)
		return nil, ErrFetchFailed.Wrap(err, toss.MessageOf(err))
	}
	merged := mergePayment(delivered, verified)
	status := NormalizeStatus(merged.Status, ev.EventType)
	out := &Outcome{EventType: ev.EventType, PaymentStatus: status, OrderID: merged.OrderID}
	if merged.AmountMalformed {
		log.Errorw("webhook_amount_mismatch", "order_id", merged.OrderID, "error", "amount is not a whole number")
		out.Ignored = true
		return out, nil
	}

	res, err := h.ledger.ApplyWebhookStatus(ctx, ledger.WebhookInput{
		OrderID:    merged.OrderID,
		PaymentKey: merged.PaymentKey,
		Status:     status,
		Amount:     merged.TotalAmount,
		Method:     merged.Method,
		ApprovedAt: merged.ApprovedAt,
		Raw:        ev.Raw,
		EventType:  ev.EventType,
	})
	if errors.Is(err, ledger.ErrPaymentNotFound) && status == types.PaymentStatusPaid {
		res, err = h.reconcilePaid(ctx, merged, ev.Raw)
		if err == nil && res == nil {
			err = ledger.ErrPaymentNotFound
		}
	}
	switch {
	case errors.Is(err, ledger.ErrPaymentNotFound):
		log.Infow("webhook_unknown_order", "order_id", merged.OrderID, "payment_key", mask.Last4(merged.PaymentKey))
		out.Ignored = true
		return out, nil
	case errors.Is(err, ledger.ErrAmountMismatch):
		// acknowledged; left for manual reconciliation
		log.Errorw("webhook_amount_mismatch", "order_id", merged.OrderID, "amount", lo.FromPtr(merged.TotalAmount))
		out.Ignored = true
		return out, nil
	case err != nil:
		log.Errorw("webhook_apply_failed", "order_id", merged.OrderID, "status", status, "error", err)
		return nil, ErrApplyFailed.Wrap(err, "")
	}
	out.PaymentStatus = res.Payment.Status
	out.Transitioned = res.Transitioned
	return out, nil
}

// reconcilePaid records a paid order missing from the ledger, e.g. a
// renewal whose synchronous write never happened. The owner comes from the
// billing profile with the payment's customer key and the plan from the
// order id or the amount. It returns nil when either cannot be resolved.
func (h *NotificationHandler) reconcilePaid(ctx context.Context, p *toss.Payment, raw map[string]any) (*ledger.ApplyResult, error) {
	log := logctx.FromCtx(ctx, h.Logger)
	if p.OrderID == "" || p.CustomerKey == "" || p.TotalAmount == nil {
		return nil, nil
	}
	userID, err := h.profiles.OwnerOfCustomerKey(ctx, p.CustomerKey)
	if errors.Is(err, billing_profile.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	plan := PlanForOrder(h.cfg, p.OrderID, *p.TotalAmount)
	if plan == nil {
		log.Warnw("webhook_reconcile_unresolved", "order_id", p.OrderID, "amount", *p.TotalAmount)
		return nil, nil
	}

	paid := ledger.ProviderPaid(p)
	paid.UserID = userID
	paid.OrderID = p.OrderID
	paid.Amount = *p.TotalAmount
	paid.PlanCode = plan.Code
	paid.Raw = raw
	paid.Renewal = strings.HasPrefix(p.OrderID, orderPrefixRenewal)
	paid.EventType = "webhook:reconcile"
	res, err := h.ledger.ApplyPaid(ctx, paid)
	if err != nil {
		return nil, err
	}
	log.Infow("webhook_order_reconciled", "order_id", p.OrderID, "user_id", userID, "plan_code", plan.Code)
	return res, nil
}

const orderPrefixRenewal = "sub_"

// PlanForOrder resolves the plan an order was charged for. A plan code
// inside the order id wins and must match the amount; otherwise the amount
// has to match exactly one billable plan.
func PlanForOrder(cfg *config.Config, orderID string, amount int64) *types.Plan {
	for _, part := range strings.Split(orderID, "_") {
		if plan := cfg.GetPlan(part); plan.Billable() {
			if plan.Price != amount {
				return nil
			}
			return plan
		}
	}
	matches := lo.Filter(cfg.Plans, func(plan *types.Plan, _ int) bool {
		return plan.Billable() && plan.Price == amount
	})
	if len(matches) != 1 {
		return nil
	}
	return matches[0]
}

// mergePayment prefers the provider's verified fields over the delivered ones.
func mergePayment(delivered, verified *toss.Payment) *toss.Payment {
	if verified == nil {
		return delivered
	}
	out := *delivered
	if verified.OrderID != "" {
		out.OrderID = verified.OrderID
	}
	if verified.PaymentKey != "" {
		out.PaymentKey = verified.PaymentKey
	}
	if verified.Status != "" {
		out.Status = verified.Status
	}
	if verified.TotalAmount != nil || verified.AmountMalformed {
		out.TotalAmount = verified.TotalAmount
		out.AmountMalformed = verified.AmountMalformed
	}
	if verified.CustomerKey != "" {
		out.CustomerKey = verified.CustomerKey
	}
	if verified.Method != "" {
		out.Method = verified.Method
	}
	if verified.ApprovedAt != nil {
		out.ApprovedAt = verified.ApprovedAt
	}
	return &out
}

var paidMarkers = []string{"DONE", "PAID", "APPROVED", "COMPLETED", "SUCCESS"}

// NormalizeStatus maps a provider status and event type onto the ledger
// statuses. Either value may decide; cancel wins over fail, fail over paid.
func NormalizeStatus(status, eventType string) types.PaymentStatus {
	candidates := lo.Compact([]string{strings.ToUpper(status), strings.ToUpper(eventType)})
	has := func(marker string) bool {
		return lo.SomeBy(candidates, func(c string) bool { return strings.Contains(c, marker) })
	}
	switch {
	case has("CANCEL"):
		return types.PaymentStatusCanceled
	case has("FAIL"):
		return types.PaymentStatusFailed
	case lo.SomeBy(paidMarkers, has):
		return types.PaymentStatusPaid
	}
	return types.PaymentStatusPending
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
