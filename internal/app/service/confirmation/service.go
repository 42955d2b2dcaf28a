package confirmation

import (
	"context"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/promptcraft/billing/internal/app/service/billing_profile"
	"github.com/promptcraft/billing/internal/app/service/ledger"
	"github.com/promptcraft/billing/internal/app/service/subscription"
	"github.com/promptcraft/billing/internal/platform/toss"
	"github.com/promptcraft/billing/pkg/config"
	"github.com/promptcraft/billing/pkg/errs"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/tool"
	types "github.com/promptcraft/billing/pkg/types"
)

var (
	ErrPlanNotBillable = errs.Validation("plan_not_billable", "결제할 수 없는 플랜입니다.")
	ErrOrderMismatch   = errs.Validation("order_mismatch", "주문 정보가 일치하지 않습니다.")
	ErrPaymentMismatch = errs.Validation("payment_mismatch", "결제 정보가 일치하지 않습니다.")
	ErrNotApproved     = errs.Validation("payment_not_approved", "결제 상태가 승인되지 않았습니다.")
	ErrOrderTaken      = errs.Validation("order_id_taken", "이미 사용된 주문번호입니다.")

	ErrConfirmFailed = errs.Upstream("toss_confirm_failed", "결제 승인에 실패했습니다.")
	ErrIssueFailed   = errs.Upstream("billing_issue_failed", "빌링키 발급에 실패했습니다.")
	ErrKeyMissing    = errs.Upstream("billing_key_missing", "빌링키를 확인할 수 없습니다.")
	ErrChargeFailed  = errs.Upstream("billing_charge_failed", "결제 승인에 실패했습니다.")
	ErrRevokeFailed  = errs.Upstream("billing_revoke_failed", "빌링키 해지에 실패했습니다.")

	ErrCancelFailed = errs.ApplyFailed("cancel_failed", "구독 해지에 실패했습니다.")
	ErrUndoFailed   = errs.Internal("cancel_undo_failed", "해지 예약 취소에 실패했습니다.")
)

// paidStatuses are the provider statuses that settle a confirmation.
var paidStatuses = map[string]struct{}{
	"DONE": {}, "PAID": {}, "APPROVED": {}, "COMPLETED": {},
}

// IsPaidStatus reports whether a provider status counts as settled.
func IsPaidStatus(status string) bool {
	_, ok := paidStatuses[strings.ToUpper(strings.TrimSpace(status))]
	return ok
}

// Service runs the user-driven payment flows: widget preparation, one-off
// confirmation, billing key registration and cancellation.
type Service struct {
	cfg      *config.Config
	gw       toss.Gateway
	profiles *billing_profile.Service
	ledger   *ledger.Service
	subs     *subscription.Service
	log      *zap.SugaredLogger
}

func NewService(
	cfg *config.Config,
	gw toss.Gateway,
	profiles *billing_profile.Service,
	ledgerSvc *ledger.Service,
	subs *subscription.Service,
	log *zap.SugaredLogger,
) *Service {
	return &Service{cfg: cfg, gw: gw, profiles: profiles, ledger: ledgerSvc, subs: subs, log: log}
}

var Module = fx.Options(
	fx.Provide(NewService),
)

// billablePlan resolves a plan that can be charged.
func (s *Service) billablePlan(code string) (*types.Plan, error) {
	plan := s.cfg.GetPlan(strings.TrimSpace(code))
	if plan == nil {
		return nil, subscription.ErrPlanNotFound
	}
	if !plan.Billable() {
		return nil, ErrPlanNotBillable
	}
	return plan, nil
}

func (s *Service) orderName(plan *types.Plan) string {
	return strings.TrimSpace(s.cfg.App.OrderNamePrefix + " " + s.cfg.PlanLabel(plan.Code))
}

// upstream turns a provider failure into sentinel, keeping the provider's
// own message when it sent one.
func upstream(sentinel *errs.Error, err error) *errs.Error {
	return sentinel.Wrap(err, toss.MessageOf(err))
}

// PrepareResult is what the payment widget needs to start authorization.
type PrepareResult struct {
	ClientKey   string      `json:"client_key"`
	CustomerKey string      `json:"customer_key"`
	SuccessURL  string      `json:"success_url"`
	FailURL     string      `json:"fail_url"`
	OrderID     string      `json:"order_id"`
	OrderName   string      `json:"order_name"`
	Amount      int64       `json:"amount"`
	Plan        *types.Plan `json:"plan"`
}

// Prepare builds the widget parameters. The customer key is the user id.
func (s *Service) Prepare(ctx context.Context, userID, planCode string, mode types.PrepareMode) (*PrepareResult, error) {
	if mode == "" {
		mode = types.PrepareModeSubscribe
	}
	if mode != types.PrepareModeSubscribe && mode != types.PrepareModeUpdate {
		return nil, errs.ErrInvalidInput
	}
	plan, err := s.billablePlan(planCode)
	if err != nil {
		return nil, err
	}

	prefix, name := "billing_auth", s.orderName(plan)
	if mode == types.PrepareModeUpdate {
		prefix, name = "billing_update", name+" 결제수단 변경"
	}
	orderID := tool.NewOrderID(prefix, plan.Code)

	success, fail, err := s.cfg.BillingRedirectURLs(plan.Code, orderID, mode)
	if err != nil {
		logctx.FromCtx(ctx, s.log).Errorw("billing_prepare_failed", "error", err)
		return nil, errs.ErrInternal.Wrap(err, "")
	}
	return &PrepareResult{
		ClientKey:   s.cfg.Toss.ClientKey,
		CustomerKey: userID,
		SuccessURL:  success,
		FailURL:     fail,
		OrderID:     orderID,
		OrderName:   name,
		Amount:      plan.Price,
		Plan:        plan,
	}, nil
}
