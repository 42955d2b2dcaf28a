package recurring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/promptcraft/billing/internal/app/service/ledger"
	"github.com/promptcraft/billing/internal/app/service/subscription"
	"github.com/promptcraft/billing/internal/platform/redis"
	"github.com/promptcraft/billing/internal/platform/toss"
	"github.com/promptcraft/billing/pkg/config"
	"github.com/promptcraft/billing/pkg/errs"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/metrics"
	"github.com/promptcraft/billing/pkg/tool"
)

const lockKey = "lock:billing-charge"

const (
	ResultPaid        = "paid"
	ResultFailed      = "failed"
	ResultApplyFailed = "apply_failed"
)

var ErrBatchFailed = errs.Internal("billing_batch_failed", "정기 결제 대상을 불러오지 못했습니다.")

// ChargeResult is the outcome for one subscription in a batch.
type ChargeResult struct {
	UserID  string `json:"user_id"`
	Status  string `json:"status"`
	OrderID string `json:"order_id,omitempty"`
	Error   any    `json:"error,omitempty"`
}

type BatchResult struct {
	// Skipped is set when another run holds the batch lock.
	Skipped   bool            `json:"skipped"`
	Finalized int             `json:"finalized"`
	Results   []*ChargeResult `json:"results"`
}

type Service struct {
	cfg    *config.Config
	gw     toss.Gateway
	subs   *subscription.Service
	ledger *ledger.Service
	locker *redis.Locker
	rec    *metrics.Recorder
	log    *zap.SugaredLogger
}

func NewService(
	cfg *config.Config,
	gw toss.Gateway,
	subs *subscription.Service,
	ledgerSvc *ledger.Service,
	locker *redis.Locker,
	rec *metrics.Recorder,
	log *zap.SugaredLogger,
) *Service {
	return &Service{cfg: cfg, gw: gw, subs: subs, ledger: ledgerSvc, locker: locker, rec: rec, log: log}
}

// Run finalizes due cancellations and charges every subscription whose
// period has ended. One subscription failing never stops the batch. When ctx
// is cancelled no further charges start; outcomes of charges already sent to
// the provider are still recorded.
func (s *Service) Run(ctx context.Context) (*BatchResult, error) {
	log := logctx.FromCtx(ctx, s.log)
	start := time.Now()
	defer s.rec.ObserveProcess("recurring", "batch", start)

	release, ok, err := s.locker.Acquire(ctx, lockKey, s.cfg.Cron.LockTTL)
	if err != nil {
		log.Errorw("billing_batch_lock_failed", "error", err)
		return nil, ErrBatchFailed.Wrap(err, "")
	}
	if !ok {
		log.Infow("billing_batch_skipped", "reason", "lock held")
		return &BatchResult{Skipped: true, Results: []*ChargeResult{}}, nil
	}
	defer release()

	now := s.subs.Now()
	finalized, err := s.subs.FinalizeCancellations(ctx, now)
	if err != nil {
		// DueForBilling re-checks cancel_at and the billing profile
		log.Errorw("billing_batch_finalize_failed", "error", err)
	}

	due, err := s.subs.DueForBilling(ctx, now)
	if err != nil {
		log.Errorw("billing_batch_due_failed", "error", err)
		return nil, ErrBatchFailed.Wrap(err, "")
	}

	out := &BatchResult{Finalized: finalized, Results: make([]*ChargeResult, 0, len(due))}
	for _, d := range due {
		if ctx.Err() != nil {
			log.Warnw("billing_batch_interrupted", "remaining", len(due)-len(out.Results), "error", ctx.Err())
			break
		}
		res := s.chargeOne(ctx, d)
		s.rec.ObserveCharge(res.Status)
		out.Results = append(out.Results, res)
	}
	log.Infow("billing_batch_done",
		"finalized", finalized,
		"due", len(due),
		"paid", countStatus(out.Results, ResultPaid),
		"failed", countStatus(out.Results, ResultFailed),
		"apply_failed", countStatus(out.Results, ResultApplyFailed),
	)
	return out, nil
}

func (s *Service) chargeOne(ctx context.Context, d *subscription.Due) (res *ChargeResult) {
	sub := d.Subscription
	log := logctx.FromCtx(ctx, s.log).With("user_id", sub.UserID)
	orderID := tool.NewOrderID("sub", sub.PlanCode)
	res = &ChargeResult{UserID: sub.UserID, OrderID: orderID}

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("billing_charge_panic", "order_id", orderID, "panic", r)
			res = &ChargeResult{UserID: sub.UserID, OrderID: orderID, Status: ResultFailed, Error: fmt.Sprint(r)}
		}
	}()

	plan := s.cfg.GetPlan(sub.PlanCode)
	if plan == nil || !plan.Billable() {
		log.Errorw("billing_charge_failed", "order_id", orderID, "error", "plan not billable", "plan_code", sub.PlanCode)
		res.Status, res.Error = ResultFailed, subscription.ErrPlanNotFound.Code
		return res
	}

	chargeCtx := ctx
	if s.cfg.Billing.ChargeTimeout > 0 {
		var cancel context.CancelFunc
		chargeCtx, cancel = context.WithTimeout(ctx, s.cfg.Billing.ChargeTimeout)
		defer cancel()
	}
	charged, err := s.gw.ChargeBillingKey(chargeCtx, toss.ChargeRequest{
		BillingKey:  d.BillingKey,
		CustomerKey: d.CustomerKey,
		Amount:      plan.Price,
		OrderID:     orderID,
		OrderName:   strings.TrimSpace(s.cfg.App.OrderNamePrefix + " " + strings.ToUpper(plan.Code)),
	})
	// the charge reached the provider; record it even if the caller went away
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		log.Warnw("billing_charge_failed", "order_id", orderID, "error", err)
		res.Status = ResultFailed
		res.Error = s.recordFailure(ctx, d, plan.Price, plan.Currency, orderID, err)
		return res
	}

	paid := ledger.ProviderPaid(charged)
	paid.UserID = sub.UserID
	paid.OrderID = orderID
	paid.Amount = plan.Price
	paid.Currency = lo.CoalesceOrEmpty(paid.Currency, plan.Currency)
	paid.PlanCode = plan.Code
	paid.Renewal = true
	paid.EventType = "billing_charge"
	if _, err := s.ledger.ApplyPaid(ctx, paid); err != nil {
		log.Errorw("payment_apply_failed",
			"order_id", orderID,
			"payment_key", charged.PaymentKey,
			"error", err,
		)
		res.Status, res.Error = ResultApplyFailed, err.Error()
		return res
	}
	res.Status = ResultPaid
	return res
}

// recordFailure stores the failed charge and counts it against the
// subscription. It returns what the batch result reports as the error.
func (s *Service) recordFailure(ctx context.Context, d *subscription.Due, amount int64, currency, orderID string, cause error) any {
	log := logctx.FromCtx(ctx, s.log)
	payload := toss.PayloadOf(cause)
	in := ledger.FailedInput{
		UserID:    d.Subscription.UserID,
		OrderID:   orderID,
		Amount:    amount,
		Currency:  currency,
		PlanCode:  d.Subscription.PlanCode,
		Raw:       payload,
		EventType: "billing_charge_failed",
	}
	if pe, ok := toss.AsProviderError(cause); ok {
		in.FailureCode, in.FailureMessage = pe.Code, pe.Message
	} else {
		in.FailureMessage = cause.Error()
	}
	if _, err := s.ledger.ApplyFailed(ctx, in); err != nil {
		log.Errorw("billing_charge_failure_not_recorded", "order_id", orderID, "error", err)
		return err.Error()
	}
	if _, err := s.subs.RecordChargeFailure(ctx, d.Subscription.UserID, orderID); err != nil {
		log.Errorw("subscription_charge_failure_not_recorded", "order_id", orderID, "error", err)
	}
	if len(payload) > 0 {
		return payload
	}
	return cause.Error()
}

func countStatus(results []*ChargeResult, status string) int {
	return lo.CountBy(results, func(r *ChargeResult) bool { return r.Status == status })
}
