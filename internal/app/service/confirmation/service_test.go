package confirmation

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/promptcraft/billing/internal/app/service/billing_profile"
	"github.com/promptcraft/billing/internal/app/service/ledger"
	"github.com/promptcraft/billing/internal/app/service/subscription"
	models "github.com/promptcraft/billing/internal/models"
	"github.com/promptcraft/billing/internal/platform/db/dbtest"
	"github.com/promptcraft/billing/internal/platform/toss"
	"github.com/promptcraft/billing/internal/platform/toss/tosstest"
	"github.com/promptcraft/billing/pkg/config"
	"github.com/promptcraft/billing/pkg/errs"
	types "github.com/promptcraft/billing/pkg/types"
)

type fixture struct {
	db  *gorm.DB
	gw  *tosstest.Gateway
	svc *Service
	sub *subscription.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbtest.New(t)
	cfg := &config.Config{
		Plans: config.DefaultPlans(),
		Toss:  config.TossConfig{ClientKey: "test_ck"},
		App:   config.AppConfig{BaseURL: "https://app.example.com", OrderNamePrefix: "PromptCraft"},
	}
	log := zap.NewNop().Sugar()
	sub := subscription.NewService(cfg, db, log)
	gw := &tosstest.Gateway{}
	svc := NewService(cfg, gw, billing_profile.NewService(db, log), ledger.NewService(cfg, db, log, sub), sub, log)
	return &fixture{db: db, gw: gw, svc: svc, sub: sub}
}

func (f *fixture) payments(t *testing.T) []*models.Payment {
	t.Helper()
	var out []*models.Payment
	require.NoError(t, f.db.Find(&out).Error)
	return out
}

func issued(key string) func(ctx context.Context, authKey, customerKey string) (*toss.BillingKey, error) {
	return func(ctx context.Context, authKey, customerKey string) (*toss.BillingKey, error) {
		return &toss.BillingKey{
			BillingKey:  key,
			CustomerKey: customerKey,
			Card:        &toss.Card{Company: "현대", Number: "433012******1234"},
			Raw:         map[string]any{"billingKey": key},
		}, nil
	}
}

func charged(ctx context.Context, req toss.ChargeRequest) (*toss.Payment, error) {
	return tosstest.PaidPayment("pk_"+req.OrderID, req.OrderID, req.Amount), nil
}

func TestPrepare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Prepare(ctx, "u1", "pro", "")
	require.NoError(t, err)
	require.Equal(t, "test_ck", res.ClientKey)
	require.Equal(t, "u1", res.CustomerKey)
	require.True(t, strings.HasPrefix(res.OrderID, "billing_auth_pro_"))
	require.Equal(t, "PromptCraft Pro", res.OrderName)
	require.EqualValues(t, 4900, res.Amount)
	require.Contains(t, res.SuccessURL, "result=success")
	require.Contains(t, res.FailURL, "result=fail")

	res, err = f.svc.Prepare(ctx, "u1", "max", types.PrepareModeUpdate)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.OrderID, "billing_update_max_"))
	require.Equal(t, "PromptCraft Max 결제수단 변경", res.OrderName)
	require.Contains(t, res.SuccessURL, "mode=update")

	_, err = f.svc.Prepare(ctx, "u1", "free", "")
	require.ErrorIs(t, err, ErrPlanNotBillable)
	_, err = f.svc.Prepare(ctx, "u1", "enterprise", "")
	require.ErrorIs(t, err, subscription.ErrPlanNotFound)
	_, err = f.svc.Prepare(ctx, "u1", "pro", "trial")
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestConfirmPayment_ActivatesPro(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.ConfirmFn = func(ctx context.Context, paymentKey, orderID string, amount int64) (*toss.Payment, error) {
		return tosstest.PaidPayment(paymentKey, orderID, amount), nil
	}
	in := ConfirmInput{PaymentKey: "pk_abc", OrderID: "sub_pro_abc123", Amount: 4900, PlanCode: "pro"}

	res, err := f.svc.ConfirmPayment(ctx, "u1", in)
	require.NoError(t, err)
	require.Equal(t, types.PaymentStatusPaid, res.Status)

	sub, err := f.sub.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, types.PlanPro, sub.PlanCode)
	require.Equal(t, types.SubscriptionStatusActive, sub.Status)
	require.Equal(t, 300, sub.RewriteLimit)
	end := *sub.CurrentPeriodEnd

	again, err := f.svc.ConfirmPayment(ctx, "u1", in)
	require.NoError(t, err)
	require.Equal(t, res.PaymentID, again.PaymentID)
	require.Len(t, f.payments(t), 1)

	sub, err = f.sub.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, end.Equal(*sub.CurrentPeriodEnd))
}

func TestConfirmPayment_RejectsMismatchBeforeLedger(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(p *toss.Payment)
		want   error
	}{
		{"order", func(p *toss.Payment) { p.OrderID = "other" }, ErrOrderMismatch},
		{"payment key", func(p *toss.Payment) { p.PaymentKey = "pk_other" }, ErrPaymentMismatch},
		{"amount", func(p *toss.Payment) { p.TotalAmount = lo.ToPtr(int64(100)) }, ledger.ErrAmountMismatch},
		{"status", func(p *toss.Payment) { p.Status = "WAITING_FOR_DEPOSIT" }, ErrNotApproved},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.gw.ConfirmFn = func(ctx context.Context, paymentKey, orderID string, amount int64) (*toss.Payment, error) {
				p := tosstest.PaidPayment(paymentKey, orderID, amount)
				tc.mutate(p)
				return p, nil
			}
			_, err := f.svc.ConfirmPayment(context.Background(), "u1", ConfirmInput{
				PaymentKey: "pk_abc", OrderID: "sub_pro_abc123", Amount: 4900, PlanCode: "pro",
			})
			require.ErrorIs(t, err, tc.want)
			require.Equal(t, errs.KindValidation, errs.KindOf(err))
			require.Empty(t, f.payments(t))
		})
	}
}

func TestConfirmPayment_AmountMustMatchPlan(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ConfirmPayment(context.Background(), "u1", ConfirmInput{
		PaymentKey: "pk_abc", OrderID: "o1", Amount: 100, PlanCode: "pro",
	})
	require.ErrorIs(t, err, ledger.ErrAmountMismatch)
	require.Zero(t, f.gw.CallCount("confirm"))
}

func TestConfirmPayment_ProviderRejection(t *testing.T) {
	f := newFixture(t)
	f.gw.ConfirmFn = func(ctx context.Context, paymentKey, orderID string, amount int64) (*toss.Payment, error) {
		return nil, &toss.ProviderError{Op: "confirm", Status: http.StatusBadRequest, Code: "ALREADY_PROCESSED_PAYMENT", Message: "이미 처리된 결제 입니다."}
	}
	_, err := f.svc.ConfirmPayment(context.Background(), "u1", ConfirmInput{
		PaymentKey: "pk_abc", OrderID: "o1", Amount: 4900, PlanCode: "pro",
	})
	require.ErrorIs(t, err, ErrConfirmFailed)
	require.Equal(t, errs.KindUpstream, errs.KindOf(err))

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, "이미 처리된 결제 입니다.", e.Message)
	require.Empty(t, f.payments(t))
}

func TestIssueBillingKey_ChargesFirstPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.IssueFn = issued("bk_12345678")
	var got toss.ChargeRequest
	f.gw.ChargeFn = func(ctx context.Context, req toss.ChargeRequest) (*toss.Payment, error) {
		got = req
		return charged(ctx, req)
	}

	res, err := f.svc.IssueBillingKey(ctx, "u1", IssueInput{AuthKey: "auth", CustomerKey: "u1", PlanCode: "max"})
	require.NoError(t, err)
	require.True(t, res.Profile.Active())
	require.Equal(t, "현대 ****1234", *res.Profile.CardSummary)
	require.Equal(t, types.PaymentStatusPaid, res.Payment.Status)

	require.Equal(t, "bk_12345678", got.BillingKey)
	require.EqualValues(t, 9900, got.Amount)
	require.True(t, strings.HasPrefix(got.OrderID, "sub_max_"))
	require.Equal(t, "PromptCraft Max", got.OrderName)

	sub, err := f.sub.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, types.PlanMax, sub.PlanCode)
	require.Equal(t, types.SubscriptionStatusActive, sub.Status)
}

func TestIssueBillingKey_ChargeFailureRecorded(t *testing.T) {
	f := newFixture(t)
	f.gw.IssueFn = issued("bk_12345678")
	f.gw.ChargeFn = func(ctx context.Context, req toss.ChargeRequest) (*toss.Payment, error) {
		return nil, &toss.ProviderError{
			Op: "charge", Status: http.StatusBadRequest, Code: "REJECT_CARD_COMPANY", Message: "카드사에서 거절했습니다.",
			Payload: map[string]any{"code": "REJECT_CARD_COMPANY"},
		}
	}

	_, err := f.svc.IssueBillingKey(context.Background(), "u1", IssueInput{
		AuthKey: "auth", CustomerKey: "u1", PlanCode: "pro", OrderID: "sub_pro_fixed",
	})
	require.ErrorIs(t, err, ErrChargeFailed)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, "카드사에서 거절했습니다.", e.Message)

	rows := f.payments(t)
	require.Len(t, rows, 1)
	require.Equal(t, "sub_pro_fixed", rows[0].OrderID)
	require.Equal(t, types.PaymentStatusFailed, rows[0].Status)
	require.Equal(t, "REJECT_CARD_COMPANY", *rows[0].FailureCode)

	sub, err := f.sub.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusFree, sub.Status)
}

func TestIssueBillingKey_MissingKey(t *testing.T) {
	f := newFixture(t)
	f.gw.IssueFn = func(ctx context.Context, authKey, customerKey string) (*toss.BillingKey, error) {
		return &toss.BillingKey{Raw: map[string]any{}}, nil
	}
	_, err := f.svc.IssueBillingKey(context.Background(), "u1", IssueInput{AuthKey: "auth", CustomerKey: "u1", PlanCode: "pro"})
	require.ErrorIs(t, err, ErrKeyMissing)
	require.Equal(t, errs.KindUpstream, errs.KindOf(err))
	require.Zero(t, f.gw.CallCount("charge"))

	_, err = f.svc.profiles.Get(context.Background(), "u1")
	require.ErrorIs(t, err, billing_profile.ErrNotFound)
}

func TestCancelRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.IssueFn = issued("bk_12345678")
	f.gw.ChargeFn = charged
	f.gw.RevokeFn = func(ctx context.Context, billingKey, customerKey string) (*toss.RevokeResult, error) {
		return &toss.RevokeResult{Endpoint: "/billing/" + billingKey}, nil
	}
	_, err := f.svc.IssueBillingKey(ctx, "u1", IssueInput{AuthKey: "auth", CustomerKey: "u1", PlanCode: "pro"})
	require.NoError(t, err)

	sub, err := f.svc.CancelBilling(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, sub.CancelAt)
	require.True(t, sub.CancelAt.Equal(*sub.CurrentPeriodEnd))
	require.Equal(t, 1, f.gw.CallCount("revoke:bk_12345678"))

	profile, err := f.svc.profiles.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, types.BillingProfileStatusRevoked, profile.Status)

	// cancelling again does not hit the provider for a revoked key
	_, err = f.svc.CancelBilling(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, f.gw.CallCount("revoke"))

	sub, err = f.svc.UndoCancel(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, sub.CancelAt)
	require.Equal(t, types.SubscriptionStatusActive, sub.Status)

	// registering a card again keeps renewals going without a charge now
	f.gw.IssueFn = issued("bk_87654321")
	profile, err = f.svc.UpdateBillingKey(ctx, "u1", "auth2", "u1")
	require.NoError(t, err)
	require.True(t, profile.Active())
	require.Equal(t, 1, f.gw.CallCount("charge"))
}

func TestUpdateBillingKey_ResumesPastDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.IssueFn = issued("bk_12345678")
	f.gw.ChargeFn = charged
	_, err := f.svc.IssueBillingKey(ctx, "u1", IssueInput{AuthKey: "auth", CustomerKey: "u1", PlanCode: "pro"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = f.sub.RecordChargeFailure(ctx, "u1", "sub_pro_x")
		require.NoError(t, err)
	}
	sub, err := f.sub.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusPastDue, sub.Status)

	f.gw.IssueFn = issued("bk_87654321")
	_, err = f.svc.UpdateBillingKey(ctx, "u1", "auth2", "u1")
	require.NoError(t, err)

	sub, err = f.sub.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusActive, sub.Status)
	require.Zero(t, sub.FailedChargeCount)
}

func TestIssueBillingKey_OrderIDOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.ledger.ApplyFailed(ctx, ledger.FailedInput{
		UserID: "u2", OrderID: "sub_pro_taken", Amount: 4900, PlanCode: types.PlanPro,
	})
	require.NoError(t, err)
	f.gw.IssueFn = issued("bk_12345678")
	f.gw.ChargeFn = charged

	_, err = f.svc.IssueBillingKey(ctx, "u1", IssueInput{
		AuthKey: "auth", CustomerKey: "u1", PlanCode: "pro", OrderID: "sub_pro_taken",
	})
	require.ErrorIs(t, err, ErrOrderTaken)
	require.Equal(t, errs.KindValidation, errs.KindOf(err))
	require.Zero(t, f.gw.CallCount("issue"))
	require.Zero(t, f.gw.CallCount("charge"))

	other, err := f.sub.Get(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, types.SubscriptionStatusFree, other.Status)

	// the owner may retry its own failed order
	_, err = f.svc.ledger.ApplyFailed(ctx, ledger.FailedInput{
		UserID: "u1", OrderID: "sub_pro_retry", Amount: 4900, PlanCode: types.PlanPro,
	})
	require.NoError(t, err)
	res, err := f.svc.IssueBillingKey(ctx, "u1", IssueInput{
		AuthKey: "auth", CustomerKey: "u1", PlanCode: "pro", OrderID: "sub_pro_retry",
	})
	require.NoError(t, err)
	require.Equal(t, types.PaymentStatusPaid, res.Payment.Status)
	require.Equal(t, "u1", res.Payment.UserID)

	// but not one that is already paid
	_, err = f.svc.IssueBillingKey(ctx, "u1", IssueInput{
		AuthKey: "auth", CustomerKey: "u1", PlanCode: "pro", OrderID: "sub_pro_retry",
	})
	require.ErrorIs(t, err, ErrOrderTaken)
	require.Equal(t, 1, f.gw.CallCount("charge"))
}

func TestConfirmPayment_RejectsForeignOrderID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.ledger.ApplyFailed(ctx, ledger.FailedInput{
		UserID: "u2", OrderID: "sub_pro_taken", Amount: 4900, PlanCode: types.PlanPro,
	})
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, "u1", ConfirmInput{
		PaymentKey: "pk_abc", OrderID: "sub_pro_taken", Amount: 4900, PlanCode: "pro",
	})
	require.ErrorIs(t, err, ErrOrderTaken)
	require.Zero(t, f.gw.CallCount("confirm"))
}

func TestCancelBilling_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CancelBilling(ctx, "u1")
	require.ErrorIs(t, err, billing_profile.ErrNotFound)
	require.Equal(t, http.StatusNotFound, errs.HTTPStatus(errs.KindOf(err)))

	f.gw.IssueFn = issued("bk_12345678")
	f.gw.ChargeFn = charged
	_, err = f.svc.IssueBillingKey(ctx, "u1", IssueInput{AuthKey: "auth", CustomerKey: "u1", PlanCode: "pro"})
	require.NoError(t, err)

	f.gw.RevokeFn = func(ctx context.Context, billingKey, customerKey string) (*toss.RevokeResult, error) {
		return nil, &toss.ProviderError{Op: "revoke", Status: http.StatusInternalServerError, Message: "잠시 후 다시 시도해 주세요."}
	}
	_, err = f.svc.CancelBilling(ctx, "u1")
	require.ErrorIs(t, err, ErrRevokeFailed)

	profile, err := f.svc.profiles.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, profile.Active())
	sub, err := f.sub.Get(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, sub.CancelAt)
}

func TestRecordAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.svc.RecordAttempt(ctx, "u1", ledger.AttemptInput{PlanCode: "pro", Reason: types.PaymentAttemptReasonClientError}))
	require.ErrorIs(t, f.svc.RecordAttempt(ctx, "u1", ledger.AttemptInput{PlanCode: "pro", Reason: "oops"}), errs.ErrInvalidInput)

	var n int64
	require.NoError(t, f.db.Model(&models.PaymentAttempt{}).Where("user_id = ?", "u1").Count(&n).Error)
	require.EqualValues(t, 1, n)
}
