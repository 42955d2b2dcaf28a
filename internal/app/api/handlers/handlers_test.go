package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/promptcraft/billing/internal/app/service/billing_profile"
	"github.com/promptcraft/billing/internal/app/service/confirmation"
	"github.com/promptcraft/billing/internal/app/service/ledger"
	nh "github.com/promptcraft/billing/internal/app/service/notification_handler"
	"github.com/promptcraft/billing/internal/app/service/recurring"
	"github.com/promptcraft/billing/internal/app/service/statistics"
	"github.com/promptcraft/billing/internal/app/service/subscription"
	"github.com/promptcraft/billing/internal/models"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/response"
	"github.com/promptcraft/billing/pkg/types"
)

type stubFlow struct {
	prepareFn func(userID, plan string, mode types.PrepareMode) (*confirmation.PrepareResult, error)
	issueFn   func(userID string, in confirmation.IssueInput) (*confirmation.IssueResult, error)
	confirmFn func(userID string, in confirmation.ConfirmInput) (*confirmation.ConfirmResult, error)
	cancelFn  func(userID string) (*models.Subscription, error)
	undoFn    func(userID string) (*models.Subscription, error)
	attempts  []ledger.AttemptInput
}

func (s *stubFlow) Prepare(_ context.Context, userID, planCode string, mode types.PrepareMode) (*confirmation.PrepareResult, error) {
	return s.prepareFn(userID, planCode, mode)
}

func (s *stubFlow) IssueBillingKey(_ context.Context, userID string, in confirmation.IssueInput) (*confirmation.IssueResult, error) {
	return s.issueFn(userID, in)
}

func (s *stubFlow) UpdateBillingKey(_ context.Context, _, _, _ string) (*models.BillingProfile, error) {
	panic("not used")
}

func (s *stubFlow) CancelBilling(_ context.Context, userID string) (*models.Subscription, error) {
	return s.cancelFn(userID)
}

func (s *stubFlow) UndoCancel(_ context.Context, userID string) (*models.Subscription, error) {
	return s.undoFn(userID)
}

func (s *stubFlow) ConfirmPayment(_ context.Context, userID string, in confirmation.ConfirmInput) (*confirmation.ConfirmResult, error) {
	return s.confirmFn(userID, in)
}

func (s *stubFlow) RecordAttempt(_ context.Context, userID string, in ledger.AttemptInput) error {
	if !in.Reason.Valid() {
		return ledger.ErrInvalidAttempt
	}
	in.UserID = userID
	s.attempts = append(s.attempts, in)
	return nil
}

type stubProfiles struct {
	profile *models.BillingProfile
}

func (s *stubProfiles) Get(_ context.Context, _ string) (*models.BillingProfile, error) {
	if s.profile == nil {
		return nil, billing_profile.ErrNotFound
	}
	return s.profile, nil
}

type stubWebhook struct {
	out  *nh.Outcome
	err  error
	body []byte
}

func (s *stubWebhook) Handle(_ context.Context, body []byte) (*nh.Outcome, error) {
	s.body = body
	return s.out, s.err
}

type stubRunner struct {
	res    *recurring.BatchResult
	ctxErr error
}

func (s *stubRunner) Run(ctx context.Context) (*recurring.BatchResult, error) {
	s.ctxErr = ctx.Err()
	return s.res, nil
}

type stubPayments struct{ scanReq *ledger.ScanPaymentsRequest }

func (s *stubPayments) ListByUser(_ context.Context, userID string, _ int) ([]*models.Payment, error) {
	return []*models.Payment{{OrderID: "o1", UserID: userID}}, nil
}

func (s *stubPayments) ScanPayments(_ context.Context, req *ledger.ScanPaymentsRequest) (*ledger.ScanPaymentsResponse, error) {
	s.scanReq = req
	if req.SortBy == "raw_response" {
		return nil, ledger.ErrInvalidScan
	}
	return &ledger.ScanPaymentsResponse{Items: []*models.Payment{{OrderID: "o1"}}, Total: 1}, nil
}

type stubStats struct{ req statistics.SummaryRequest }

func (s *stubStats) Summary(_ context.Context, req statistics.SummaryRequest) (*statistics.Summary, error) {
	s.req = req
	return &statistics.Summary{PlanTotals: []statistics.PlanTotal{{PlanCode: "pro", Total: 2}}}, nil
}

type stubSubs struct{}

func (stubSubs) View(_ context.Context, _ string) (*subscription.View, error) {
	return &subscription.View{PlanCode: "pro", Status: types.SubscriptionStatusActive}, nil
}

// asUser stands in for AuthMiddleware.
func asUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(logctx.UserIDKey, userID)
		c.Next()
	}
}

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestApiConfirmPayment(t *testing.T) {
	flow := &stubFlow{confirmFn: func(userID string, in confirmation.ConfirmInput) (*confirmation.ConfirmResult, error) {
		require.Equal(t, "u1", userID)
		require.Equal(t, confirmation.ConfirmInput{PaymentKey: "pk", OrderID: "sub_pro_abc123", Amount: 4900, PlanCode: "pro"}, in)
		return &confirmation.ConfirmResult{PaymentID: "p1", Status: types.PaymentStatusPaid}, nil
	}}
	r := newTestRouter()
	RegisterPaymentRoutes(r.Group("/api/payments", asUser("u1")), flow, &stubPayments{})

	w := doJSON(r, http.MethodPost, "/api/payments/confirm", map[string]any{
		"payment_key": "pk", "order_id": "sub_pro_abc123", "amount": 4900, "plan_code": "pro",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, ConfirmResponse{OK: true, PaymentID: "p1", Status: types.PaymentStatusPaid}, decode[ConfirmResponse](t, w))
}

func TestApiConfirmPayment_ErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
		wantBody response.ErrorBody
	}{
		{
			name:     "provider rejection keeps provider message",
			err:      confirmation.ErrConfirmFailed.Wrap(errors.New("400"), "카드 한도 초과"),
			wantCode: http.StatusBadGateway,
			wantBody: response.ErrorBody{Code: "toss_confirm_failed", Message: "카드 한도 초과"},
		},
		{
			name:     "mismatch",
			err:      confirmation.ErrOrderMismatch,
			wantCode: http.StatusBadRequest,
			wantBody: response.ErrorBody{Code: "order_mismatch", Message: confirmation.ErrOrderMismatch.Message},
		},
		{
			name:     "apply failure",
			err:      ledger.ErrApplyFailed.Wrap(errors.New("db down"), ""),
			wantCode: http.StatusInternalServerError,
			wantBody: response.ErrorBody{Code: "payment_apply_failed", Message: ledger.ErrApplyFailed.Message},
		},
		{
			name:     "raw error never leaks",
			err:      errors.New("pq: relation does not exist"),
			wantCode: http.StatusInternalServerError,
			wantBody: response.ErrorBody{Code: "internal_error", Message: "요청을 처리하지 못했습니다."},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flow := &stubFlow{confirmFn: func(string, confirmation.ConfirmInput) (*confirmation.ConfirmResult, error) {
				return nil, tc.err
			}}
			r := newTestRouter()
			RegisterPaymentRoutes(r.Group("/payments", asUser("u1")), flow, &stubPayments{})
			w := doJSON(r, http.MethodPost, "/payments/confirm", map[string]any{"payment_key": "pk"})
			require.Equal(t, tc.wantCode, w.Code)
			require.Equal(t, tc.wantBody, decode[response.ErrorBody](t, w))
		})
	}
}

func TestApiPrepare_InvalidBody(t *testing.T) {
	r := newTestRouter()
	RegisterBillingRoutes(r.Group("/billing", asUser("u1")), &stubFlow{}, &stubProfiles{})
	w := doJSON(r, http.MethodPost, "/billing/prepare", "{not json")
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_input", decode[response.ErrorBody](t, w).Code)
}

func TestApiIssueBillingKey(t *testing.T) {
	flow := &stubFlow{issueFn: func(userID string, in confirmation.IssueInput) (*confirmation.IssueResult, error) {
		require.Equal(t, confirmation.IssueInput{AuthKey: "ak", CustomerKey: "u1", PlanCode: "max"}, in)
		return &confirmation.IssueResult{Profile: &models.BillingProfile{UserID: userID, BillingKey: "bk_secret"}}, nil
	}}
	r := newTestRouter()
	RegisterBillingRoutes(r.Group("/billing", asUser("u1")), flow, &stubProfiles{})
	w := doJSON(r, http.MethodPost, "/billing/issue", map[string]any{"auth_key": "ak", "customer_key": "u1", "plan_code": "max"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"ok":true`)
	require.NotContains(t, w.Body.String(), "bk_secret")
}

func TestApiGetBillingProfile_NoProfile(t *testing.T) {
	r := newTestRouter()
	RegisterBillingRoutes(r.Group("/billing", asUser("u1")), &stubFlow{}, &stubProfiles{})
	w := doJSON(r, http.MethodGet, "/billing/profile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Nil(t, decode[BillingProfileResponse](t, w).BillingProfile)
}

func TestCancelRoutes(t *testing.T) {
	var canceled, undone string
	flow := &stubFlow{
		cancelFn: func(userID string) (*models.Subscription, error) {
			canceled = userID
			return &models.Subscription{}, nil
		},
		undoFn: func(userID string) (*models.Subscription, error) {
			undone = userID
			return nil, subscription.ErrNotActive
		},
	}
	r := newTestRouter()
	user := r.Group("/api", asUser("u1"))
	RegisterBillingRoutes(user.Group("/billing"), flow, &stubProfiles{})
	RegisterSubscriptionRoutes(user, flow, stubSubs{})

	w := doJSON(r, http.MethodPost, "/api/billing/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "u1", canceled)
	require.JSONEq(t, `{"ok":true}`, w.Body.String())

	w = doJSON(r, http.MethodDelete, "/api/subscriptions/cancel", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "u1", undone)
	require.Equal(t, "subscription_not_active", decode[response.ErrorBody](t, w).Code)

	w = doJSON(r, http.MethodGet, "/api/subscription", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "pro", decode[SubscriptionResponse](t, w).Subscription.PlanCode)
}

func TestApiRecordAttempt(t *testing.T) {
	flow := &stubFlow{}
	r := newTestRouter()
	RegisterPaymentRoutes(r.Group("/payments", asUser("u1")), flow, &stubPayments{})

	w := doJSON(r, http.MethodPost, "/payments/attempts", map[string]any{"plan_code": "pro", "reason_code": "user_cancel"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, flow.attempts, 1)
	require.Equal(t, "u1", flow.attempts[0].UserID)

	w = doJSON(r, http.MethodPost, "/payments/attempts", map[string]any{"plan_code": "pro", "reason_code": "bogus"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApiTossWebhook(t *testing.T) {
	log := zap.NewNop().Sugar()

	t.Run("ignored is acknowledged", func(t *testing.T) {
		h := &stubWebhook{out: &nh.Outcome{Ignored: true}}
		r := newTestRouter()
		RegisterWebhookRoutes(r.Group("/payments"), h, log)
		w := doJSON(r, http.MethodPost, "/payments/webhook", `{"eventType":"PAYMENT_STATUS_CHANGED"}`)
		require.Equal(t, http.StatusOK, w.Code)
		require.JSONEq(t, `{"ok":true,"ignored":true}`, w.Body.String())
		require.JSONEq(t, `{"eventType":"PAYMENT_STATUS_CHANGED"}`, string(h.body))
	})

	t.Run("handled", func(t *testing.T) {
		h := &stubWebhook{out: &nh.Outcome{PaymentStatus: types.PaymentStatusPaid}}
		r := newTestRouter()
		RegisterWebhookRoutes(r.Group("/payments"), h, log)
		w := doJSON(r, http.MethodPost, "/payments/webhook", `{}`)
		require.JSONEq(t, `{"ok":true,"status":"paid"}`, w.Body.String())
	})

	t.Run("errors keep their status", func(t *testing.T) {
		for err, code := range map[error]int{
			nh.ErrInvalidPayload: http.StatusBadRequest,
			nh.ErrFetchFailed:    http.StatusBadGateway,
			nh.ErrApplyFailed:    http.StatusInternalServerError,
		} {
			r := newTestRouter()
			RegisterWebhookRoutes(r.Group("/payments"), &stubWebhook{err: err}, log)
			require.Equal(t, code, doJSON(r, http.MethodPost, "/payments/webhook", `x`).Code)
		}
	})
}

func TestApiBillingCharge(t *testing.T) {
	runner := &stubRunner{res: &recurring.BatchResult{
		Results: []*recurring.ChargeResult{
			{UserID: "u1", Status: recurring.ResultPaid, OrderID: "sub_pro_1"},
			{UserID: "u2", Status: recurring.ResultFailed, OrderID: "sub_pro_2", Error: map[string]any{"code": "REJECT"}},
		},
	}}
	r := newTestRouter()
	RegisterCronRoutes(r.Group("/cron"), runner)
	w := doJSON(r, http.MethodGet, "/cron/billing-charge", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{
		"ok": true, "skipped": false, "finalized": 0,
		"results": [
			{"user_id":"u1","status":"paid","order_id":"sub_pro_1"},
			{"user_id":"u2","status":"failed","order_id":"sub_pro_2","error":{"code":"REJECT"}}
		]
	}`, w.Body.String())
}

func TestApiBillingCharge_OutlivesRequestContext(t *testing.T) {
	runner := &stubRunner{res: &recurring.BatchResult{Results: []*recurring.ChargeResult{}}}
	r := newTestRouter()
	RegisterCronRoutes(r.Group("/cron"), runner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/cron/billing-charge", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, runner.ctxErr)
}

func TestAdminRoutes(t *testing.T) {
	stats, payments := &stubStats{}, &stubPayments{}
	r := newTestRouter()
	RegisterAdminRoutes(r.Group("/admin"), stats, payments)

	w := doJSON(r, http.MethodGet, "/admin/billing/summary?limit=5&days=7", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, statistics.SummaryRequest{RecentLimit: 5, Days: 7}, stats.req)
	require.Equal(t, int64(2), decode[statistics.Summary](t, w).PlanTotals[0].Total)

	w = doJSON(r, http.MethodPost, "/admin/payments", map[string]any{
		"filters": []map[string]any{{"field": "status_code", "operator": "eq", "values": []any{"failed"}}},
		"size":    10,
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 10, payments.scanReq.Size)
	require.Len(t, payments.scanReq.Filters, 1)
	require.Equal(t, int64(1), decode[ledger.ScanPaymentsResponse](t, w).Total)

	w = doJSON(r, http.MethodPost, "/admin/payments", map[string]any{"sort_by": "raw_response"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_filter", decode[response.ErrorBody](t, w).Code)
}
