package toss

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   map[string]any
}

type fakeProvider struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter)
}

func newFakeProvider(t *testing.T) (*fakeProvider, *Client) {
	t.Helper()
	fp := &fakeProvider{routes: map[string]func(w http.ResponseWriter){}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body := map[string]any{}
		_ = json.Unmarshal(b, &body)
		fp.mu.Lock()
		fp.requests = append(fp.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
		h, ok := fp.routes[r.Method+" "+r.URL.Path]
		fp.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"NOT_FOUND","message":"not found"}`))
			return
		}
		h(w)
	}))
	t.Cleanup(srv.Close)
	return fp, NewClient(Options{BaseURL: srv.URL + "/v1", SecretKey: "test_sk", Timeout: 2 * time.Second}, nil, nil)
}

func (fp *fakeProvider) on(route string, status int, body string) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.routes[route] = func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func (fp *fakeProvider) paths() []string {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	out := make([]string, 0, len(fp.requests))
	for _, r := range fp.requests {
		out = append(out, r.Method+" "+r.Path)
	}
	return out
}

func TestConfirmPayment_SendsAuthAndDecodes(t *testing.T) {
	fp, c := newFakeProvider(t)
	fp.on("POST /v1/payments/confirm", 200, `{"paymentKey":"pk_1","orderId":"sub_pro_abc123","status":"DONE","totalAmount":4900,"method":"카드","approvedAt":"2025-01-02T10:00:00+09:00","extra":{"a":1}}`)

	p, err := c.ConfirmPayment(context.Background(), "pk_1", "sub_pro_abc123", 4900)
	require.NoError(t, err)
	require.Equal(t, "pk_1", p.PaymentKey)
	require.Equal(t, "DONE", p.Status)
	require.NotNil(t, p.TotalAmount)
	require.EqualValues(t, 4900, *p.TotalAmount)
	require.Equal(t, time.Date(2025, 1, 2, 1, 0, 0, 0, time.UTC), *p.ApprovedAt)
	require.Contains(t, p.Raw, "extra")

	req := fp.requests[0]
	require.Equal(t, "Basic dGVzdF9zazo=", req.Header.Get("Authorization"))
	require.Equal(t, "no-store", req.Header.Get("Cache-Control"))
	require.Equal(t, "sub_pro_abc123", req.Body["orderId"])
	require.EqualValues(t, 4900, req.Body["amount"])
}

func TestChargeBillingKey_ProviderErrorCarriesPayload(t *testing.T) {
	fp, c := newFakeProvider(t)
	fp.on("POST /v1/billing/bk_1", 400, `{"code":"REJECT_CARD_COMPANY","message":"카드사에서 거절했습니다."}`)

	_, err := c.ChargeBillingKey(context.Background(), ChargeRequest{BillingKey: "bk_1", CustomerKey: "u1", Amount: 4900, OrderID: "sub_pro_1", OrderName: "PromptCraft PRO"})
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, 400, pe.Status)
	require.Equal(t, "REJECT_CARD_COMPANY", pe.Code)
	require.Equal(t, "카드사에서 거절했습니다.", pe.Message)
	require.Equal(t, "REJECT_CARD_COMPANY", PayloadOf(err)["code"])
	require.Equal(t, "sub_pro_1", fp.requests[0].Header.Get("Idempotency-Key"))
}

func TestProviderError_NonJSONBodyGivesEmptyPayload(t *testing.T) {
	fp, c := newFakeProvider(t)
	fp.on("GET /v1/payments/pk_x", 502, `<html>bad gateway</html>`)

	_, err := c.FetchPaymentByKey(context.Background(), "pk_x")
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	require.Empty(t, pe.Payload)
	require.NotEmpty(t, pe.Message)
}

func TestIssueBillingKey_ParsesCard(t *testing.T) {
	fp, c := newFakeProvider(t)
	fp.on("POST /v1/billing/authorizations/issue", 200, `{"billingKey":"bk_9","customerKey":"u1","cardCompany":"현대","card":{"number":"433012******1234","cardType":"신용"}}`)

	bk, err := c.IssueBillingKey(context.Background(), "auth_1", "u1")
	require.NoError(t, err)
	require.Equal(t, "bk_9", bk.BillingKey)
	require.Equal(t, "현대", bk.Card.Company)
	require.Equal(t, "433012******1234", bk.Card.Number)
}

func TestRevoke_PrimarySucceeds(t *testing.T) {
	fp, c := newFakeProvider(t)
	fp.on("DELETE /v1/billing/bk_1", 200, `{}`)

	res, err := c.RevokeBillingKey(context.Background(), "bk_1", "")
	require.NoError(t, err)
	require.False(t, res.Fallback)
	require.Equal(t, []string{"DELETE /v1/billing/bk_1"}, fp.paths())
}

func TestRevoke_FallbackOrderStopsAtFirstSuccess(t *testing.T) {
	fp, c := newFakeProvider(t)
	fp.on("DELETE /v1/billing/bk_1", 405, `{"code":"METHOD_NOT_ALLOWED","message":"Method Not Allowed"}`)
	fp.on("POST /v1/billing/bk_1/cancel", 200, `{"status":"REVOKED"}`)

	res, err := c.RevokeBillingKey(context.Background(), "bk_1", "u1")
	require.NoError(t, err)
	require.True(t, res.Fallback)
	require.Equal(t, "/billing/bk_1/cancel", res.Endpoint)
	require.Equal(t, []string{
		"DELETE /v1/billing/bk_1",
		"POST /v1/billing/bk_1/revoke",
		"POST /v1/billing/bk_1/cancel",
	}, fp.paths())
}

func TestRevoke_MethodNotAllowedCodeTriggersFallback(t *testing.T) {
	fp, c := newFakeProvider(t)
	fp.on("DELETE /v1/billing/bk_1", 400, `{"code":"METHOD_NOT_ALLOWED","message":"Request method DELETE not supported"}`)
	fp.on("POST /v1/billing/bk_1/revoke", 200, `{}`)

	res, err := c.RevokeBillingKey(context.Background(), "bk_1", "")
	require.NoError(t, err)
	require.Equal(t, "/billing/bk_1/revoke", res.Endpoint)
}

func TestRevoke_NotAllowedMessageAloneNoFallback(t *testing.T) {
	fp, c := newFakeProvider(t)
	fp.on("DELETE /v1/billing/bk_1", 403, `{"code":"FORBIDDEN_REQUEST","message":"Access to this billing key is not allowed"}`)
	fp.on("POST /v1/billing/bk_1/revoke", 200, `{}`)

	_, err := c.RevokeBillingKey(context.Background(), "bk_1", "")
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, "FORBIDDEN_REQUEST", pe.Code)
	require.Equal(t, []string{"DELETE /v1/billing/bk_1"}, fp.paths())
}

func TestRevoke_TerminalFallbackErrorAborts(t *testing.T) {
	fp, c := newFakeProvider(t)
	fp.on("DELETE /v1/billing/bk_1", 405, `{"message":"method not allowed"}`)
	fp.on("POST /v1/billing/bk_1/revoke", 500, `{"code":"PROVIDER_ERROR","message":"일시적인 오류"}`)

	_, err := c.RevokeBillingKey(context.Background(), "bk_1", "")
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, "PROVIDER_ERROR", pe.Code)
	require.Equal(t, []string{"DELETE /v1/billing/bk_1", "POST /v1/billing/bk_1/revoke"}, fp.paths())
}

func TestRevoke_AllFallbacksMissingReturnsPrimaryError(t *testing.T) {
	fp, c := newFakeProvider(t)
	fp.on("DELETE /v1/billing/bk_1", 405, `{"code":"METHOD_NOT_ALLOWED","message":"primary refused"}`)

	_, err := c.RevokeBillingKey(context.Background(), "bk_1", "")
	require.Equal(t, "primary refused", MessageOf(err))
	require.Len(t, fp.paths(), 4)
}

func TestRevoke_OtherPrimaryErrorNoFallback(t *testing.T) {
	fp, c := newFakeProvider(t)
	fp.on("DELETE /v1/billing/bk_1", 401, `{"code":"UNAUTHORIZED_KEY","message":"인증되지 않은 키"}`)

	_, err := c.RevokeBillingKey(context.Background(), "bk_1", "")
	require.Error(t, err)
	require.Len(t, fp.paths(), 1)
}

func TestMaskPath(t *testing.T) {
	require.Equal(t, "/billing/****abcd", maskPath("/billing/bk_xabcd"))
	require.Equal(t, "/billing/authorizations/issue", maskPath("/billing/authorizations/issue"))
	require.Equal(t, "/billing/authorizations/****abcd/revoke", maskPath("/billing/authorizations/bk_xabcd/revoke"))
	require.Equal(t, "/payments/confirm", maskPath("/payments/confirm"))
}

func TestClient_HonoursTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Options{BaseURL: srv.URL, SecretKey: "sk", Timeout: 50 * time.Millisecond}, nil, nil)

	start := time.Now()
	_, err := c.FetchPaymentByKey(context.Background(), "pk")
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
	_, isProvider := AsProviderError(err)
	require.False(t, isProvider)
}
