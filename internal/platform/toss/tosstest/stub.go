// Package tosstest provides a programmable toss.Gateway for service tests.
package tosstest

import (
	"context"
	"fmt"
	"sync"

	"github.com/promptcraft/billing/internal/platform/toss"
)

// Gateway implements toss.Gateway with optional function fields. A nil
// field fails the call so tests notice unexpected provider traffic.
type Gateway struct {
	ConfirmFn func(ctx context.Context, paymentKey, orderID string, amount int64) (*toss.Payment, error)
	IssueFn   func(ctx context.Context, authKey, customerKey string) (*toss.BillingKey, error)
	ChargeFn  func(ctx context.Context, req toss.ChargeRequest) (*toss.Payment, error)
	FetchFn   func(ctx context.Context, paymentKey string) (*toss.Payment, error)
	RevokeFn  func(ctx context.Context, billingKey, customerKey string) (*toss.RevokeResult, error)

	mu    sync.Mutex
	Calls []string
}

var _ toss.Gateway = (*Gateway)(nil)

func (g *Gateway) record(call string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls = append(g.Calls, call)
}

func (g *Gateway) CallCount(prefix string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (g *Gateway) ConfirmPayment(ctx context.Context, paymentKey, orderID string, amount int64) (*toss.Payment, error) {
	g.record("confirm:" + orderID)
	if g.ConfirmFn == nil {
		return nil, fmt.Errorf("unexpected confirm")
	}
	return g.ConfirmFn(ctx, paymentKey, orderID, amount)
}

func (g *Gateway) IssueBillingKey(ctx context.Context, authKey, customerKey string) (*toss.BillingKey, error) {
	g.record("issue:" + customerKey)
	if g.IssueFn == nil {
		return nil, fmt.Errorf("unexpected issue")
	}
	return g.IssueFn(ctx, authKey, customerKey)
}

func (g *Gateway) ChargeBillingKey(ctx context.Context, req toss.ChargeRequest) (*toss.Payment, error) {
	g.record("charge:" + req.CustomerKey)
	if g.ChargeFn == nil {
		return nil, fmt.Errorf("unexpected charge")
	}
	return g.ChargeFn(ctx, req)
}

func (g *Gateway) FetchPaymentByKey(ctx context.Context, paymentKey string) (*toss.Payment, error) {
	g.record("fetch:" + paymentKey)
	if g.FetchFn == nil {
		return nil, fmt.Errorf("unexpected fetch")
	}
	return g.FetchFn(ctx, paymentKey)
}

func (g *Gateway) RevokeBillingKey(ctx context.Context, billingKey, customerKey string) (*toss.RevokeResult, error) {
	g.record("revoke:" + billingKey)
	if g.RevokeFn == nil {
		return nil, fmt.Errorf("unexpected revoke")
	}
	return g.RevokeFn(ctx, billingKey, customerKey)
}

// PaidPayment echoes a DONE payment for the given order.
func PaidPayment(paymentKey, orderID string, amount int64) *toss.Payment {
	return &toss.Payment{
		PaymentKey:  paymentKey,
		OrderID:     orderID,
		Status:      "DONE",
		TotalAmount: &amount,
		Method:      "카드",
		Currency:    "KRW",
		Raw: map[string]any{
			"paymentKey":  paymentKey,
			"orderId":     orderID,
			"status":      "DONE",
			"totalAmount": amount,
		},
	}
}
