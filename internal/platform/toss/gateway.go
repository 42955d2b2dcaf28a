package toss

import "context"

// Gateway is the provider surface used by billing services. Every call is a
// single attempt; retries belong to the caller.
type Gateway interface {
	ConfirmPayment(ctx context.Context, paymentKey, orderID string, amount int64) (*Payment, error)
	IssueBillingKey(ctx context.Context, authKey, customerKey string) (*BillingKey, error)
	ChargeBillingKey(ctx context.Context, req ChargeRequest) (*Payment, error)
	FetchPaymentByKey(ctx context.Context, paymentKey string) (*Payment, error)
	RevokeBillingKey(ctx context.Context, billingKey, customerKey string) (*RevokeResult, error)
}
