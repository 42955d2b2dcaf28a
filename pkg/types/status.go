package types

type PaymentProvider string

const (
	PaymentProviderToss PaymentProvider = "toss"
)

type BillingProfileStatus string

const (
	BillingProfileStatusActive  BillingProfileStatus = "active"
	BillingProfileStatusRevoked BillingProfileStatus = "revoked"
)

type SubscriptionStatus string

const (
	SubscriptionStatusFree     SubscriptionStatus = "free"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

var subscriptionStatusLabels = map[SubscriptionStatus]string{
	SubscriptionStatusFree:     "무료",
	SubscriptionStatusActive:   "이용 중",
	SubscriptionStatusPastDue:  "결제 지연",
	SubscriptionStatusCanceled: "해지됨",
}

func (s SubscriptionStatus) Label() string {
	if l, ok := subscriptionStatusLabels[s]; ok {
		return l
	}
	return string(s)
}

type SubscriptionChangeReason string

const (
	SubscriptionChangeReasonActivate       SubscriptionChangeReason = "activate"
	SubscriptionChangeReasonRenew          SubscriptionChangeReason = "renew"
	SubscriptionChangeReasonScheduleCancel SubscriptionChangeReason = "schedule_cancel"
	SubscriptionChangeReasonUndoCancel     SubscriptionChangeReason = "undo_cancel"
	SubscriptionChangeReasonFinalizeCancel SubscriptionChangeReason = "finalize_cancel"
	SubscriptionChangeReasonChargeFailed   SubscriptionChangeReason = "charge_failed"
	SubscriptionChangeReasonPastDue        SubscriptionChangeReason = "past_due"
	SubscriptionChangeReasonBillingResumed SubscriptionChangeReason = "billing_resumed"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusCanceled PaymentStatus = "canceled"
)

type PaymentAttemptReason string

const (
	PaymentAttemptReasonUserCancel     PaymentAttemptReason = "user_cancel"
	PaymentAttemptReasonValidationFail PaymentAttemptReason = "validation_fail"
	PaymentAttemptReasonClientError    PaymentAttemptReason = "client_error"
	PaymentAttemptReasonServerError    PaymentAttemptReason = "server_error"
)

func (r PaymentAttemptReason) Valid() bool {
	switch r {
	case PaymentAttemptReasonUserCancel, PaymentAttemptReasonValidationFail,
		PaymentAttemptReasonClientError, PaymentAttemptReasonServerError:
		return true
	}
	return false
}
