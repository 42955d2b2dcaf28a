package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/promptcraft/billing/pkg/types"
)

// Payment is one charge attempt keyed by OrderID. A paid row is final.
type Payment struct {
	ID           string                `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID       string                `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	OrderID      string                `gorm:"column:order_id;type:varchar(128);not null;uniqueIndex" json:"order_id"`
	PaymentKey   *string               `gorm:"column:payment_key;type:varchar(255);index" json:"payment_key"`
	Status       types.PaymentStatus   `gorm:"column:status_code;type:varchar(32);not null;index" json:"status_code"`
	Amount       int64                 `gorm:"column:amount;not null" json:"amount"`
	Currency     string                `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	Method       *string               `gorm:"column:method;type:varchar(64)" json:"method"`
	PlanCode     *string               `gorm:"column:plan_code;type:varchar(32)" json:"plan_code"`
	ProviderCode types.PaymentProvider `gorm:"column:provider_code;type:varchar(32);not null" json:"provider_code"`
	RequestedAt  *time.Time            `gorm:"column:requested_at" json:"requested_at"`
	ApprovedAt   *time.Time            `gorm:"column:approved_at" json:"approved_at"`
	// FailureCode and FailureMessage hold the provider rejection, if any.
	FailureCode    *string        `gorm:"column:failure_code;type:varchar(128)" json:"failure_code"`
	FailureMessage *string        `gorm:"column:failure_message;type:text" json:"failure_message"`
	RawResponse    datatypes.JSON `gorm:"column:raw_response;type:jsonb" json:"-"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

func (p *Payment) Paid() bool { return p != nil && p.Status == types.PaymentStatusPaid }

// PaymentEvent is an append-only audit entry for a Payment.
type PaymentEvent struct {
	ID           string                `gorm:"column:id;type:uuid;primary_key" json:"id"`
	PaymentID    string                `gorm:"column:payment_id;type:uuid;not null;index" json:"payment_id"`
	ProviderCode types.PaymentProvider `gorm:"column:provider_code;type:varchar(32);not null" json:"provider_code"`
	EventType    string                `gorm:"column:event_type;type:varchar(64);not null" json:"event_type"`
	EventPayload datatypes.JSON        `gorm:"column:event_payload;type:jsonb" json:"event_payload"`
	CreatedAt    time.Time             `json:"created_at"`
}

func (PaymentEvent) TableName() string { return "payment_events" }

// PaymentAttempt is funnel telemetry for the authorization UI. It is not
// part of settlement.
type PaymentAttempt struct {
	ID           string                     `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID       string                     `gorm:"column:user_id;type:varchar(64);not null;index" json:"user_id"`
	PlanCode     string                     `gorm:"column:plan_code;type:varchar(32);not null" json:"plan_code"`
	Reason       types.PaymentAttemptReason `gorm:"column:reason_code;type:varchar(32);not null" json:"reason_code"`
	ProviderCode types.PaymentProvider      `gorm:"column:provider_code;type:varchar(32);not null" json:"provider_code"`
	Metadata     datatypes.JSONMap          `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt    time.Time                  `json:"created_at"`
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }
