package models

import (
	"time"

	"github.com/promptcraft/billing/pkg/types"
)

// Subscription is the per-user plan state. Users without a row are on the
// free plan.
type Subscription struct {
	ID           string                   `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID       string                   `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex" json:"user_id"`
	PlanCode     string                   `gorm:"column:plan_code;type:varchar(32);not null" json:"plan_code"`
	Status       types.SubscriptionStatus `gorm:"column:status_code;type:varchar(32);not null;index" json:"status_code"`
	RewriteUsed  int                      `gorm:"column:rewrite_used;not null;default:0" json:"rewrite_used"`
	RewriteLimit int                      `gorm:"column:rewrite_limit;not null;default:0" json:"rewrite_limit"`

	CurrentPeriodStart *time.Time `gorm:"column:current_period_start" json:"current_period_start"`
	CurrentPeriodEnd   *time.Time `gorm:"column:current_period_end;index" json:"current_period_end"`
	// CancelAt is only set while the subscription is active and equals the
	// period end at the time the cancellation was requested.
	CancelRequestedAt *time.Time `gorm:"column:cancel_requested_at" json:"cancel_requested_at"`
	CancelAt          *time.Time `gorm:"column:cancel_at" json:"cancel_at"`
	CanceledAt        *time.Time `gorm:"column:canceled_at" json:"canceled_at"`

	// FailedChargeCount counts consecutive failed renewals; reset on success.
	FailedChargeCount  int        `gorm:"column:failed_charge_count;not null;default:0" json:"failed_charge_count"`
	LastChargeFailedAt *time.Time `gorm:"column:last_charge_failed_at" json:"last_charge_failed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// Billable reports whether the subscription still holds a paid plan.
func (s *Subscription) Billable() bool {
	return s != nil && (s.Status == types.SubscriptionStatusActive || s.Status == types.SubscriptionStatusPastDue)
}

func (s *Subscription) CancelScheduled() bool {
	return s != nil && s.CancelAt != nil
}

// InPeriod reports whether now falls before the current period end.
func (s *Subscription) InPeriod(now time.Time) bool {
	return s != nil && s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.After(now)
}
