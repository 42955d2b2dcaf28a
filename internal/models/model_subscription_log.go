package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/promptcraft/billing/pkg/types"
)

// SubscriptionLog records every subscription state change for support and
// reconciliation.
type SubscriptionLog struct {
	ID     string                         `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID string                         `gorm:"column:user_id;type:varchar(64);index:idx_subscription_logs_user_id,priority:1;not null" json:"user_id"`
	Reason types.SubscriptionChangeReason `gorm:"column:reason;type:varchar(64);not null" json:"reason"`
	// Before is null when the row was created by this change.
	Before datatypes.JSONType[*Subscription] `gorm:"column:before;type:jsonb" json:"before"`
	After  datatypes.JSONType[*Subscription] `gorm:"column:after;type:jsonb" json:"after"`
	// Extra carries the trigger, e.g. order_id for renewals.
	Extra     datatypes.JSONMap `gorm:"column:extra;type:jsonb" json:"extra"`
	CreatedAt time.Time         `gorm:"index:idx_subscription_logs_user_id,priority:2" json:"created_at"`
}

func (SubscriptionLog) TableName() string { return "subscription_logs" }
