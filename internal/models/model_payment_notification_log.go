package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/promptcraft/billing/pkg/types"
)

type PaymentNotificationLogStatus string

const (
	PaymentNotificationLogStatusReceived     PaymentNotificationLogStatus = "received"
	PaymentNotificationLogStatusHandled      PaymentNotificationLogStatus = "handled"
	PaymentNotificationLogStatusIgnored      PaymentNotificationLogStatus = "ignored"
	PaymentNotificationLogStatusHandleFailed PaymentNotificationLogStatus = "handle_failed"
)

// PaymentNotificationLog keeps every webhook delivery as received, plus the
// outcome of handling it.
type PaymentNotificationLog struct {
	ID           string                       `gorm:"column:id;type:uuid;primary_key" json:"id"`
	ProviderCode types.PaymentProvider        `gorm:"column:provider_code;type:varchar(32);not null" json:"provider_code"`
	TraceID      string                       `gorm:"column:trace_id;type:varchar(128)" json:"trace_id"`
	EventType    string                       `gorm:"column:event_type;type:varchar(64)" json:"event_type"`
	OrderID      *string                      `gorm:"column:order_id;type:varchar(128);index" json:"order_id"`
	PaymentKey   *string                      `gorm:"column:payment_key;type:varchar(255)" json:"payment_key"`
	Data         datatypes.JSON               `gorm:"column:data;type:jsonb" json:"data"`
	Result       datatypes.JSONMap            `gorm:"column:result;type:jsonb" json:"result"`
	Status       PaymentNotificationLogStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	CreatedAt    time.Time                    `json:"created_at"`
	UpdatedAt    time.Time                    `json:"updated_at"`
}

func (PaymentNotificationLog) TableName() string { return "payment_notification_logs" }
