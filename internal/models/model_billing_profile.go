package models

import (
	"time"

	"gorm.io/datatypes"

	"github.com/promptcraft/billing/pkg/types"
)

// BillingProfile binds a user to the billing key issued by a provider.
// One row per (user, provider); card changes update it in place.
type BillingProfile struct {
	ID           string                     `gorm:"column:id;type:uuid;primary_key" json:"id"`
	UserID       string                     `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:uniq_billing_profile_user_provider,priority:1" json:"user_id"`
	ProviderCode types.PaymentProvider      `gorm:"column:provider_code;type:varchar(32);not null;uniqueIndex:uniq_billing_profile_user_provider,priority:2" json:"provider_code"`
	Status       types.BillingProfileStatus `gorm:"column:status_code;type:varchar(32);not null" json:"status_code"`
	CustomerKey  string                     `gorm:"column:customer_key;type:varchar(128);not null;index" json:"customer_key"`
	// BillingKey authorizes charges without the card. It is never serialized.
	BillingKey  string         `gorm:"column:billing_key;type:varchar(255);not null;index" json:"-"`
	CardSummary *string        `gorm:"column:card_summary;type:varchar(128)" json:"card_summary"`
	CardCompany *string        `gorm:"column:card_company;type:varchar(64)" json:"card_company"`
	RawResponse datatypes.JSON `gorm:"column:raw_response;type:jsonb" json:"-"`
	RevokedAt   *time.Time     `gorm:"column:revoked_at" json:"revoked_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (BillingProfile) TableName() string { return "billing_profiles" }

func (p *BillingProfile) Active() bool {
	return p != nil && p.Status == types.BillingProfileStatusActive && p.BillingKey != ""
}
