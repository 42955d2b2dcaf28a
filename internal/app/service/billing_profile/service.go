package billing_profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	models "github.com/promptcraft/billing/internal/models"
	"github.com/promptcraft/billing/internal/platform/toss"
	"github.com/promptcraft/billing/pkg/dberr"
	"github.com/promptcraft/billing/pkg/errs"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/mask"
	"github.com/promptcraft/billing/pkg/tool"
	types "github.com/promptcraft/billing/pkg/types"
)

var (
	ErrNotFound     = errs.NotFound("billing_key_missing", "빌링키가 없습니다.")
	ErrMissingKeys  = errs.Validation("missing_billing_key", "billingKey 또는 customerKey가 필요합니다.")
	ErrUpsertFailed = errs.Internal("billing_profile_failed", "결제 정보를 저장하지 못했습니다.")
)

// Service owns the user to billing key mapping for the Toss provider.
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
	now func() time.Time
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
}

var Module = fx.Options(
	fx.Provide(NewService),
)

// Get returns the user's profile or ErrNotFound.
func (s *Service) Get(ctx context.Context, userID string) (*models.BillingProfile, error) {
	var p models.BillingProfile
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider_code = ?", userID, types.PaymentProviderToss).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		dberr.Log(logctx.FromCtx(ctx, s.log), "billing_profiles.get", err)
		return nil, fmt.Errorf("failed to get billing profile: %w", err)
	}
	return &p, nil
}

// OwnerOfCustomerKey returns the user whose profile, active or revoked,
// carries customerKey. The most recently updated profile wins.
func (s *Service) OwnerOfCustomerKey(ctx context.Context, customerKey string) (string, error) {
	if customerKey == "" {
		return "", ErrNotFound
	}
	var p models.BillingProfile
	err := s.db.WithContext(ctx).
		Where("customer_key = ? AND provider_code = ?", customerKey, types.PaymentProviderToss).
		Order("updated_at DESC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		dberr.Log(logctx.FromCtx(ctx, s.log), "billing_profiles.owner_of_customer_key", err)
		return "", fmt.Errorf("failed to find billing profile: %w", err)
	}
	return p.UserID, nil
}

type UpsertInput struct {
	UserID      string
	CustomerKey string
	Issued      *toss.BillingKey
}

// Upsert stores a freshly issued billing key as the user's active profile,
// replacing any previous key.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (*models.BillingProfile, error) {
	if in.Issued == nil || strings.TrimSpace(in.Issued.BillingKey) == "" {
		return nil, ErrUpsertFailed
	}
	customerKey := in.CustomerKey
	if in.Issued.CustomerKey != "" {
		customerKey = in.Issued.CustomerKey
	}
	summary, company := CardSummary(in.Issued)
	p := &models.BillingProfile{
		ID:           tool.GenerateUUIDV7(),
		UserID:       in.UserID,
		ProviderCode: types.PaymentProviderToss,
		Status:       types.BillingProfileStatusActive,
		CustomerKey:  customerKey,
		BillingKey:   in.Issued.BillingKey,
		CardSummary:  summary,
		CardCompany:  company,
		RawResponse:  datatypes.JSON(toss.RawJSON(in.Issued.Raw)),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "provider_code"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status_code":  types.BillingProfileStatusActive,
			"customer_key": p.CustomerKey,
			"billing_key":  p.BillingKey,
			"card_summary": p.CardSummary,
			"card_company": p.CardCompany,
			"raw_response": p.RawResponse,
			"revoked_at":   nil,
			"updated_at":   s.now(),
		}),
	}).Create(p).Error
	if err != nil {
		dberr.Log(logctx.FromCtx(ctx, s.log), "billing_profiles.upsert", err)
		return nil, ErrUpsertFailed.Wrap(err, "")
	}
	logctx.FromCtx(ctx, s.log).Infow("billing_profile_upserted",
		"user_id", in.UserID,
		"billing_key", mask.Last4(p.BillingKey),
	)
	return s.Get(ctx, in.UserID)
}

// MarkRevoked flags the user's profile as revoked. The key is kept for audit.
func (s *Service) MarkRevoked(ctx context.Context, userID string) error {
	now := s.now()
	err := s.db.WithContext(ctx).Model(&models.BillingProfile{}).
		Where("user_id = ? AND provider_code = ?", userID, types.PaymentProviderToss).
		Updates(map[string]interface{}{
			"status_code": types.BillingProfileStatusRevoked,
			"revoked_at":  now,
			"updated_at":  now,
		}).Error
	if err != nil {
		dberr.Log(logctx.FromCtx(ctx, s.log), "billing_profiles.mark_revoked", err)
		return fmt.Errorf("failed to revoke billing profile: %w", err)
	}
	return nil
}

// RevokeByKeys revokes every active profile matching the billing key, or
// the customer key when no billing key is given. It returns the owners.
func (s *Service) RevokeByKeys(ctx context.Context, customerKey, billingKey string) ([]string, error) {
	customerKey, billingKey = strings.TrimSpace(customerKey), strings.TrimSpace(billingKey)
	if customerKey == "" && billingKey == "" {
		return nil, ErrMissingKeys
	}
	log := logctx.FromCtx(ctx, s.log)
	var userIDs []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.BillingProfile{}).
			Where("provider_code = ? AND status_code = ?", types.PaymentProviderToss, types.BillingProfileStatusActive)
		if billingKey != "" {
			q = q.Where("billing_key = ?", billingKey)
		} else {
			q = q.Where("customer_key = ?", customerKey)
		}
		if err := q.Pluck("user_id", &userIDs).Error; err != nil {
			return err
		}
		if len(userIDs) == 0 {
			return nil
		}
		now := s.now()
		return tx.Model(&models.BillingProfile{}).
			Where("provider_code = ? AND user_id IN ?", types.PaymentProviderToss, userIDs).
			Updates(map[string]interface{}{
				"status_code": types.BillingProfileStatusRevoked,
				"revoked_at":  now,
				"updated_at":  now,
			}).Error
	})
	if err != nil {
		dberr.Log(log, "billing_profiles.revoke_by_keys", err)
		return nil, fmt.Errorf("failed to revoke billing profiles: %w", err)
	}
	log.Infow("billing_profiles_revoked", "count", len(userIDs), "billing_key", mask.Last4(billingKey))
	return userIDs, nil
}

// CardSummary builds the display string for a card, e.g. "현대 ****1234".
// Only the masked number the provider returns is used.
func CardSummary(bk *toss.BillingKey) (summary, company *string) {
	if bk == nil || bk.Card == nil {
		return nil, nil
	}
	c := bk.Card
	if c.Company != "" {
		company = &c.Company
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, c.Number)
	parts := make([]string, 0, 2)
	if c.Company != "" {
		parts = append(parts, c.Company)
	}
	if len(digits) >= 4 {
		parts = append(parts, "****"+digits[len(digits)-4:])
	}
	if len(parts) == 0 {
		return nil, company
	}
	out := strings.Join(parts, " ")
	return &out, company
}
