package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	models "github.com/promptcraft/billing/internal/models"
	"github.com/promptcraft/billing/pkg/config"
	"github.com/promptcraft/billing/pkg/dberr"
	"github.com/promptcraft/billing/pkg/errs"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/tool"
	types "github.com/promptcraft/billing/pkg/types"
)

var (
	ErrNotActive    = errs.Validation("subscription_not_active", "활성화된 구독이 없습니다.")
	ErrPlanNotFound = errs.NotFound("plan_not_found", "플랜 정보를 찾을 수 없습니다.")
)

type Service struct {
	cfg *config.Config
	db  *gorm.DB
	log *zap.SugaredLogger
	now func() time.Time
}

func NewService(cfg *config.Config, db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{cfg: cfg, db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock replaces the time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) Now() time.Time { return s.now() }

// Get returns the user's subscription, or an unsaved free subscription when
// the user never subscribed.
func (s *Service) Get(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.freeSubscription(userID), nil
	}
	if err != nil {
		dberr.Log(logctx.FromCtx(ctx, s.log), "subscriptions.get", err)
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return &sub, nil
}

func (s *Service) freeSubscription(userID string) *models.Subscription {
	free := s.cfg.FreePlan()
	return &models.Subscription{
		UserID:       userID,
		PlanCode:     free.Code,
		Status:       types.SubscriptionStatusFree,
		RewriteLimit: free.RewriteLimit,
	}
}

// View is the subscription as shown to its owner.
type View struct {
	PlanCode          string                   `json:"plan_code"`
	PlanLabel         string                   `json:"plan_label"`
	Status            types.SubscriptionStatus `json:"status_code"`
	StatusLabel       string                   `json:"status_label"`
	RewriteUsed       int                      `json:"rewrite_used"`
	RewriteLimit      int                      `json:"rewrite_limit"`
	CurrentPeriodEnd  *time.Time               `json:"current_period_end"`
	CancelRequestedAt *time.Time               `json:"cancel_requested_at"`
	CancelAt          *time.Time               `json:"cancel_at"`
}

func (s *Service) View(ctx context.Context, userID string) (*View, error) {
	sub, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &View{
		PlanCode:          sub.PlanCode,
		PlanLabel:         s.cfg.PlanLabel(sub.PlanCode),
		Status:            sub.Status,
		StatusLabel:       sub.Status.Label(),
		RewriteUsed:       sub.RewriteUsed,
		RewriteLimit:      sub.RewriteLimit,
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		CancelRequestedAt: sub.CancelRequestedAt,
		CancelAt:          sub.CancelAt,
	}, nil
}

// lockForUpdate loads the user's row with a row lock. found is false when
// the user has no row yet.
func (s *Service) lockForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*models.Subscription, bool, error) {
	var sub models.Subscription
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate}).
		Where("user_id = ?", userID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &sub, true, nil
}

// save persists sub and appends a subscription log in the same transaction.
func (s *Service) save(ctx context.Context, tx *gorm.DB, before, after *models.Subscription, reason types.SubscriptionChangeReason, extra map[string]interface{}) error {
	if after.ID == "" {
		after.ID = tool.GenerateUUIDV7()
	}
	if err := tx.WithContext(ctx).Save(after).Error; err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	if extra == nil {
		extra = map[string]interface{}{}
	}
	entry := &models.SubscriptionLog{
		ID:     tool.GenerateUUIDV7(),
		UserID: after.UserID,
		Reason: reason,
		Before: datatypes.NewJSONType(before),
		After:  datatypes.NewJSONType(after),
		Extra:  datatypes.JSONMap(extra),
	}
	if err := tx.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to save subscription log: %w", err)
	}
	logctx.FromCtx(ctx, s.log).Infow("subscription_changed",
		"user_id", after.UserID,
		"reason", reason,
		"plan_code", after.PlanCode,
		"status", after.Status,
	)
	return nil
}

func snapshot(sub *models.Subscription, found bool) *models.Subscription {
	if !found || sub == nil {
		return nil
	}
	cp := *sub
	return &cp
}

func (s *Service) inTx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(fn)
	if err != nil {
		var e *errs.Error
		if !errors.As(err, &e) {
			dberr.Log(logctx.FromCtx(ctx, s.log), op, err)
		}
	}
	return err
}
