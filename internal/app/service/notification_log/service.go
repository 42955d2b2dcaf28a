package notification_log

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/promptcraft/billing/internal/models"
	"github.com/promptcraft/billing/pkg/dberr"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/tool"
)

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service { return &Service{db: db, log: log} }

var Module = fx.Options(
	fx.Provide(New),
)

// Save persists a delivery log. Failures are logged and swallowed so the
// audit trail never blocks webhook handling. Nil input is ignored.
func (s *Service) Save(ctx context.Context, entry *models.PaymentNotificationLog) {
	if entry == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = tool.GenerateUUIDV7()
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		dberr.Log(logctx.FromCtx(ctx, s.log), "payment_notification_logs.save", err)
	}
}

// Finish records the handling outcome on a saved log.
func (s *Service) Finish(ctx context.Context, entry *models.PaymentNotificationLog, status models.PaymentNotificationLogStatus, result map[string]interface{}) {
	if entry == nil || entry.ID == "" {
		return
	}
	entry.Status = status
	entry.Result = datatypes.JSONMap(result)
	err := s.db.WithContext(ctx).Model(&models.PaymentNotificationLog{}).
		Where("id = ?", entry.ID).
		Updates(map[string]interface{}{
			"status": status,
			"result": entry.Result,
		}).Error
	if err != nil {
		dberr.Log(logctx.FromCtx(ctx, s.log), "payment_notification_logs.finish", err)
	}
}
