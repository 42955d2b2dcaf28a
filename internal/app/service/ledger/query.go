package ledger

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	models "github.com/promptcraft/billing/internal/models"
	"github.com/promptcraft/billing/pkg/dberr"
	"github.com/promptcraft/billing/pkg/errs"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/tool"
	types "github.com/promptcraft/billing/pkg/types"
)

const maxListSize = 100

// ListByUser returns the user's most recent payments, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*models.Payment, error) {
	if limit <= 0 || limit > maxListSize {
		limit = 20
	}
	var out []*models.Payment
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		dberr.Log(logctx.FromCtx(ctx, s.log), "payments.list_by_user", err)
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return out, nil
}

type AttemptInput struct {
	UserID   string
	PlanCode string
	Reason   types.PaymentAttemptReason
	Metadata map[string]interface{}
}

// RecordAttempt stores funnel telemetry from the authorization UI.
func (s *Service) RecordAttempt(ctx context.Context, in AttemptInput) (*models.PaymentAttempt, error) {
	if !in.Reason.Valid() || in.PlanCode == "" {
		return nil, ErrInvalidAttempt
	}
	meta := in.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	a := &models.PaymentAttempt{
		ID:           tool.GenerateUUIDV7(),
		UserID:       in.UserID,
		PlanCode:     in.PlanCode,
		Reason:       in.Reason,
		ProviderCode: types.PaymentProviderToss,
		Metadata:     datatypes.JSONMap(meta),
	}
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		dberr.Log(logctx.FromCtx(ctx, s.log), "payment_attempts.insert", err)
		return nil, fmt.Errorf("failed to record payment attempt: %w", err)
	}
	return a, nil
}

// ScanPaymentsRequest is the admin listing query.
type ScanPaymentsRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

type ScanPaymentsResponse struct {
	Items []*models.Payment `json:"items"`
	Total int64             `json:"total"`
}

// ScannableFields are the payment columns admins may filter and sort on.
var ScannableFields = []string{
	"user_id", "order_id", "payment_key", "status_code", "amount", "plan_code", "created_at", "approved_at",
}

var ErrInvalidScan = errs.Validation("invalid_filter", "조회 조건이 올바르지 않습니다.")

// filtersAnd combines CommonFilters into a single AND expression.
type filtersAnd struct{ filters []*types.CommonFilter }

func (w filtersAnd) Build(builder clause.Builder) {
	exprs := make([]clause.Expression, 0, len(w.filters))
	for _, f := range w.filters {
		if f != nil {
			exprs = append(exprs, f)
		}
	}
	if len(exprs) == 0 {
		builder.WriteString("1=1")
		return
	}
	clause.And(exprs...).Build(builder)
}

// ScanPayments implements the paginated admin payment listing.
func (s *Service) ScanPayments(ctx context.Context, req *ScanPaymentsRequest) (*ScanPaymentsResponse, error) {
	if req == nil {
		req = &ScanPaymentsRequest{}
	}
	if err := types.ValidateFilters(req.Filters, ScannableFields); err != nil {
		return nil, ErrInvalidScan.Wrap(err, "")
	}
	if req.SortBy != "" && !lo.Contains(ScannableFields, req.SortBy) {
		return nil, ErrInvalidScan
	}
	if req.Size <= 0 || req.Size > maxListSize {
		req.Size = 20
	}
	if req.From < 0 {
		req.From = 0
	}

	tx := s.db.WithContext(ctx).Model(&models.Payment{})
	if len(req.Filters) > 0 {
		tx = tx.Where(clause.Where{Exprs: []clause.Expression{filtersAnd{filters: req.Filters}}})
	}
	tx = tx.Session(&gorm.Session{})

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		dberr.Log(logctx.FromCtx(ctx, s.log), "payments.scan_count", err)
		return nil, fmt.Errorf("failed to count payments: %w", err)
	}

	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}
	var rows []*models.Payment
	q := tx.Limit(req.Size).Offset(req.From).
		Order(clause.OrderBy{Columns: []clause.OrderByColumn{{Column: clause.Column{Name: sortBy}, Desc: req.SortOrder != "asc"}}})
	if err := q.Find(&rows).Error; err != nil {
		dberr.Log(logctx.FromCtx(ctx, s.log), "payments.scan", err)
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return &ScanPaymentsResponse{Items: rows, Total: total}, nil
}
