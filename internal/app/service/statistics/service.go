package statistics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/promptcraft/billing/internal/models"
	"github.com/promptcraft/billing/pkg/dberr"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/types"
)

type StatisticType string

const (
	StatisticTypeSubscriptionTotals StatisticType = "subscription_totals"
	StatisticTypePlanTotals         StatisticType = "plan_totals"
	StatisticTypeRecentPayments     StatisticType = "recent_payments"
	StatisticTypeDailyRevenue       StatisticType = "daily_revenue"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 100
	defaultDays        = 30
)

type StatusTotal struct {
	Status types.SubscriptionStatus `json:"status_code"`
	Total  int64                    `json:"total"`
}

type PlanTotal struct {
	PlanCode string `json:"plan_code"`
	Total    int64  `json:"total"`
}

// DailyRevenue is the paid amount for one day and currency.
type DailyRevenue struct {
	Date  string `json:"date"`
	Label string `json:"label"`
	Value int64  `json:"value"`
	Count int64  `json:"count"`
}

type SummaryRequest struct {
	RecentLimit int
	Days        int
}

// Summary is the admin billing dashboard.
type Summary struct {
	SubscriptionTotals []StatusTotal     `json:"subscription_totals"`
	PlanTotals         []PlanTotal       `json:"plan_totals"`
	RecentPayments     []*models.Payment `json:"recent_payments"`
	DailyRevenue       []DailyRevenue    `json:"daily_revenue"`
}

// Service provides statistics operations
type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
	now func() time.Time
}

func New(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
}

var Module = fx.Options(
	fx.Provide(New),
)

func (s *Service) subscriptionTotals(ctx context.Context, _ SummaryRequest) (any, error) {
	var out []StatusTotal
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Select("status_code AS status, count(*) AS total").
		Group("status_code").
		Order("status_code").
		Scan(&out).Error
	return out, err
}

// planTotals counts subscriptions that currently grant a paid plan.
func (s *Service) planTotals(ctx context.Context, _ SummaryRequest) (any, error) {
	var out []PlanTotal
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Select("plan_code, count(*) AS total").
		Where("status_code IN ?", []types.SubscriptionStatus{types.SubscriptionStatusActive, types.SubscriptionStatusPastDue}).
		Group("plan_code").
		Order("plan_code").
		Scan(&out).Error
	return out, err
}

func (s *Service) recentPayments(ctx context.Context, req SummaryRequest) (any, error) {
	var out []*models.Payment
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(req.RecentLimit).
		Find(&out).Error
	return out, err
}

// dailyRevenue groups paid payments of the last req.Days days by UTC date
// and currency, newest first.
func (s *Service) dailyRevenue(ctx context.Context, req SummaryRequest) (any, error) {
	since := s.now().AddDate(0, 0, -req.Days)
	var paid []*models.Payment
	err := s.db.WithContext(ctx).
		Select("amount", "currency", "approved_at", "created_at").
		Where("status_code = ? AND created_at >= ?", types.PaymentStatusPaid, since).
		Find(&paid).Error
	if err != nil {
		return nil, err
	}
	type key struct{ date, currency string }
	groups := lo.GroupBy(paid, func(p *models.Payment) key {
		at := p.CreatedAt
		if p.ApprovedAt != nil {
			at = *p.ApprovedAt
		}
		return key{date: at.UTC().Format(time.DateOnly), currency: p.Currency}
	})
	out := make([]DailyRevenue, 0, len(groups))
	for k, rows := range groups {
		out = append(out, DailyRevenue{
			Date:  k.date,
			Label: k.currency,
			Value: lo.SumBy(rows, func(p *models.Payment) int64 { return p.Amount }),
			Count: int64(len(rows)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].Label < out[j].Label
	})
	return out, nil
}

func (s *Service) getStatistic(ctx context.Context, id StatisticType, req SummaryRequest) (any, error) {
	switch id {
	case StatisticTypeSubscriptionTotals:
		return s.subscriptionTotals(ctx, req)
	case StatisticTypePlanTotals:
		return s.planTotals(ctx, req)
	case StatisticTypeRecentPayments:
		return s.recentPayments(ctx, req)
	case StatisticTypeDailyRevenue:
		return s.dailyRevenue(ctx, req)
	default:
		return nil, fmt.Errorf("invalid statistic id: %s", id)
	}
}

var summaryItems = []StatisticType{
	StatisticTypeSubscriptionTotals,
	StatisticTypePlanTotals,
	StatisticTypeRecentPayments,
	StatisticTypeDailyRevenue,
}

// Summary loads every dashboard section concurrently.
func (s *Service) Summary(ctx context.Context, req SummaryRequest) (*Summary, error) {
	if req.RecentLimit <= 0 || req.RecentLimit > maxRecentLimit {
		req.RecentLimit = defaultRecentLimit
	}
	if req.Days <= 0 {
		req.Days = defaultDays
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(summaryItems))
	resChan := make(chan *lo.Entry[StatisticType, any], len(summaryItems))
	for _, item := range summaryItems {
		wg.Add(1)
		go func(id StatisticType) {
			defer wg.Done()
			res, err := s.getStatistic(ctx, id, req)
			if err != nil {
				errChan <- fmt.Errorf("%s: %w", id, err)
				return
			}
			resChan <- &lo.Entry[StatisticType, any]{Key: id, Value: res}
		}(item)
	}
	defer wg.Wait()

	out := &Summary{}
	for i := 0; i < len(summaryItems); i++ {
		select {
		case err := <-errChan:
			dberr.Log(logctx.FromCtx(ctx, s.log), "statistics.summary", err)
			return nil, err
		case entry := <-resChan:
			switch v := entry.Value.(type) {
			case []StatusTotal:
				out.SubscriptionTotals = v
			case []PlanTotal:
				out.PlanTotals = v
			case []*models.Payment:
				out.RecentPayments = v
			case []DailyRevenue:
				out.DailyRevenue = v
			}
		}
	}
	return out, nil
}
