package handlers

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/promptcraft/billing/internal/app/service/ledger"
	"github.com/promptcraft/billing/internal/app/service/statistics"
	"github.com/promptcraft/billing/pkg/response"
	"github.com/promptcraft/billing/pkg/types"
)

type SummaryReader interface {
	Summary(ctx context.Context, req statistics.SummaryRequest) (*statistics.Summary, error)
}

type ListPaymentsRequest struct {
	Filters   []*types.CommonFilter `json:"filters"`
	From      int                   `json:"from"`
	Size      int                   `json:"size"`
	SortBy    string                `json:"sort_by"`
	SortOrder string                `json:"sort_order"`
}

// @Summary      Billing summary (Admin)
// @Description  Subscription totals by status and plan, recent payments and daily revenue.
// @Tags         Admin
// @Produce      json
// @Param        limit query int false "Recent payments, default 20"
// @Param        days  query int false "Revenue window in days, default 30"
// @Success      200  {object}  statistics.Summary
// @Failure      401  {object}  response.ErrorBody
// @Router       /api/admin/billing/summary [get]
func ApiBillingSummary(stats SummaryReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		days, _ := strconv.Atoi(c.Query("days"))
		res, err := stats.Summary(c.Request.Context(), statistics.SummaryRequest{RecentLimit: limit, Days: days})
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, res)
	}
}

// @Summary      List payments (Admin)
// @Description  Retrieves a paginated and filterable list of payments.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body ListPaymentsRequest true "Filters, pagination and sorting"
// @Success      200  {object}  ledger.ScanPaymentsResponse
// @Failure      400  {object}  response.ErrorBody
// @Router       /api/admin/payments [post]
func ApiListAllPayments(payments PaymentReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ListPaymentsRequest
		if !bindJSON(c, &req) {
			return
		}
		res, err := payments.ScanPayments(c.Request.Context(), &ledger.ScanPaymentsRequest{
			Filters:   req.Filters,
			From:      req.From,
			Size:      req.Size,
			SortBy:    req.SortBy,
			SortOrder: req.SortOrder,
		})
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, res)
	}
}

func RegisterAdminRoutes(r gin.IRouter, stats SummaryReader, payments PaymentReader) {
	r.GET("/billing/summary", ApiBillingSummary(stats))
	r.POST("/payments", ApiListAllPayments(payments))
}
