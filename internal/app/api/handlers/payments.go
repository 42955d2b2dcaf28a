package handlers

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	mw "github.com/promptcraft/billing/internal/app/api/middleware"
	"github.com/promptcraft/billing/internal/app/service/confirmation"
	"github.com/promptcraft/billing/internal/app/service/ledger"
	"github.com/promptcraft/billing/internal/models"
	"github.com/promptcraft/billing/pkg/response"
	"github.com/promptcraft/billing/pkg/types"
)

// PaymentReader reads the payment ledger.
type PaymentReader interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.Payment, error)
	ScanPayments(ctx context.Context, req *ledger.ScanPaymentsRequest) (*ledger.ScanPaymentsResponse, error)
}

type ConfirmRequest struct {
	PaymentKey string `json:"payment_key"`
	OrderID    string `json:"order_id"`
	Amount     int64  `json:"amount"`
	PlanCode   string `json:"plan_code"`
}

type ConfirmResponse struct {
	OK        bool                `json:"ok"`
	PaymentID string              `json:"payment_id"`
	Status    types.PaymentStatus `json:"status"`
}

type AttemptRequest struct {
	PlanCode string                     `json:"plan_code"`
	Reason   types.PaymentAttemptReason `json:"reason_code"`
	Metadata map[string]interface{}     `json:"metadata"`
}

type PaymentsResponse struct {
	Payments []*models.Payment `json:"payments"`
}

// @Summary      Confirm payment
// @Description  Confirms a widget payment with the provider and settles it.
// @Tags         Payments
// @Accept       json
// @Produce      json
// @Param        request body ConfirmRequest true "Payment to confirm"
// @Success      200  {object}  ConfirmResponse
// @Failure      400  {object}  response.ErrorBody
// @Failure      502  {object}  response.ErrorBody
// @Router       /api/payments/confirm [post]
func ApiConfirmPayment(flow BillingFlow) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ConfirmRequest
		if !bindJSON(c, &req) {
			return
		}
		res, err := flow.ConfirmPayment(c.Request.Context(), mw.UserID(c), confirmation.ConfirmInput{
			PaymentKey: req.PaymentKey,
			OrderID:    req.OrderID,
			Amount:     req.Amount,
			PlanCode:   req.PlanCode,
		})
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, &ConfirmResponse{OK: true, PaymentID: res.PaymentID, Status: res.Status})
	}
}

// @Summary      List my payments
// @Tags         Payments
// @Produce      json
// @Param        limit query int false "Max rows, default 20"
// @Success      200  {object}  PaymentsResponse
// @Router       /api/payments [get]
func ApiListPayments(payments PaymentReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		rows, err := payments.ListByUser(c.Request.Context(), mw.UserID(c), limit)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, &PaymentsResponse{Payments: rows})
	}
}

// @Summary      Record payment attempt
// @Description  Stores a failed or abandoned authorization attempt from the billing UI.
// @Tags         Payments
// @Accept       json
// @Produce      json
// @Param        request body AttemptRequest true "Attempt"
// @Success      200  {object}  response.Ack
// @Failure      400  {object}  response.ErrorBody
// @Router       /api/payments/attempts [post]
func ApiRecordAttempt(flow BillingFlow) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AttemptRequest
		if !bindJSON(c, &req) {
			return
		}
		err := flow.RecordAttempt(c.Request.Context(), mw.UserID(c), ledger.AttemptInput{
			PlanCode: req.PlanCode,
			Reason:   req.Reason,
			Metadata: req.Metadata,
		})
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, &response.Ack{OK: true})
	}
}

func RegisterPaymentRoutes(r gin.IRouter, flow BillingFlow, payments PaymentReader) {
	r.GET("", ApiListPayments(payments))
	r.POST("/confirm", ApiConfirmPayment(flow))
	r.POST("/attempts", ApiRecordAttempt(flow))
}
