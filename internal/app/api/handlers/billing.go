package handlers

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"

	mw "github.com/promptcraft/billing/internal/app/api/middleware"
	"github.com/promptcraft/billing/internal/app/service/billing_profile"
	"github.com/promptcraft/billing/internal/app/service/confirmation"
	"github.com/promptcraft/billing/internal/app/service/ledger"
	"github.com/promptcraft/billing/internal/models"
	"github.com/promptcraft/billing/pkg/errs"
	"github.com/promptcraft/billing/pkg/response"
	"github.com/promptcraft/billing/pkg/types"
)

// BillingFlow is the user-triggered billing surface.
type BillingFlow interface {
	Prepare(ctx context.Context, userID, planCode string, mode types.PrepareMode) (*confirmation.PrepareResult, error)
	IssueBillingKey(ctx context.Context, userID string, in confirmation.IssueInput) (*confirmation.IssueResult, error)
	UpdateBillingKey(ctx context.Context, userID, authKey, customerKey string) (*models.BillingProfile, error)
	CancelBilling(ctx context.Context, userID string) (*models.Subscription, error)
	UndoCancel(ctx context.Context, userID string) (*models.Subscription, error)
	ConfirmPayment(ctx context.Context, userID string, in confirmation.ConfirmInput) (*confirmation.ConfirmResult, error)
	RecordAttempt(ctx context.Context, userID string, in ledger.AttemptInput) error
}

type ProfileReader interface {
	Get(ctx context.Context, userID string) (*models.BillingProfile, error)
}

type PrepareRequest struct {
	PlanCode string            `json:"plan_code"`
	Mode     types.PrepareMode `json:"mode"`
}

type IssueRequest struct {
	AuthKey     string `json:"auth_key"`
	CustomerKey string `json:"customer_key"`
	PlanCode    string `json:"plan_code"`
	OrderID     string `json:"order_id"`
}

type UpdateRequest struct {
	AuthKey     string `json:"auth_key"`
	CustomerKey string `json:"customer_key"`
}

type BillingProfileResponse struct {
	OK             bool                   `json:"ok"`
	BillingProfile *models.BillingProfile `json:"billing_profile"`
}

// bindJSON decodes the body into req and answers 400 on failure.
func bindJSON(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		_ = c.Error(err)
		response.Error(c, errs.ErrInvalidInput.Wrap(err, ""))
		return false
	}
	return true
}

// @Summary      Prepare billing authorization
// @Description  Returns the widget parameters for registering a card for a plan.
// @Tags         Billing
// @Accept       json
// @Produce      json
// @Param        request body PrepareRequest true "Plan to subscribe to"
// @Success      200  {object}  confirmation.PrepareResult
// @Failure      400  {object}  response.ErrorBody
// @Failure      401  {object}  response.ErrorBody
// @Router       /api/billing/prepare [post]
func ApiPrepare(flow BillingFlow) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PrepareRequest
		if !bindJSON(c, &req) {
			return
		}
		res, err := flow.Prepare(c.Request.Context(), mw.UserID(c), req.PlanCode, req.Mode)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, res)
	}
}

// @Summary      Issue billing key
// @Description  Exchanges the authorization key for a billing key and charges the first period.
// @Tags         Billing
// @Accept       json
// @Produce      json
// @Param        request body IssueRequest true "Authorization result"
// @Success      200  {object}  BillingProfileResponse
// @Failure      400  {object}  response.ErrorBody
// @Failure      502  {object}  response.ErrorBody
// @Router       /api/billing/issue [post]
func ApiIssueBillingKey(flow BillingFlow) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req IssueRequest
		if !bindJSON(c, &req) {
			return
		}
		res, err := flow.IssueBillingKey(c.Request.Context(), mw.UserID(c), confirmation.IssueInput{
			AuthKey:     req.AuthKey,
			CustomerKey: req.CustomerKey,
			PlanCode:    req.PlanCode,
			OrderID:     req.OrderID,
		})
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, &BillingProfileResponse{OK: true, BillingProfile: res.Profile})
	}
}

// @Summary      Change card
// @Description  Replaces the stored billing key without charging.
// @Tags         Billing
// @Accept       json
// @Produce      json
// @Param        request body UpdateRequest true "Authorization result"
// @Success      200  {object}  BillingProfileResponse
// @Failure      400  {object}  response.ErrorBody
// @Failure      502  {object}  response.ErrorBody
// @Router       /api/billing/update [post]
func ApiUpdateBillingKey(flow BillingFlow) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateRequest
		if !bindJSON(c, &req) {
			return
		}
		profile, err := flow.UpdateBillingKey(c.Request.Context(), mw.UserID(c), req.AuthKey, req.CustomerKey)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, &BillingProfileResponse{OK: true, BillingProfile: profile})
	}
}

// @Summary      Cancel subscription
// @Description  Revokes the billing key and schedules cancellation at period end.
// @Tags         Billing
// @Produce      json
// @Success      200  {object}  response.Ack
// @Failure      404  {object}  response.ErrorBody
// @Failure      502  {object}  response.ErrorBody
// @Router       /api/billing/cancel [post]
func ApiCancelBilling(flow BillingFlow) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := flow.CancelBilling(c.Request.Context(), mw.UserID(c)); err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, &response.Ack{OK: true})
	}
}

// @Summary      Get billing profile
// @Tags         Billing
// @Produce      json
// @Success      200  {object}  BillingProfileResponse
// @Router       /api/billing/profile [get]
func ApiGetBillingProfile(profiles ProfileReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := profiles.Get(c.Request.Context(), mw.UserID(c))
		if err != nil && !errors.Is(err, billing_profile.ErrNotFound) {
			response.Error(c, err)
			return
		}
		response.OK(c, &BillingProfileResponse{OK: true, BillingProfile: p})
	}
}

func RegisterBillingRoutes(r gin.IRouter, flow BillingFlow, profiles ProfileReader) {
	r.POST("/prepare", ApiPrepare(flow))
	r.POST("/issue", ApiIssueBillingKey(flow))
	r.POST("/update", ApiUpdateBillingKey(flow))
	r.POST("/cancel", ApiCancelBilling(flow))
	r.GET("/profile", ApiGetBillingProfile(profiles))
}
