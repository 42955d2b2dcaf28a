package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	mw "github.com/promptcraft/billing/internal/app/api/middleware"
	"github.com/promptcraft/billing/internal/app/service/subscription"
	"github.com/promptcraft/billing/pkg/response"
)

type SubscriptionReader interface {
	View(ctx context.Context, userID string) (*subscription.View, error)
}

type SubscriptionResponse struct {
	Subscription *subscription.View `json:"subscription"`
}

// @Summary      Get my subscription
// @Tags         Subscription
// @Produce      json
// @Success      200  {object}  SubscriptionResponse
// @Router       /api/subscription [get]
func ApiGetSubscription(subs SubscriptionReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := subs.View(c.Request.Context(), mw.UserID(c))
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, &SubscriptionResponse{Subscription: view})
	}
}

// @Summary      Undo cancellation
// @Description  Clears a cancellation scheduled for the end of the period.
// @Tags         Subscription
// @Produce      json
// @Success      200  {object}  response.Ack
// @Failure      400  {object}  response.ErrorBody
// @Router       /api/subscriptions/cancel [delete]
func ApiUndoCancel(flow BillingFlow) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := flow.UndoCancel(c.Request.Context(), mw.UserID(c)); err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, &response.Ack{OK: true})
	}
}

func RegisterSubscriptionRoutes(r gin.IRouter, flow BillingFlow, subs SubscriptionReader) {
	r.GET("/subscription", ApiGetSubscription(subs))
	r.DELETE("/subscriptions/cancel", ApiUndoCancel(flow))
}
