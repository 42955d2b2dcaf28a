package handlers

import (
	"context"
	"io"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	nh "github.com/promptcraft/billing/internal/app/service/notification_handler"
	"github.com/promptcraft/billing/pkg/errs"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/response"
)

const maxWebhookBody = 1 << 20

type WebhookProcessor interface {
	Handle(ctx context.Context, body []byte) (*nh.Outcome, error)
}

// @Summary      Toss webhook
// @Description  Receives provider events. Payment state is re-fetched from the provider before it is applied.
// @Tags         Webhook
// @Accept       json
// @Produce      json
// @Param        payload body object true "Provider event"
// @Success      200  {object}  response.Ack
// @Failure      400  {object}  response.ErrorBody
// @Failure      500  {object}  response.ErrorBody
// @Router       /api/payments/webhook [post]
func ApiTossWebhook(h WebhookProcessor, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			response.Error(c, errs.ErrInvalidInput.Wrap(err, ""))
			return
		}
		out, err := h.Handle(c.Request.Context(), body)
		if err != nil {
			logctx.FromGin(c, log).Errorw("webhook_handle_error", "error", err)
			response.Error(c, err)
			return
		}
		ack := &response.Ack{OK: true, Ignored: out.Ignored}
		if out.PaymentStatus != "" {
			ack.Status = string(out.PaymentStatus)
		}
		response.OK(c, ack)
	}
}

func RegisterWebhookRoutes(r gin.IRouter, h WebhookProcessor, log *zap.SugaredLogger) {
	r.POST("/webhook", ApiTossWebhook(h, log))
}
