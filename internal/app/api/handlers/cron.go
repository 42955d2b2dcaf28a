package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/promptcraft/billing/internal/app/service/recurring"
	"github.com/promptcraft/billing/pkg/response"
)

type BatchRunner interface {
	Run(ctx context.Context) (*recurring.BatchResult, error)
}

type BillingChargeResponse struct {
	OK        bool                      `json:"ok"`
	Skipped   bool                      `json:"skipped"`
	Finalized int                       `json:"finalized"`
	Results   []*recurring.ChargeResult `json:"results"`
}

// @Summary      Run recurring billing
// @Description  Finalizes due cancellations and charges every subscription whose period ended.
// @Tags         Cron
// @Produce      json
// @Param        Authorization header string false "Bearer cron secret"
// @Success      200  {object}  BillingChargeResponse
// @Failure      401  {object}  response.ErrorBody
// @Failure      500  {object}  response.ErrorBody
// @Router       /api/cron/billing-charge [get]
func ApiBillingCharge(runner BatchRunner) gin.HandlerFunc {
	return func(c *gin.Context) {
		// a scheduler disconnect must not abort charges mid-batch
		res, err := runner.Run(context.WithoutCancel(c.Request.Context()))
		if err != nil {
			response.Error(c, err)
			return
		}
		response.OK(c, &BillingChargeResponse{
			OK:        true,
			Skipped:   res.Skipped,
			Finalized: res.Finalized,
			Results:   res.Results,
		})
	}
}

func RegisterCronRoutes(r gin.IRouter, runner BatchRunner) {
	r.GET("/billing-charge", ApiBillingCharge(runner))
}
