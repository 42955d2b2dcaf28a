package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/promptcraft/billing/pkg/config"
	"github.com/promptcraft/billing/pkg/errs"
	"github.com/promptcraft/billing/pkg/logctx"
	"github.com/promptcraft/billing/pkg/response"
)

// CronAuthMiddleware admits the scheduler. The shared secret may arrive as a
// bearer token or X-Cron-Secret. A configured scheduler user agent bypasses
// the secret check.
func CronAuthMiddleware(cfg *config.Config, base *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ua := strings.ToLower(c.GetHeader("User-Agent"))
		if ua != "" && lo.SomeBy(cfg.Cron.UserAgents, func(allowed string) bool {
			allowed = strings.ToLower(strings.TrimSpace(allowed))
			return allowed != "" && strings.HasPrefix(ua, allowed)
		}) {
			c.Next()
			return
		}

		secret := cfg.Cron.Secret
		got := lo.CoalesceOrEmpty(bearer(c), c.GetHeader("X-Cron-Secret"))
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			logctx.FromGin(c, base).Warnw("cron_unauthorized", "user_agent", c.GetHeader("User-Agent"))
			response.Error(c, errs.ErrUnauthorized)
			return
		}
		c.Next()
	}
}
