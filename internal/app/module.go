package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/promptcraft/billing/internal/app/api/server"
	"github.com/promptcraft/billing/internal/app/service/billing_profile"
	"github.com/promptcraft/billing/internal/app/service/confirmation"
	"github.com/promptcraft/billing/internal/app/service/ledger"
	notificationhandler "github.com/promptcraft/billing/internal/app/service/notification_handler"
	notificationlog "github.com/promptcraft/billing/internal/app/service/notification_log"
	"github.com/promptcraft/billing/internal/app/service/recurring"
	"github.com/promptcraft/billing/internal/app/service/statistics"
	"github.com/promptcraft/billing/internal/app/service/subscription"
	"github.com/promptcraft/billing/internal/platform/db"
	"github.com/promptcraft/billing/internal/platform/redis"
	"github.com/promptcraft/billing/internal/platform/toss"
	"github.com/promptcraft/billing/pkg/config"
	"github.com/promptcraft/billing/pkg/logger"
	"github.com/promptcraft/billing/pkg/metrics"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	metrics.Module,
	db.Module,
	redis.Module,
	toss.Module,
	server.Module,
	subscription.Module,
	billing_profile.Module,
	ledger.Module,
	confirmation.Module,
	statistics.Module,
	notificationlog.Module,
	notificationhandler.Module,
	recurring.Module,
)
