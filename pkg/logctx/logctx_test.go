package logctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromCtx_EnrichesWithTraceAndUser(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core).Sugar()

	ctx := WithUserID(WithTraceID(context.Background(), "t-1"), "u-1")
	FromCtx(ctx, base).Infow("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	require.Equal(t, "t-1", fields["trace_id"])
	require.Equal(t, "u-1", fields["user_id"])
	require.Equal(t, "u-1", UserID(ctx))
}

func TestFromCtx_PrefersAttachedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	attached := zap.New(core).Sugar().With("scope", "req")
	ctx := WithLogger(context.Background(), attached)

	FromCtx(ctx, zap.NewNop().Sugar()).Infow("x")
	require.Equal(t, 1, logs.Len())
	require.Equal(t, "req", logs.All()[0].ContextMap()["scope"])
}
