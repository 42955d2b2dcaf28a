package billing_profile

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/promptcraft/billing/internal/platform/db/dbtest"
	"github.com/promptcraft/billing/internal/platform/toss"
	types "github.com/promptcraft/billing/pkg/types"
)

func issued(key string) *toss.BillingKey {
	return &toss.BillingKey{
		BillingKey:  key,
		CustomerKey: "u1",
		Card:        &toss.Card{Company: "현대", Number: "433012******1234"},
		Raw:         map[string]any{"billingKey": key},
	}
}

func TestUpsert_OneRowPerUserAndReactivates(t *testing.T) {
	db := dbtest.New(t)
	svc := NewService(db, zap.NewNop().Sugar())
	ctx := context.Background()

	p, err := svc.Upsert(ctx, UpsertInput{UserID: "u1", CustomerKey: "u1", Issued: issued("bk_1")})
	require.NoError(t, err)
	require.Equal(t, types.BillingProfileStatusActive, p.Status)
	require.Equal(t, "현대 ****1234", *p.CardSummary)

	require.NoError(t, svc.MarkRevoked(ctx, "u1"))
	p, err = svc.Get(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, types.BillingProfileStatusRevoked, p.Status)
	require.NotNil(t, p.RevokedAt)

	p, err = svc.Upsert(ctx, UpsertInput{UserID: "u1", CustomerKey: "u1", Issued: issued("bk_2")})
	require.NoError(t, err)
	require.Equal(t, "bk_2", p.BillingKey)
	require.Equal(t, types.BillingProfileStatusActive, p.Status)
	require.Nil(t, p.RevokedAt)

	var n int64
	require.NoError(t, db.Table("billing_profiles").Count(&n).Error)
	require.EqualValues(t, 1, n)
}

func TestGet_MissingProfile(t *testing.T) {
	svc := NewService(dbtest.New(t), zap.NewNop().Sugar())
	_, err := svc.Get(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOwnerOfCustomerKey(t *testing.T) {
	db := dbtest.New(t)
	svc := NewService(db, zap.NewNop().Sugar())
	ctx := context.Background()

	_, err := svc.Upsert(ctx, UpsertInput{UserID: "u1", CustomerKey: "ck_1", Issued: issued("bk_1")})
	require.NoError(t, err)
	require.NoError(t, svc.MarkRevoked(ctx, "u1"))

	owner, err := svc.OwnerOfCustomerKey(ctx, "ck_1")
	require.NoError(t, err)
	require.Equal(t, "u1", owner)

	_, err = svc.OwnerOfCustomerKey(ctx, "ck_2")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.OwnerOfCustomerKey(ctx, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRevokeByKeys(t *testing.T) {
	db := dbtest.New(t)
	svc := NewService(db, zap.NewNop().Sugar())
	ctx := context.Background()
	_, err := svc.Upsert(ctx, UpsertInput{UserID: "u1", CustomerKey: "c1", Issued: &toss.BillingKey{BillingKey: "bk_1"}})
	require.NoError(t, err)
	_, err = svc.Upsert(ctx, UpsertInput{UserID: "u2", CustomerKey: "c2", Issued: &toss.BillingKey{BillingKey: "bk_2"}})
	require.NoError(t, err)

	_, err = svc.RevokeByKeys(ctx, "", " ")
	require.ErrorIs(t, err, ErrMissingKeys)

	users, err := svc.RevokeByKeys(ctx, "", "bk_1")
	require.NoError(t, err)
	require.Equal(t, []string{"u1"}, users)

	users, err = svc.RevokeByKeys(ctx, "c2", "")
	require.NoError(t, err)
	require.Equal(t, []string{"u2"}, users)

	users, err = svc.RevokeByKeys(ctx, "c2", "")
	require.NoError(t, err)
	require.Empty(t, users)
}

func TestProfileJSONHidesBillingKey(t *testing.T) {
	db := dbtest.New(t)
	svc := NewService(db, zap.NewNop().Sugar())
	p, err := svc.Upsert(context.Background(), UpsertInput{UserID: "u1", CustomerKey: "u1", Issued: issued("bk_secret")})
	require.NoError(t, err)

	b, err := json.Marshal(p)
	require.NoError(t, err)
	require.NotContains(t, string(b), "bk_secret")
}

func TestCardSummary(t *testing.T) {
	s, c := CardSummary(&toss.BillingKey{Card: &toss.Card{Number: "5365********98"}})
	require.Equal(t, "****6598", *s)
	require.Nil(t, c)

	s, c = CardSummary(&toss.BillingKey{})
	require.Nil(t, s)
	require.Nil(t, c)
}
