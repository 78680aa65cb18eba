package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalops/order-execution-engine/internal/order"
)

func newTestStore(t *testing.T) *OrderStore {
	t.Helper()
	s, err := Open(context.Background(), DriverSQLite, ":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newOrder(t *testing.T) *order.Order {
	t.Helper()
	o, err := order.New(order.Request{TokenIn: "SOL", TokenOut: "USDC", AmountIn: decimal.RequireFromString("100.5")})
	require.NoError(t, err)
	return o
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn")
	require.Error(t, err)

	_, err = Open(context.Background(), DriverPostgres, "")
	require.Error(t, err)
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := newOrder(t)

	require.NoError(t, s.Create(ctx, o))

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, "SOL", got.TokenIn)
	assert.Equal(t, "USDC", got.TokenOut)
	assert.True(t, got.AmountIn.Equal(o.AmountIn), got.AmountIn.String())
	assert.Equal(t, order.StatusPending, got.Status)
	assert.Empty(t, got.SelectedVenue)
	assert.False(t, got.ExecutionPrice.Valid)

	_, err = s.Get(ctx, "missing")
	require.ErrorIs(t, err, order.ErrNotFound)

	require.Error(t, s.Create(ctx, o), "duplicate primary key")
}

func TestUpdateCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	o := newOrder(t)
	require.NoError(t, s.Create(ctx, o))

	steps := []struct {
		to    order.Status
		patch order.Patch
	}{
		{order.StatusRouting, order.Patch{}},
		{order.StatusBuilding, order.Patch{SelectedVenue: "Meteora"}},
		{order.StatusSubmitted, order.Patch{}},
		{order.StatusConfirmed, order.Patch{TxHash: "sol_xyz", ExecutionPrice: decimal.RequireFromString("149.25")}},
	}
	for _, step := range steps {
		from := o.Status
		require.NoError(t, o.Apply(step.to, step.patch))
		require.NoError(t, s.Update(ctx, o, from))
	}

	got, err := s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, got.Status)
	assert.Equal(t, "Meteora", got.SelectedVenue)
	assert.Equal(t, "sol_xyz", got.TxHash)
	require.True(t, got.ExecutionPrice.Valid)
	assert.True(t, got.ExecutionPrice.Decimal.Equal(decimal.RequireFromString("149.25")))
	assert.Empty(t, got.FailureReason)

	// a writer holding a stale view must not overwrite the record
	stale := *got
	stale.Status = order.StatusFailed
	stale.FailureReason = "late"
	err = s.Update(ctx, &stale, order.StatusSubmitted)
	require.ErrorIs(t, err, ErrStaleWrite)

	got, err = s.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, got.Status)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		o := newOrder(t)
		o.CreatedAt = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Create(ctx, o))
		ids = append(ids, o.ID)
	}

	orders, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, ids[2], orders[0].ID)
	assert.Equal(t, ids[1], orders[1].ID)
}

func TestRebind(t *testing.T) {
	s := &OrderStore{driver: DriverPostgres}
	assert.Equal(t, "a = $1 AND b = $2", s.rebind("a = ? AND b = ?"))

	s.driver = DriverSQLite
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}
