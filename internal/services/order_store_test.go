package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rzshop/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func statusPtr(s models.OrderStatus) *models.OrderStatus { return &s }
func int64Ptr(v int64) *int64                            { return &v }
func strPtr(s string) *string                            { return &s }

func TestUpsertCreatesInitRecord(t *testing.T) {
	store := NewMemoryOrderStore(newFakeClock().Now)

	order, err := store.Upsert(context.Background(), "RZ1", OrderPatch{
		Amount: int64Ptr(500),
		Email:  strPtr("a@b.com"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusInit, order.Status)
	assert.Equal(t, int64(500), order.Amount)
	assert.Equal(t, "a@b.com", order.Email)
}

func TestUpsertCreatesWithIncomingStatusOnReconciliationPath(t *testing.T) {
	store := NewMemoryOrderStore(newFakeClock().Now)

	order, err := store.Upsert(context.Background(), "RZ2", OrderPatch{
		Status: statusPtr(models.StatusUnknown),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnknown, order.Status)
}

func TestUpsertMergesFieldWise(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryOrderStore(clock.Now)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "RZ3", OrderPatch{
		Amount:   int64Ptr(500),
		Email:    strPtr("a@b.com"),
		ItemDesc: strPtr("Widget"),
	})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	order, err := store.Upsert(ctx, "RZ3", OrderPatch{
		Status:  statusPtr(models.StatusPaid),
		TradeNo: strPtr("T123"),
	})
	require.NoError(t, err)

	// untouched fields survive, patched fields land
	assert.Equal(t, "a@b.com", order.Email)
	assert.Equal(t, "Widget", order.ItemDesc)
	assert.Equal(t, int64(500), order.Amount)
	assert.Equal(t, models.StatusPaid, order.Status)
	assert.Equal(t, "T123", order.TradeNo)
	assert.Equal(t, clock.Now(), order.UpdatedAt)
}

func TestUpsertReplacesSnapshotWholesale(t *testing.T) {
	store := NewMemoryOrderStore(newFakeClock().Now)
	ctx := context.Background()

	first := models.MarshalItems([]models.ItemSnapshot{{ID: "1", Title: "A", Price: 100, Qty: 2}})
	second := models.MarshalItems([]models.ItemSnapshot{{ID: "2", Title: "B", Price: 50, Qty: 1}})

	_, err := store.Upsert(ctx, "RZ4", OrderPatch{Items: first})
	require.NoError(t, err)

	order, err := store.Upsert(ctx, "RZ4", OrderPatch{Items: second})
	require.NoError(t, err)

	items := models.UnmarshalItems(order.Items)
	require.Len(t, items, 1)
	assert.Equal(t, "2", items[0].ID)
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	tests := []struct {
		name         string
		current      models.OrderStatus
		incoming     models.OrderStatus
		want         models.OrderStatus
		wantConflict bool
	}{
		{name: "init to pending", current: models.StatusInit, incoming: models.StatusPending, want: models.StatusPending},
		{name: "init to paid", current: models.StatusInit, incoming: models.StatusPaid, want: models.StatusPaid},
		{name: "pending to failed", current: models.StatusPending, incoming: models.StatusFailed, want: models.StatusFailed},
		{name: "paid stays on pending", current: models.StatusPaid, incoming: models.StatusPending, want: models.StatusPaid, wantConflict: true},
		{name: "failed stays on init", current: models.StatusFailed, incoming: models.StatusInit, want: models.StatusFailed, wantConflict: true},
		{name: "conflicting finals flagged", current: models.StatusPaid, incoming: models.StatusFailed, want: models.StatusPaid, wantConflict: true},
		{name: "same final is quiet", current: models.StatusPaid, incoming: models.StatusPaid, want: models.StatusPaid},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryOrderStore(newFakeClock().Now)
			ctx := context.Background()

			_, err := store.Upsert(ctx, "RZ5", OrderPatch{Status: statusPtr(tc.current)})
			require.NoError(t, err)

			order, err := store.Upsert(ctx, "RZ5", OrderPatch{Status: statusPtr(tc.incoming)})
			require.NoError(t, err)

			assert.Equal(t, tc.want, order.Status)
			if tc.wantConflict {
				assert.NotEmpty(t, order.StatusConflict)
			} else {
				assert.Empty(t, order.StatusConflict)
			}
		})
	}
}

func TestUpsertIsIdempotentUpToTimestamp(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryOrderStore(clock.Now)
	ctx := context.Background()

	patch := OrderPatch{
		Status:      statusPtr(models.StatusPaid),
		Amount:      int64Ptr(500),
		TradeNo:     strPtr("T99"),
		RawCallback: []byte(`{"Status":"SUCCESS"}`),
	}

	first, err := store.Upsert(ctx, "RZ6", patch)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	second, err := store.Upsert(ctx, "RZ6", patch)
	require.NoError(t, err)

	assert.NotEqual(t, first.UpdatedAt, second.UpdatedAt)

	second.UpdatedAt = first.UpdatedAt
	assert.Equal(t, *first, *second)
}

func TestUpsertGetRoundTrip(t *testing.T) {
	store := NewMemoryOrderStore(newFakeClock().Now)
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrOrderNotFound)

	_, err = store.Upsert(ctx, "RZ7", OrderPatch{Amount: int64Ptr(42)})
	require.NoError(t, err)

	order, err := store.Get(ctx, "RZ7")
	require.NoError(t, err)
	assert.Equal(t, int64(42), order.Amount)
}

func TestConcurrentUpsertsKeepOneRecord(t *testing.T) {
	store := NewMemoryOrderStore(nil)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := store.Upsert(ctx, "RZ8", OrderPatch{
				Status:  statusPtr(models.StatusPaid),
				Amount:  int64Ptr(500),
				TradeNo: strPtr(fmt.Sprintf("T%d", i)),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	order, err := store.Get(ctx, "RZ8")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, order.Status)
	assert.Equal(t, int64(500), order.Amount)
	assert.Empty(t, order.StatusConflict)
}
