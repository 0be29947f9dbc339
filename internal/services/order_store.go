package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/rzshop/internal/models"
)

// ErrOrderNotFound is returned by Get when no record exists for the key.
var ErrOrderNotFound = errors.New("order not found")

// OrderPatch is a field-wise partial update of an order record. Nil
// pointers (and nil slices) mean "leave the stored value alone"; the
// items snapshot and raw callback are replaced wholesale when present.
type OrderPatch struct {
	Status      *models.OrderStatus
	Amount      *int64
	Email       *string
	ItemDesc    *string
	Items       []byte
	TradeNo     *string
	PaymentType *string
	PayTime     *string
	GatewayStat *string
	Message     *string
	RawCallback []byte
}

// OrderStore persists order records keyed by merchant order number. The
// merge for a given key is atomic with respect to concurrent callers.
type OrderStore interface {
	// Upsert merges the patch into the record for orderNo, creating it
	// when absent. Creation without a patch status starts at INIT.
	Upsert(ctx context.Context, orderNo string, patch OrderPatch) (*models.Order, error)
	// Get returns the record for orderNo or ErrOrderNotFound.
	Get(ctx context.Context, orderNo string) (*models.Order, error)
}

// mergeOrder applies a patch to an order under the reconciliation rules:
// scalars present in the patch overwrite, snapshots replace wholesale,
// the update timestamp always advances, and the status only moves toward
// finality. A conflicting final status is flagged on the record instead
// of raising, so a late callback is never lost.
func mergeOrder(order *models.Order, patch OrderPatch, now time.Time) {
	if patch.Amount != nil {
		order.Amount = *patch.Amount
	}
	if patch.Email != nil {
		order.Email = *patch.Email
	}
	if patch.ItemDesc != nil {
		order.ItemDesc = *patch.ItemDesc
	}
	if patch.Items != nil {
		order.Items = patch.Items
	}
	if patch.TradeNo != nil {
		order.TradeNo = *patch.TradeNo
	}
	if patch.PaymentType != nil {
		order.PaymentType = *patch.PaymentType
	}
	if patch.PayTime != nil {
		order.PayTime = *patch.PayTime
	}
	if patch.GatewayStat != nil {
		order.GatewayStatus = *patch.GatewayStat
	}
	if patch.Message != nil {
		order.Message = *patch.Message
	}
	if patch.RawCallback != nil {
		order.RawCallback = patch.RawCallback
	}

	if patch.Status != nil {
		next := *patch.Status
		switch {
		case next == order.Status:
			// no-op
		case order.Status.Final() && next.Final():
			order.StatusConflict = fmt.Sprintf("kept %s, conflicting final callback reported %s", order.Status, next)
		case next.Rank() >= order.Status.Rank():
			order.Status = next
		default:
			order.StatusConflict = fmt.Sprintf("kept %s, stale callback reported %s", order.Status, next)
		}
	}

	order.UpdatedAt = now
}

func newOrderFromPatch(orderNo string, patch OrderPatch, now time.Time) *models.Order {
	order := &models.Order{OrderNumber: orderNo, Status: models.StatusInit}
	order.CreatedAt = now
	if patch.Status != nil {
		order.Status = *patch.Status
		patch.Status = nil
	}
	mergeOrder(order, patch, now)
	return order
}

// GormOrderStore keeps orders in Postgres. Upserts run inside a
// transaction with a row lock on the order, so the two callback paths
// serialize per key; concurrent creates of the same key race on the
// unique index via ON CONFLICT and the loser merges into the winner's
// row.
type GormOrderStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormOrderStore wraps a connected database handle.
func NewGormOrderStore(db *gorm.DB) *GormOrderStore {
	return &GormOrderStore{db: db, now: time.Now}
}

func (s *GormOrderStore) Upsert(ctx context.Context, orderNo string, patch OrderPatch) (*models.Order, error) {
	var result *models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.lockOrder(tx, orderNo)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			created := newOrderFromPatch(orderNo, patch, s.now())
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "order_number"}},
				DoNothing: true,
			}).Create(created)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				result = created
				return nil
			}
			// lost the create race, merge into the winner's row
			if order, err = s.lockOrder(tx, orderNo); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		mergeOrder(order, patch, s.now())
		if err := tx.Model(order).Select("*").Omit("id", "created_at").Updates(order).Error; err != nil {
			return err
		}
		result = order
		return nil
	})
	return result, err
}

func (s *GormOrderStore) lockOrder(tx *gorm.DB, orderNo string) (*models.Order, error) {
	var order models.Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_number = ?", orderNo).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *GormOrderStore) Get(ctx context.Context, orderNo string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).
		Where("order_number = ?", orderNo).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// MemoryOrderStore keeps orders in process memory. It backs local runs
// without a database and the service tests, where the clock is injected.
type MemoryOrderStore struct {
	mu     sync.Mutex
	orders map[string]*models.Order
	now    func() time.Time
}

// NewMemoryOrderStore builds an empty in-memory store. A nil clock
// defaults to time.Now.
func NewMemoryOrderStore(now func() time.Time) *MemoryOrderStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryOrderStore{orders: make(map[string]*models.Order), now: now}
}

func (s *MemoryOrderStore) Upsert(ctx context.Context, orderNo string, patch OrderPatch) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderNo]
	if !ok {
		order = newOrderFromPatch(orderNo, patch, s.now())
		s.orders[orderNo] = order
	} else {
		mergeOrder(order, patch, s.now())
	}

	copied := *order
	return &copied, nil
}

func (s *MemoryOrderStore) Get(ctx context.Context, orderNo string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderNo]
	if !ok {
		return nil, ErrOrderNotFound
	}
	copied := *order
	return &copied, nil
}
