package models

import (
	"encoding/json"
	"math"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusInit    OrderStatus = "INIT"
	StatusPending OrderStatus = "PENDING"
	StatusPaid    OrderStatus = "PAID"
	StatusFailed  OrderStatus = "FAILED"
	StatusUnknown OrderStatus = "UNKNOWN"
)

// Rank orders statuses by finality. Merges may only move a record to an
// equal or higher rank; UNKNOWN sits with the finals because it is
// terminal-but-unconfirmed and never auto-retried.
func (s OrderStatus) Rank() int {
	switch s {
	case StatusInit:
		return 0
	case StatusPending:
		return 1
	case StatusPaid, StatusFailed, StatusUnknown:
		return 2
	default:
		return 0
	}
}

// Final reports whether the status is terminal.
func (s OrderStatus) Final() bool {
	return s.Rank() >= 2
}

// Order is the authoritative record for one merchant order number.
type Order struct {
	BaseModel
	OrderNumber    string      `gorm:"uniqueIndex" json:"order_number"`
	Status         OrderStatus `json:"status"`
	Amount         int64       `json:"amount"`
	Email          string      `json:"email"`
	ItemDesc       string      `json:"item_desc"`
	Items          []byte      `gorm:"type:jsonb" json:"items"`
	TradeNo        string      `json:"trade_no"`
	PaymentType    string      `json:"payment_type"`
	PayTime        string      `json:"pay_time"`
	GatewayStatus  string      `json:"gateway_status"`
	Message        string      `json:"message"`
	StatusConflict string      `json:"status_conflict"`
	RawCallback    []byte      `gorm:"type:jsonb" json:"raw_callback"`
}

// ItemSnapshot is one line item frozen at checkout time.
type ItemSnapshot struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Price int64  `json:"price"`
	Qty   int    `json:"qty"`
}

// NormalizeItems discards malformed entries and clamps price and quantity
// to sane values, mirroring what the storefront is allowed to submit.
func NormalizeItems(items []ItemSnapshot) []ItemSnapshot {
	normalized := make([]ItemSnapshot, 0, len(items))
	for _, item := range items {
		if item.Price < 0 {
			item.Price = 0
		}
		if item.Qty < 1 {
			item.Qty = 1
		}
		normalized = append(normalized, item)
	}
	return normalized
}

// MarshalItems encodes a snapshot for the jsonb column.
func MarshalItems(items []ItemSnapshot) []byte {
	data, err := json.Marshal(items)
	if err != nil {
		return []byte("[]")
	}
	return data
}

// UnmarshalItems decodes the jsonb snapshot column.
func UnmarshalItems(data []byte) []ItemSnapshot {
	if len(data) == 0 {
		return nil
	}
	var items []ItemSnapshot
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}
	return items
}

// RoundAmount converts a caller-supplied amount to the integral smallest
// currency unit the gateway requires.
func RoundAmount(amount float64) int64 {
	return int64(math.Round(amount))
}
