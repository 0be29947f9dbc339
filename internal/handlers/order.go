package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/example/rzshop/internal/models"
	"github.com/example/rzshop/internal/utils"
)

// OrderHandler serves the operator audit views over the order records.
type OrderHandler struct {
	db *gorm.DB
}

// NewOrderHandler constructs OrderHandler.
func NewOrderHandler(db *gorm.DB) *OrderHandler {
	return &OrderHandler{db: db}
}

// ListOrders returns order history, optionally filtered by status or
// payer email.
func (h *OrderHandler) ListOrders(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	query := h.db.Model(&models.Order{})

	if status := strings.TrimSpace(c.Query("status")); status != "" {
		query = query.Where("status = ?", strings.ToUpper(status))
	}
	if email := strings.TrimSpace(c.Query("email")); email != "" {
		query = query.Where("email = ?", email)
	}
	if conflicts := strings.TrimSpace(c.Query("conflicts")); conflicts == "true" {
		query = query.Where("status_conflict <> ''")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return err
	}

	var orders []models.Order
	if err := query.
		Order("updated_at desc").
		Limit(pg.Limit).
		Offset(pg.Offset).
		Find(&orders).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    orders,
		"pagination": fiber.Map{
			"current_page":   pg.Page,
			"items_per_page": pg.Limit,
			"total_items":    total,
		},
	})
}

// GetOrder returns one order with its full audit trail, including the
// raw last-seen callback payload.
func (h *OrderHandler) GetOrder(c *fiber.Ctx) error {
	orderNo := c.Params("orderNo")

	var order models.Order
	if err := h.db.Where("order_number = ?", orderNo).First(&order).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return fiber.NewError(fiber.StatusNotFound, "order not found")
		}
		return err
	}

	return c.JSON(order)
}
