package handlers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/example/rzshop/internal/models"
	"github.com/example/rzshop/internal/services"
	"github.com/example/rzshop/internal/utils"
)

// NewebpayHandler exposes the gateway bridge over HTTP: checkout, the
// browser return callback and the server-to-server notify callback.
type NewebpayHandler struct {
	svc *services.NewebpayService
}

// NewNewebpayHandler constructs NewebpayHandler.
func NewNewebpayHandler(svc *services.NewebpayService) *NewebpayHandler {
	return &NewebpayHandler{svc: svc}
}

type createOrderItemRequest struct {
	ID    string  `json:"id" form:"id"`
	Title string  `json:"title" form:"title"`
	Price float64 `json:"price" form:"price"`
	Qty   int     `json:"qty" form:"qty"`
}

type createOrderRequest struct {
	Amount   *float64                 `json:"amount" form:"amount"`
	Email    string                   `json:"email" form:"email"`
	ItemDesc string                   `json:"itemDesc" form:"itemDesc"`
	Item     string                   `json:"item" form:"item"`
	Items    []createOrderItemRequest `json:"items" form:"items"`
}

// CreateOrder builds a signed payment request and answers with the
// auto-submitting gateway form.
func (h *NewebpayHandler) CreateOrder(c *fiber.Ctx) error {
	var req createOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  "Invalid request body",
			"detail": "expected a JSON or form-encoded checkout request",
		})
	}

	var missing []string
	if req.Amount == nil {
		missing = append(missing, "amount")
	}
	if req.Email == "" {
		missing = append(missing, "email")
	}
	if req.ItemDesc == "" && req.Item == "" {
		missing = append(missing, "itemDesc")
	}
	if len(missing) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "Missing fields",
			"missing": missing,
		})
	}

	itemDesc := req.ItemDesc
	if itemDesc == "" {
		itemDesc = req.Item
	}

	items := make([]models.ItemSnapshot, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, models.ItemSnapshot{
			ID:    item.ID,
			Title: item.Title,
			Price: models.RoundAmount(item.Price),
			Qty:   item.Qty,
		})
	}

	request, err := h.svc.CreateRequest(c.Context(), services.OrderIntent{
		Amount:   models.RoundAmount(*req.Amount),
		Email:    req.Email,
		ItemDesc: itemDesc,
		Items:    items,
	})
	if err != nil {
		var intentErr *services.InvalidIntentError
		if errors.As(err, &intentErr) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":  "Invalid intent",
				"detail": intentErr.Error(),
			})
		}
		log.Printf("[Newebpay] create order failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":  "Failed to create payment order",
			"detail": "the order could not be prepared",
		})
	}

	html := utils.BuildAutoSubmitForm(request.GatewayURL, []services.FormField{
		{Key: "MerchantID", Value: request.MerchantID},
		{Key: "TradeInfo", Value: request.TradeInfo},
		{Key: "TradeSha", Value: request.TradeSha},
		{Key: "Version", Value: request.Version},
	})

	c.Set(fiber.HeaderContentType, "text/html; charset=utf-8")
	return c.SendString(html)
}

// Return handles the synchronous browser-mediated outcome callback and
// redirects the payer back to the storefront.
func (h *NewebpayHandler) Return(c *fiber.Ctx) error {
	tradeInfo := c.FormValue("TradeInfo")
	tradeSha := c.FormValue("TradeSha")
	if tradeInfo == "" || tradeSha == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Missing parameters")
	}

	result, err := h.svc.HandleReturn(c.Context(), tradeInfo, tradeSha, services.CallbackSource{
		Path: c.Path(),
		IP:   c.IP(),
	})
	if err != nil {
		return callbackError(c, err)
	}

	c.Set(fiber.HeaderContentType, "text/html; charset=utf-8")
	return c.SendString(utils.BuildRedirectPage(result.RedirectURL))
}

// Notify handles the asynchronous server-to-server outcome callback. The
// gateway redelivers until it reads the literal SUCCESS.
func (h *NewebpayHandler) Notify(c *fiber.Ctx) error {
	tradeInfo := c.FormValue("TradeInfo")
	tradeSha := c.FormValue("TradeSha")
	if tradeInfo == "" || tradeSha == "" {
		return c.Status(fiber.StatusBadRequest).SendString("FAIL")
	}

	err := h.svc.HandleNotify(c.Context(), tradeInfo, tradeSha, services.CallbackSource{
		Path: c.Path(),
		IP:   c.IP(),
	})
	if err != nil {
		status := fiber.StatusInternalServerError
		if isCallbackRejection(err) {
			status = fiber.StatusBadRequest
		}
		return c.Status(status).SendString("FAIL")
	}

	return c.SendString("SUCCESS")
}

// GetOrder returns the sanitized order state the thank-you page polls.
func (h *NewebpayHandler) GetOrder(c *fiber.Ctx) error {
	orderNo := c.Params("orderNo")

	order, err := h.svc.GetOrder(c.Context(), orderNo)
	if errors.Is(err, services.ErrOrderNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":  "Order not found",
			"detail": orderNo,
		})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":  "Failed to load order",
			"detail": "the order could not be read",
		})
	}

	return c.JSON(fiber.Map{
		"order_number": order.OrderNumber,
		"status":       order.Status,
		"amount":       order.Amount,
		"item_desc":    order.ItemDesc,
		"trade_no":     order.TradeNo,
		"payment_type": order.PaymentType,
		"pay_time":     order.PayTime,
		"updated_at":   order.UpdatedAt,
	})
}

// callbackError maps reconciliation failures for the browser-facing
// path. Cryptographic detail never reaches the payer.
func callbackError(c *fiber.Ctx, err error) error {
	if isCallbackRejection(err) {
		return fiber.NewError(fiber.StatusBadRequest, "payment could not be completed")
	}
	log.Printf("[Newebpay] return handling failed: %v", err)
	return fiber.NewError(fiber.StatusInternalServerError, "payment could not be completed")
}

func isCallbackRejection(err error) bool {
	return errors.Is(err, services.ErrSignatureMismatch) ||
		errors.Is(err, services.ErrDecodeFailure) ||
		errors.Is(err, services.ErrMalformedPayload) ||
		errors.Is(err, services.ErrOrphanCallback)
}
