package routes

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"gorm.io/gorm"

	"github.com/example/rzshop/internal/config"
	"github.com/example/rzshop/internal/handlers"
	"github.com/example/rzshop/internal/middleware"
	"github.com/example/rzshop/internal/services"
)

// Register wires up all HTTP routes. A nil db selects the in-memory
// order store; the operator audit endpoints need the database.
func Register(app *fiber.App, db *gorm.DB, cfg *config.Config) {
	var store services.OrderStore
	if db != nil {
		store = services.NewGormOrderStore(db)
	} else {
		log.Printf("[Routes] no database configured, using in-memory order store")
		store = services.NewMemoryOrderStore(nil)
	}

	telegram := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat)

	newebpaySvc, err := services.NewNewebpayService(cfg, store, telegram, nil)
	if err != nil {
		log.Fatalf("newebpay service: %v", err)
	}

	newebpayHandler := handlers.NewNewebpayHandler(newebpaySvc)

	api := app.Group("/api")

	// Gateway bridge routes. Checkout is browser-initiated and needs the
	// origin allow-list echoed back; the callbacks come from the gateway.
	pay := api.Group("/newebpay")
	pay.Use("/create-order", cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.AllowOrigins, ","),
		AllowMethods: "POST,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	pay.Post("/create-order", newebpayHandler.CreateOrder)
	pay.Post("/return", newebpayHandler.Return)
	pay.Post("/notify", newebpayHandler.Notify)

	api.Get("/orders/:orderNo", newebpayHandler.GetOrder)

	if db != nil {
		orderHandler := handlers.NewOrderHandler(db)
		admin := api.Group("/admin", middleware.AuthMiddleware(cfg))
		admin.Get("/orders", orderHandler.ListOrders)
		admin.Get("/orders/:orderNo", orderHandler.GetOrder)
	}
}
