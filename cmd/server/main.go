package main

import (
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"github.com/example/rzshop/internal/config"
	"github.com/example/rzshop/internal/database"
	"github.com/example/rzshop/internal/routes"
)

func main() {
	cfg := config.Load()

	var db *gorm.DB
	if cfg.DatabaseURL != "" {
		db = database.Connect(cfg.DatabaseURL)
	}

	app := fiber.New(fiber.Config{
		AppName: "RZ Shop Backend",
	})

	app.Use(recover.New())
	app.Use(logger.New())

	routes.Register(app, db, cfg)

	log.Printf("Starting server on :%s", cfg.AppPort)
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		log.Fatalf("fiber.Listen error: %v", err)
	}
}
