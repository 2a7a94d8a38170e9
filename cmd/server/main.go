package main

import (
	"context"
	"log"
	"time"

	"license-server/internal/config"
	"license-server/internal/database"
	"license-server/internal/handler"
	"license-server/internal/license"
	"license-server/internal/middleware"
	"license-server/internal/service"
	"license-server/internal/storage"
	"license-server/internal/store"
	"license-server/internal/util"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal("database connection failed: ", err)
	}
	if err := database.SeedAdmin(db, cfg.AdminPassword); err != nil {
		log.Fatal("admin seeding failed: ", err)
	}

	cipher, err := util.NewKeyCipher(cfg.LicenseCipherKey)
	if err != nil {
		log.Fatal(err)
	}

	licenses := store.NewLicenseStore(db, cipher)
	products := store.NewProductStore(db)
	orders := store.NewOrderStore(db)
	users := store.NewUserStore(db)
	usage := store.NewUsageStore(db)

	var locator license.PackageLocator
	if cfg.UseAmazonS3 {
		s3, err := storage.NewS3Locator(context.Background(), storage.Options{
			Region:        cfg.S3Region,
			Key:           cfg.S3Key,
			Secret:        cfg.S3Secret,
			DefaultBucket: cfg.S3Bucket,
			URLExpiration: time.Duration(cfg.S3URLExpiration) * time.Minute,
		})
		if err != nil {
			log.Fatal("s3 setup failed: ", err)
		}
		locator = s3
	}

	manager := license.NewManager(license.Options{
		Debug:             cfg.DebugMode,
		RestrictAPIAccess: cfg.RestrictAPIAccess,
		SharedSecret:      cfg.SharedSecret,
		LicenseNotFound:   cfg.LicenseValidateResponse,
		EmailMismatch:     cfg.EmailValidateResponse,
		OrderMismatch:     cfg.OrderValidateResponse,
		ProductMismatch:   cfg.NameValidateResponse,
	}, licenses, products, orders, users, locator)

	sheets, err := service.NewSheetSync(cfg.SheetSyncEnabled, cfg.SheetCredentials, cfg.SheetID, cfg.SheetName)
	if err != nil {
		log.Fatal("sheet sync setup failed: ", err)
	}
	renewals := service.NewRenewalService(licenses, products, orders)

	tokens := util.NewTokenManager(cfg.JWTSecret)
	licenseHandler := handler.NewLicenseHandler(manager, usage, sheets)
	userHandler := handler.NewUserHandler(users, tokens)
	adminHandler := handler.NewAdminHandler(licenses, products, orders, usage, renewals)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(requestid.New())
	app.Use(logger.New())
	app.Use(cors.New())

	api := app.Group("/api/v1")

	// License protocol routes (Manager-governed).
	licenseHandler.Register(api)

	// Admin surface.
	auth := api.Group("/auth")
	auth.Post("/register", userHandler.Register)
	auth.Post("/login", userHandler.Login)
	auth.Get("/info", middleware.Auth(tokens), userHandler.Info)

	admin := api.Group("/admin", middleware.Auth(tokens), middleware.AdminOnly(users))
	admin.Get("/licenses", adminHandler.ListLicenses)
	admin.Post("/licenses", adminHandler.GenerateLicense)
	admin.Get("/licenses/overview", adminHandler.Overview)
	admin.Get("/licenses/:key", adminHandler.GetLicense)
	admin.Put("/licenses/:key", adminHandler.UpdateLicense)
	admin.Delete("/licenses/:key", adminHandler.DeleteLicense)
	admin.Get("/licenses/:key/usage", adminHandler.LicenseUsage)
	admin.Get("/products", adminHandler.ListProducts)
	admin.Post("/products", adminHandler.CreateProduct)
	admin.Post("/orders", adminHandler.CreateOrder)
	admin.Post("/orders/:id/complete", adminHandler.CompleteOrder)

	log.Fatal(app.Listen(cfg.ListenAddr))
}
