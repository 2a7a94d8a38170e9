package handler

import (
	"strconv"
	"time"

	"license-server/internal/model"
	"license-server/internal/service"
	"license-server/internal/store"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// AdminHandler serves the license/product/order management routes. All of
// them sit behind the auth and admin-only middleware.
type AdminHandler struct {
	licenses *store.LicenseStore
	products *store.ProductStore
	orders   *store.OrderStore
	usage    *store.UsageStore
	renewals *service.RenewalService
}

func NewAdminHandler(licenses *store.LicenseStore, products *store.ProductStore, orders *store.OrderStore, usage *store.UsageStore, renewals *service.RenewalService) *AdminHandler {
	return &AdminHandler{
		licenses: licenses,
		products: products,
		orders:   orders,
		usage:    usage,
		renewals: renewals,
	}
}

type GenerateLicenseInput struct {
	UserID            uint   `json:"user_id"`
	ProductID         uint   `json:"product_id"`
	OrderID           uint   `json:"order_id"`
	ExpiresAt         string `json:"expires_at"`
	TimesActivatedMax int    `json:"times_activated_max"`
}

// GenerateLicense creates a new license with a random key. The key is
// returned once in the response and stored encrypted.
func (h *AdminHandler) GenerateLicense(c *fiber.Ctx) error {
	input := new(GenerateLicenseInput)
	if err := c.BodyParser(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid input data",
		})
	}

	if input.ExpiresAt != "" {
		if _, err := time.ParseInLocation(model.ExpiryFormat, input.ExpiresAt, time.UTC); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "expires_at must use the 'YYYY-MM-DD HH:MM:SS' format (UTC)",
			})
		}
	}

	key := uuid.NewString()
	lic := &model.License{
		UserID:            input.UserID,
		ProductID:         input.ProductID,
		OrderID:           input.OrderID,
		Status:            model.StatusSold,
		ExpiresAt:         input.ExpiresAt,
		TimesActivatedMax: input.TimesActivatedMax,
	}
	if err := h.licenses.Create(key, lic); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "license creation failed",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"license":     lic,
		"license_key": key,
	})
}

func (h *AdminHandler) ListLicenses(c *fiber.Ctx) error {
	licenses, err := h.licenses.List()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "listing licenses failed",
		})
	}
	return c.JSON(fiber.Map{"licenses": licenses})
}

func (h *AdminHandler) GetLicense(c *fiber.Ctx) error {
	lic, err := h.licenses.FindByKey(c.Params("key"))
	if err != nil || lic == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "license not found",
		})
	}
	return c.JSON(lic)
}

type UpdateLicenseInput struct {
	Status            *int    `json:"status"`
	ExpiresAt         *string `json:"expires_at"`
	TimesActivatedMax *int    `json:"times_activated_max"`
}

func (h *AdminHandler) UpdateLicense(c *fiber.Ctx) error {
	lic, err := h.licenses.FindByKey(c.Params("key"))
	if err != nil || lic == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "license not found",
		})
	}

	input := new(UpdateLicenseInput)
	if err := c.BodyParser(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid input data",
		})
	}

	fields := map[string]any{}
	if input.Status != nil {
		fields["status"] = *input.Status
	}
	if input.ExpiresAt != nil {
		fields["expires_at"] = *input.ExpiresAt
	}
	if input.TimesActivatedMax != nil {
		fields["times_activated_max"] = *input.TimesActivatedMax
	}
	if len(fields) > 0 {
		if err := h.licenses.Update(lic.ID, fields); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "license update failed",
			})
		}
	}

	updated, _ := h.licenses.FindByID(lic.ID)
	return c.JSON(fiber.Map{"license": updated})
}

func (h *AdminHandler) DeleteLicense(c *fiber.Ctx) error {
	lic, err := h.licenses.FindByKey(c.Params("key"))
	if err != nil || lic == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "license not found",
		})
	}

	if err := h.licenses.Delete(lic.ID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "license deletion failed",
		})
	}
	return c.JSON(fiber.Map{"message": "license deleted"})
}

func (h *AdminHandler) LicenseUsage(c *fiber.Ctx) error {
	usages, err := h.usage.Recent(c.Params("key"), 20)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "usage lookup failed",
		})
	}
	return c.JSON(fiber.Map{"usages": usages})
}

// Overview reports basic license totals.
func (h *AdminHandler) Overview(c *fiber.Ctx) error {
	total, active, expired, err := h.usage.Counts()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "overview aggregation failed",
		})
	}
	return c.JSON(fiber.Map{
		"total_licenses":   total,
		"active_licenses":  active,
		"expired_licenses": expired,
	})
}

func (h *AdminHandler) CreateProduct(c *fiber.Ctx) error {
	product := new(model.Product)
	if err := c.BodyParser(product); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid input data",
		})
	}
	if product.Slug == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "product slug is required",
		})
	}

	if err := h.products.Create(product); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "product creation failed",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(product)
}

func (h *AdminHandler) ListProducts(c *fiber.Ctx) error {
	products, err := h.products.List()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "listing products failed",
		})
	}
	return c.JSON(fiber.Map{"products": products})
}

func (h *AdminHandler) CreateOrder(c *fiber.Ctx) error {
	order := new(model.Order)
	if err := c.BodyParser(order); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid input data",
		})
	}
	if err := h.orders.Create(order); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "order creation failed",
		})
	}
	return c.Status(fiber.StatusCreated).JSON(order)
}

// CompleteOrder marks an order completed and applies the renewal policy to
// its licenses.
func (h *AdminHandler) CompleteOrder(c *fiber.Ctx) error {
	orderID, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid order id",
		})
	}

	renewed, err := h.renewals.CompleteOrder(uint(orderID))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"message": "order completed",
		"renewed": renewed,
	})
}
