package handler

import (
	"log"
	"strings"
	"time"

	"license-server/internal/license"
	"license-server/internal/model"
	"license-server/internal/service"
	"license-server/internal/store"

	"github.com/gofiber/fiber/v2"
)

// LicenseHandler serves the license protocol routes
// (activate/deactivate/validate) by translating Fiber requests into Manager
// calls.
type LicenseHandler struct {
	manager *license.Manager
	usage   *store.UsageStore
	sheets  *service.SheetSync
}

func NewLicenseHandler(manager *license.Manager, usage *store.UsageStore, sheets *service.SheetSync) *LicenseHandler {
	return &LicenseHandler{manager: manager, usage: usage, sheets: sheets}
}

// Register mounts the protocol routes. Every method and sub-path is handed
// to the Manager so its route parsing decides between license operations and
// pass-through/blocked requests.
func (h *LicenseHandler) Register(router fiber.Router) {
	router.All("/licenses", h.Handle)
	router.All("/licenses/*", h.Handle)
}

func (h *LicenseHandler) Handle(c *fiber.Ctx) error {
	req := h.buildRequest(c)

	result, aerr := h.manager.Process(c.Context(), req)
	if aerr != nil {
		h.recordUsage(c, req, aerr.Message)
		body := fiber.Map{"error": aerr.Message, "code": aerr.Code}
		if aerr.Data != nil {
			body["data"] = aerr.Data
		}
		return c.Status(aerr.Code).JSON(body)
	}

	if result.PassThrough {
		return c.JSON(fiber.Map{"success": true})
	}

	h.recordUsage(c, req, "success")

	if h.sheets != nil && result.State != license.StateValidate && result.License != nil {
		key, _ := result.Payload["license_key"].(string)
		state, _ := result.Payload["state"].(string)
		lic := result.License
		go func() {
			if err := h.sheets.SyncLicense(key, lic, state); err != nil {
				log.Printf("sheet sync for license %d: %v", lic.ID, err)
			}
		}()
	}

	return c.JSON(result.Payload)
}

// buildRequest assembles the per-call context from the path, query/form
// parameters and headers.
func (h *LicenseHandler) buildRequest(c *fiber.Ctx) *license.Request {
	authScheme, authValue := splitAuthorization(c.Get("Authorization"))

	return &license.Request{
		Route:      c.Path(),
		FormState:  param(c, "form_state"),
		Slug:       param(c, "slug"),
		OrderID:    param(c, "order_id"),
		Flag:       param(c, "flag"),
		Data:       param(c, "data"),
		SiteURL:    c.Get("Referer"),
		Email:      c.Get("From"),
		AuthScheme: authScheme,
		AuthValue:  authValue,
	}
}

func (h *LicenseHandler) recordUsage(c *fiber.Ctx, req *license.Request, result string) {
	action, key := routeAction(req.Route)
	if action == "" {
		return
	}

	err := h.usage.Record(&model.LicenseUsage{
		LicenseKey: key,
		Action:     action,
		Result:     result,
		IPAddress:  c.IP(),
		UserAgent:  c.Get("User-Agent"),
		CreatedAt:  time.Now(),
	})
	if err != nil {
		log.Printf("record license usage: %v", err)
	}
}

// param reads a request parameter from the query string first, then the
// form body.
func param(c *fiber.Ctx, name string) string {
	if v := c.Query(name); v != "" {
		return v
	}
	return c.FormValue(name)
}

func splitAuthorization(header string) (scheme, value string) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

// routeAction extracts the operation and license key from a protocol path
// for usage records.
func routeAction(route string) (action, key string) {
	for _, state := range []string{"activate", "deactivate", "validate"} {
		marker := "/" + state + "/"
		if i := strings.Index(route, marker); i >= 0 {
			return state, strings.Trim(route[i+len(marker):], "/")
		}
	}
	return "", ""
}
