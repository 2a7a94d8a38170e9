package service

import (
	"fmt"
	"time"

	"license-server/internal/license"
	"license-server/internal/model"
	"license-server/internal/store"
)

// RenewalService extends license expiry dates when an order completes. The
// extension length comes from the licensed product's renewal policy.
type RenewalService struct {
	licenses *store.LicenseStore
	products *store.ProductStore
	orders   *store.OrderStore
	now      func() time.Time
}

func NewRenewalService(licenses *store.LicenseStore, products *store.ProductStore, orders *store.OrderStore) *RenewalService {
	return &RenewalService{
		licenses: licenses,
		products: products,
		orders:   orders,
		now:      time.Now,
	}
}

// CompleteOrder marks the order completed and renews each of its licenses
// that has an expiry set and whose product defines an extension. Perpetual
// licenses and products without a policy are left untouched. Returns the
// number of licenses renewed.
func (s *RenewalService) CompleteOrder(orderID uint) (int, error) {
	order, err := s.orders.FindByID(orderID)
	if err != nil {
		return 0, err
	}
	if order == nil {
		return 0, fmt.Errorf("order %d not found", orderID)
	}

	licenses, err := s.licenses.FindByOrder(orderID)
	if err != nil {
		return 0, err
	}

	renewed := 0
	for _, lic := range licenses {
		if lic.ExpiresAt == "" {
			continue
		}

		product, err := s.products.FindByID(lic.ProductID)
		if err != nil {
			return renewed, err
		}
		if product == nil || product.RenewalDays == 0 {
			continue
		}

		next, err := license.NextExpiry(lic.ExpiresAt, product.RenewalDays, s.now())
		if err != nil {
			return renewed, err
		}

		err = s.licenses.Update(lic.ID, map[string]any{
			"expires_at": next,
			"status":     model.StatusDelivered,
		})
		if err != nil {
			return renewed, err
		}
		renewed++
	}

	if err := s.orders.Update(orderID, map[string]any{"status": model.OrderCompleted}); err != nil {
		return renewed, err
	}

	return renewed, nil
}
