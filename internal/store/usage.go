package store

import (
	"time"

	"license-server/internal/model"

	"gorm.io/gorm"
)

func nowExpiryString() string {
	return time.Now().UTC().Format(model.ExpiryFormat)
}

// UsageStore records protocol calls for auditing.
type UsageStore struct {
	db *gorm.DB
}

func NewUsageStore(db *gorm.DB) *UsageStore {
	return &UsageStore{db: db}
}

func (s *UsageStore) Record(u *model.LicenseUsage) error {
	return s.db.Create(u).Error
}

// Recent returns the latest entries for one license key.
func (s *UsageStore) Recent(licenseKey string, limit int) ([]model.LicenseUsage, error) {
	var usages []model.LicenseUsage
	err := s.db.Where("license_key = ?", licenseKey).
		Order("created_at desc").
		Limit(limit).
		Find(&usages).Error
	if err != nil {
		return nil, err
	}
	return usages, nil
}

// Counts aggregates license totals for the admin overview.
func (s *UsageStore) Counts() (total, active, expired int64, err error) {
	if err = s.db.Model(&model.License{}).Count(&total).Error; err != nil {
		return
	}
	if err = s.db.Model(&model.License{}).Where("status = ?", model.StatusActive).Count(&active).Error; err != nil {
		return
	}
	err = s.db.Model(&model.License{}).
		Where("expires_at != '' AND expires_at < ?", nowExpiryString()).
		Count(&expired).Error
	return
}
