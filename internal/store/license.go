package store

import (
	"encoding/json"
	"errors"

	"license-server/internal/license"
	"license-server/internal/model"
	"license-server/internal/util"

	"gorm.io/gorm"
)

// LicenseStore is the gorm-backed license repository. License keys are
// encrypted at rest; lookups go through a deterministic digest.
type LicenseStore struct {
	db     *gorm.DB
	cipher *util.KeyCipher
}

func NewLicenseStore(db *gorm.DB, cipher *util.KeyCipher) *LicenseStore {
	return &LicenseStore{db: db, cipher: cipher}
}

// Create stores a new license for the given plaintext key.
func (s *LicenseStore) Create(key string, lic *model.License) error {
	encrypted, err := s.cipher.Encrypt(key)
	if err != nil {
		return err
	}
	lic.KeyHash = util.HashKey(key)
	lic.EncryptedKey = encrypted
	return s.db.Create(lic).Error
}

// FindByKey resolves a license by its plaintext key. Returns (nil, nil) when
// no license exists.
func (s *LicenseStore) FindByKey(key string) (*model.License, error) {
	var lic model.License
	err := s.db.Where("key_hash = ?", util.HashKey(key)).First(&lic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lic, nil
}

func (s *LicenseStore) FindByID(id uint) (*model.License, error) {
	var lic model.License
	err := s.db.First(&lic, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lic, nil
}

// FindByOrder returns every license generated by an order.
func (s *LicenseStore) FindByOrder(orderID uint) ([]model.License, error) {
	var licenses []model.License
	if err := s.db.Where("order_id = ?", orderID).Find(&licenses).Error; err != nil {
		return nil, err
	}
	return licenses, nil
}

func (s *LicenseStore) List() ([]model.License, error) {
	var licenses []model.License
	if err := s.db.Order("id").Find(&licenses).Error; err != nil {
		return nil, err
	}
	return licenses, nil
}

func (s *LicenseStore) Update(id uint, fields map[string]any) error {
	return s.db.Model(&model.License{}).Where("id = ?", id).Updates(fields).Error
}

func (s *LicenseStore) Delete(id uint) error {
	if err := s.db.Where("license_id = ?", id).Delete(&model.LicenseMeta{}).Error; err != nil {
		return err
	}
	return s.db.Delete(&model.License{}, id).Error
}

// DecryptedKey recovers the plaintext license key.
func (s *LicenseStore) DecryptedKey(l *model.License) (string, error) {
	return s.cipher.Decrypt(l.EncryptedKey)
}

// GetMeta loads the binding stored under metaKey.
func (s *LicenseStore) GetMeta(licenseID uint, metaKey string) (*license.Binding, bool, error) {
	var meta model.LicenseMeta
	err := s.db.Where("license_id = ? AND meta_key = ?", licenseID, metaKey).First(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var b license.Binding
	if err := json.Unmarshal([]byte(meta.Value), &b); err != nil {
		return nil, false, err
	}
	return &b, true, nil
}

// SetMeta creates or replaces the binding stored under metaKey.
func (s *LicenseStore) SetMeta(licenseID uint, metaKey string, b *license.Binding) error {
	value, err := json.Marshal(b)
	if err != nil {
		return err
	}

	var existing model.LicenseMeta
	err = s.db.Where("license_id = ? AND meta_key = ?", licenseID, metaKey).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&model.LicenseMeta{
			LicenseID: licenseID,
			MetaKey:   metaKey,
			Value:     string(value),
		}).Error
	}
	if err != nil {
		return err
	}

	existing.Value = string(value)
	return s.db.Save(&existing).Error
}

func (s *LicenseStore) DeleteMeta(licenseID uint, metaKey string) error {
	return s.db.Where("license_id = ? AND meta_key = ?", licenseID, metaKey).
		Delete(&model.LicenseMeta{}).Error
}
