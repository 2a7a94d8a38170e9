package model

import "time"

// LicenseMeta holds one arbitrary metadata record per (license, key) pair.
// Binding metadata for client sites is stored here as a JSON blob under a
// key derived from the site hostname and product slug.
type LicenseMeta struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	LicenseID uint      `json:"license_id" gorm:"index:idx_license_meta,unique"`
	MetaKey   string    `json:"meta_key" gorm:"index:idx_license_meta,unique"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
