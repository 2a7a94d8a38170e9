package model

import "time"

// LicenseUsage records one protocol call against a license.
type LicenseUsage struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	LicenseKey string    `json:"license_key" gorm:"index"`
	Action     string    `json:"action"` // "activate", "deactivate", "validate"
	Result     string    `json:"result"` // "success" or the error message
	IPAddress  string    `json:"ip_address"`
	UserAgent  string    `json:"user_agent"`
	CreatedAt  time.Time `json:"created_at"`
}
