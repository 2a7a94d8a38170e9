package model

import "time"

// Coarse license status codes, matching the upstream licensing data model:
// SOLD(1), DELIVERED(2), ACTIVE(3), INACTIVE(4).
const (
	StatusSold      = 1
	StatusDelivered = 2
	StatusActive    = 3
	StatusInactive  = 4
)

// ExpiryFormat is the fixed layout for stored expiry timestamps (UTC).
const ExpiryFormat = "2006-01-02 15:04:05"

// License is a purchased entitlement. The license key is stored encrypted;
// use the key cipher to obtain the decrypted form. ExpiresAt is empty for
// perpetual licenses.
type License struct {
	ID                uint      `json:"id" gorm:"primaryKey"`
	KeyHash           string    `json:"-" gorm:"uniqueIndex;not null"`
	EncryptedKey      string    `json:"-" gorm:"not null"`
	UserID            uint      `json:"user_id"`
	ProductID         uint      `json:"product_id"`
	OrderID           uint      `json:"order_id"`
	Status            int       `json:"status" gorm:"not null;default:1"`
	ExpiresAt         string    `json:"expires_at"`
	TimesActivated    int       `json:"times_activated"`
	TimesActivatedMax int       `json:"times_activated_max"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PurchasedOn renders the creation timestamp in the stored expiry layout.
func (l *License) PurchasedOn() string {
	return l.CreatedAt.UTC().Format(ExpiryFormat)
}
