package model

import "time"

// Order statuses.
const (
	OrderPending   = "pending"
	OrderCompleted = "completed"
)

// Order is the originating purchase for one or more licenses.
type Order struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	UserID    uint      `json:"user_id"`
	Status    string    `json:"status" gorm:"default:'pending'"`
	Total     float64   `json:"total"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
