package model

import "time"

// Product is a licensed downloadable (plugin/theme). The update metadata is
// sent back to clients on activation and update checks; Bucket and Filename
// locate the package archive on S3 and are never sent to clients.
type Product struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Slug        string    `json:"slug" gorm:"uniqueIndex;not null"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	WPTested    string    `json:"wp_tested"`
	WPRequires  string    `json:"wp_requires"`
	LastUpdated string    `json:"last_updated"`
	Logo        string    `json:"logo"`
	Cover       string    `json:"cover"`
	Bucket      string    `json:"-"`
	Filename    string    `json:"-"`
	// RenewalDays is the generator-derived renewal policy: how many days an
	// order-completion renewal extends the license. Zero means no policy.
	RenewalDays int       `json:"renewal_days"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Meta returns the update metadata sent to clients. Storage coordinates are
// deliberately excluded.
func (p *Product) Meta() map[string]any {
	return map[string]any{
		"name":         p.Name,
		"version":      p.Version,
		"wp_tested":    p.WPTested,
		"wp_requires":  p.WPRequires,
		"last_updated": p.LastUpdated,
		"logo":         p.Logo,
		"cover":        p.Cover,
	}
}
