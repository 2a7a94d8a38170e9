package database

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"license-server/internal/model"

	"github.com/glebarez/sqlite"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// Open connects to the sqlite database at path, migrates the schema and
// seeds the default admin account if none exists.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.User{},
		&model.License{},
		&model.LicenseMeta{},
		&model.Product{},
		&model.Order{},
		&model.LicenseUsage{},
	)
}

// SeedAdmin creates the default admin account on first boot.
func SeedAdmin(db *gorm.DB, password string) error {
	var count int64
	db.Model(&model.User{}).Where("username = ?", "admin").Count(&count)
	if count > 0 {
		return nil
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	admin := &model.User{
		Username:  "admin",
		Password:  string(hashed),
		Email:     "admin@example.com",
		Role:      "admin",
		Status:    "active",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := db.Create(admin).Error; err != nil {
		return err
	}

	log.Println("created default admin account")
	return nil
}
