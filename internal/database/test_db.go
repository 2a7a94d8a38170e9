package database

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// OpenTest returns a migrated in-memory database for tests.
func OpenTest() *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		panic("failed to connect test database")
	}
	if err := migrate(db); err != nil {
		panic("failed to migrate test database")
	}
	return db
}

// CloseTest closes the underlying connection of a test database.
func CloseTest(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	sqlDB.Close()
}
