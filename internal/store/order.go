package store

import (
	"errors"

	"license-server/internal/model"

	"gorm.io/gorm"
)

// OrderStore is the gorm-backed order repository.
type OrderStore struct {
	db *gorm.DB
}

func NewOrderStore(db *gorm.DB) *OrderStore {
	return &OrderStore{db: db}
}

func (s *OrderStore) Create(o *model.Order) error {
	return s.db.Create(o).Error
}

func (s *OrderStore) FindByID(id uint) (*model.Order, error) {
	var o model.Order
	err := s.db.First(&o, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *OrderStore) Update(id uint, fields map[string]any) error {
	return s.db.Model(&model.Order{}).Where("id = ?", id).Updates(fields).Error
}
