package store

import (
	"errors"

	"license-server/internal/model"

	"gorm.io/gorm"
)

// ProductStore is the gorm-backed product catalog.
type ProductStore struct {
	db *gorm.DB
}

func NewProductStore(db *gorm.DB) *ProductStore {
	return &ProductStore{db: db}
}

func (s *ProductStore) Create(p *model.Product) error {
	return s.db.Create(p).Error
}

func (s *ProductStore) FindByID(id uint) (*model.Product, error) {
	var p model.Product
	err := s.db.First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *ProductStore) FindBySlug(slug string) (*model.Product, error) {
	var p model.Product
	err := s.db.Where("slug = ?", slug).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *ProductStore) List() ([]model.Product, error) {
	var products []model.Product
	if err := s.db.Order("id").Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

func (s *ProductStore) Update(id uint, fields map[string]any) error {
	return s.db.Model(&model.Product{}).Where("id = ?", id).Updates(fields).Error
}
