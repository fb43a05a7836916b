package repository

import (
	"errors"

	"github.com/irfndi/renpool/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PoolRepository interface defines pool record database operations
type PoolRepository interface {
	Create(record *models.PoolRecord) error
	GetByAddress(address string) (*models.PoolRecord, error)
	List(limit, offset int) ([]*models.PoolRecord, error)
	ListByOperator(operator string) ([]*models.PoolRecord, error)
	UpdateState(address, state string, totalPooled decimal.Decimal) error
	UpdateOperator(address, operator string) error
	Count() (int64, error)
}

// poolRepository implements PoolRepository interface
type poolRepository struct {
	db *gorm.DB
}

// NewPoolRepository creates a new pool repository
func NewPoolRepository(db *gorm.DB) PoolRepository {
	return &poolRepository{db: db}
}

// Create inserts a deployed pool
func (r *poolRepository) Create(record *models.PoolRecord) error {
	if record == nil {
		return errors.New("pool record cannot be nil")
	}
	return r.db.Create(record).Error
}

// GetByAddress retrieves a pool by its address
func (r *poolRepository) GetByAddress(address string) (*models.PoolRecord, error) {
	if address == "" {
		return nil, errors.New("address cannot be empty")
	}

	var record models.PoolRecord
	err := r.db.Where("address = ?", address).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// List retrieves pools in deployment order with pagination
func (r *poolRepository) List(limit, offset int) ([]*models.PoolRecord, error) {
	var records []*models.PoolRecord
	err := r.db.Order("sequence ASC").Limit(limit).Offset(offset).Find(&records).Error
	return records, err
}

// ListByOperator retrieves the pools run by an operator
func (r *poolRepository) ListByOperator(operator string) ([]*models.PoolRecord, error) {
	if operator == "" {
		return nil, errors.New("operator cannot be empty")
	}

	var records []*models.PoolRecord
	err := r.db.Where("node_operator = ?", operator).Order("sequence ASC").Find(&records).Error
	return records, err
}

// UpdateState records the latest lock state and pooled total of a pool
func (r *poolRepository) UpdateState(address, state string, totalPooled decimal.Decimal) error {
	if address == "" {
		return errors.New("address cannot be empty")
	}
	return r.db.Model(&models.PoolRecord{}).Where("address = ?", address).Updates(map[string]interface{}{
		"state":        state,
		"total_pooled": totalPooled,
	}).Error
}

// UpdateOperator records a node operator change
func (r *poolRepository) UpdateOperator(address, operator string) error {
	if address == "" || operator == "" {
		return errors.New("address and operator cannot be empty")
	}
	return r.db.Model(&models.PoolRecord{}).Where("address = ?", address).Update("node_operator", operator).Error
}

// Count returns the number of deployed pools
func (r *poolRepository) Count() (int64, error) {
	var count int64
	err := r.db.Model(&models.PoolRecord{}).Count(&count).Error
	return count, err
}
