package repository

import (
	"errors"

	"github.com/irfndi/renpool/internal/models"
	"gorm.io/gorm"
)

// EventRepository interface defines event journal database operations.
// The journal is append-only.
type EventRepository interface {
	Create(record *models.EventRecord) error
	ListByPool(poolAddress string, limit, offset int) ([]*models.EventRecord, error)
	ListByActor(actor string, limit, offset int) ([]*models.EventRecord, error)
	CountByPool(poolAddress string) (int64, error)
}

type eventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{db: db}
}

func (r *eventRepository) Create(record *models.EventRecord) error {
	if record == nil {
		return errors.New("event record cannot be nil")
	}
	return r.db.Create(record).Error
}

// ListByPool retrieves a pool's events oldest first
func (r *eventRepository) ListByPool(poolAddress string, limit, offset int) ([]*models.EventRecord, error) {
	if poolAddress == "" {
		return nil, errors.New("pool address cannot be empty")
	}

	var records []*models.EventRecord
	err := r.db.Where("pool_address = ?", poolAddress).Order("id ASC").Limit(limit).Offset(offset).Find(&records).Error
	return records, err
}

// ListByActor retrieves the events triggered by actor, newest first
func (r *eventRepository) ListByActor(actor string, limit, offset int) ([]*models.EventRecord, error) {
	if actor == "" {
		return nil, errors.New("actor cannot be empty")
	}

	var records []*models.EventRecord
	err := r.db.Where("actor = ?", actor).Order("id DESC").Limit(limit).Offset(offset).Find(&records).Error
	return records, err
}

func (r *eventRepository) CountByPool(poolAddress string) (int64, error) {
	if poolAddress == "" {
		return 0, errors.New("pool address cannot be empty")
	}
	var count int64
	err := r.db.Model(&models.EventRecord{}).Where("pool_address = ?", poolAddress).Count(&count).Error
	return count, err
}
