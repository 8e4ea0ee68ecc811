package repository

import (
	"context"

	"pushpay/internal/models"

	"gorm.io/gorm"
)

type CallbackLogRepository struct {
	db *gorm.DB
}

func NewCallbackLogRepository(db *gorm.DB) *CallbackLogRepository {
	return &CallbackLogRepository{db: db}
}

func (r *CallbackLogRepository) Create(ctx context.Context, l *models.CallbackLog) error {
	return r.db.WithContext(ctx).Create(l).Error
}

type AuditLogRepository struct {
	db *gorm.DB
}

func NewAuditLogRepository(db *gorm.DB) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

func (r *AuditLogRepository) Create(ctx context.Context, log *models.AuditLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}
