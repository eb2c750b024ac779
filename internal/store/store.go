// Package store persists local orchestration history: completed dose cycles
// and caregiver push subscriptions. The authoritative schedule data lives in
// the backend store; nothing here shadows it.
package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pillnow-orchestrator/internal/model"
)

// Store defines the interface for all local database operations.
type Store interface {
	DB() *gorm.DB

	RecordDoseCycle(ctx context.Context, cycle *model.DoseCycle) error
	RecentCycles(ctx context.Context, container int, limit int) ([]model.DoseCycle, error)

	UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error
	DeleteSubscription(ctx context.Context, endpoint string) error
	Subscriptions(ctx context.Context) ([]model.PushSubscription, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

// DB exposes the underlying handle for read-only API queries.
func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// RecordDoseCycle archives one completed cycle.
func (s *gormStore) RecordDoseCycle(ctx context.Context, cycle *model.DoseCycle) error {
	if err := s.db.WithContext(ctx).Create(cycle).Error; err != nil {
		return fmt.Errorf("failed to record dose cycle for container %d: %w", cycle.Container, err)
	}
	return nil
}

// RecentCycles returns the latest cycles for a container, newest first.
// container 0 selects all containers.
func (s *gormStore) RecentCycles(ctx context.Context, container int, limit int) ([]model.DoseCycle, error) {
	if limit <= 0 {
		limit = 20
	}
	q := s.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if container > 0 {
		q = q.Where("container = ?", container)
	}

	var cycles []model.DoseCycle
	if err := q.Find(&cycles).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch recent cycles: %w", err)
	}
	return cycles, nil
}

// UpsertSubscription creates or refreshes a caregiver subscription.
func (s *gormStore) UpsertSubscription(ctx context.Context, sub *model.PushSubscription) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
	}).Create(sub).Error
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription by endpoint.
func (s *gormStore) DeleteSubscription(ctx context.Context, endpoint string) error {
	if err := s.db.WithContext(ctx).Delete(&model.PushSubscription{Endpoint: endpoint}).Error; err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", endpoint, err)
	}
	return nil
}

// Subscriptions returns every stored caregiver subscription.
func (s *gormStore) Subscriptions(ctx context.Context) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	if err := s.db.WithContext(ctx).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch subscriptions: %w", err)
	}
	return subs, nil
}
