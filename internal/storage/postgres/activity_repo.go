package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/codesail/codesail/internal/domain"
	"github.com/codesail/codesail/internal/storage"
)

const defaultQueryLimit = 100

// ActivityRepository persists workspace activity records. It is shared
// by the postgres and sqlite stores since gorm abstracts the dialect.
type ActivityRepository struct {
	db *gorm.DB
}

var _ storage.ActivityStore = (*ActivityRepository)(nil)

func NewActivityRepository(db *gorm.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

func (r *ActivityRepository) Append(ctx context.Context, a *domain.Activity) error {
	if a.ID == (uuid.UUID{}) {
		a.ID = domain.NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if err := r.db.WithContext(ctx).Create(toActivityModel(a)).Error; err != nil {
		return fmt.Errorf("append activity: %w", err)
	}
	return nil
}

func (r *ActivityRepository) Query(ctx context.Context, userID, projectID string, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	q := r.db.WithContext(ctx).Model(&ActivityModel{})
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	var models []ActivityModel
	if err := q.Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	out := make([]domain.Activity, 0, len(models))
	for i := range models {
		out = append(out, toDomainActivity(&models[i]))
	}
	return out, nil
}

func (r *ActivityRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&ActivityModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune activities: %w", res.Error)
	}
	return res.RowsAffected, nil
}
