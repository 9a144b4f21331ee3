package postgres

import (
	"time"

	"github.com/google/uuid"

	"github.com/codesail/codesail/internal/domain"
)

// ActivityModel maps to the "activities" table. Rows are append-only;
// the janitor prunes them by age.
type ActivityModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID     string    `gorm:"not null;index"`
	ProjectID  string    `gorm:"not null;index"`
	Kind       string    `gorm:"not null"`
	Path       string
	Command    string
	ExitCode   int
	DurationMS int64
	Error      string
	CreatedAt  time.Time `gorm:"index"`
}

func (ActivityModel) TableName() string { return "activities" }

func toActivityModel(a *domain.Activity) *ActivityModel {
	return &ActivityModel{
		ID:         a.ID,
		UserID:     a.UserID,
		ProjectID:  a.ProjectID,
		Kind:       a.Kind,
		Path:       a.Path,
		Command:    a.Command,
		ExitCode:   a.ExitCode,
		DurationMS: a.DurationMS,
		Error:      a.Error,
		CreatedAt:  a.CreatedAt,
	}
}

func toDomainActivity(m *ActivityModel) domain.Activity {
	return domain.Activity{
		ID:         m.ID,
		UserID:     m.UserID,
		ProjectID:  m.ProjectID,
		Kind:       m.Kind,
		Path:       m.Path,
		Command:    m.Command,
		ExitCode:   m.ExitCode,
		DurationMS: m.DurationMS,
		Error:      m.Error,
		CreatedAt:  m.CreatedAt,
	}
}
