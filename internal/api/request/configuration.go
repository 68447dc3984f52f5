package request

import (
	"errors"
	"fmt"

	"github.com/ostrand/backupd/internal/model"
)

// CheckConfiguration enforces the cross-field rules the struct tags
// cannot express: an enabled retention policy needs at least one bound,
// and a backup type needs the source list its producer reads. Catching
// a missing source here keeps it a 400 instead of a failed execution.
func CheckConfiguration(backupType string, sources model.Sources, settings model.Settings) error {
	retention := settings.Retention
	if retention.Enabled && retention.MaxAgeDays < 1 && retention.MaxBackups < 1 {
		return errors.New("retention enabled without max_age_days or max_backups")
	}

	switch backupType {
	case model.BackupTypeDatabase, model.BackupTypeFull:
		if len(sources.Databases) == 0 {
			return fmt.Errorf("%s backups need at least one database source", backupType)
		}
	case model.BackupTypeFiles, model.BackupTypeIncremental:
		if len(sources.Paths) == 0 {
			return fmt.Errorf("%s backups need at least one source path", backupType)
		}
	case model.BackupTypeConfiguration:
		if len(sources.ConfigPaths) == 0 {
			return errors.New("configuration backups need at least one config path")
		}
	}
	return nil
}

// ScheduleSpec mirrors the model schedule for create/update payloads.
type ScheduleSpec struct {
	Enabled    bool   `json:"enabled"`
	Frequency  string `json:"frequency" validate:"omitempty,oneof=daily weekly monthly custom"`
	TimeOfDay  string `json:"time_of_day"`
	DayOfWeek  int    `json:"day_of_week" validate:"min=0,max=6"`
	DayOfMonth int    `json:"day_of_month" validate:"min=0,max=31"`
	Expression string `json:"expression"`
}

// Model converts the payload into the model schedule, leaving run
// bookkeeping untouched.
func (s *ScheduleSpec) Model() model.Schedule {
	return model.Schedule{
		Enabled:    s.Enabled,
		Frequency:  s.Frequency,
		TimeOfDay:  s.TimeOfDay,
		DayOfWeek:  s.DayOfWeek,
		DayOfMonth: s.DayOfMonth,
		Expression: s.Expression,
	}
}

type CreateConfiguration struct {
	Name     string              `json:"name" validate:"required,slug"`
	Type     string              `json:"type" validate:"required,oneof=database files configuration full incremental"`
	Schedule ScheduleSpec        `json:"schedule"`
	Settings model.Settings      `json:"settings"`
	Sources  model.Sources       `json:"sources"`
	Storage  model.StorageTarget `json:"storage"`
}

// UpdateConfiguration carries a partial update; nil sections keep the
// stored values.
type UpdateConfiguration struct {
	Name     string               `json:"name" validate:"omitempty,slug"`
	Type     string               `json:"type" validate:"omitempty,oneof=database files configuration full incremental"`
	IsActive *bool                `json:"is_active"`
	Schedule *ScheduleSpec        `json:"schedule"`
	Settings *model.Settings      `json:"settings"`
	Sources  *model.Sources       `json:"sources"`
	Storage  *model.StorageTarget `json:"storage"`
}

type RunBackup struct {
	TriggeredBy string `json:"triggered_by" validate:"omitempty,max=128"`
}
