package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BackupFrequency is how often a schedule fires.
type BackupFrequency string

const (
	FrequencyDaily   BackupFrequency = "daily"
	FrequencyWeekly  BackupFrequency = "weekly"
	FrequencyMonthly BackupFrequency = "monthly"
)

// Valid reports whether f is a supported frequency.
func (f BackupFrequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// BackupSchedule is an operator-defined recurring backup.
type BackupSchedule struct {
	ID            string          `db:"id" json:"id"`
	Name          string          `db:"name" json:"name"`
	Enabled       bool            `db:"enabled" json:"enabled"`
	Frequency     BackupFrequency `db:"frequency" json:"frequency"`
	TimeOfDay     string          `db:"time_of_day" json:"timeOfDay"`
	RetentionDays int             `db:"retention_days" json:"retentionDays"`
	Notify        bool            `db:"notify" json:"notify"`
	LastRunAt     *time.Time      `db:"last_run_at" json:"lastRunAt,omitempty"`
	NextRunAt     time.Time       `db:"next_run_at" json:"nextRunAt"`
	LastError     *string         `db:"last_error" json:"lastError,omitempty"`
	FailureCount  int             `db:"failure_count" json:"failureCount"`
	CreatedBy     string          `db:"created_by" json:"createdBy"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
}

// ScheduleRunUpdate is applied after a run, guarded by the next_run_at that was read.
type ScheduleRunUpdate struct {
	ID              string
	ExpectedNextRun time.Time
	LastRunAt       *time.Time
	NextRunAt       time.Time
	LastError       *string
	FailureCount    int
	UpdatedAt       time.Time
}

// ParseTimeOfDay parses "HH:MM" (24h) into hour and minute.
func ParseTimeOfDay(raw string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return 0, 0, fmt.Errorf("time of day %q must be HH:MM", raw)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", raw)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", raw)
	}
	return hour, minute, nil
}
