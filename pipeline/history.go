package pipeline

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/drivelinehq/driveline/errs"
)

// JSONMap stores the free-form details blob as jsonb.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
}

// Sync statuses. pending and running are transient; the rest are
// terminal and write-once.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// SyncHistory is the persistent audit record of one pipeline run.
type SyncHistory struct {
	ID          string  `gorm:"type:uuid;primaryKey" json:"id"`
	ParentID    *string `gorm:"type:uuid;index" json:"parent_id,omitempty"`
	EntityKind  string  `gorm:"index;not null" json:"entity_kind"`
	SourceKind  string  `gorm:"not null" json:"source_kind"`
	Status      string  `gorm:"index;not null;default:pending" json:"status"`
	TriggeredBy *string `gorm:"type:uuid" json:"triggered_by,omitempty"`

	RecordsProcessed int `json:"records_processed"`
	RecordsCreated   int `json:"records_created"`
	RecordsUpdated   int `json:"records_updated"`
	RecordsFailed    int `json:"records_failed"`

	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	DurationSeconds float64      `json:"duration_seconds"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	Details         JSONMap `gorm:"type:jsonb" json:"details,omitempty"`
}

func (SyncHistory) TableName() string { return "sync_history" }

func (s *SyncHistory) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	return nil
}

// Terminal reports whether the status is write-once final.
func (s *SyncHistory) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SyncEvent is one append-only milestone row belonging to a sync run.
type SyncEvent struct {
	ID        string       `gorm:"type:uuid;primaryKey" json:"id"`
	SyncID    string       `gorm:"type:uuid;index;not null" json:"sync_id"`
	EventKind string       `gorm:"not null" json:"event_kind"`
	Message   string       `json:"message"`
	Timestamp time.Time    `json:"timestamp"`
	Details   JSONMap `gorm:"type:jsonb" json:"details,omitempty"`
}

func (SyncEvent) TableName() string { return "sync_events" }

func (e *SyncEvent) BeforeCreate(_ *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return nil
}

// Models lists everything this package migrates.
func Models() []interface{} {
	return []interface{}{&SyncHistory{}, &SyncEvent{}}
}

// Stats is the rolling-window summary over recent sync runs.
type Stats struct {
	Window          time.Duration  `json:"-"`
	Total           int64          `json:"total"`
	ByStatus        map[string]int `json:"by_status"`
	SuccessRate     float64        `json:"success_rate"`
	RecordsCreated  int64          `json:"records_created"`
	RecordsUpdated  int64          `json:"records_updated"`
	RecordsFailed   int64          `json:"records_failed"`
	AverageDuration float64        `json:"average_duration_seconds"`
}

// HistoryRepo persists sync runs and their event trail.
type HistoryRepo struct {
	db *gorm.DB
}

// NewHistoryRepo builds the repository.
func NewHistoryRepo(db *gorm.DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

// Create inserts a new run row in pending.
func (r *HistoryRepo) Create(ctx context.Context, entityKind, sourceKind string, triggeredBy, parentID *string) (*SyncHistory, error) {
	row := &SyncHistory{
		EntityKind:  entityKind,
		SourceKind:  sourceKind,
		Status:      StatusPending,
		TriggeredBy: triggeredBy,
		ParentID:    parentID,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, errs.Database("failed to create sync history", err)
	}
	return row, nil
}

// Get loads one run row.
func (r *HistoryRepo) Get(ctx context.Context, id string) (*SyncHistory, error) {
	var row SyncHistory
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, errs.NotFound("sync history", id)
	}
	if err != nil {
		return nil, errs.Database("failed to load sync history", err)
	}
	return &row, nil
}

// MarkRunning transitions pending → running.
func (r *HistoryRepo) MarkRunning(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&SyncHistory{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":     StatusRunning,
			"started_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return errs.Database("failed to start sync history", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.BusinessRule("sync_status", "sync is not pending")
	}
	return nil
}

// Finish writes the terminal state exactly once. completed_at is
// stamped now and the duration derived from started_at.
func (r *HistoryRepo) Finish(ctx context.Context, id, status, errorMessage string, result ResultCounters, details map[string]interface{}) error {
	row, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if row.Terminal() {
		return errs.BusinessRule("sync_status", "sync already finished as "+row.Status)
	}

	now := time.Now().UTC()
	if now.Before(row.StartedAt) {
		now = row.StartedAt
	}
	updates := map[string]interface{}{
		"status":            status,
		"completed_at":      now,
		"duration_seconds":  now.Sub(row.StartedAt).Seconds(),
		"error_message":     errorMessage,
		"records_processed": result.Processed,
		"records_created":   result.Created,
		"records_updated":   result.Updated,
		"records_failed":    result.Failed,
	}
	if details != nil {
		updates["details"] = JSONMap(details)
	}
	err = r.db.WithContext(ctx).Model(&SyncHistory{}).
		Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return errs.Database("failed to finish sync history", err)
	}
	return nil
}

// AppendEvent records one milestone for a run.
func (r *HistoryRepo) AppendEvent(ctx context.Context, syncID, kind, message string, details map[string]interface{}) error {
	evt := &SyncEvent{
		SyncID:    syncID,
		EventKind: kind,
		Message:   message,
		Details:   JSONMap(details),
	}
	if err := r.db.WithContext(ctx).Create(evt).Error; err != nil {
		return errs.Database("failed to append sync event", err)
	}
	return nil
}

// Events returns a run's milestone trail in order.
func (r *HistoryRepo) Events(ctx context.Context, syncID string) ([]SyncEvent, error) {
	var events []SyncEvent
	err := r.db.WithContext(ctx).
		Where("sync_id = ?", syncID).
		Order("timestamp ASC").
		Find(&events).Error
	if err != nil {
		return nil, errs.Database("failed to load sync events", err)
	}
	return events, nil
}

// FindActive returns runs still pending or running.
func (r *HistoryRepo) FindActive(ctx context.Context) ([]SyncHistory, error) {
	var rows []SyncHistory
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{StatusPending, StatusRunning}).
		Order("started_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errs.Database("failed to find active syncs", err)
	}
	return rows, nil
}

// CancelActive marks every active run cancelled and appends one event
// per run.
func (r *HistoryRepo) CancelActive(ctx context.Context, reason string) (int, error) {
	active, err := r.FindActive(ctx)
	if err != nil {
		return 0, err
	}
	for _, row := range active {
		if err := r.Finish(ctx, row.ID, StatusCancelled, reason, ResultCounters{}, nil); err != nil {
			return 0, err
		}
		if err := r.AppendEvent(ctx, row.ID, "cancelled", reason, nil); err != nil {
			return 0, err
		}
	}
	return len(active), nil
}

// RollingStats summarizes runs started inside the lookback window.
func (r *HistoryRepo) RollingStats(ctx context.Context, window time.Duration) (*Stats, error) {
	since := time.Now().UTC().Add(-window)

	var rows []SyncHistory
	err := r.db.WithContext(ctx).
		Where("started_at >= ?", since).
		Find(&rows).Error
	if err != nil {
		return nil, errs.Database("failed to load sync stats", err)
	}

	stats := &Stats{Window: window, ByStatus: make(map[string]int)}
	var durations float64
	var completedCount int
	for _, row := range rows {
		stats.Total++
		stats.ByStatus[row.Status]++
		stats.RecordsCreated += int64(row.RecordsCreated)
		stats.RecordsUpdated += int64(row.RecordsUpdated)
		stats.RecordsFailed += int64(row.RecordsFailed)
		if row.Terminal() {
			durations += row.DurationSeconds
			completedCount++
		}
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.ByStatus[StatusCompleted]) / float64(stats.Total)
	}
	if completedCount > 0 {
		stats.AverageDuration = durations / float64(completedCount)
	}
	return stats, nil
}
