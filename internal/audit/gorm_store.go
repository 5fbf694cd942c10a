package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sdko-org/audio-pipeline/internal/models"
	"gorm.io/gorm"
)

// GormStore persists events in the audit_events table. Rows are only
// inserted and, by the retention sweep, deleted.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Write(ctx context.Context, ev Event) error {
	details := ""
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		details = string(b)
	}

	row := models.AuditEvent{
		Operation: string(ev.Operation),
		Identity:  ev.Identity,
		AssetID:   ev.AssetID,
		Status:    string(ev.Status),
		Severity:  string(ev.Severity),
		Timestamp: ev.Timestamp,
		Details:   details,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save audit event: %w", err)
	}
	return nil
}

func (s *GormStore) ByIdentity(ctx context.Context, identity string, since time.Time, limit int) ([]Event, error) {
	return s.find(ctx, since, limit, "identity = ?", identity)
}

func (s *GormStore) HighSeverity(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	return s.find(ctx, since, limit, "severity = ?", string(SeverityError))
}

func (s *GormStore) ByOperation(ctx context.Context, op Operation, since time.Time, limit int) ([]Event, error) {
	return s.find(ctx, since, limit, "operation = ?", string(op))
}

func (s *GormStore) Failures(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	return s.find(ctx, since, limit, "status = ?", string(StatusFailure))
}

func (s *GormStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&models.AuditEvent{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge audit events: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) find(ctx context.Context, since time.Time, limit int, cond string, arg interface{}) ([]Event, error) {
	var rows []models.AuditEvent
	err := s.db.WithContext(ctx).
		Where(cond, arg).
		Where("timestamp >= ?", since).
		Order("timestamp DESC").
		Limit(clampLimit(limit)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("audit query failed: %w", err)
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		ev := Event{
			Operation: Operation(row.Operation),
			Identity:  row.Identity,
			AssetID:   row.AssetID,
			Status:    Status(row.Status),
			Severity:  Severity(row.Severity),
			Timestamp: row.Timestamp,
		}
		if row.Details != "" {
			if err := json.Unmarshal([]byte(row.Details), &ev.Details); err != nil {
				return nil, fmt.Errorf("corrupt audit details for event %d: %w", row.ID, err)
			}
		}
		events = append(events, ev)
	}
	return events, nil
}
