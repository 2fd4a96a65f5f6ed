package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/BaSui01/swarmflow/types"
)

// deadLetterRecord is the gorm model backing GormStore.
type deadLetterRecord struct {
	TaskID       string    `gorm:"primaryKey;column:task_id"`
	WorkflowID   string    `gorm:"index;column:workflow_id"`
	Reason       string    `gorm:"column:reason"`
	AttemptCount int       `gorm:"column:attempt_count"`
	LastError    string    `gorm:"column:last_error"`
	RecordedAt   time.Time `gorm:"index;column:recorded_at"`
	TaskJSON     []byte    `gorm:"column:task_json"`
}

func (deadLetterRecord) TableName() string { return "dead_letters" }

// GormStore is a SQL-backed implementation of Store. Dead letters are the
// one record in the engine operators query directly, so they live in a
// plain relational table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store on an existing gorm connection and migrates
// the dead_letters table.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm store: db required")
	}
	if err := db.AutoMigrate(&deadLetterRecord{}); err != nil {
		return nil, fmt.Errorf("gorm store: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// NewSQLiteStore opens (or creates) a SQLite-backed store at path.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("gorm store: open sqlite %q: %w", path, err)
	}
	return NewGormStore(db)
}

// Record appends an entry.
func (s *GormStore) Record(ctx context.Context, entry types.DeadLetterEntry) error {
	taskJSON, err := json.Marshal(entry.Task)
	if err != nil {
		return fmt.Errorf("gorm store: marshal task: %w", err)
	}

	rec := deadLetterRecord{
		TaskID:       entry.TaskID,
		WorkflowID:   entry.WorkflowID,
		Reason:       entry.Reason,
		AttemptCount: entry.AttemptCount,
		LastError:    entry.LastError,
		RecordedAt:   entry.RecordedAt,
		TaskJSON:     taskJSON,
	}

	err = s.db.WithContext(ctx).Create(&rec).Error
	if err != nil && (errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err)) {
		return ErrAlreadyExists
	}
	return err
}

// Get retrieves the entry for a task.
func (s *GormStore) Get(ctx context.Context, taskID string) (types.DeadLetterEntry, error) {
	var rec deadLetterRecord
	err := s.db.WithContext(ctx).First(&rec, "task_id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.DeadLetterEntry{}, ErrNotFound
	}
	if err != nil {
		return types.DeadLetterEntry{}, err
	}
	return rec.toEntry()
}

// List returns entries matching the filter, newest first.
func (s *GormStore) List(ctx context.Context, filter Filter) ([]types.DeadLetterEntry, error) {
	q := s.db.WithContext(ctx).Model(&deadLetterRecord{}).Order("recorded_at DESC")
	if filter.WorkflowID != "" {
		q = q.Where("workflow_id = ?", filter.WorkflowID)
	}
	if !filter.Since.IsZero() {
		q = q.Where("recorded_at >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var recs []deadLetterRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}

	entries := make([]types.DeadLetterEntry, 0, len(recs))
	for _, rec := range recs {
		entry, err := rec.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Requeue removes the entry and returns its task for re-dispatch.
func (s *GormStore) Requeue(ctx context.Context, taskID string) (types.Task, error) {
	var task types.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec deadLetterRecord
		if err := tx.First(&rec, "task_id = ?", taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		entry, err := rec.toEntry()
		if err != nil {
			return err
		}
		task = entry.Task
		task.AttemptCount = 0
		return tx.Delete(&deadLetterRecord{}, "task_id = ?", taskID).Error
	})
	if err != nil {
		return types.Task{}, err
	}
	return task, nil
}

// Count returns the number of stored entries.
func (s *GormStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&deadLetterRecord{}).Count(&count).Error
	return count, err
}

// Ping checks if the store is healthy.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r deadLetterRecord) toEntry() (types.DeadLetterEntry, error) {
	entry := types.DeadLetterEntry{
		TaskID:       r.TaskID,
		WorkflowID:   r.WorkflowID,
		Reason:       r.Reason,
		AttemptCount: r.AttemptCount,
		LastError:    r.LastError,
		RecordedAt:   r.RecordedAt,
	}
	if len(r.TaskJSON) > 0 {
		if err := json.Unmarshal(r.TaskJSON, &entry.Task); err != nil {
			return entry, fmt.Errorf("gorm store: unmarshal task %q: %w", r.TaskID, err)
		}
	}
	return entry, nil
}

// isUniqueViolation matches the sqlite unique-constraint error text, which
// gorm does not always translate to ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
