// Package sqlite provides an embedded record store backed by SQLite via GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/JakeFAU/tm-status-tracker/internal/storage"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

type snapshotRow struct {
	ID        uint      `gorm:"primaryKey"`
	RecordKey string    `gorm:"index:idx_snapshot_key_time,priority:1;not null"`
	Name      string    `gorm:"index:idx_snapshot_name_category,priority:1"`
	Category  string    `gorm:"index:idx_snapshot_name_category,priority:2"`
	Status    string    `gorm:"not null"`
	FetchedAt time.Time `gorm:"index:idx_snapshot_key_time,priority:2;not null"`
}

func (snapshotRow) TableName() string { return "record_snapshots" }

type failureRow struct {
	ID        uint   `gorm:"primaryKey"`
	RecordKey string `gorm:"index"`
	Name      string
	Category  string
	Reason    string `gorm:"not null"`
	Detail    string
	FailedAt  time.Time `gorm:"not null"`
}

func (failureRow) TableName() string { return "record_failures" }

// RecordStore implements tracker.RecordStore using GORM.
type RecordStore struct {
	db *gorm.DB
}

// Open connects to the SQLite database at path and migrates the schema.
func Open(ctx context.Context, path string) (*RecordStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	sqlDB.SetMaxOpenConns(1)

	store := New(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// New wraps an existing GORM handle.
func New(db *gorm.DB) *RecordStore {
	return &RecordStore{db: db}
}

// Migrate creates the necessary tables and indexes.
func (s *RecordStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&snapshotRow{}, &failureRow{}); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *RecordStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// AppendSnapshot inserts a snapshot row.
func (s *RecordStore) AppendSnapshot(ctx context.Context, snap tracker.Snapshot) error {
	if snap.Key == "" {
		return fmt.Errorf("snapshot key is required")
	}
	row := snapshotRow{
		RecordKey: snap.Key,
		Name:      snap.Name,
		Category:  snap.Category,
		Status:    snap.Status,
		FetchedAt: snap.Timestamp.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// AppendFailure inserts a failure row.
func (s *RecordStore) AppendFailure(ctx context.Context, f tracker.FailureRecord) error {
	row := failureRow{
		RecordKey: f.Key,
		Name:      f.Name,
		Category:  f.Category,
		Reason:    f.Reason,
		Detail:    f.Detail,
		FailedAt:  f.Timestamp.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot for target.
func (s *RecordStore) Latest(ctx context.Context, target tracker.Target) (tracker.Snapshot, error) {
	q := s.db.WithContext(ctx).Model(&snapshotRow{})
	if target.ByKey() {
		q = q.Where("record_key = ?", strings.TrimSpace(target.Key))
	} else {
		q = q.Where("lower(name) = lower(?) AND lower(category) = lower(?)",
			strings.TrimSpace(target.Name), strings.TrimSpace(target.Category))
	}
	var row snapshotRow
	err := q.Order("fetched_at DESC").Order("id DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return tracker.Snapshot{}, fmt.Errorf("record %s: %w", target, tracker.ErrNotFound)
	}
	if err != nil {
		return tracker.Snapshot{}, fmt.Errorf("query latest snapshot: %w", err)
	}
	return row.snapshot(), nil
}

// ListCurrent returns the newest snapshot per key, newest first.
func (s *RecordStore) ListCurrent(ctx context.Context) ([]tracker.Snapshot, error) {
	var rows []snapshotRow
	latest := s.db.Model(&snapshotRow{}).
		Select("record_key, MAX(fetched_at) AS max_fetched").
		Group("record_key")
	err := s.db.WithContext(ctx).
		Table("record_snapshots AS s").
		Select("s.*").
		Joins("JOIN (?) AS l ON s.record_key = l.record_key AND s.fetched_at = l.max_fetched", latest).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query current records: %w", err)
	}
	snaps := make([]tracker.Snapshot, 0, len(rows))
	for _, r := range rows {
		snaps = append(snaps, r.snapshot())
	}
	return storage.LatestPerKey(snaps), nil
}

// Search returns a filtered page of current records.
func (s *RecordStore) Search(ctx context.Context, filter tracker.RecordFilter) (tracker.RecordPage, error) {
	current, err := s.ListCurrent(ctx)
	if err != nil {
		return tracker.RecordPage{}, err
	}
	return storage.Paginate(current, filter), nil
}

// History returns the merged snapshot and failure history for key.
func (s *RecordStore) History(ctx context.Context, key string) ([]tracker.HistoryEntry, error) {
	var snapRows []snapshotRow
	if err := s.db.WithContext(ctx).Where("record_key = ?", key).Find(&snapRows).Error; err != nil {
		return nil, fmt.Errorf("query snapshot history: %w", err)
	}
	failures, err := s.failures(ctx, "record_key = ?", key)
	if err != nil {
		return nil, err
	}
	if len(snapRows) == 0 && len(failures) == 0 {
		return nil, fmt.Errorf("record %s: %w", key, tracker.ErrNotFound)
	}
	snaps := make([]tracker.Snapshot, 0, len(snapRows))
	for _, r := range snapRows {
		snaps = append(snaps, r.snapshot())
	}
	return storage.MergeHistory(snaps, failures), nil
}

// TrackedTargets lists every key with a snapshot or a failure.
func (s *RecordStore) TrackedTargets(ctx context.Context) ([]tracker.Target, error) {
	current, err := s.ListCurrent(ctx)
	if err != nil {
		return nil, err
	}
	failures, err := s.failures(ctx, "record_key <> ''")
	if err != nil {
		return nil, err
	}
	return storage.Tracked(current, failures), nil
}

// Delete removes every snapshot and failure for keys in one transaction.
func (s *RecordStore) Delete(ctx context.Context, keys []string) (tracker.DeleteResult, error) {
	var res tracker.DeleteResult
	if len(keys) == 0 {
		return res, nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snaps := tx.Where("record_key IN ?", keys).Delete(&snapshotRow{})
		if snaps.Error != nil {
			return snaps.Error
		}
		failures := tx.Where("record_key IN ?", keys).Delete(&failureRow{})
		if failures.Error != nil {
			return failures.Error
		}
		res.Snapshots = snaps.RowsAffected
		res.Failures = failures.RowsAffected
		return nil
	})
	if err != nil {
		return tracker.DeleteResult{}, fmt.Errorf("delete records: %w", err)
	}
	return res, nil
}

// Ping checks that the database answers.
func (s *RecordStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

func (s *RecordStore) failures(ctx context.Context, where string, args ...any) ([]tracker.FailureRecord, error) {
	var rows []failureRow
	if err := s.db.WithContext(ctx).Where(where, args...).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	out := make([]tracker.FailureRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, tracker.FailureRecord{
			Key:       r.RecordKey,
			Name:      r.Name,
			Category:  r.Category,
			Reason:    r.Reason,
			Detail:    r.Detail,
			Timestamp: r.FailedAt,
		})
	}
	return out, nil
}

func (r snapshotRow) snapshot() tracker.Snapshot {
	return tracker.Snapshot{
		Key:       r.RecordKey,
		Name:      r.Name,
		Category:  r.Category,
		Status:    r.Status,
		Timestamp: r.FetchedAt,
	}
}
