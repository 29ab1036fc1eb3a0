package queue

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrStorageUnavailable wraps every local store failure so callers can
	// degrade instead of crashing. It is not retried automatically.
	ErrStorageUnavailable = errors.New("queue: storage unavailable")
	// ErrRecordNotFound indicates the requested record does not exist.
	ErrRecordNotFound = errors.New("queue: record not found")
)

// Store persists submission records in the local SQLite database. Every
// operation is a single-record atomic write; durability is provided by the
// synchronous commit of the underlying database.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a Store over an open database handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: database handle is required", ErrStorageUnavailable)
	}
	return &Store{db: db}, nil
}

// Put inserts a new record or overwrites an existing one by record id.
func (s *Store) Put(ctx context.Context, record SubmissionRecord) error {
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// Get returns a single record by id.
func (s *Store) Get(ctx context.Context, id RecordID) (SubmissionRecord, error) {
	var record SubmissionRecord
	err := s.db.WithContext(ctx).
		Where("record_id = ?", id.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SubmissionRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id.String())
	}
	if err != nil {
		return SubmissionRecord{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return record, nil
}

// GetAll returns every record, newest first.
func (s *Store) GetAll(ctx context.Context) ([]SubmissionRecord, error) {
	var records []SubmissionRecord
	if err := s.db.WithContext(ctx).
		Order("created_at_s DESC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return records, nil
}

// GetByStatus returns all records with the given sync status using the
// status index.
func (s *Store) GetByStatus(ctx context.Context, status SyncStatus) ([]SubmissionRecord, error) {
	var records []SubmissionRecord
	if err := s.db.WithContext(ctx).
		Where("sync_status = ?", status.String()).
		Order("created_at_s ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return records, nil
}

// ListEligible returns the records an automatic sweep should attempt: pending
// records, records left syncing by an interrupted process, and failed records
// under the attempt cap. Ordered by creation time so multiple records for the
// same subject apply in creation order.
func (s *Store) ListEligible(ctx context.Context, maxAttempts int) ([]SubmissionRecord, error) {
	var records []SubmissionRecord
	if err := s.db.WithContext(ctx).
		Where("sync_status IN ? OR (sync_status = ? AND sync_attempts < ?)",
			[]string{SyncStatusPending.String(), SyncStatusSyncing.String()},
			SyncStatusFailed.String(), maxAttempts).
		Order("created_at_s ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return records, nil
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *Store) Delete(ctx context.Context, id RecordID) error {
	if err := s.db.WithContext(ctx).
		Where("record_id = ?", id.String()).
		Delete(&SubmissionRecord{}).Error; err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// CountByStatus returns record counts grouped by sync status.
func (s *Store) CountByStatus(ctx context.Context) (map[SyncStatus]int64, error) {
	type statusCount struct {
		SyncStatus string `gorm:"column:sync_status"`
		Total      int64  `gorm:"column:total"`
	}

	var rows []statusCount
	if err := s.db.WithContext(ctx).
		Model(&SubmissionRecord{}).
		Select("sync_status, COUNT(*) AS total").
		Group("sync_status").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	counts := make(map[SyncStatus]int64, len(rows))
	for _, row := range rows {
		counts[SyncStatus(row.SyncStatus)] = row.Total
	}
	return counts, nil
}

// LastAttemptAtSeconds returns the most recent sync attempt timestamp across
// all records, or zero when no attempt has been made.
func (s *Store) LastAttemptAtSeconds(ctx context.Context) (int64, error) {
	var latest *int64
	if err := s.db.WithContext(ctx).
		Model(&SubmissionRecord{}).
		Select("MAX(last_attempt_at_s)").
		Scan(&latest).Error; err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if latest == nil {
		return 0, nil
	}
	return *latest, nil
}

// DeleteSyncedBefore removes synced records created before the cutoff and
// returns the number deleted. Records in any other status are never touched
// regardless of age.
func (s *Store) DeleteSyncedBefore(ctx context.Context, cutoffSeconds int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("sync_status = ? AND created_at_s < ?", SyncStatusSynced.String(), cutoffSeconds).
		Delete(&SubmissionRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageUnavailable, result.Error)
	}
	return result.RowsAffected, nil
}
