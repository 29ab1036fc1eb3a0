package queue

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRecordID indicates that a record identifier is empty or exceeds storage bounds.
	ErrInvalidRecordID = errors.New("queue: invalid record id")
	// ErrInvalidSubjectID indicates that a subject identifier is empty or exceeds storage bounds.
	ErrInvalidSubjectID = errors.New("queue: invalid subject id")
	// ErrInvalidSyncStatus indicates an unknown sync status value.
	ErrInvalidSyncStatus = errors.New("queue: invalid sync status")
	// ErrInvalidTimestamp indicates that a unix timestamp value is not positive.
	ErrInvalidTimestamp = errors.New("queue: invalid unix timestamp")
)

// SyncStatus enumerates the reconciliation states of a submission record.
type SyncStatus string

const (
	// SyncStatusPending marks a record captured locally and not yet attempted.
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSyncing marks a record whose remote write is in flight.
	SyncStatusSyncing SyncStatus = "syncing"
	// SyncStatusSynced marks a record whose remote write succeeded. Terminal.
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusFailed marks a record whose most recent remote write failed.
	SyncStatusFailed SyncStatus = "failed"
)

// ParseSyncStatus validates a raw status value.
func ParseSyncStatus(rawInput string) (SyncStatus, error) {
	switch SyncStatus(strings.ToLower(strings.TrimSpace(rawInput))) {
	case SyncStatusPending:
		return SyncStatusPending, nil
	case SyncStatusSyncing:
		return SyncStatusSyncing, nil
	case SyncStatusSynced:
		return SyncStatusSynced, nil
	case SyncStatusFailed:
		return SyncStatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSyncStatus, rawInput)
	}
}

// String returns the underlying status value.
func (s SyncStatus) String() string {
	return string(s)
}

// RecordID represents a validated submission record identifier.
type RecordID string

// NewRecordID validates raw input and returns a RecordID.
func NewRecordID(rawInput string) (RecordID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRecordID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRecordID, maxIdentifierLength)
	}
	return RecordID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RecordID) String() string {
	return string(id)
}

// SubjectID represents a validated remote subject identifier.
type SubjectID string

// NewSubjectID validates raw input and returns a SubjectID.
func NewSubjectID(rawInput string) (SubjectID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSubjectID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSubjectID, maxIdentifierLength)
	}
	return SubjectID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SubjectID) String() string {
	return string(id)
}

// UnixTimestamp represents a validated unix timestamp in seconds.
type UnixTimestamp int64

// NewUnixTimestamp validates the value and returns a UnixTimestamp.
func NewUnixTimestamp(value int64) (UnixTimestamp, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixTimestamp(value), nil
}

// Int64 exposes the raw unix seconds value.
func (ts UnixTimestamp) Int64() int64 {
	return int64(ts)
}

// SubmissionRecord models one offline-captured submission awaiting remote
// persistence. Payload and captured context are immutable after creation; the
// queue only ever rewrites the sync metadata columns.
type SubmissionRecord struct {
	RecordID             string     `gorm:"column:record_id;primaryKey;size:190;not null"`
	SubjectID            string     `gorm:"column:subject_id;size:190;not null;index:idx_submissions_subject"`
	PayloadJSON          string     `gorm:"column:payload_json;type:text;not null"`
	DevicePlatform       string     `gorm:"column:device_platform;size:190;not null;default:''"`
	Latitude             *float64   `gorm:"column:latitude"`
	Longitude            *float64   `gorm:"column:longitude"`
	AccuracyMeters       *float64   `gorm:"column:accuracy_m"`
	CreatedAtSeconds     int64      `gorm:"column:created_at_s;not null;index:idx_submissions_created"`
	SyncStatus           SyncStatus `gorm:"column:sync_status;size:32;not null;default:'pending';index:idx_submissions_status"`
	SyncAttempts         int        `gorm:"column:sync_attempts;not null;default:0"`
	LastAttemptAtSeconds int64      `gorm:"column:last_attempt_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SubmissionRecord) TableName() string {
	return "submission_records"
}
