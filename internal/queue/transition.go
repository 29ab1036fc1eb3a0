package queue

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition indicates a sync status edge the state machine forbids.
var ErrInvalidTransition = errors.New("queue: invalid sync status transition")

// ResolveTransition applies a sync status transition to a record and returns
// the updated copy. The legal edges are:
//
//	pending -> syncing
//	syncing -> syncing   (re-attempt of a record left in flight by a crash)
//	syncing -> synced
//	syncing -> failed
//	failed  -> syncing
//
// synced is terminal. Entering syncing stamps the attempt time; entering
// failed increments the attempt counter. The attempt counter never decreases.
func ResolveTransition(record SubmissionRecord, next SyncStatus, attemptAt time.Time) (SubmissionRecord, error) {
	current := record.SyncStatus

	allowed := false
	switch next {
	case SyncStatusSyncing:
		allowed = current == SyncStatusPending || current == SyncStatusFailed || current == SyncStatusSyncing
	case SyncStatusSynced, SyncStatusFailed:
		allowed = current == SyncStatusSyncing
	case SyncStatusPending:
		allowed = false
	}

	if !allowed {
		return record, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	updated := record
	updated.SyncStatus = next

	switch next {
	case SyncStatusSyncing:
		updated.LastAttemptAtSeconds = attemptAt.UTC().Unix()
	case SyncStatusFailed:
		updated.SyncAttempts = record.SyncAttempts + 1
	}

	return updated, nil
}

// EligibleForSweep reports whether a record should be included in an
// automatic sync sweep. Records left in syncing by an interrupted process are
// retryable; failed records at or past the attempt cap are excluded and only
// reachable through a forced sync.
func EligibleForSweep(record SubmissionRecord, maxAttempts int) bool {
	switch record.SyncStatus {
	case SyncStatusPending, SyncStatusSyncing:
		return true
	case SyncStatusFailed:
		return record.SyncAttempts < maxAttempts
	default:
		return false
	}
}
