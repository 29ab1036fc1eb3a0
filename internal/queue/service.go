package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/presswise/signet/internal/events"
	"go.uber.org/zap"
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingPayload    = errors.New("payload is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew    = "queue.service.new"
	opSaveOffline   = "queue.save_offline"
	opListRecords   = "queue.list_records"
	opStatusSummary = "queue.status_summary"
	opCleanup       = "queue.cleanup"
)

const defaultLocationTimeout = 800 * time.Millisecond

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the stable error code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues unique record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Location is a best-effort position fix captured at save time.
type Location struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
}

// LocationProvider supplies an optional position fix. Implementations should
// honor context cancellation; the service bounds each lookup with a timeout
// so a slow provider can never delay record creation indefinitely.
type LocationProvider interface {
	Locate(ctx context.Context) (Location, bool)
}

// DeviceRegistrar records originating device platforms. Failures are
// tolerated: registration is bookkeeping, not part of the durability path.
type DeviceRegistrar interface {
	Register(ctx context.Context, platform string) error
}

// ConnectivitySource reports whether the remote endpoint is reachable.
type ConnectivitySource interface {
	Online() bool
}

// SweepState reports whether a sync sweep is currently running.
type SweepState interface {
	InProgress() bool
}

// ServiceConfig describes the dependencies of the queue service. Store and
// IDProvider are required; everything else degrades to a no-op.
type ServiceConfig struct {
	Store           *Store
	Clock           func() time.Time
	IDProvider      IDProvider
	Events          *events.Bus
	Location        LocationProvider
	LocationTimeout time.Duration
	Devices         DeviceRegistrar
	Connectivity    ConnectivitySource
	SweepState      SweepState
	Logger          *zap.Logger
}

// Service is the caller-facing API of the submission queue: durable capture,
// listing, status summary, and retention cleanup. Sync itself is driven by
// the sync engine, which shares the same store.
type Service struct {
	store           *Store
	clock           func() time.Time
	idProvider      IDProvider
	events          *events.Bus
	location        LocationProvider
	locationTimeout time.Duration
	devices         DeviceRegistrar
	connectivity    ConnectivitySource
	sweepState      SweepState
	logger          *zap.Logger
}

// NewService validates the configuration and constructs the queue service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	locationTimeout := cfg.LocationTimeout
	if locationTimeout <= 0 {
		locationTimeout = defaultLocationTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:           cfg.Store,
		clock:           clock,
		idProvider:      cfg.IDProvider,
		events:          cfg.Events,
		location:        cfg.Location,
		locationTimeout: locationTimeout,
		devices:         cfg.Devices,
		connectivity:    cfg.Connectivity,
		sweepState:      cfg.SweepState,
		logger:          logger,
	}, nil
}

// SaveRequest describes one submission to capture. Coordinates are optional;
// when the caller supplies both latitude and longitude they win over the
// location provider lookup.
type SaveRequest struct {
	SubjectID      SubjectID
	PayloadJSON    string
	DevicePlatform string
	Latitude       *float64
	Longitude      *float64
	AccuracyMeters *float64
}

// SaveOffline durably captures a submission record in pending state. It
// succeeds whether or not the remote endpoint is reachable and fails only on
// invalid input or local storage failure. Location capture is best-effort and
// bounded: a denied or slow provider never blocks the save.
func (s *Service) SaveOffline(ctx context.Context, request SaveRequest) (RecordID, error) {
	if request.SubjectID.String() == "" {
		s.logError(opSaveOffline, "missing_subject_id", ErrInvalidSubjectID)
		return "", newServiceError(opSaveOffline, "missing_subject_id", ErrInvalidSubjectID)
	}
	if request.PayloadJSON == "" {
		s.logError(opSaveOffline, "missing_payload", errMissingPayload,
			zap.String("subject_id", request.SubjectID.String()))
		return "", newServiceError(opSaveOffline, "missing_payload", errMissingPayload)
	}

	rawID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSaveOffline, "id_generation_failed", err,
			zap.String("subject_id", request.SubjectID.String()))
		return "", newServiceError(opSaveOffline, "id_generation_failed", err)
	}
	recordID, err := NewRecordID(rawID)
	if err != nil {
		s.logError(opSaveOffline, "id_invalid", err)
		return "", newServiceError(opSaveOffline, "id_invalid", err)
	}

	record := SubmissionRecord{
		RecordID:         recordID.String(),
		SubjectID:        request.SubjectID.String(),
		PayloadJSON:      request.PayloadJSON,
		DevicePlatform:   request.DevicePlatform,
		CreatedAtSeconds: s.clock().UTC().Unix(),
		SyncStatus:       SyncStatusPending,
	}

	if request.Latitude != nil && request.Longitude != nil {
		record.Latitude = request.Latitude
		record.Longitude = request.Longitude
		record.AccuracyMeters = request.AccuracyMeters
	} else if location, ok := s.captureLocation(ctx); ok {
		record.Latitude = pointerTo(location.Latitude)
		record.Longitude = pointerTo(location.Longitude)
		record.AccuracyMeters = pointerTo(location.AccuracyMeters)
	}

	s.registerDevice(ctx, request.DevicePlatform)

	if err := s.store.Put(ctx, record); err != nil {
		s.logError(opSaveOffline, "store_put_failed", err,
			zap.String("subject_id", request.SubjectID.String()))
		return "", newServiceError(opSaveOffline, "store_put_failed", err)
	}

	s.publish(events.Event{
		Type:      events.TypeRecordSaved,
		RecordID:  record.RecordID,
		SubjectID: record.SubjectID,
		Timestamp: s.clock().UTC(),
	})

	return recordID, nil
}

// List returns every submission record, newest first.
func (s *Service) List(ctx context.Context) ([]SubmissionRecord, error) {
	records, err := s.store.GetAll(ctx)
	if err != nil {
		s.logError(opListRecords, "query_failed", err)
		return nil, newServiceError(opListRecords, "query_failed", err)
	}
	return records, nil
}

// StatusSummary reflects the queue's state as of the last completed store
// read plus the live connectivity and sweep flags.
type StatusSummary struct {
	Online               bool
	SyncInProgress       bool
	PendingCount         int64
	SyncingCount         int64
	SyncedCount          int64
	FailedCount          int64
	LastAttemptAtSeconds int64
}

// StatusSummary returns record counts by status alongside connectivity and
// sweep state.
func (s *Service) StatusSummary(ctx context.Context) (StatusSummary, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		s.logError(opStatusSummary, "count_failed", err)
		return StatusSummary{}, newServiceError(opStatusSummary, "count_failed", err)
	}

	lastAttempt, err := s.store.LastAttemptAtSeconds(ctx)
	if err != nil {
		s.logError(opStatusSummary, "last_attempt_failed", err)
		return StatusSummary{}, newServiceError(opStatusSummary, "last_attempt_failed", err)
	}

	summary := StatusSummary{
		PendingCount:         counts[SyncStatusPending],
		SyncingCount:         counts[SyncStatusSyncing],
		SyncedCount:          counts[SyncStatusSynced],
		FailedCount:          counts[SyncStatusFailed],
		LastAttemptAtSeconds: lastAttempt,
	}
	if s.connectivity != nil {
		summary.Online = s.connectivity.Online()
	}
	if s.sweepState != nil {
		summary.SyncInProgress = s.sweepState.InProgress()
	}
	return summary, nil
}

// Cleanup deletes synced records older than the retention window and returns
// the number removed. Pending, syncing, and failed records are never deleted
// regardless of age: losing unsynced work is strictly disallowed.
func (s *Service) Cleanup(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep < 0 {
		daysToKeep = 0
	}
	cutoff := s.clock().UTC().AddDate(0, 0, -daysToKeep).Unix()
	deleted, err := s.store.DeleteSyncedBefore(ctx, cutoff)
	if err != nil {
		s.logError(opCleanup, "delete_failed", err, zap.Int("days_to_keep", daysToKeep))
		return 0, newServiceError(opCleanup, "delete_failed", err)
	}
	if deleted > 0 {
		s.logger.Info("retention cleanup removed synced records",
			zap.Int64("deleted", deleted),
			zap.Int("days_to_keep", daysToKeep))
	}
	return deleted, nil
}

func (s *Service) captureLocation(ctx context.Context) (Location, bool) {
	if s.location == nil {
		return Location{}, false
	}
	locateCtx, cancel := context.WithTimeout(ctx, s.locationTimeout)
	defer cancel()
	return s.location.Locate(locateCtx)
}

func (s *Service) registerDevice(ctx context.Context, platform string) {
	if s.devices == nil || platform == "" {
		return
	}
	if err := s.devices.Register(ctx, platform); err != nil {
		s.logger.Warn("device registration failed",
			zap.String("platform", platform),
			zap.Error(err))
	}
}

func (s *Service) publish(event events.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(event)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("queue service error", attrs...)
}

func pointerTo(value float64) *float64 {
	v := value
	return &v
}
