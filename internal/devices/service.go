package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidPlatform indicates an empty platform string.
var ErrInvalidPlatform = errors.New("devices: invalid platform")

// ServiceConfig describes the dependencies required for the device registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service upserts originating-device rows keyed by platform string.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the device registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Register records a save from the given platform, creating the row on first
// sight and bumping last-seen and the save counter afterwards.
func (s *Service) Register(ctx context.Context, platform string) error {
	trimmed := normalize(platform)
	if trimmed == "" {
		return ErrInvalidPlatform
	}

	seenAt := s.now().UTC()
	device := Device{
		Platform:    trimmed,
		FirstSeenAt: seenAt,
		LastSeenAt:  seenAt,
		SaveCount:   1,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "platform"}},
			DoUpdates: clause.Assignments(map[string]any{
				"last_seen_at": seenAt,
				"save_count":   gorm.Expr("save_count + 1"),
			}),
		}).
		Create(&device).Error
}

// List returns all known devices, most recently seen first.
func (s *Service) List(ctx context.Context) ([]Device, error) {
	var all []Device
	if err := s.db.WithContext(ctx).
		Order("last_seen_at DESC").
		Find(&all).Error; err != nil {
		return nil, err
	}
	return all, nil
}
