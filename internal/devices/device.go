package devices

import (
	"strings"
	"time"
)

// Device captures an originating platform seen in save requests. The registry
// is bookkeeping for operators; it never participates in the durability path.
type Device struct {
	Platform    string    `gorm:"column:platform;primaryKey;size:190;not null"`
	FirstSeenAt time.Time `gorm:"column:first_seen_at;autoCreateTime"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	SaveCount   int64     `gorm:"column:save_count;not null;default:0"`
}

// TableName exposes the table backing the device registry.
func (Device) TableName() string {
	return "devices"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
