package queue

import (
	"path/filepath"
	"testing"

	githubsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signet-test.db")
	db, err := gorm.Open(githubsqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&SubmissionRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(openTestDatabase(t))
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func mustSubjectID(t *testing.T, value string) SubjectID {
	t.Helper()
	id, err := NewSubjectID(value)
	if err != nil {
		t.Fatalf("unexpected subject id error: %v", err)
	}
	return id
}

func mustRecordID(t *testing.T, value string) RecordID {
	t.Helper()
	id, err := NewRecordID(value)
	if err != nil {
		t.Fatalf("unexpected record id error: %v", err)
	}
	return id
}

func mustStatus(t *testing.T, value string) SyncStatus {
	t.Helper()
	status, err := ParseSyncStatus(value)
	if err != nil {
		t.Fatalf("unexpected status error: %v", err)
	}
	return status
}
