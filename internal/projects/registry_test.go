package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/sibyllinesoft/arbiter-sub005/internal/store"
	"gorm.io/gorm"
)

func newTestRegistry(t *testing.T) (*Registry, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:projects_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Project{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	registry, err := NewRegistry(RegistryConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	return registry, db
}

func TestRegistryCreateAndGet(t *testing.T) {
	registry, _ := newTestRegistry(t)

	created, err := registry.Create(context.Background(), " proj-1 ", "Billing service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.ID != "proj-1" {
		t.Fatalf("expected trimmed id, got %q", created.ID)
	}
	if created.EventHeadID != nil {
		t.Fatalf("expected new project to have no head")
	}

	loaded, err := registry.Get(context.Background(), "proj-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded == nil || loaded.Name != "Billing service" {
		t.Fatalf("unexpected project %#v", loaded)
	}

	missing, err := registry.Get(context.Background(), "proj-404")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for missing project")
	}
}

func TestRegistryCreateRejectsDuplicate(t *testing.T) {
	registry, _ := newTestRegistry(t)

	if _, err := registry.Create(context.Background(), "proj-1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := registry.Create(context.Background(), "proj-1", "")
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if store.CodeOf(err) != "projects.create.duplicate_id" {
		t.Fatalf("unexpected code %q", store.CodeOf(err))
	}
}

func TestRegistryHeadRoundTrip(t *testing.T) {
	registry, db := newTestRegistry(t)
	if _, err := registry.Create(context.Background(), "proj-1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	eventID := "evt-1"
	if err := registry.SetHead(db, "proj-1", &eventID); err != nil {
		t.Fatalf("set head failed: %v", err)
	}
	head, err := registry.LockHead(db, "proj-1")
	if err != nil {
		t.Fatalf("lock head failed: %v", err)
	}
	if head == nil || *head != eventID {
		t.Fatalf("expected head %q, got %v", eventID, head)
	}

	if err := registry.SetHead(db, "proj-1", nil); err != nil {
		t.Fatalf("clear head failed: %v", err)
	}
	head, err = registry.LockHead(db, "proj-1")
	if err != nil {
		t.Fatalf("lock head failed: %v", err)
	}
	if head != nil {
		t.Fatalf("expected cleared head, got %q", *head)
	}
}

func TestRegistryMissingProject(t *testing.T) {
	registry, db := newTestRegistry(t)

	exists, err := registry.Exists(db, "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists {
		t.Fatalf("expected ghost project to be absent")
	}
	if _, err := registry.LockHead(db, "ghost"); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
	if err := registry.SetHead(db, "ghost", nil); !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}
