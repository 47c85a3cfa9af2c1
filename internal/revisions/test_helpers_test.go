package revisions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/sibyllinesoft/arbiter-sub005/internal/projects"
	"gorm.io/gorm"
)

const testProjectID = "project-1"

type sequenceIDGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%03d", g.prefix, g.next), nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

type testFixture struct {
	service *Service
	db      *gorm.DB
	clock   *testClock
}

func newTestFixture(t *testing.T) testFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:revisions_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
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
	if err := db.AutoMigrate(&projects.Project{}, &Fragment{}, &FragmentRevision{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	registry, err := projects.NewRegistry(projects.RegistryConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	if _, err := registry.Create(context.Background(), testProjectID, "Test project"); err != nil {
		t.Fatalf("failed to seed project: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Projects:   registry,
		Clock:      clock.Now,
		IDProvider: &sequenceIDGenerator{prefix: "rev"},
	})
	if err != nil {
		t.Fatalf("failed to construct revisions service: %v", err)
	}
	return testFixture{service: service, db: db, clock: clock}
}

func mustCreateFragment(t *testing.T, service *Service, id, path, content string) Fragment {
	t.Helper()
	fragment, err := service.CreateFragment(context.Background(), CreateFragmentRequest{
		ID:        id,
		ProjectID: testProjectID,
		Path:      path,
		Content:   content,
	})
	if err != nil {
		t.Fatalf("failed to create fragment %s: %v", path, err)
	}
	return fragment
}

func mustUpdateFragment(t *testing.T, service *Service, path, content string) FragmentUpdate {
	t.Helper()
	update, err := service.UpdateFragment(context.Background(), UpdateFragmentRequest{
		ProjectID: testProjectID,
		Path:      path,
		Content:   content,
	})
	if err != nil {
		t.Fatalf("failed to update fragment %s: %v", path, err)
	}
	return update
}

func countRevisions(t *testing.T, db *gorm.DB, fragmentID string) int64 {
	t.Helper()
	var count int64
	if err := db.Model(&FragmentRevision{}).Where("fragment_id = ?", fragmentID).Count(&count).Error; err != nil {
		t.Fatalf("failed to count revisions: %v", err)
	}
	return count
}

func stringPointer(value string) *string {
	return &value
}
