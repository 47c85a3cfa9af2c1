package events

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/sibyllinesoft/arbiter-sub005/internal/projects"
	"github.com/sibyllinesoft/arbiter-sub005/internal/store"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testProjectID  = "project-1"
	otherProjectID = "project-2"
)

var baseTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type ledgerFixture struct {
	service  *Service
	registry *projects.Registry
	db       *gorm.DB
}

func newLedgerFixture(t *testing.T) ledgerFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:events_%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&projects.Project{}, &Event{}))

	clock := &testClock{now: baseTime.Add(time.Hour)}
	registry, err := projects.NewRegistry(projects.RegistryConfig{Database: db, Clock: clock.Now})
	require.NoError(t, err)
	for _, id := range []string{testProjectID, otherProjectID} {
		_, err := registry.Create(context.Background(), id, id)
		require.NoError(t, err)
	}

	service, err := NewService(ServiceConfig{Database: db, Projects: registry, Clock: clock.Now})
	require.NoError(t, err)
	return ledgerFixture{service: service, registry: registry, db: db}
}

func at(seconds int) time.Time {
	return baseTime.Add(time.Duration(seconds) * time.Second)
}

func (f ledgerFixture) append(t *testing.T, projectID, id string, occurredAt time.Time) Event {
	t.Helper()
	event, err := f.service.CreateEvent(context.Background(), CreateEventRequest{
		ID:         id,
		ProjectID:  projectID,
		Type:       "fragment_updated",
		Payload:    map[string]any{"id": id},
		OccurredAt: occurredAt,
	})
	require.NoError(t, err)
	return event
}

func (f ledgerFixture) headID(t *testing.T) *string {
	t.Helper()
	project, err := f.registry.Get(context.Background(), testProjectID)
	require.NoError(t, err)
	require.NotNil(t, project)
	return project.EventHeadID
}

func (f ledgerFixture) requireHead(t *testing.T, expected string) {
	t.Helper()
	headID := f.headID(t)
	require.NotNil(t, headID, "expected head %s, got none", expected)
	require.Equal(t, expected, *headID)
}

func (f ledgerFixture) requireActive(t *testing.T, expected map[string]bool) {
	t.Helper()
	for id, active := range expected {
		event, err := f.service.GetEvent(context.Background(), testProjectID, id)
		require.NoError(t, err)
		require.NotNil(t, event, "event %s missing", id)
		require.Equal(t, active, event.IsActive, "event %s activation", id)
		if active {
			require.Nil(t, event.RevertedAtNanos, "event %s should not carry reverted_at", id)
		} else {
			require.NotNil(t, event.RevertedAtNanos, "event %s should carry reverted_at", id)
		}
	}
}

// seedTimeline appends e1, e2, e3 at t=1, 2, 3.
func (f ledgerFixture) seedTimeline(t *testing.T) {
	t.Helper()
	for index, id := range []string{"e1", "e2", "e3"} {
		f.append(t, testProjectID, id, at(index+1))
	}
}

func TestCreateEventPromotesNewerEvents(t *testing.T) {
	fixture := newLedgerFixture(t)

	first := fixture.append(t, testProjectID, "e1", at(1))
	require.True(t, first.IsActive)
	require.Equal(t, "fragment_updated", first.EventType)
	require.Equal(t, "e1", first.Data["id"])
	require.Equal(t, at(1), first.CreatedAt())
	fixture.requireHead(t, "e1")

	fixture.append(t, testProjectID, "e2", at(2))
	fixture.append(t, testProjectID, "e3", at(3))
	fixture.requireHead(t, "e3")

	head, err := fixture.service.GetProjectEventHead(context.Background(), testProjectID)
	require.NoError(t, err)
	require.NotNil(t, head)
	require.Equal(t, "e3", head.ID)
}

func TestCreateEventDefaultsToClockAndEmptyPayload(t *testing.T) {
	fixture := newLedgerFixture(t)

	event, err := fixture.service.CreateEvent(context.Background(), CreateEventRequest{
		ID:        "e1",
		ProjectID: testProjectID,
		Type:      "project_created",
	})
	require.NoError(t, err)
	require.NotNil(t, event.Data)
	require.Empty(t, event.Data)
	require.Equal(t, baseTime.Add(time.Hour), event.CreatedAt())
}

func TestCreateEventBackfillActivatesWithoutPromoting(t *testing.T) {
	fixture := newLedgerFixture(t)
	fixture.seedTimeline(t)

	backfilled := fixture.append(t, testProjectID, "e4", at(2).Add(500*time.Millisecond))
	require.True(t, backfilled.IsActive)
	fixture.requireHead(t, "e3")

	tie := fixture.append(t, testProjectID, "e5", at(3))
	require.True(t, tie.IsActive)
	fixture.requireHead(t, "e3")
}

func TestCreateEventRejectsInvalidRequests(t *testing.T) {
	fixture := newLedgerFixture(t)
	ctx := context.Background()

	_, err := fixture.service.CreateEvent(ctx, CreateEventRequest{ID: "e1", ProjectID: "missing", Type: "x"})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, err, projects.ErrProjectNotFound)

	_, err = fixture.service.CreateEvent(ctx, CreateEventRequest{ID: "e1", ProjectID: testProjectID, Type: "  "})
	require.ErrorIs(t, err, store.ErrValidation)
	require.ErrorIs(t, err, ErrInvalidEventType)

	_, err = fixture.service.CreateEvent(ctx, CreateEventRequest{ID: "", ProjectID: testProjectID, Type: "x"})
	require.ErrorIs(t, err, store.ErrValidation)

	fixture.append(t, testProjectID, "e1", at(1))
	_, err = fixture.service.CreateEvent(ctx, CreateEventRequest{ID: "e1", ProjectID: testProjectID, Type: "x"})
	require.ErrorIs(t, err, store.ErrConflict)
	require.ErrorIs(t, err, ErrDuplicateEventID)
	require.Equal(t, "events.create_event.duplicate_event_id", store.CodeOf(err))
	fixture.requireHead(t, "e1")
}

func TestSetEventHeadTravelsBackAndForward(t *testing.T) {
	fixture := newLedgerFixture(t)
	fixture.seedTimeline(t)
	ctx := context.Background()

	target := "e1"
	change, err := fixture.service.SetEventHead(ctx, testProjectID, &target)
	require.NoError(t, err)
	require.NotNil(t, change.Head)
	require.Equal(t, "e1", change.Head.ID)
	require.ElementsMatch(t, []string{"e2", "e3"}, change.DeactivatedIDs)
	require.Empty(t, change.ReactivatedIDs)
	fixture.requireHead(t, "e1")
	fixture.requireActive(t, map[string]bool{"e1": true, "e2": false, "e3": false})

	target = "e3"
	change, err = fixture.service.SetEventHead(ctx, testProjectID, &target)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"e2", "e3"}, change.ReactivatedIDs)
	require.Empty(t, change.DeactivatedIDs)
	fixture.requireHead(t, "e3")
	fixture.requireActive(t, map[string]bool{"e1": true, "e2": true, "e3": true})
}

func TestSetEventHeadNullClearsTimeline(t *testing.T) {
	fixture := newLedgerFixture(t)
	fixture.seedTimeline(t)
	ctx := context.Background()

	change, err := fixture.service.SetEventHead(ctx, testProjectID, nil)
	require.NoError(t, err)
	require.Nil(t, change.Head)
	require.ElementsMatch(t, []string{"e1", "e2", "e3"}, change.DeactivatedIDs)
	require.Nil(t, fixture.headID(t))
	fixture.requireActive(t, map[string]bool{"e1": false, "e2": false, "e3": false})

	head, err := fixture.service.GetProjectEventHead(ctx, testProjectID)
	require.NoError(t, err)
	require.Nil(t, head)

	// Without an explicit head the latest active event stands in.
	reactivated, err := fixture.service.ReactivateEvents(ctx, testProjectID, []string{"e1"})
	require.NoError(t, err)
	require.Equal(t, []string{"e1"}, reactivated)
	head, err = fixture.service.GetProjectEventHead(ctx, testProjectID)
	require.NoError(t, err)
	require.NotNil(t, head)
	require.Equal(t, "e1", head.ID)
	require.Nil(t, fixture.headID(t))
}

func TestSetEventHeadRejectsUnknownTargets(t *testing.T) {
	fixture := newLedgerFixture(t)
	fixture.seedTimeline(t)
	fixture.append(t, otherProjectID, "x1", at(5))
	ctx := context.Background()

	for _, target := range []string{"missing", "x1"} {
		id := target
		_, err := fixture.service.SetEventHead(ctx, testProjectID, &id)
		require.ErrorIs(t, err, store.ErrNotFound, "target %s", target)
		require.ErrorIs(t, err, ErrEventNotFound)
	}
	fixture.requireHead(t, "e3")
	fixture.requireActive(t, map[string]bool{"e1": true, "e2": true, "e3": true})

	_, err := fixture.service.SetEventHead(ctx, "missing", nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestInsertAfterTimeTravelOnlyActivatesNewEvent(t *testing.T) {
	fixture := newLedgerFixture(t)
	fixture.seedTimeline(t)
	ctx := context.Background()

	target := "e1"
	_, err := fixture.service.SetEventHead(ctx, testProjectID, &target)
	require.NoError(t, err)

	fixture.append(t, testProjectID, "e4", at(4))
	fixture.requireHead(t, "e4")
	fixture.requireActive(t, map[string]bool{"e1": true, "e2": false, "e3": false, "e4": true})

	// Rewinding again leaves the earlier inactive tail untouched by the backfill.
	target = "e1"
	_, err = fixture.service.SetEventHead(ctx, testProjectID, &target)
	require.NoError(t, err)
	fixture.append(t, testProjectID, "e0", at(0))
	fixture.requireHead(t, "e1")
	fixture.requireActive(t, map[string]bool{"e0": true, "e1": true, "e2": false, "e3": false, "e4": false})
}

func TestRevertEventsRecomputesHead(t *testing.T) {
	fixture := newLedgerFixture(t)
	fixture.seedTimeline(t)
	ctx := context.Background()

	result, err := fixture.service.RevertEvents(ctx, testProjectID, []string{"e3"})
	require.NoError(t, err)
	require.Equal(t, []string{"e3"}, result.RevertedIDs)
	require.NotNil(t, result.Head)
	require.Equal(t, "e2", result.Head.ID)
	fixture.requireHead(t, "e2")
	fixture.requireActive(t, map[string]bool{"e1": true, "e2": true, "e3": false})

	// Reverting an already inactive event is a no-op for that id.
	result, err = fixture.service.RevertEvents(ctx, testProjectID, []string{"e3", "e1", "e1"})
	require.NoError(t, err)
	require.Equal(t, []string{"e1"}, result.RevertedIDs)
	fixture.requireHead(t, "e2")

	result, err = fixture.service.RevertEvents(ctx, testProjectID, []string{"e2"})
	require.NoError(t, err)
	require.Nil(t, result.Head)
	require.Nil(t, fixture.headID(t))
}

func TestRevertEventsValidatesWholeBatchFirst(t *testing.T) {
	fixture := newLedgerFixture(t)
	fixture.seedTimeline(t)
	fixture.append(t, otherProjectID, "x1", at(4))
	ctx := context.Background()

	_, err := fixture.service.RevertEvents(ctx, testProjectID, []string{"e2", "missing"})
	require.ErrorIs(t, err, store.ErrValidation)
	require.ErrorIs(t, err, ErrInvalidEventIDs)
	require.Contains(t, err.Error(), "missing")

	_, err = fixture.service.RevertEvents(ctx, testProjectID, []string{"e3", "x1"})
	require.ErrorIs(t, err, store.ErrValidation)

	fixture.requireHead(t, "e3")
	fixture.requireActive(t, map[string]bool{"e1": true, "e2": true, "e3": true})

	_, err = fixture.service.RevertEvents(ctx, testProjectID, nil)
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = fixture.service.RevertEvents(ctx, "missing", []string{"e1"})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReactivateEventsLeavesHeadAlone(t *testing.T) {
	fixture := newLedgerFixture(t)
	fixture.seedTimeline(t)
	ctx := context.Background()

	_, err := fixture.service.RevertEvents(ctx, testProjectID, []string{"e3", "e2"})
	require.NoError(t, err)
	fixture.requireHead(t, "e1")

	reactivated, err := fixture.service.ReactivateEvents(ctx, testProjectID, []string{"e3", "e1"})
	require.NoError(t, err)
	require.Equal(t, []string{"e3"}, reactivated)
	fixture.requireHead(t, "e1")
	fixture.requireActive(t, map[string]bool{"e1": true, "e2": false, "e3": true})

	_, err = fixture.service.ReactivateEvents(ctx, testProjectID, []string{"e2", "nope"})
	require.ErrorIs(t, err, store.ErrValidation)
	fixture.requireActive(t, map[string]bool{"e2": false})

	_, err = fixture.service.ReactivateEvents(ctx, testProjectID, []string{})
	require.ErrorIs(t, err, store.ErrValidation)
}

func TestListEventsFiltersAndOrders(t *testing.T) {
	fixture := newLedgerFixture(t)
	fixture.seedTimeline(t)
	fixture.append(t, otherProjectID, "x1", at(9))
	ctx := context.Background()

	_, err := fixture.service.RevertEvents(ctx, testProjectID, []string{"e2"})
	require.NoError(t, err)

	active, err := fixture.service.ListEvents(ctx, testProjectID, EventQuery{})
	require.NoError(t, err)
	require.Equal(t, []string{"e3", "e1"}, eventIDs(active))

	all, err := fixture.service.ListEvents(ctx, testProjectID, EventQuery{IncludeInactive: true})
	require.NoError(t, err)
	require.Equal(t, []string{"e3", "e2", "e1"}, eventIDs(all))

	since := at(2)
	recent, err := fixture.service.ListEvents(ctx, testProjectID, EventQuery{Since: &since, IncludeInactive: true})
	require.NoError(t, err)
	require.Equal(t, []string{"e3", "e2"}, eventIDs(recent))

	limited, err := fixture.service.ListEvents(ctx, testProjectID, EventQuery{IncludeInactive: true, Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"e3"}, eventIDs(limited))

	empty, err := fixture.service.ListEvents(ctx, "unknown", EventQuery{})
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestListEventsBreaksTimestampTiesByID(t *testing.T) {
	fixture := newLedgerFixture(t)
	fixture.append(t, testProjectID, "b", at(1))
	fixture.append(t, testProjectID, "a", at(1))
	fixture.append(t, testProjectID, "c", at(1))

	listed, err := fixture.service.ListEvents(context.Background(), testProjectID, EventQuery{})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, eventIDs(listed))
}

func TestGetEventsAndGetEvent(t *testing.T) {
	fixture := newLedgerFixture(t)
	fixture.seedTimeline(t)
	fixture.append(t, otherProjectID, "x1", at(4))
	ctx := context.Background()

	selected, err := fixture.service.GetEvents(ctx, testProjectID, []string{"e1", "e3", "x1", "missing"}, EventQuery{})
	require.NoError(t, err)
	require.Equal(t, []string{"e3", "e1"}, eventIDs(selected))

	none, err := fixture.service.GetEvents(ctx, testProjectID, nil, EventQuery{})
	require.NoError(t, err)
	require.Empty(t, none)

	event, err := fixture.service.GetEvent(ctx, testProjectID, "e2")
	require.NoError(t, err)
	require.NotNil(t, event)
	require.Equal(t, "e2", event.ID)

	foreign, err := fixture.service.GetEvent(ctx, testProjectID, "x1")
	require.NoError(t, err)
	require.Nil(t, foreign)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	require.ErrorIs(t, err, store.ErrInternal)

	fixture := newLedgerFixture(t)
	_, err = NewService(ServiceConfig{Database: fixture.db})
	require.ErrorIs(t, err, store.ErrInternal)
}

func eventIDs(events []Event) []string {
	ids := make([]string, 0, len(events))
	for _, event := range events {
		ids = append(ids, event.ID)
	}
	return ids
}

func TestConcurrentAppendsAndHeadMovesStayConsistent(t *testing.T) {
	fixture := newLedgerFixture(t)
	fixture.seedTimeline(t)

	const writers = 12
	first, second, third := "e1", "e2", "e3"
	targets := []*string{&first, &second, nil, &third}

	var wg sync.WaitGroup
	errs := make(chan error, writers+len(targets))
	for index := 0; index < writers; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			_, err := fixture.service.CreateEvent(context.Background(), CreateEventRequest{
				ID:         fmt.Sprintf("w%02d", index),
				ProjectID:  testProjectID,
				Type:       "fragment_updated",
				OccurredAt: at(10 + index),
			})
			errs <- err
		}(index)
	}
	for _, target := range targets {
		wg.Add(1)
		go func(target *string) {
			defer wg.Done()
			_, err := fixture.service.SetEventHead(context.Background(), testProjectID, target)
			errs <- err
		}(target)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := fixture.service.ListEvents(context.Background(), testProjectID, EventQuery{IncludeInactive: true})
	require.NoError(t, err)
	require.Len(t, all, writers+3)
	for _, event := range all {
		if event.IsActive {
			require.Nil(t, event.RevertedAtNanos, "active event %s carries reverted_at", event.ID)
		} else {
			require.NotNil(t, event.RevertedAtNanos, "inactive event %s lacks reverted_at", event.ID)
		}
	}

	latestActive, err := fixture.service.ListEvents(context.Background(), testProjectID, EventQuery{Limit: 1})
	require.NoError(t, err)
	headID := fixture.headID(t)
	if headID == nil {
		require.Empty(t, latestActive, "head is null while events are active")
		return
	}
	require.Len(t, latestActive, 1)
	require.Equal(t, latestActive[0].ID, *headID, "head must be the most recent active event")

	head, err := fixture.service.GetProjectEventHead(context.Background(), testProjectID)
	require.NoError(t, err)
	require.NotNil(t, head)
	require.Equal(t, *headID, head.ID)
}
