package events

import (
	"errors"
	"time"

	"gorm.io/datatypes"
)

// DefaultListLimit caps list results when the caller supplies no limit.
const DefaultListLimit = 100

var (
	// ErrEventNotFound indicates that an event id does not resolve inside the project.
	ErrEventNotFound = errors.New("events: event not found")
	// ErrInvalidEventIDs indicates that a batch referenced ids that are unknown or belong elsewhere.
	ErrInvalidEventIDs = errors.New("events: invalid event ids")
	// ErrInvalidEventType indicates that an event type is blank or exceeds storage bounds.
	ErrInvalidEventType = errors.New("events: invalid event type")
	// ErrDuplicateEventID indicates that an event id is already stored.
	ErrDuplicateEventID = errors.New("events: duplicate event id")
)

// Event is an immutable record of a project-level occurrence. Only IsActive and
// RevertedAtNanos change after insert, and only through head operations.
type Event struct {
	ID              string            `gorm:"column:id;primaryKey;size:190;not null"`
	ProjectID       string            `gorm:"column:project_id;size:190;not null;index:idx_events_project_created,priority:1"`
	EventType       string            `gorm:"column:event_type;size:190;not null"`
	Data            datatypes.JSONMap `gorm:"column:data;type:text;not null"`
	IsActive        bool              `gorm:"column:is_active;not null;default:false"`
	RevertedAtNanos *int64            `gorm:"column:reverted_at_ns"`
	CreatedAtNanos  int64             `gorm:"column:created_at_ns;not null;index:idx_events_project_created,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

// CreatedAt returns the event timestamp in UTC.
func (e Event) CreatedAt() time.Time {
	return time.Unix(0, e.CreatedAtNanos).UTC()
}

// RevertedAt returns when the event was last deactivated, or nil while it is active.
func (e Event) RevertedAt() *time.Time {
	if e.RevertedAtNanos == nil {
		return nil
	}
	value := time.Unix(0, *e.RevertedAtNanos).UTC()
	return &value
}

// CreateEventRequest describes an event to append to a project's timeline.
// A zero OccurredAt stamps the event with the service clock; a non-zero value backfills it.
type CreateEventRequest struct {
	ID         string
	ProjectID  string
	Type       string
	Payload    map[string]any
	OccurredAt time.Time
}

// EventQuery filters list reads. Results are always newest first.
type EventQuery struct {
	Since           *time.Time
	IncludeInactive bool
	Limit           int
}

// HeadChange reports the outcome of moving a project's head.
type HeadChange struct {
	Head           *Event
	ReactivatedIDs []string
	DeactivatedIDs []string
}

// RevertResult reports the outcome of a surgical revert.
type RevertResult struct {
	Head        *Event
	RevertedIDs []string
}
