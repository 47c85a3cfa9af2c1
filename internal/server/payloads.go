package server

import (
	"time"

	"github.com/sibyllinesoft/arbiter-sub005/internal/events"
	"github.com/sibyllinesoft/arbiter-sub005/internal/projects"
	"github.com/sibyllinesoft/arbiter-sub005/internal/revisions"
)

type createProjectRequestPayload struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type projectPayload struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	EventHeadID *string `json:"event_head_id"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

type createFragmentRequestPayload struct {
	ID      string  `json:"id"`
	Path    string  `json:"path"`
	Content string  `json:"content"`
	Author  *string `json:"author"`
	Message *string `json:"message"`
}

type updateFragmentRequestPayload struct {
	Content *string `json:"content"`
	Author  *string `json:"author"`
	Message *string `json:"message"`
}

type fragmentPayload struct {
	ID             string  `json:"id"`
	ProjectID      string  `json:"project_id"`
	Path           string  `json:"path"`
	Content        string  `json:"content"`
	HeadRevisionID *string `json:"head_revision_id"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

type fragmentUpdatePayload struct {
	Fragment fragmentPayload  `json:"fragment"`
	Revision *revisionPayload `json:"revision"`
	Changed  bool             `json:"changed"`
}

type revisionPayload struct {
	ID             string  `json:"id"`
	FragmentID     string  `json:"fragment_id"`
	RevisionNumber int64   `json:"revision_number"`
	Content        string  `json:"content"`
	ContentHash    string  `json:"content_hash"`
	Author         *string `json:"author"`
	Message        *string `json:"message"`
	CreatedAt      string  `json:"created_at"`
}

type createEventRequestPayload struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	OccurredAt *time.Time     `json:"occurred_at"`
}

type eventPayload struct {
	ID         string         `json:"id"`
	ProjectID  string         `json:"project_id"`
	EventType  string         `json:"event_type"`
	Data       map[string]any `json:"data"`
	IsActive   bool           `json:"is_active"`
	RevertedAt *string        `json:"reverted_at"`
	CreatedAt  string         `json:"created_at"`
}

type setHeadRequestPayload struct {
	EventID *string `json:"event_id"`
}

type headChangePayload struct {
	Head           *eventPayload `json:"head"`
	ReactivatedIDs []string      `json:"reactivated_ids"`
	DeactivatedIDs []string      `json:"deactivated_ids"`
}

type eventIDsRequestPayload struct {
	EventIDs []string `json:"event_ids"`
}

type revertResponsePayload struct {
	Head        *eventPayload `json:"head"`
	RevertedIDs []string      `json:"reverted_ids"`
}

type reactivateResponsePayload struct {
	ReactivatedIDs []string `json:"reactivated_ids"`
}

func formatTimestamp(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}

func newProjectPayload(project projects.Project) projectPayload {
	return projectPayload{
		ID:          project.ID,
		Name:        project.Name,
		EventHeadID: project.EventHeadID,
		CreatedAt:   formatTimestamp(time.Unix(project.CreatedAtSeconds, 0)),
		UpdatedAt:   formatTimestamp(time.Unix(project.UpdatedAtSeconds, 0)),
	}
}

func newFragmentPayload(fragment revisions.Fragment) fragmentPayload {
	return fragmentPayload{
		ID:             fragment.ID,
		ProjectID:      fragment.ProjectID,
		Path:           fragment.Path,
		Content:        fragment.Content,
		HeadRevisionID: fragment.HeadRevisionID,
		CreatedAt:      formatTimestamp(fragment.CreatedAt()),
		UpdatedAt:      formatTimestamp(fragment.UpdatedAt()),
	}
}

func newRevisionPayload(revision revisions.FragmentRevision) revisionPayload {
	return revisionPayload{
		ID:             revision.ID,
		FragmentID:     revision.FragmentID,
		RevisionNumber: revision.RevisionNumber,
		Content:        revision.Content,
		ContentHash:    revision.ContentHash,
		Author:         revision.Author,
		Message:        revision.Message,
		CreatedAt:      formatTimestamp(revision.CreatedAt()),
	}
}

func newEventPayload(event events.Event) eventPayload {
	payload := eventPayload{
		ID:        event.ID,
		ProjectID: event.ProjectID,
		EventType: event.EventType,
		Data:      map[string]any(event.Data),
		IsActive:  event.IsActive,
		CreatedAt: formatTimestamp(event.CreatedAt()),
	}
	if payload.Data == nil {
		payload.Data = map[string]any{}
	}
	if revertedAt := event.RevertedAt(); revertedAt != nil {
		formatted := formatTimestamp(*revertedAt)
		payload.RevertedAt = &formatted
	}
	return payload
}

func newEventPayloadPointer(event *events.Event) *eventPayload {
	if event == nil {
		return nil
	}
	payload := newEventPayload(*event)
	return &payload
}

func newEventPayloads(list []events.Event) []eventPayload {
	payloads := make([]eventPayload, 0, len(list))
	for _, event := range list {
		payloads = append(payloads, newEventPayload(event))
	}
	return payloads
}

func nonNilIDs(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
