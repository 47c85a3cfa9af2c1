package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sibyllinesoft/arbiter-sub005/internal/events"
	"github.com/sibyllinesoft/arbiter-sub005/internal/store"
	"go.uber.org/zap"
)

const (
	eventIDParam           = "eventId"
	sinceQuery             = "since"
	includeInactiveQuery   = "include_inactive"
	limitQuery             = "limit"
	idsQuery               = "ids"
	eventNotFoundErrorCode = "events.get_event.event_not_found"
)

func (h *httpHandler) handleCreateEvent(c *gin.Context) {
	projectID := c.Param(projectIDParam)
	var request createEventRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidRequest(c, "invalid_json")
		return
	}
	if strings.TrimSpace(request.ID) == "" {
		id, err := h.idProvider.NewID()
		if err != nil {
			h.logger.Error("failed to generate event id", zap.Error(err))
			c.JSON(http.StatusInternalServerError, errorPayload{Error: string(store.KindInternal)})
			return
		}
		request.ID = id
	}

	createRequest := events.CreateEventRequest{
		ID:        request.ID,
		ProjectID: projectID,
		Type:      request.Type,
		Payload:   request.Data,
	}
	if request.OccurredAt != nil {
		createRequest.OccurredAt = *request.OccurredAt
	}

	event, err := h.events.CreateEvent(c.Request.Context(), createRequest)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(projectID, RealtimeEventCreated, []string{event.ID}, nil)
	c.JSON(http.StatusCreated, newEventPayload(event))
}

func (h *httpHandler) handleListEvents(c *gin.Context) {
	projectID := c.Param(projectIDParam)
	query, ok := h.parseEventQuery(c)
	if !ok {
		return
	}

	var (
		list []events.Event
		err  error
	)
	if raw := strings.TrimSpace(c.Query(idsQuery)); raw != "" {
		list, err = h.events.GetEvents(c.Request.Context(), projectID, splitIDs(raw), query)
	} else {
		list, err = h.events.ListEvents(c.Request.Context(), projectID, query)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": newEventPayloads(list)})
}

func (h *httpHandler) handleGetEvent(c *gin.Context) {
	event, err := h.events.GetEvent(c.Request.Context(), c.Param(projectIDParam), c.Param(eventIDParam))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if event == nil {
		c.JSON(http.StatusNotFound, errorPayload{Error: string(store.KindNotFound), Code: eventNotFoundErrorCode})
		return
	}
	c.JSON(http.StatusOK, newEventPayload(*event))
}

func (h *httpHandler) handleGetHead(c *gin.Context) {
	head, err := h.events.GetProjectEventHead(c.Request.Context(), c.Param(projectIDParam))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"head": newEventPayloadPointer(head)})
}

func (h *httpHandler) handleSetHead(c *gin.Context) {
	projectID := c.Param(projectIDParam)
	var request setHeadRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidRequest(c, "invalid_json")
		return
	}

	change, err := h.events.SetEventHead(c.Request.Context(), projectID, request.EventID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(projectID, RealtimeHeadMoved, append(append([]string{}, change.ReactivatedIDs...), change.DeactivatedIDs...), request.EventID)
	c.JSON(http.StatusOK, headChangePayload{
		Head:           newEventPayloadPointer(change.Head),
		ReactivatedIDs: nonNilIDs(change.ReactivatedIDs),
		DeactivatedIDs: nonNilIDs(change.DeactivatedIDs),
	})
}

func (h *httpHandler) handleRevertEvents(c *gin.Context) {
	projectID := c.Param(projectIDParam)
	var request eventIDsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidRequest(c, "invalid_json")
		return
	}

	result, err := h.events.RevertEvents(c.Request.Context(), projectID, request.EventIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	var headID *string
	if result.Head != nil {
		headID = &result.Head.ID
	}
	h.publish(projectID, RealtimeEventsReverted, result.RevertedIDs, headID)
	c.JSON(http.StatusOK, revertResponsePayload{
		Head:        newEventPayloadPointer(result.Head),
		RevertedIDs: nonNilIDs(result.RevertedIDs),
	})
}

func (h *httpHandler) handleReactivateEvents(c *gin.Context) {
	projectID := c.Param(projectIDParam)
	var request eventIDsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalidRequest(c, "invalid_json")
		return
	}

	reactivated, err := h.events.ReactivateEvents(c.Request.Context(), projectID, request.EventIDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.publish(projectID, RealtimeEventsReactivated, reactivated, nil)
	c.JSON(http.StatusOK, reactivateResponsePayload{ReactivatedIDs: nonNilIDs(reactivated)})
}

func (h *httpHandler) parseEventQuery(c *gin.Context) (events.EventQuery, bool) {
	var query events.EventQuery
	if raw := strings.TrimSpace(c.Query(sinceQuery)); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.respondInvalidRequest(c, "invalid_since")
			return events.EventQuery{}, false
		}
		query.Since = &since
	}
	if raw := strings.TrimSpace(c.Query(includeInactiveQuery)); raw != "" {
		includeInactive, err := strconv.ParseBool(raw)
		if err != nil {
			h.respondInvalidRequest(c, "invalid_include_inactive")
			return events.EventQuery{}, false
		}
		query.IncludeInactive = includeInactive
	}
	if raw := strings.TrimSpace(c.Query(limitQuery)); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			h.respondInvalidRequest(c, "invalid_limit")
			return events.EventQuery{}, false
		}
		query.Limit = limit
	}
	return query, true
}

func splitIDs(raw string) []string {
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	return ids
}
