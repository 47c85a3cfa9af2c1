package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	RealtimeEventCreated      = "event-created"
	RealtimeHeadMoved         = "head-moved"
	RealtimeEventsReverted    = "events-reverted"
	RealtimeEventsReactivated = "events-reactivated"
	RealtimeFragmentChanged   = "fragment-changed"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSource            = "arbiter-ledger"
	realtimeHeartbeatInterval = 25 * time.Second
	defaultRealtimeBufferSize = 16
)

// RealtimeMessage notifies subscribers of a project that its ledger changed.
type RealtimeMessage struct {
	ProjectID string
	EventType string
	IDs       []string
	HeadID    *string
	Timestamp time.Time
}

// RealtimeDispatcher fans ledger changes out to per-project subscribers. Slow subscribers
// drop messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBufferSize,
	}
}

// Subscribe registers a stream for projectID that is removed when ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, projectID string) (<-chan RealtimeMessage, func()) {
	if projectID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(projectID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(projectID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if d == nil || message.ProjectID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[message.ProjectID] {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(projectID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[projectID]; !ok {
		d.subscribers[projectID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[projectID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(projectID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[projectID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, projectID)
		}
	}
	d.mu.Unlock()
}

type realtimePayload struct {
	ProjectID string   `json:"projectId"`
	IDs       []string `json:"ids"`
	HeadID    *string  `json:"headId,omitempty"`
	Timestamp string   `json:"timestamp"`
	Source    string   `json:"source"`
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	projectID := c.Param(projectIDParam)
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
		return
	}
	if !h.requireProject(c, projectID) {
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), projectID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSource})
			return true
		case message, ok := <-stream:
			if !ok {
				return false
			}
			ids := message.IDs
			if ids == nil {
				ids = []string{}
			}
			c.SSEvent(message.EventType, realtimePayload{
				ProjectID: message.ProjectID,
				IDs:       ids,
				HeadID:    message.HeadID,
				Timestamp: message.Timestamp.UTC().Format(time.RFC3339Nano),
				Source:    realtimeSource,
			})
			return true
		}
	})
}

func (h *httpHandler) publish(projectID, eventType string, ids []string, headID *string) {
	h.realtime.Publish(RealtimeMessage{
		ProjectID: projectID,
		EventType: eventType,
		IDs:       ids,
		HeadID:    headID,
		Timestamp: time.Now().UTC(),
	})
}
