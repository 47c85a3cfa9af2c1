package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sibyllinesoft/arbiter-sub005/internal/projects"
	"github.com/sibyllinesoft/arbiter-sub005/internal/store"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew          = "events.service.new"
	opCreateEvent         = "events.create_event"
	opGetProjectEventHead = "events.get_project_event_head"
	opSetEventHead        = "events.set_event_head"
	opRevertEvents        = "events.revert_events"
	opReactivateEvents    = "events.reactivate_events"
	opListEvents          = "events.list_events"
	opGetEvents           = "events.get_events"
	opGetEvent            = "events.get_event"

	fieldProjectID   = "project_id"
	fieldEventID     = "event_id"
	fieldEventType   = "event_type"
	columnID         = "id"
	columnProjectID  = "project_id"
	columnIsActive   = "is_active"
	columnRevertedAt = "reverted_at_ns"
	columnCreatedAt  = "created_at_ns"

	queryID              = columnID + " = ?"
	queryIDIn            = columnID + " IN ?"
	queryProjectID       = columnProjectID + " = ?"
	queryProjectEvent    = columnProjectID + " = ? AND " + columnID + " = ?"
	queryProjectActive   = columnProjectID + " = ? AND " + columnIsActive + " = ?"
	queryCreatedAtSince  = columnCreatedAt + " >= ?"
	queryIsActive        = columnIsActive + " = ?"
	orderNewestFirst     = columnCreatedAt + " DESC, " + columnID + " DESC"
	orderOldestFirst     = columnCreatedAt + " ASC, " + columnID + " ASC"
	maxIDsPerStatement   = 500
	maxEventTypeLength   = 190
	reasonMissingDB      = "missing_database"
	reasonMissingReg     = "missing_project_registry"
	reasonInvalidEventID = "invalid_event_id"
	reasonInvalidProject = "invalid_project_id"
	reasonInvalidType    = "invalid_event_type"
	reasonInvalidIDs     = "invalid_event_ids"
	reasonProjectMissing = "project_not_found"
	reasonEventMissing   = "event_not_found"
	reasonDuplicateID    = "duplicate_event_id"
	reasonHeadLookup     = "head_lookup_failed"
	reasonHeadUpdate     = "head_update_failed"
	reasonEventInsert    = "event_insert_failed"
	reasonEventLookup    = "event_lookup_failed"
	reasonActivation     = "activation_update_failed"
	reasonTimelineLookup = "timeline_lookup_failed"
	reasonQueryFailed    = "query_failed"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingRegistry = errors.New("project registry is required")
	errEmptyEventIDs   = errors.New("events: at least one event id is required")
	noOpLogger         = zap.NewNop()
)

// ProjectRegistry is the slice of the project registry the ledger reads and writes.
type ProjectRegistry interface {
	HeadID(tx *gorm.DB, projectID string) (*string, error)
	LockHead(tx *gorm.DB, projectID string) (*string, error)
	SetHead(tx *gorm.DB, projectID string, eventID *string) error
}

// ServiceConfig describes the dependencies of the event ledger.
type ServiceConfig struct {
	Database     *gorm.DB
	Projects     ProjectRegistry
	Clock        func() time.Time
	DefaultLimit int
	Logger       *zap.Logger
}

// Service owns a project's append-only events and the head pointer over them.
type Service struct {
	db           *gorm.DB
	projects     ProjectRegistry
	clock        func() time.Time
	defaultLimit int
	logger       *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, store.NewError(opServiceNew, reasonMissingDB, store.KindInternal, errMissingDatabase)
	}
	if cfg.Projects == nil {
		return nil, store.NewError(opServiceNew, reasonMissingReg, store.KindInternal, errMissingRegistry)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	defaultLimit := cfg.DefaultLimit
	if defaultLimit <= 0 {
		defaultLimit = DefaultListLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:           cfg.Database,
		projects:     cfg.Projects,
		clock:        clock,
		defaultLimit: defaultLimit,
		logger:       logger,
	}, nil
}

// CreateEvent appends an event and lets the head resolver decide whether it becomes head.
// It returns the event as finally stored.
func (service *Service) CreateEvent(ctx context.Context, request CreateEventRequest) (Event, error) {
	if service.db == nil {
		return Event{}, store.NewError(opCreateEvent, reasonMissingDB, store.KindInternal, errMissingDatabase)
	}
	eventID, err := store.NormalizeIdentifier(fieldEventID, request.ID)
	if err != nil {
		return Event{}, store.NewError(opCreateEvent, reasonInvalidEventID, store.KindValidation, err)
	}
	projectID, err := store.NormalizeIdentifier(fieldProjectID, request.ProjectID)
	if err != nil {
		return Event{}, store.NewError(opCreateEvent, reasonInvalidProject, store.KindValidation, err)
	}
	eventType := strings.TrimSpace(request.Type)
	if eventType == "" || len(eventType) > maxEventTypeLength {
		return Event{}, store.NewError(opCreateEvent, reasonInvalidType, store.KindValidation,
			fmt.Errorf("%w: %q", ErrInvalidEventType, request.Type))
	}

	payload := datatypes.JSONMap(request.Payload)
	if payload == nil {
		payload = datatypes.JSONMap{}
	}
	createdAt := request.OccurredAt
	if createdAt.IsZero() {
		createdAt = service.clock()
	}

	var stored Event
	txErr := store.Transact(ctx, service.db, func(transaction *gorm.DB) error {
		logFields := []zap.Field{zap.String(fieldProjectID, projectID), zap.String(fieldEventID, eventID)}

		headID, err := service.projects.LockHead(transaction, projectID)
		if err != nil {
			return service.registryFailure(opCreateEvent, err, logFields...)
		}

		event := Event{
			ID:             eventID,
			ProjectID:      projectID,
			EventType:      eventType,
			Data:           payload,
			IsActive:       false,
			CreatedAtNanos: createdAt.UTC().UnixNano(),
		}
		if err := transaction.Create(&event).Error; err != nil {
			if store.IsUniqueViolation(err) {
				return store.NewError(opCreateEvent, reasonDuplicateID, store.KindConflict,
					fmt.Errorf("%w: %s", ErrDuplicateEventID, eventID))
			}
			return service.fail(opCreateEvent, reasonEventInsert, store.KindInternal, err, logFields...)
		}

		head, err := service.loadHead(transaction, projectID, headID)
		if err != nil {
			return service.fail(opCreateEvent, reasonHeadLookup, store.KindInternal, err, logFields...)
		}

		decision := decideOnInsert(head, event.CreatedAtNanos)
		if err := service.applyActivation(transaction, []string{event.ID}, true); err != nil {
			return service.fail(opCreateEvent, reasonActivation, store.KindInternal, err, logFields...)
		}
		if decision == decisionPromote {
			if err := service.projects.SetHead(transaction, projectID, &event.ID); err != nil {
				return service.fail(opCreateEvent, reasonHeadUpdate, store.KindInternal, err, logFields...)
			}
		}

		if err := transaction.Where(queryID, event.ID).Take(&stored).Error; err != nil {
			return service.fail(opCreateEvent, reasonEventLookup, store.KindInternal, err, logFields...)
		}
		return nil
	})
	if txErr != nil {
		return Event{}, txErr
	}

	service.logger.Debug("event appended",
		zap.String(fieldProjectID, stored.ProjectID),
		zap.String(fieldEventID, stored.ID),
		zap.String(fieldEventType, stored.EventType))
	return stored, nil
}

// GetProjectEventHead resolves the explicit head, falling back to the most recent active event.
// It returns nil when the project has no active events.
func (service *Service) GetProjectEventHead(ctx context.Context, projectID string) (*Event, error) {
	if service.db == nil {
		return nil, store.NewError(opGetProjectEventHead, reasonMissingDB, store.KindInternal, errMissingDatabase)
	}

	var head *Event
	txErr := store.Transact(ctx, service.db, func(transaction *gorm.DB) error {
		logFields := []zap.Field{zap.String(fieldProjectID, projectID)}

		headID, err := service.projects.HeadID(transaction, projectID)
		if err != nil {
			return service.registryFailure(opGetProjectEventHead, err, logFields...)
		}
		explicit, err := service.loadHead(transaction, projectID, headID)
		if err != nil {
			return service.fail(opGetProjectEventHead, reasonHeadLookup, store.KindInternal, err, logFields...)
		}
		if explicit != nil {
			head = explicit
			return nil
		}
		latest, err := latestActiveEvent(transaction, projectID)
		if err != nil {
			return service.fail(opGetProjectEventHead, reasonHeadLookup, store.KindInternal, err, logFields...)
		}
		head = latest
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return head, nil
}

// SetEventHead moves the head to targetEventID and repartitions the timeline around it.
// A nil target deactivates every active event and clears the head.
func (service *Service) SetEventHead(ctx context.Context, projectID string, targetEventID *string) (HeadChange, error) {
	if service.db == nil {
		return HeadChange{}, store.NewError(opSetEventHead, reasonMissingDB, store.KindInternal, errMissingDatabase)
	}

	var change HeadChange
	txErr := store.Transact(ctx, service.db, func(transaction *gorm.DB) error {
		logFields := []zap.Field{zap.String(fieldProjectID, projectID)}

		if _, err := service.projects.LockHead(transaction, projectID); err != nil {
			return service.registryFailure(opSetEventHead, err, logFields...)
		}

		var target *Event
		var targetCreatedAt *int64
		if targetEventID != nil {
			var loaded Event
			err := transaction.Where(queryProjectEvent, projectID, *targetEventID).Take(&loaded).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.NewError(opSetEventHead, reasonEventMissing, store.KindNotFound,
					fmt.Errorf("%w: %s", ErrEventNotFound, *targetEventID))
			}
			if err != nil {
				return service.fail(opSetEventHead, reasonEventLookup, store.KindInternal, err, logFields...)
			}
			target = &loaded
			targetCreatedAt = &loaded.CreatedAtNanos
		}

		timeline, err := loadTimeline(transaction, projectID)
		if err != nil {
			return service.fail(opSetEventHead, reasonTimelineLookup, store.KindInternal, err, logFields...)
		}
		plan := planTimeTravel(timeline, targetCreatedAt)

		if err := service.applyActivation(transaction, plan.reactivate, true); err != nil {
			return service.fail(opSetEventHead, reasonActivation, store.KindInternal, err, logFields...)
		}
		if err := service.applyActivation(transaction, plan.deactivate, false); err != nil {
			return service.fail(opSetEventHead, reasonActivation, store.KindInternal, err, logFields...)
		}

		var headID *string
		if target != nil {
			headID = &target.ID
		}
		if err := service.projects.SetHead(transaction, projectID, headID); err != nil {
			return service.fail(opSetEventHead, reasonHeadUpdate, store.KindInternal, err, logFields...)
		}

		if target != nil {
			var refreshed Event
			if err := transaction.Where(queryID, target.ID).Take(&refreshed).Error; err != nil {
				return service.fail(opSetEventHead, reasonEventLookup, store.KindInternal, err, logFields...)
			}
			change.Head = &refreshed
		}
		change.ReactivatedIDs = plan.reactivate
		change.DeactivatedIDs = plan.deactivate
		return nil
	})
	if txErr != nil {
		return HeadChange{}, txErr
	}

	service.logger.Info("event head moved",
		zap.String(fieldProjectID, projectID),
		zap.Int("reactivated", len(change.ReactivatedIDs)),
		zap.Int("deactivated", len(change.DeactivatedIDs)))
	return change, nil
}

// RevertEvents deactivates the given events and recomputes the head as the most recent event
// still active. Every id must exist in the project; otherwise nothing is written.
func (service *Service) RevertEvents(ctx context.Context, projectID string, eventIDs []string) (RevertResult, error) {
	if service.db == nil {
		return RevertResult{}, store.NewError(opRevertEvents, reasonMissingDB, store.KindInternal, errMissingDatabase)
	}
	requested := dedupeIDs(eventIDs)
	if len(requested) == 0 {
		return RevertResult{}, store.NewError(opRevertEvents, reasonInvalidIDs, store.KindValidation, errEmptyEventIDs)
	}

	var result RevertResult
	txErr := store.Transact(ctx, service.db, func(transaction *gorm.DB) error {
		logFields := []zap.Field{zap.String(fieldProjectID, projectID), zap.Strings("event_ids", requested)}

		if _, err := service.projects.LockHead(transaction, projectID); err != nil {
			return service.registryFailure(opRevertEvents, err, logFields...)
		}

		owners, err := service.validateBatch(transaction, opRevertEvents, projectID, requested)
		if err != nil {
			return err
		}

		reverted := make([]string, 0, len(requested))
		for _, id := range requested {
			if owners[id].IsActive {
				reverted = append(reverted, id)
			}
		}
		if err := service.applyActivation(transaction, reverted, false); err != nil {
			return service.fail(opRevertEvents, reasonActivation, store.KindInternal, err, logFields...)
		}

		head, err := latestActiveEvent(transaction, projectID)
		if err != nil {
			return service.fail(opRevertEvents, reasonHeadLookup, store.KindInternal, err, logFields...)
		}
		var headID *string
		if head != nil {
			headID = &head.ID
		}
		if err := service.projects.SetHead(transaction, projectID, headID); err != nil {
			return service.fail(opRevertEvents, reasonHeadUpdate, store.KindInternal, err, logFields...)
		}

		result = RevertResult{Head: head, RevertedIDs: reverted}
		return nil
	})
	if txErr != nil {
		return RevertResult{}, txErr
	}
	return result, nil
}

// ReactivateEvents marks the given events active again and leaves the head pointer alone.
// It returns the ids whose flag actually changed.
func (service *Service) ReactivateEvents(ctx context.Context, projectID string, eventIDs []string) ([]string, error) {
	if service.db == nil {
		return nil, store.NewError(opReactivateEvents, reasonMissingDB, store.KindInternal, errMissingDatabase)
	}
	requested := dedupeIDs(eventIDs)
	if len(requested) == 0 {
		return nil, store.NewError(opReactivateEvents, reasonInvalidIDs, store.KindValidation, errEmptyEventIDs)
	}

	var reactivated []string
	txErr := store.Transact(ctx, service.db, func(transaction *gorm.DB) error {
		logFields := []zap.Field{zap.String(fieldProjectID, projectID), zap.Strings("event_ids", requested)}

		if _, err := service.projects.LockHead(transaction, projectID); err != nil {
			return service.registryFailure(opReactivateEvents, err, logFields...)
		}

		owners, err := service.validateBatch(transaction, opReactivateEvents, projectID, requested)
		if err != nil {
			return err
		}

		changed := make([]string, 0, len(requested))
		for _, id := range requested {
			if !owners[id].IsActive {
				changed = append(changed, id)
			}
		}
		if err := service.applyActivation(transaction, changed, true); err != nil {
			return service.fail(opReactivateEvents, reasonActivation, store.KindInternal, err, logFields...)
		}
		reactivated = changed
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return reactivated, nil
}

// ListEvents returns the project's events newest first.
func (service *Service) ListEvents(ctx context.Context, projectID string, query EventQuery) ([]Event, error) {
	if service.db == nil {
		return nil, store.NewError(opListEvents, reasonMissingDB, store.KindInternal, errMissingDatabase)
	}
	events := make([]Event, 0)
	if err := service.filtered(ctx, projectID, query).Find(&events).Error; err != nil {
		return nil, service.fail(opListEvents, reasonQueryFailed, store.KindInternal, err, zap.String(fieldProjectID, projectID))
	}
	return events, nil
}

// GetEvents returns the requested events of the project newest first, honouring the query filters.
func (service *Service) GetEvents(ctx context.Context, projectID string, eventIDs []string, query EventQuery) ([]Event, error) {
	if service.db == nil {
		return nil, store.NewError(opGetEvents, reasonMissingDB, store.KindInternal, errMissingDatabase)
	}
	events := make([]Event, 0)
	requested := dedupeIDs(eventIDs)
	if len(requested) == 0 {
		return events, nil
	}
	if err := service.filtered(ctx, projectID, query).Where(queryIDIn, requested).Find(&events).Error; err != nil {
		return nil, service.fail(opGetEvents, reasonQueryFailed, store.KindInternal, err, zap.String(fieldProjectID, projectID))
	}
	return events, nil
}

// GetEvent returns a single event of the project, or nil when absent.
func (service *Service) GetEvent(ctx context.Context, projectID, eventID string) (*Event, error) {
	if service.db == nil {
		return nil, store.NewError(opGetEvent, reasonMissingDB, store.KindInternal, errMissingDatabase)
	}
	var event Event
	err := service.db.WithContext(ctx).Where(queryProjectEvent, projectID, eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, service.fail(opGetEvent, reasonQueryFailed, store.KindInternal, err,
			zap.String(fieldProjectID, projectID), zap.String(fieldEventID, eventID))
	}
	return &event, nil
}

func (service *Service) filtered(ctx context.Context, projectID string, query EventQuery) *gorm.DB {
	limit := query.Limit
	if limit <= 0 {
		limit = service.defaultLimit
	}
	statement := service.db.WithContext(ctx).Where(queryProjectID, projectID)
	if !query.IncludeInactive {
		statement = statement.Where(queryIsActive, true)
	}
	if query.Since != nil {
		statement = statement.Where(queryCreatedAtSince, query.Since.UTC().UnixNano())
	}
	return statement.Order(orderNewestFirst).Limit(limit)
}

// validateBatch loads every requested id and rejects the batch when any is unknown or foreign.
func (service *Service) validateBatch(transaction *gorm.DB, operation, projectID string, requested []string) (map[string]timelineOwner, error) {
	owners := make(map[string]timelineOwner, len(requested))
	for start := 0; start < len(requested); start += maxIDsPerStatement {
		end := min(start+maxIDsPerStatement, len(requested))
		var rows []timelineOwner
		if err := transaction.Model(&Event{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Select(columnID, columnProjectID, columnIsActive).
			Where(queryIDIn, requested[start:end]).
			Find(&rows).Error; err != nil {
			return nil, service.fail(operation, reasonEventLookup, store.KindInternal, err, zap.String(fieldProjectID, projectID))
		}
		for _, row := range rows {
			owners[row.ID] = row
		}
	}

	invalid := invalidIDs(requested, owners, projectID)
	if len(invalid) > 0 {
		return nil, store.NewError(operation, reasonInvalidIDs, store.KindValidation,
			fmt.Errorf("%w: %s", ErrInvalidEventIDs, strings.Join(invalid, ", ")))
	}
	return owners, nil
}

// applyActivation flips is_active for ids, clearing reverted_at on activation and stamping it
// with the service clock on deactivation.
func (service *Service) applyActivation(transaction *gorm.DB, ids []string, active bool) error {
	if len(ids) == 0 {
		return nil
	}
	var revertedAt any
	if !active {
		revertedAt = service.clock().UTC().UnixNano()
	}
	for start := 0; start < len(ids); start += maxIDsPerStatement {
		end := min(start+maxIDsPerStatement, len(ids))
		if err := transaction.Model(&Event{}).
			Where(queryIDIn, ids[start:end]).
			Updates(map[string]any{
				columnIsActive:   active,
				columnRevertedAt: revertedAt,
			}).Error; err != nil {
			return err
		}
	}
	return nil
}

// loadHead resolves headID inside the project. A dangling pointer resolves to nil.
func (service *Service) loadHead(transaction *gorm.DB, projectID string, headID *string) (*Event, error) {
	if headID == nil {
		return nil, nil
	}
	var head Event
	err := transaction.Where(queryProjectEvent, projectID, *headID).Take(&head).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		service.logger.Warn("project head references a missing event",
			zap.String(fieldProjectID, projectID),
			zap.String(fieldEventID, *headID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &head, nil
}

func latestActiveEvent(transaction *gorm.DB, projectID string) (*Event, error) {
	var events []Event
	if err := transaction.Where(queryProjectActive, projectID, true).
		Order(orderNewestFirst).
		Limit(1).
		Find(&events).Error; err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

func loadTimeline(transaction *gorm.DB, projectID string) ([]timelineEntry, error) {
	var timeline []timelineEntry
	err := transaction.Model(&Event{}).
		Select(columnID, columnIsActive, columnCreatedAt).
		Where(queryProjectID, projectID).
		Order(orderOldestFirst).
		Find(&timeline).Error
	return timeline, err
}

// registryFailure maps a project registry error, keeping a missing project as NotFound.
func (service *Service) registryFailure(operation string, err error, fields ...zap.Field) error {
	if errors.Is(err, projects.ErrProjectNotFound) {
		return store.NewError(operation, reasonProjectMissing, store.KindNotFound, err)
	}
	return service.fail(operation, reasonHeadLookup, store.KindInternal, err, fields...)
}

func (service *Service) fail(operation, reason string, kind store.Kind, err error, fields ...zap.Field) error {
	service.logError(operation, reason, err, fields...)
	return store.NewError(operation, reason, store.KindFor(err, kind), err)
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil || service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("events service error", attrs...)
}
