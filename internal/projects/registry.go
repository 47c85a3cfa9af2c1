package projects

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sibyllinesoft/arbiter-sub005/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opRegistryNew   = "projects.registry.new"
	opCreateProject = "projects.create"
	opGetProject    = "projects.get"

	columnID          = "id"
	columnEventHeadID = "event_head_id"
	columnUpdatedAt   = "updated_at_s"
	queryProjectID    = columnID + " = ?"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errDuplicateID     = errors.New("projects: project id already exists")
	noOpLogger         = zap.NewNop()
)

// RegistryConfig describes the dependencies of the project registry.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Registry exposes project existence and the per-project event head field.
// The transaction-scoped methods take the caller's *gorm.DB so the head write commits
// together with the ledger rows that justify it.
type Registry struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewRegistry validates the configuration and returns a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, store.NewError(opRegistryNew, "missing_database", store.KindInternal, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Registry{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Create registers a project with no event head.
func (r *Registry) Create(ctx context.Context, id, name string) (Project, error) {
	projectID, err := store.NormalizeIdentifier("project_id", id)
	if err != nil {
		return Project{}, store.NewError(opCreateProject, "invalid_project_id", store.KindValidation, err)
	}
	nowSeconds := r.clock().UTC().Unix()
	project := Project{
		ID:               projectID,
		Name:             strings.TrimSpace(name),
		CreatedAtSeconds: nowSeconds,
		UpdatedAtSeconds: nowSeconds,
	}

	txErr := store.Transact(ctx, r.db, func(tx *gorm.DB) error {
		exists, err := r.Exists(tx, projectID)
		if err != nil {
			r.logError(opCreateProject, "lookup_failed", err, zap.String("project_id", projectID))
			return store.NewError(opCreateProject, "lookup_failed", store.KindFor(err, store.KindInternal), err)
		}
		if exists {
			return store.NewError(opCreateProject, "duplicate_id", store.KindConflict,
				fmt.Errorf("%w: %s", errDuplicateID, projectID))
		}
		if err := tx.Create(&project).Error; err != nil {
			r.logError(opCreateProject, "insert_failed", err, zap.String("project_id", projectID))
			return store.NewError(opCreateProject, "insert_failed", store.KindFor(err, store.KindInternal), err)
		}
		return nil
	})
	if txErr != nil {
		return Project{}, txErr
	}
	return project, nil
}

// Get returns the project, or nil when it does not exist.
func (r *Registry) Get(ctx context.Context, id string) (*Project, error) {
	var project Project
	err := r.db.WithContext(ctx).Where(queryProjectID, id).Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logError(opGetProject, "query_failed", err, zap.String("project_id", id))
		return nil, store.NewError(opGetProject, "query_failed", store.KindFor(err, store.KindInternal), err)
	}
	return &project, nil
}

// Exists reports whether the project is stored.
func (r *Registry) Exists(tx *gorm.DB, id string) (bool, error) {
	var count int64
	if err := tx.Model(&Project{}).Where(queryProjectID, id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// HeadID reads the project's head pointer without locking.
func (r *Registry) HeadID(tx *gorm.DB, id string) (*string, error) {
	var project Project
	err := tx.Select(columnID, columnEventHeadID).Where(queryProjectID, id).Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return project.EventHeadID, nil
}

// LockHead reads the project's head pointer, locking the row where the dialect supports it.
// It returns ErrProjectNotFound when the project is absent.
func (r *Registry) LockHead(tx *gorm.DB, id string) (*string, error) {
	var project Project
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select(columnID, columnEventHeadID).
		Where(queryProjectID, id).
		Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return project.EventHeadID, nil
}

// SetHead points the project's head at eventID, or clears it when eventID is nil.
func (r *Registry) SetHead(tx *gorm.DB, id string, eventID *string) error {
	var headValue any
	if eventID != nil {
		headValue = *eventID
	}
	result := tx.Model(&Project{}).
		Where(queryProjectID, id).
		Updates(map[string]any{
			columnEventHeadID: headValue,
			columnUpdatedAt:   r.clock().UTC().Unix(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return nil
}

func (r *Registry) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("projects registry error", attrs...)
}
