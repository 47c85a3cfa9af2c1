package revisions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sibyllinesoft/arbiter-sub005/internal/projects"
	"github.com/sibyllinesoft/arbiter-sub005/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew              = "revisions.service.new"
	opCreateFragment          = "revisions.create_fragment"
	opUpdateFragment          = "revisions.update_fragment"
	opDeleteFragment          = "revisions.delete_fragment"
	opGetFragment             = "revisions.get_fragment"
	opGetFragmentByID         = "revisions.get_fragment_by_id"
	opListFragments           = "revisions.list_fragments"
	opGetFragmentRevision     = "revisions.get_fragment_revision"
	opGetLatestRevision       = "revisions.get_latest_fragment_revision"
	opListFragmentRevisions   = "revisions.list_fragment_revisions"
	fieldProjectID            = "project_id"
	fieldFragmentID           = "fragment_id"
	fieldPath                 = "path"
	fieldRevisionNumber       = "revision_number"
	columnContent             = "content"
	columnHeadRevisionID      = "head_revision_id"
	columnUpdatedAt           = "updated_at_ns"
	queryID                   = "id = ?"
	queryProjectID            = fieldProjectID + " = ?"
	queryProjectFragment      = fieldProjectID + " = ? AND id = ?"
	queryProjectPath          = fieldProjectID + " = ? AND " + fieldPath + " = ?"
	queryFragmentID           = fieldFragmentID + " = ?"
	queryFragmentRevision     = fieldFragmentID + " = ? AND " + fieldRevisionNumber + " = ?"
	orderRevisionNumberDesc   = fieldRevisionNumber + " DESC"
	orderPathAsc              = fieldPath + " ASC"
	selectMaxRevisionNumber   = "COALESCE(MAX(" + fieldRevisionNumber + "), 0)"
	reasonMissingDatabase     = "missing_database"
	reasonMissingProjects     = "missing_project_registry"
	reasonMissingIDProvider   = "missing_id_provider"
	reasonInvalidFragmentID   = "invalid_fragment_id"
	reasonInvalidProjectID    = "invalid_project_id"
	reasonInvalidPath         = "invalid_path"
	reasonProjectLookupFailed = "project_lookup_failed"
	reasonProjectNotFound     = "project_not_found"
	reasonFragmentNotFound    = "fragment_not_found"
	reasonDuplicatePath       = "duplicate_path"
	reasonDuplicateID         = "duplicate_fragment_id"
	reasonFragmentLookup      = "fragment_lookup_failed"
	reasonFragmentInsert      = "fragment_insert_failed"
	reasonFragmentUpdate      = "fragment_update_failed"
	reasonFragmentDelete      = "fragment_delete_failed"
	reasonRevisionNumber      = "revision_number_failed"
	reasonRevisionInsert      = "revision_insert_failed"
	reasonRevisionDelete      = "revision_delete_failed"
	reasonIDGeneration        = "id_generation_failed"
	reasonQueryFailed         = "query_failed"
)

var (
	pathConstraintMarkers = []string{"idx_fragments_project_path", "fragments.project_id, fragments.path"}
	idConstraintMarkers   = []string{"fragments.id", "fragments_pkey"}

	errMissingDatabase   = errors.New("database handle is required")
	errMissingProjects   = errors.New("project registry is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ProjectLookup is the slice of the project registry the revision store depends on.
type ProjectLookup interface {
	Exists(tx *gorm.DB, id string) (bool, error)
}

// ServiceConfig describes the dependencies of the fragment revision store.
type ServiceConfig struct {
	Database   *gorm.DB
	Projects   ProjectLookup
	Hasher     Hasher
	Clock      func() time.Time
	IDProvider store.IDProvider
	Logger     *zap.Logger
}

// Service owns fragment rows and their append-only revision history.
type Service struct {
	db         *gorm.DB
	projects   ProjectLookup
	hasher     Hasher
	clock      func() time.Time
	idProvider store.IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, store.NewError(opServiceNew, reasonMissingDatabase, store.KindInternal, errMissingDatabase)
	}
	if cfg.Projects == nil {
		return nil, store.NewError(opServiceNew, reasonMissingProjects, store.KindInternal, errMissingProjects)
	}
	if cfg.IDProvider == nil {
		return nil, store.NewError(opServiceNew, reasonMissingIDProvider, store.KindInternal, errMissingIDProvider)
	}

	hasher := cfg.Hasher
	if hasher == nil {
		hasher = sha256Hasher{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		projects:   cfg.Projects,
		hasher:     hasher,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateFragment inserts a fragment together with revision 1 and returns the stored fragment.
func (service *Service) CreateFragment(ctx context.Context, request CreateFragmentRequest) (Fragment, error) {
	if service.db == nil {
		return Fragment{}, store.NewError(opCreateFragment, reasonMissingDatabase, store.KindInternal, errMissingDatabase)
	}
	fragmentID, err := store.NormalizeIdentifier(fieldFragmentID, request.ID)
	if err != nil {
		return Fragment{}, store.NewError(opCreateFragment, reasonInvalidFragmentID, store.KindValidation, err)
	}
	projectID, err := store.NormalizeIdentifier(fieldProjectID, request.ProjectID)
	if err != nil {
		return Fragment{}, store.NewError(opCreateFragment, reasonInvalidProjectID, store.KindValidation, err)
	}
	if err := validatePath(request.Path); err != nil {
		return Fragment{}, store.NewError(opCreateFragment, reasonInvalidPath, store.KindValidation, err)
	}

	message := request.Message
	if message == nil {
		defaultMessage := DefaultInitialMessage
		message = &defaultMessage
	}

	var stored Fragment
	txErr := store.Transact(ctx, service.db, func(transaction *gorm.DB) error {
		logFields := []zap.Field{zap.String(fieldProjectID, projectID), zap.String(fieldPath, request.Path)}

		exists, err := service.projects.Exists(transaction, projectID)
		if err != nil {
			return service.fail(opCreateFragment, reasonProjectLookupFailed, store.KindInternal, err, logFields...)
		}
		if !exists {
			return store.NewError(opCreateFragment, reasonProjectNotFound, store.KindNotFound,
				fmt.Errorf("%w: %s", projects.ErrProjectNotFound, projectID))
		}

		var count int64
		if err := transaction.Model(&Fragment{}).Where(queryID, fragmentID).Count(&count).Error; err != nil {
			return service.fail(opCreateFragment, reasonFragmentLookup, store.KindInternal, err, logFields...)
		}
		if count > 0 {
			return duplicateIDError(fragmentID)
		}
		if err := transaction.Model(&Fragment{}).Where(queryProjectPath, projectID, request.Path).Count(&count).Error; err != nil {
			return service.fail(opCreateFragment, reasonFragmentLookup, store.KindInternal, err, logFields...)
		}
		if count > 0 {
			return duplicatePathError(request.Path)
		}

		nowNanos := service.clock().UTC().UnixNano()
		fragment := Fragment{
			ID:             fragmentID,
			ProjectID:      projectID,
			Path:           request.Path,
			Content:        request.Content,
			CreatedAtNanos: nowNanos,
			UpdatedAtNanos: nowNanos,
		}
		if err := transaction.Create(&fragment).Error; err != nil {
			if conflict := fragmentInsertConflict(err, fragmentID, request.Path); conflict != nil {
				return conflict
			}
			return service.fail(opCreateFragment, reasonFragmentInsert, store.KindInternal, err, logFields...)
		}

		revision, err := service.appendRevision(transaction, fragment.ID, 1, request.Content, request.Author, message, nowNanos)
		if err != nil {
			return service.fail(opCreateFragment, reasonRevisionInsert, store.KindInternal, err, logFields...)
		}

		if err := transaction.Model(&Fragment{}).Where(queryID, fragment.ID).
			Update(columnHeadRevisionID, revision.ID).Error; err != nil {
			return service.fail(opCreateFragment, reasonFragmentUpdate, store.KindInternal, err, logFields...)
		}

		if err := transaction.Where(queryID, fragment.ID).Take(&stored).Error; err != nil {
			return service.fail(opCreateFragment, reasonFragmentLookup, store.KindInternal, err, logFields...)
		}
		return nil
	})
	if txErr != nil {
		return Fragment{}, txErr
	}

	service.logger.Debug("fragment created",
		zap.String(fieldProjectID, stored.ProjectID),
		zap.String(fieldFragmentID, stored.ID),
		zap.String(fieldPath, stored.Path))
	return stored, nil
}

// UpdateFragment appends a revision when content differs from the stored content.
// Identical content returns the stored fragment untouched.
func (service *Service) UpdateFragment(ctx context.Context, request UpdateFragmentRequest) (FragmentUpdate, error) {
	if service.db == nil {
		return FragmentUpdate{}, store.NewError(opUpdateFragment, reasonMissingDatabase, store.KindInternal, errMissingDatabase)
	}
	projectID, err := store.NormalizeIdentifier(fieldProjectID, request.ProjectID)
	if err != nil {
		return FragmentUpdate{}, store.NewError(opUpdateFragment, reasonInvalidProjectID, store.KindValidation, err)
	}
	if err := validatePath(request.Path); err != nil {
		return FragmentUpdate{}, store.NewError(opUpdateFragment, reasonInvalidPath, store.KindValidation, err)
	}

	var result FragmentUpdate
	txErr := store.Transact(ctx, service.db, func(transaction *gorm.DB) error {
		logFields := []zap.Field{zap.String(fieldProjectID, projectID), zap.String(fieldPath, request.Path)}

		var existing Fragment
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryProjectPath, projectID, request.Path).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.NewError(opUpdateFragment, reasonFragmentNotFound, store.KindNotFound,
				fmt.Errorf("%w: %s", ErrFragmentNotFound, request.Path))
		}
		if err != nil {
			return service.fail(opUpdateFragment, reasonFragmentLookup, store.KindInternal, err, logFields...)
		}

		if existing.Content == request.Content {
			result = FragmentUpdate{Fragment: existing, Changed: false}
			return nil
		}

		var maxNumber int64
		if err := transaction.Model(&FragmentRevision{}).
			Select(selectMaxRevisionNumber).
			Where(queryFragmentID, existing.ID).
			Scan(&maxNumber).Error; err != nil {
			return service.fail(opUpdateFragment, reasonRevisionNumber, store.KindInternal, err, logFields...)
		}

		nowNanos := service.clock().UTC().UnixNano()
		revision, err := service.appendRevision(transaction, existing.ID, maxNumber+1, request.Content, request.Author, request.Message, nowNanos)
		if err != nil {
			return service.fail(opUpdateFragment, reasonRevisionInsert, store.KindInternal, err, logFields...)
		}

		if err := transaction.Model(&Fragment{}).Where(queryID, existing.ID).Updates(map[string]any{
			columnContent:        request.Content,
			columnHeadRevisionID: revision.ID,
			columnUpdatedAt:      nowNanos,
		}).Error; err != nil {
			return service.fail(opUpdateFragment, reasonFragmentUpdate, store.KindInternal, err, logFields...)
		}

		updated := existing
		updated.Content = request.Content
		updated.HeadRevisionID = &revision.ID
		updated.UpdatedAtNanos = nowNanos
		result = FragmentUpdate{Fragment: updated, Revision: &revision, Changed: true}
		return nil
	})
	if txErr != nil {
		return FragmentUpdate{}, txErr
	}

	if result.Changed {
		service.logger.Debug("fragment revision appended",
			zap.String(fieldFragmentID, result.Fragment.ID),
			zap.Int64(fieldRevisionNumber, result.Revision.RevisionNumber))
	}
	return result, nil
}

// DeleteFragment removes the fragment at path together with all of its revisions.
func (service *Service) DeleteFragment(ctx context.Context, projectID, path string) error {
	if service.db == nil {
		return store.NewError(opDeleteFragment, reasonMissingDatabase, store.KindInternal, errMissingDatabase)
	}

	return store.Transact(ctx, service.db, func(transaction *gorm.DB) error {
		logFields := []zap.Field{zap.String(fieldProjectID, projectID), zap.String(fieldPath, path)}

		var existing Fragment
		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryProjectPath, projectID, path).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return store.NewError(opDeleteFragment, reasonFragmentNotFound, store.KindNotFound,
				fmt.Errorf("%w: %s", ErrFragmentNotFound, path))
		}
		if err != nil {
			return service.fail(opDeleteFragment, reasonFragmentLookup, store.KindInternal, err, logFields...)
		}

		if err := transaction.Where(queryFragmentID, existing.ID).Delete(&FragmentRevision{}).Error; err != nil {
			return service.fail(opDeleteFragment, reasonRevisionDelete, store.KindInternal, err, logFields...)
		}
		if err := transaction.Where(queryID, existing.ID).Delete(&Fragment{}).Error; err != nil {
			return service.fail(opDeleteFragment, reasonFragmentDelete, store.KindInternal, err, logFields...)
		}
		return nil
	})
}

// GetFragment returns the fragment at path, or nil when absent.
func (service *Service) GetFragment(ctx context.Context, projectID, path string) (*Fragment, error) {
	if service.db == nil {
		return nil, store.NewError(opGetFragment, reasonMissingDatabase, store.KindInternal, errMissingDatabase)
	}
	var fragment Fragment
	err := service.db.WithContext(ctx).Where(queryProjectPath, projectID, path).Take(&fragment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, service.fail(opGetFragment, reasonQueryFailed, store.KindInternal, err,
			zap.String(fieldProjectID, projectID), zap.String(fieldPath, path))
	}
	return &fragment, nil
}

// GetFragmentByID returns the project's fragment with fragmentID, or nil when absent.
func (service *Service) GetFragmentByID(ctx context.Context, projectID, fragmentID string) (*Fragment, error) {
	if service.db == nil {
		return nil, store.NewError(opGetFragmentByID, reasonMissingDatabase, store.KindInternal, errMissingDatabase)
	}
	var fragment Fragment
	err := service.db.WithContext(ctx).Where(queryProjectFragment, projectID, fragmentID).Take(&fragment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, service.fail(opGetFragmentByID, reasonQueryFailed, store.KindInternal, err,
			zap.String(fieldProjectID, projectID), zap.String(fieldFragmentID, fragmentID))
	}
	return &fragment, nil
}

// ListFragments returns the project's fragments ordered by path.
func (service *Service) ListFragments(ctx context.Context, projectID string) ([]Fragment, error) {
	if service.db == nil {
		return nil, store.NewError(opListFragments, reasonMissingDatabase, store.KindInternal, errMissingDatabase)
	}
	fragments := make([]Fragment, 0)
	if err := service.db.WithContext(ctx).
		Where(queryProjectID, projectID).
		Order(orderPathAsc).
		Find(&fragments).Error; err != nil {
		return nil, service.fail(opListFragments, reasonQueryFailed, store.KindInternal, err, zap.String(fieldProjectID, projectID))
	}
	return fragments, nil
}

// GetFragmentRevision returns revision number of the fragment, or nil when absent.
func (service *Service) GetFragmentRevision(ctx context.Context, fragmentID string, number int64) (*FragmentRevision, error) {
	if service.db == nil {
		return nil, store.NewError(opGetFragmentRevision, reasonMissingDatabase, store.KindInternal, errMissingDatabase)
	}
	if number <= 0 {
		return nil, nil
	}
	var revision FragmentRevision
	err := service.db.WithContext(ctx).Where(queryFragmentRevision, fragmentID, number).Take(&revision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, service.fail(opGetFragmentRevision, reasonQueryFailed, store.KindInternal, err,
			zap.String(fieldFragmentID, fragmentID), zap.Int64(fieldRevisionNumber, number))
	}
	return &revision, nil
}

// GetLatestFragmentRevision returns the highest-numbered revision, or nil when none exist.
func (service *Service) GetLatestFragmentRevision(ctx context.Context, fragmentID string) (*FragmentRevision, error) {
	if service.db == nil {
		return nil, store.NewError(opGetLatestRevision, reasonMissingDatabase, store.KindInternal, errMissingDatabase)
	}
	var revisions []FragmentRevision
	if err := service.db.WithContext(ctx).
		Where(queryFragmentID, fragmentID).
		Order(orderRevisionNumberDesc).
		Limit(1).
		Find(&revisions).Error; err != nil {
		return nil, service.fail(opGetLatestRevision, reasonQueryFailed, store.KindInternal, err, zap.String(fieldFragmentID, fragmentID))
	}
	if len(revisions) == 0 {
		return nil, nil
	}
	return &revisions[0], nil
}

// ListFragmentRevisions returns every revision of the fragment, newest first.
func (service *Service) ListFragmentRevisions(ctx context.Context, fragmentID string) ([]FragmentRevision, error) {
	if service.db == nil {
		return nil, store.NewError(opListFragmentRevisions, reasonMissingDatabase, store.KindInternal, errMissingDatabase)
	}
	revisions := make([]FragmentRevision, 0)
	if err := service.db.WithContext(ctx).
		Where(queryFragmentID, fragmentID).
		Order(orderRevisionNumberDesc).
		Find(&revisions).Error; err != nil {
		return nil, service.fail(opListFragmentRevisions, reasonQueryFailed, store.KindInternal, err, zap.String(fieldFragmentID, fragmentID))
	}
	return revisions, nil
}

func (service *Service) appendRevision(transaction *gorm.DB, fragmentID string, number int64, content string, author, message *string, createdAtNanos int64) (FragmentRevision, error) {
	revisionID, err := service.idProvider.NewID()
	if err != nil {
		return FragmentRevision{}, fmt.Errorf("%s: %w", reasonIDGeneration, err)
	}
	revision := FragmentRevision{
		ID:             revisionID,
		FragmentID:     fragmentID,
		RevisionNumber: number,
		Content:        content,
		ContentHash:    service.hasher.Sum([]byte(content)),
		Author:         author,
		Message:        message,
		CreatedAtNanos: createdAtNanos,
	}
	if err := transaction.Create(&revision).Error; err != nil {
		return FragmentRevision{}, err
	}
	return revision, nil
}

// fail logs the failure once and wraps it, upgrading the kind when the driver reports
// a busy or uniqueness condition.
func (service *Service) fail(operation, reason string, kind store.Kind, err error, fields ...zap.Field) error {
	service.logError(operation, reason, err, fields...)
	return store.NewError(operation, reason, store.KindFor(err, kind), err)
}

func validatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if len(path) > maxPathLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidPath, maxPathLength)
	}
	return nil
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
	service.loggerOrDefault().Error("revisions service error", attrs...)
}

func duplicateIDError(fragmentID string) error {
	return store.NewError(opCreateFragment, reasonDuplicateID, store.KindConflict,
		fmt.Errorf("%w: %s", ErrDuplicateFragmentID, fragmentID))
}

func duplicatePathError(path string) error {
	return store.NewError(opCreateFragment, reasonDuplicatePath, store.KindConflict,
		fmt.Errorf("%w: %s", ErrDuplicatePath, path))
}

// fragmentInsertConflict maps a unique violation raised by a fragment insert to the constraint it
// names: the (project_id, path) index or the primary key. It returns nil for any other error.
func fragmentInsertConflict(err error, fragmentID, path string) error {
	if !store.IsUniqueViolation(err) {
		return nil
	}
	message := strings.ToLower(err.Error())
	for _, marker := range pathConstraintMarkers {
		if strings.Contains(message, marker) {
			return duplicatePathError(path)
		}
	}
	for _, marker := range idConstraintMarkers {
		if strings.Contains(message, marker) {
			return duplicateIDError(fragmentID)
		}
	}
	return store.NewError(opCreateFragment, reasonFragmentInsert, store.KindConflict, err)
}
