package revisions

import (
	"errors"
	"time"
)

// DefaultInitialMessage is recorded on revision 1 when the caller supplies no message.
const DefaultInitialMessage = "Initial fragment creation"

const maxPathLength = 1024

var (
	// ErrFragmentNotFound indicates that no fragment exists at the requested project path.
	ErrFragmentNotFound = errors.New("revisions: fragment not found")
	// ErrDuplicatePath indicates that the project already holds a fragment at the path.
	ErrDuplicatePath = errors.New("revisions: duplicate fragment path")
	// ErrDuplicateFragmentID indicates that a fragment id is already stored.
	ErrDuplicateFragmentID = errors.New("revisions: duplicate fragment id")
	// ErrInvalidPath indicates that a fragment path is blank or exceeds storage bounds.
	ErrInvalidPath = errors.New("revisions: invalid fragment path")
)

// Fragment is the current state of a named specification file inside a project.
type Fragment struct {
	ID             string  `gorm:"column:id;primaryKey;size:190;not null"`
	ProjectID      string  `gorm:"column:project_id;size:190;not null;uniqueIndex:idx_fragments_project_path,priority:1"`
	Path           string  `gorm:"column:path;size:1024;not null;uniqueIndex:idx_fragments_project_path,priority:2"`
	Content        string  `gorm:"column:content;type:text;not null"`
	HeadRevisionID *string `gorm:"column:head_revision_id;size:190"`
	CreatedAtNanos int64   `gorm:"column:created_at_ns;not null"`
	UpdatedAtNanos int64   `gorm:"column:updated_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Fragment) TableName() string {
	return "fragments"
}

// CreatedAt returns the creation time in UTC.
func (f Fragment) CreatedAt() time.Time {
	return time.Unix(0, f.CreatedAtNanos).UTC()
}

// UpdatedAt returns the time of the last content change in UTC.
func (f Fragment) UpdatedAt() time.Time {
	return time.Unix(0, f.UpdatedAtNanos).UTC()
}

// FragmentRevision is an immutable, sequentially numbered snapshot of a fragment's content.
type FragmentRevision struct {
	ID             string  `gorm:"column:id;primaryKey;size:190;not null"`
	FragmentID     string  `gorm:"column:fragment_id;size:190;not null;uniqueIndex:idx_fragment_revisions_number,priority:1"`
	RevisionNumber int64   `gorm:"column:revision_number;not null;uniqueIndex:idx_fragment_revisions_number,priority:2"`
	Content        string  `gorm:"column:content;type:text;not null"`
	ContentHash    string  `gorm:"column:content_hash;size:64;not null"`
	Author         *string `gorm:"column:author;size:320"`
	Message        *string `gorm:"column:message;type:text"`
	CreatedAtNanos int64   `gorm:"column:created_at_ns;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FragmentRevision) TableName() string {
	return "fragment_revisions"
}

// CreatedAt returns the creation time in UTC.
func (r FragmentRevision) CreatedAt() time.Time {
	return time.Unix(0, r.CreatedAtNanos).UTC()
}

// CreateFragmentRequest describes a new fragment and its first revision.
type CreateFragmentRequest struct {
	ID        string
	ProjectID string
	Path      string
	Content   string
	Author    *string
	Message   *string
}

// UpdateFragmentRequest describes a content change to an existing fragment.
type UpdateFragmentRequest struct {
	ProjectID string
	Path      string
	Content   string
	Author    *string
	Message   *string
}

// FragmentUpdate reports the stored fragment after an update.
// Changed is false when the content was identical and nothing was written.
type FragmentUpdate struct {
	Fragment Fragment
	Revision *FragmentRevision
	Changed  bool
}
