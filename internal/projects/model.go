package projects

import "errors"

// ErrProjectNotFound indicates that a project identifier does not resolve to a stored project.
var ErrProjectNotFound = errors.New("projects: project not found")

// Project is the collaborator-owned project record. The ledger only reads its existence and
// reads or writes EventHeadID.
type Project struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	Name             string  `gorm:"column:name;size:320;not null;default:''"`
	EventHeadID      *string `gorm:"column:event_head_id;size:190"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}
