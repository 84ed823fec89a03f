package models

import (
	"time"

	"github.com/google/uuid"
)

// ImportRecord links a Superset object to the catalog package created from it.
// (SourceKind, SourceID) is unique.
type ImportRecord struct {
	ID          uuid.UUID `json:"id"`
	SourceKind  string    `json:"source_kind"`
	SourceID    string    `json:"source_id"`
	PackageID   string    `json:"package_id"`
	PackageName string    `json:"package_name"`
	ResourceID  string    `json:"resource_id"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
