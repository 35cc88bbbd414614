package schema

import (
	"fmt"
	"time"
)

// FolderMeta is a folder's meta.json.
//
// ParentID is empty for root-level folders. Order is the position among
// siblings; ties are broken by label in the cache queries.
type FolderMeta struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Icon      string    `json:"icon,omitempty"`
	Color     string    `json:"color,omitempty"`
	Order     int       `json:"order"`
	ParentID  string    `json:"parentId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	EditedAt  time.Time `json:"editedAt"`
	Header
}

// DocID implements Document.
func (f *FolderMeta) DocID() string { return f.ID }

// Touch implements Document.
func (f *FolderMeta) Touch(at time.Time) { touch(&f.EditedAt, at) }

// Validate checks if the FolderMeta has valid field values.
func (f *FolderMeta) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(f.Label) > MaxLabelLength {
		return fmt.Errorf("label must be %d characters or less (got %d)", MaxLabelLength, len(f.Label))
	}
	if f.ParentID == f.ID {
		return fmt.Errorf("folder %s cannot be its own parent", f.ID)
	}
	if f.Order < 0 {
		return fmt.Errorf("order must not be negative (got %d)", f.Order)
	}
	return nil
}

// MaxLabelLength bounds labels of every entity type.
const MaxLabelLength = 500
