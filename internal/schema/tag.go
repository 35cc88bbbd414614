package schema

import (
	"fmt"
	"time"
)

// TagMeta is a tag's meta.json.
type TagMeta struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Icon      string    `json:"icon,omitempty"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	EditedAt  time.Time `json:"editedAt"`
	Header
}

// DocID implements Document.
func (t *TagMeta) DocID() string { return t.ID }

// Touch implements Document.
func (t *TagMeta) Touch(at time.Time) { touch(&t.EditedAt, at) }

// Validate checks if the TagMeta has valid field values.
func (t *TagMeta) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(t.Label) > MaxLabelLength {
		return fmt.Errorf("label must be %d characters or less (got %d)", MaxLabelLength, len(t.Label))
	}
	return nil
}
