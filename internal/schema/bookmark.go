package schema

import (
	"fmt"
	"net/url"
	"time"

	"github.com/linkhive/linkhive/internal/vclock"
)

// BookmarkMeta is a bookmark's meta.json.
//
// TagIDs is a replicated set: every member is stamped individually under
// "tagIds.<tagId>" so that concurrent tag additions on different devices
// are all kept.
type BookmarkMeta struct {
	ID          string       `json:"id"`
	Kind        BookmarkKind `json:"kind"`
	Label       string       `json:"label"`
	Description string       `json:"description,omitempty"`
	Note        string       `json:"note,omitempty"`
	FolderID    string       `json:"folderId,omitempty"`
	Order       int          `json:"order"`
	Favorite    bool         `json:"favorite,omitempty"`
	TagIDs      []string     `json:"tagIds,omitempty"`
	ImageName   string       `json:"imageName,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	EditedAt    time.Time    `json:"editedAt"`
	Header
}

// DocID implements Document.
func (b *BookmarkMeta) DocID() string { return b.ID }

// Touch implements Document.
func (b *BookmarkMeta) Touch(at time.Time) { touch(&b.EditedAt, at) }

// Validate checks if the BookmarkMeta has valid field values.
func (b *BookmarkMeta) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !b.Kind.IsValid() {
		return fmt.Errorf("invalid bookmark kind %q", b.Kind)
	}
	if len(b.Label) > MaxLabelLength {
		return fmt.Errorf("label must be %d characters or less (got %d)", MaxLabelLength, len(b.Label))
	}
	if b.Order < 0 {
		return fmt.Errorf("order must not be negative (got %d)", b.Order)
	}
	if b.ImageName != "" && b.Kind != KindImage {
		return fmt.Errorf("imageName is only valid for image bookmarks")
	}
	return nil
}

// HasTag reports whether the bookmark carries tagID.
func (b *BookmarkMeta) HasTag(tagID string) bool {
	for _, id := range b.TagIDs {
		if id == tagID {
			return true
		}
	}
	return false
}

// Link is a link bookmark's link.json.
type Link struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Title     string    `json:"title,omitempty"`
	SiteName  string    `json:"siteName,omitempty"`
	ImageName string    `json:"imageName,omitempty"`
	EditedAt  time.Time `json:"editedAt"`
	Header
}

// DocID implements Document.
func (l *Link) DocID() string { return l.ID }

// Touch implements Document.
func (l *Link) Touch(at time.Time) { touch(&l.EditedAt, at) }

// Validate checks if the Link has valid field values.
func (l *Link) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("id is required")
	}
	if l.URL == "" {
		return nil
	}
	u, err := url.Parse(l.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", l.URL, err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("url %q has no scheme", l.URL)
	}
	return nil
}

// Highlight is one annotation stored under content/annotations/<id>.json.
// A removed highlight keeps its file so the removal replicates like any
// other field write.
type Highlight struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Note      string    `json:"note,omitempty"`
	Color     string    `json:"color,omitempty"`
	Start     int       `json:"start"`
	End       int       `json:"end"`
	Removed   bool      `json:"removed,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	EditedAt  time.Time `json:"editedAt"`
	Header
}

// DocID implements Document.
func (h *Highlight) DocID() string { return h.ID }

// Touch implements Document.
func (h *Highlight) Touch(at time.Time) { touch(&h.EditedAt, at) }

// Validate checks if the Highlight has valid field values.
func (h *Highlight) Validate() error {
	if h.ID == "" {
		return fmt.Errorf("id is required")
	}
	if h.Start < 0 || h.End < h.Start {
		return fmt.Errorf("invalid highlight range [%d,%d)", h.Start, h.End)
	}
	return nil
}

// Deleted is the tombstone deleted.json. Its presence is permanent.
type Deleted struct {
	ID        string       `json:"id"`
	DeletedAt time.Time    `json:"deletedAt"`
	DeviceID  string       `json:"deviceId"`
	Clock     vclock.Clock `json:"clock"`
}

// Validate checks if the tombstone has valid field values.
func (d *Deleted) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	if d.DeviceID == "" {
		return fmt.Errorf("deviceId is required")
	}
	if d.DeletedAt.IsZero() {
		return fmt.Errorf("deletedAt is required")
	}
	return nil
}
