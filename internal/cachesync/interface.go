package cachesync

import (
	"context"

	"github.com/linkhive/linkhive/internal/schema"
)

// Syncer keeps the query cache in step with the filesystem of record.
type Syncer interface {
	// Project reads every file of one entity and replaces its cache rows.
	//
	// An entity with a tombstone is projected as deleted; an entity without
	// any files has its rows removed.
	Project(ctx context.Context, t schema.EntityType, id string) error

	// Rebuild wipes the cache and projects every entity directory.
	//
	// Individual entity failures are logged and counted in the report but
	// do not stop the rebuild.
	Rebuild(ctx context.Context) (Report, error)
}

// Report summarizes a rebuild.
type Report struct {
	Projected int `json:"projected" yaml:"projected"`
	Failed    int `json:"failed" yaml:"failed"`
}
