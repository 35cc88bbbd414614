package core

import (
	"context"

	"github.com/linkhive/linkhive/internal/db"
	"github.com/linkhive/linkhive/internal/observe"
	"github.com/linkhive/linkhive/internal/schema"
)

// ObserveEntity streams the cached state of one entity: the current state
// first, then a new state after every merge that touches it. Cancel the
// subscription or ctx to stop.
func (r *Runtime) ObserveEntity(ctx context.Context, t schema.EntityType, id string) (*observe.Subscription[*db.Entity], error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return observe.Watch(ctx, r.observers, observe.Entity(t, id), func(ctx context.Context) (*db.Entity, error) {
		return r.cache.GetEntity(ctx, t, id)
	})
}

// SearchBookmarks streams the bookmarks matching filter, re-running the
// query after every merge that touches a bookmark or a tag.
func (r *Runtime) SearchBookmarks(ctx context.Context, filter db.SearchFilter) (*observe.Subscription[[]db.Bookmark], error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return observe.Watch(ctx, r.observers, observe.Types(schema.TypeBookmark, schema.TypeTag), func(ctx context.Context) ([]db.Bookmark, error) {
		return r.cache.SearchBookmarks(ctx, filter)
	})
}

// ObserveFolders streams the folder tree.
func (r *Runtime) ObserveFolders(ctx context.Context) (*observe.Subscription[[]db.Folder], error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	return observe.Watch(ctx, r.observers, observe.Types(schema.TypeFolder), r.cache.ListFolders)
}
