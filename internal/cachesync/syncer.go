package cachesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/linkhive/linkhive/internal/db"
	"github.com/linkhive/linkhive/internal/record"
	"github.com/linkhive/linkhive/internal/schema"
	"github.com/linkhive/linkhive/internal/vclock"
)

// syncer implements the Syncer interface.
type syncer struct {
	store  *record.Store
	cache  *db.DB
	logger *slog.Logger
}

// New creates a Syncer over store and cache.
//
// If logger is nil, the default logger is used.
func New(store *record.Store, cache *db.DB, logger *slog.Logger) Syncer {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "cachesync"))
	}
	return &syncer{store: store, cache: cache, logger: logger}
}

// Project implements Syncer.Project.
func (s *syncer) Project(ctx context.Context, t schema.EntityType, id string) error {
	rec, err := s.load(t, id)
	if err != nil {
		return fmt.Errorf("failed to read %s %s: %w", t, id, err)
	}
	if err := s.cache.ReplaceEntity(ctx, rec); err != nil {
		return fmt.Errorf("failed to project %s %s: %w", t, id, err)
	}
	s.logger.Debug("projected entity", slog.String("type", string(t)), slog.String("id", id))
	return nil
}

// load reads every file of an entity into a cache record.
func (s *syncer) load(t schema.EntityType, id string) (*db.EntityRecord, error) {
	rec := &db.EntityRecord{Type: t, ID: id, Clocks: map[schema.FileTarget]vclock.Clock{}}

	tomb, err := s.store.ReadTombstone(t, id)
	switch {
	case err == nil:
		rec.Tombstone = tomb
		rec.Clocks[schema.TargetDeleted] = tomb.Clock
		return rec, nil
	case !errors.Is(err, record.ErrNotFound):
		return nil, err
	}

	targets, err := s.store.Targets(t, id)
	if err != nil {
		return nil, err
	}

	for _, target := range targets {
		doc, err := s.store.ReadDoc(t, id, target)
		if err != nil {
			return nil, err
		}
		rec.Clocks[target] = doc.Head().Clock

		switch d := doc.(type) {
		case *schema.FolderMeta:
			rec.Folder = d
		case *schema.TagMeta:
			rec.Tag = d
		case *schema.BookmarkMeta:
			rec.Bookmark = d
		case *schema.Link:
			rec.Link = d
		case *schema.Highlight:
			rec.Highlights = append(rec.Highlights, d)
		}
	}

	// Link and annotation files cannot stand without the bookmark's meta.
	if t == schema.TypeBookmark && rec.Bookmark == nil && len(targets) > 0 {
		s.logger.Warn("bookmark files without meta.json; not projected", slog.String("id", id))
		rec.Link = nil
		rec.Highlights = nil
	}
	return rec, nil
}

// Rebuild implements Syncer.Rebuild.
func (s *syncer) Rebuild(ctx context.Context) (Report, error) {
	s.logger.Info("starting cache rebuild", slog.String("root", s.store.Root()))

	if err := s.cache.Reset(ctx); err != nil {
		return Report{}, fmt.Errorf("failed to reset cache: %w", err)
	}

	var report Report
	for _, t := range schema.EntityTypes {
		ids, err := s.store.ListIDs(t)
		if err != nil {
			return report, fmt.Errorf("failed to list %s: %w", t.Plural(), err)
		}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if err := s.Project(ctx, t, id); err != nil {
				s.logger.Warn("failed to project entity", slog.String("type", string(t)),
					slog.String("id", id), slog.Any("error", err))
				report.Failed++
				continue
			}
			report.Projected++
		}
	}

	s.logger.Info("cache rebuild complete",
		slog.Int("projected", report.Projected), slog.Int("failed", report.Failed))
	return report, nil
}
