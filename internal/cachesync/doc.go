// Package cachesync projects the filesystem of record into the query cache.
//
// Overview
//
// Every cache row is derived from entity files. The Projector reads all
// files of one entity and replaces that entity's rows in one transaction;
// Rebuild wipes the cache and projects every entity directory again.
//
//	Filesystem of record
//	     ├── folders/<id>/meta.json
//	     ├── tags/<id>/meta.json
//	     └── bookmarks/<id>/{meta,link}.json, content/annotations/*.json
//	                                      ↓
//	                                  Projector
//	                                      ↓
//	                                  cache.db
//
// The merge engine calls Project after every applied write; the watcher
// daemon calls it when files change outside the process; `lh cache rebuild`
// calls Rebuild.
//
// Error Handling
//
// Rebuild is resilient to individual entity failures: unreadable or invalid
// files are logged and skipped, and the rebuild continues with the rest.
// Database errors on Reset are returned to the caller.
//
// Usage
//
//	syncer := cachesync.New(store, cache, logger)
//	if err := syncer.Project(ctx, schema.TypeBookmark, id); err != nil {
//	    return err
//	}
//	report, err := syncer.Rebuild(ctx)
package cachesync
