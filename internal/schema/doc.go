// Package schema defines the JSON documents that make up the filesystem of
// record.
//
// # Layout
//
// Every entity is a directory keyed by its UUID. Each authoritative file in
// that directory is a self-contained document with its own vector clock:
//
//	<root>/folders/<uuid>/meta.json
//	<root>/tags/<uuid>/meta.json
//	<root>/bookmarks/<uuid>/meta.json
//	<root>/bookmarks/<uuid>/link.json
//	<root>/bookmarks/<uuid>/content/annotations/<highlightId>.json
//	<root>/<type>s/<uuid>/deleted.json
//
// Example folder document:
//
//	{
//	  "id": "0190f1d2-7c1e-7a4b-9d3f-2b6a1c0e5f77",
//	  "label": "Reading list",
//	  "order": 0,
//	  "createdAt": "2026-01-10T07:36:29Z",
//	  "editedAt": "2026-01-11T09:12:00Z",
//	  "clock": {"dev-a": 2, "dev-b": 1},
//	  "stamps": {
//	    "label": {"at": "2026-01-11T09:12:00Z", "device": "dev-a"},
//	    "color": {"at": "2026-01-11T09:10:00Z", "device": "dev-b"}
//	  }
//	}
//
// # Field-level merge
//
// Writes arrive as patches (field → value). Apply keeps, per field, the
// write with the greatest (timestamp, device) stamp, so concurrent edits to
// different fields both survive and concurrent edits to the same field
// resolve identically on every replica. Set fields such as a bookmark's
// tagIds are stamped per member.
//
// A tombstone (deleted.json) is terminal: once written, every other file
// of the entity is removed and no later write brings it back.
package schema
