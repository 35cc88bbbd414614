// Package migrate moves bookmarks in and out of a replica as JSONL, one
// entity per line. Imports go through the merge engine as local drafts so
// imported entities replicate like any other write.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/linkhive/linkhive/internal/merge"
	"github.com/linkhive/linkhive/internal/schema"
)

// Record is one line of an export: an entity's documents without their
// replication headers.
type Record struct {
	Type       schema.EntityType `json:"type"`
	ID         string            `json:"id"`
	Meta       json.RawMessage   `json:"meta"`
	Link       json.RawMessage   `json:"link,omitempty"`
	Highlights []json.RawMessage `json:"highlights,omitempty"`
}

// Applier applies a batch of local drafts.
type Applier interface {
	ApplyLocal(ctx context.Context, drafts []merge.Draft) ([]merge.Result, error)
}

// Source reads the filesystem of record.
type Source interface {
	ListIDs(t schema.EntityType) ([]string, error)
	IsTombstoned(t schema.EntityType, id string) (bool, error)
	Targets(t schema.EntityType, id string) ([]schema.FileTarget, error)
	ReadDoc(t schema.EntityType, id string, target schema.FileTarget) (schema.Document, error)
}

// ImportOptions configures Import.
type ImportOptions struct {
	DryRun bool // Parse and validate without applying
	Backup bool // Copy the input file before importing
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Entities      int      `json:"entities"`
	Drafts        int      `json:"drafts"`
	Skipped       int      `json:"skipped"`
	BackupCreated string   `json:"backupCreated,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// ExportResult contains statistics about an export.
type ExportResult struct {
	Entities   int `json:"entities"`
	Highlights int `json:"highlights"`
	Deleted    int `json:"deleted"`
}

// header fields never leave the replica.
var headerFields = []string{"clock", "stamps", "editedAt"}

// FromJSONL parses records, one JSON object per line.
func FromJSONL(r io.Reader) ([]Record, error) {
	var records []Record
	dec := json.NewDecoder(bufio.NewReader(r))
	for line := 1; ; line++ {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", line, err)
		}
		if !rec.Type.IsValid() {
			return nil, fmt.Errorf("record %d: unknown entity type %q", line, rec.Type)
		}
		if rec.ID == "" {
			return nil, fmt.Errorf("record %d: id is required", line)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Drafts converts a record into the CREATE drafts that rebuild it: meta
// first, then the link, then each highlight.
func (rec Record) Drafts() ([]merge.Draft, error) {
	if len(rec.Meta) == 0 {
		return nil, fmt.Errorf("%s %s has no meta", rec.Type, rec.ID)
	}
	meta, err := stripHeader(rec.Meta)
	if err != nil {
		return nil, fmt.Errorf("%s %s meta: %w", rec.Type, rec.ID, err)
	}
	drafts := []merge.Draft{{
		EntityType: rec.Type, EntityID: rec.ID, Kind: merge.OpCreate,
		Target: schema.TargetMeta, Payload: meta,
	}}

	if len(rec.Link) > 0 {
		if rec.Type != schema.TypeBookmark {
			return nil, fmt.Errorf("%s %s cannot have a link", rec.Type, rec.ID)
		}
		link, err := stripHeader(rec.Link)
		if err != nil {
			return nil, fmt.Errorf("bookmark %s link: %w", rec.ID, err)
		}
		drafts = append(drafts, merge.Draft{
			EntityType: rec.Type, EntityID: rec.ID, Kind: merge.OpCreate,
			Target: schema.TargetLink, Payload: link,
		})
	}

	for i, raw := range rec.Highlights {
		if rec.Type != schema.TypeBookmark {
			return nil, fmt.Errorf("%s %s cannot have highlights", rec.Type, rec.ID)
		}
		var ident struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &ident); err != nil || ident.ID == "" {
			return nil, fmt.Errorf("bookmark %s highlight %d has no id", rec.ID, i)
		}
		h, err := stripHeader(raw)
		if err != nil {
			return nil, fmt.Errorf("bookmark %s highlight %s: %w", rec.ID, ident.ID, err)
		}
		drafts = append(drafts, merge.Draft{
			EntityType: rec.Type, EntityID: rec.ID, Kind: merge.OpCreate,
			Target: schema.AnnotationTarget(ident.ID), Payload: h,
		})
	}
	return drafts, nil
}

func stripHeader(raw json.RawMessage) (json.RawMessage, error) {
	p, err := schema.ParsePatch(raw)
	if err != nil {
		return nil, err
	}
	for _, f := range headerFields {
		delete(p, f)
	}
	return p.JSON(), nil
}

// Import reads a JSONL file and applies every record as one batch of
// drafts. A record that fails to convert or merge is reported in the
// result and the import continues with the next one.
func Import(ctx context.Context, path string, app Applier, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	// #nosec G304 - controlled path from CLI
	input, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}

	if opts.Backup && !opts.DryRun {
		backupPath := path + ".backup." + time.Now().Format("20060102-150405")
		if err := os.WriteFile(backupPath, input, 0o600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	records, err := FromJSONL(bytes.NewReader(input))
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	for _, rec := range records {
		drafts, err := rec.Drafts()
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		if opts.DryRun {
			result.Entities++
			result.Drafts += len(drafts)
			continue
		}

		results, err := app.ApplyLocal(ctx, drafts)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if !errors.Is(err, merge.ErrInvalidDraft) {
				return result, fmt.Errorf("failed to import %s %s: %w", rec.Type, rec.ID, err)
			}
			result.Errors = append(result.Errors, fmt.Sprintf("failed to import %s %s: %v", rec.Type, rec.ID, err))
			continue
		}
		if len(results) > 0 && results[0].Outcome == merge.Tombstoned {
			result.Skipped++
			continue
		}
		result.Entities++
		result.Drafts += len(drafts)
	}
	return result, nil
}

// Export writes every live entity of src as JSONL, folders first, then
// tags, then bookmarks. Removed highlights are left out.
func Export(w io.Writer, src Source) (*ExportResult, error) {
	result := &ExportResult{}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	for _, t := range schema.EntityTypes {
		ids, err := src.ListIDs(t)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			dead, err := src.IsTombstoned(t, id)
			if err != nil {
				return nil, err
			}
			if dead {
				result.Deleted++
				continue
			}
			rec, n, err := exportRecord(src, t, id)
			if err != nil {
				return nil, err
			}
			if err := enc.Encode(rec); err != nil {
				return nil, fmt.Errorf("failed to write %s %s: %w", t, id, err)
			}
			result.Entities++
			result.Highlights += n
		}
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush export: %w", err)
	}
	return result, nil
}

func exportRecord(src Source, t schema.EntityType, id string) (*Record, int, error) {
	targets, err := src.Targets(t, id)
	if err != nil {
		return nil, 0, err
	}
	rec := &Record{Type: t, ID: id}
	highlights := 0
	for _, target := range targets {
		doc, err := src.ReadDoc(t, id, target)
		if err != nil {
			return nil, 0, err
		}
		if h, ok := doc.(*schema.Highlight); ok && h.Removed {
			continue
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal %s %s %s: %w", t, id, target, err)
		}
		if raw, err = stripHeader(raw); err != nil {
			return nil, 0, err
		}
		switch {
		case target == schema.TargetMeta:
			rec.Meta = raw
		case target == schema.TargetLink:
			rec.Link = raw
		case target.IsAnnotation():
			rec.Highlights = append(rec.Highlights, raw)
			highlights++
		}
	}
	if rec.Meta == nil {
		return nil, 0, fmt.Errorf("%s %s has no meta document", t, id)
	}
	return rec, highlights, nil
}
