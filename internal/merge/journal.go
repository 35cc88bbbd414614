package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/linkhive/linkhive/internal/eventlog"
	"github.com/linkhive/linkhive/internal/record"
	"github.com/linkhive/linkhive/internal/vclock"
)

// journal is the commit record written before a merge touches a file.
// Op is set for local operations only.
type journal struct {
	Event *eventlog.Event       `json:"event"`
	Op    *eventlog.OpLogEntry `json:"op,omitempty"`
}

// RecoveryReport summarises one Recover pass.
type RecoveryReport struct {
	// Completed journals had their file written and are now fully recorded.
	Completed int
	// Dropped journals never reached their file.
	Dropped int
	// Pending journals could not be completed and stay for the next pass.
	Pending int
}

// Recover finishes merges interrupted between the file write and the end
// of recording. A journal whose file already reflects the event is
// completed; one whose file does not is dropped, since the merge never
// became durable.
func (a *Applier) Recover(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	ids, journals, err := a.store.Journals()
	if err != nil {
		return report, err
	}

	for _, id := range ids {
		var j journal
		if err := json.Unmarshal(journals[id], &j); err != nil || j.Event == nil {
			a.logger.Warn("dropping unreadable journal", slog.String("event", id), slog.Any("error", err))
			if err := a.store.RemoveJournal(id); err != nil {
				return report, err
			}
			report.Dropped++
			continue
		}

		clock, written, err := a.written(j.Event)
		if err != nil {
			a.logger.Warn("cannot inspect journaled file", slog.String("event", id), slog.Any("error", err))
			report.Pending++
			continue
		}
		if !written {
			if err := a.store.RemoveJournal(id); err != nil {
				return report, err
			}
			a.logger.Info("dropped journal of unwritten merge", slog.String("event", id))
			report.Dropped++
			continue
		}

		if err := a.finish(ctx, &j, clock, Applied, true); err != nil {
			a.logger.Warn("journal still pending", slog.String("event", id), slog.Any("error", err))
			report.Pending++
			continue
		}
		report.Completed++
	}

	if report.Completed+report.Dropped+report.Pending > 0 {
		a.logger.Info("journal recovery",
			slog.Int("completed", report.Completed), slog.Int("dropped", report.Dropped), slog.Int("pending", report.Pending))
	}
	return report, nil
}

// written reports whether the file targeted by ev already incorporates it,
// and returns the file's clock.
func (a *Applier) written(ev *eventlog.Event) (vclock.Clock, bool, error) {
	tomb, err := a.store.ReadTombstone(ev.ObjectType, ev.ObjectID)
	switch {
	case err == nil:
		// Nothing is written beside a tombstone, so a journal older than it
		// can only be completed.
		return tomb.Clock, true, nil
	case !errors.Is(err, record.ErrNotFound):
		return nil, false, err
	case ev.EventType == eventlog.EventDelete:
		return nil, false, nil
	}

	doc, err := a.store.ReadDoc(ev.ObjectType, ev.ObjectID, ev.FileTarget)
	if errors.Is(err, record.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read journaled file: %w", err)
	}
	switch vclock.Compare(ev.Clock, doc.Head().Clock) {
	case vclock.Before, vclock.Equal:
		return doc.Head().Clock, true, nil
	}
	return nil, false, nil
}
