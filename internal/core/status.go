package core

import (
	"context"

	"github.com/linkhive/linkhive/internal/db"
	"github.com/linkhive/linkhive/internal/eventlog"
	"github.com/linkhive/linkhive/internal/queue"
)

// Status is a snapshot of the replica for `lh status`.
type Status struct {
	DeviceID    string         `json:"deviceId" yaml:"deviceId"`
	DataDir     string         `json:"dataDir" yaml:"dataDir"`
	RecordsRoot string         `json:"recordsRoot" yaml:"recordsRoot"`
	Cache       db.Stats       `json:"cache" yaml:"cache"`
	Events      eventlog.Stats `json:"events" yaml:"events"`
	Queue       queue.Stats    `json:"queue" yaml:"queue"`
	Journals    int            `json:"pendingJournals" yaml:"pendingJournals"`
	Observers   int            `json:"observers" yaml:"observers"`
	Sessions    int            `json:"sessions" yaml:"sessions"`
}

// Status gathers counters from every component.
func (r *Runtime) Status(ctx context.Context) (*Status, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	s := &Status{
		DeviceID:    r.DeviceID(),
		DataDir:     r.opts.DataDir,
		RecordsRoot: r.opts.RecordsRoot,
		Queue:       r.queue.Stats(),
		Observers:   r.observers.Len(),
	}

	var err error
	if s.Cache, err = r.cache.Stats(ctx); err != nil {
		return nil, err
	}
	if s.Events, err = r.events.Stats(ctx); err != nil {
		return nil, err
	}
	ids, _, err := r.store.Journals()
	if err != nil {
		return nil, err
	}
	s.Journals = len(ids)

	r.serverMu.RLock()
	if r.server != nil {
		s.Sessions = r.server.SessionCount()
	}
	r.serverMu.RUnlock()
	return s, nil
}
