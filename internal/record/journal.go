package record

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// JournalDir returns the directory holding commit journals.
func (s *Store) JournalDir() string {
	return filepath.Join(s.root, journalDirName)
}

// WriteJournal atomically stores the commit journal for an event. The
// journal exists from before the first document write until the event is
// fully recorded, so a crash in between can be finished on restart.
func (s *Store) WriteJournal(eventID string, data []byte) error {
	if err := checkID(eventID); err != nil {
		return err
	}
	return s.writeAtomic(filepath.Join(s.JournalDir(), eventID+".json"), data)
}

// RemoveJournal deletes an event's journal. Removing a missing journal is
// not an error.
func (s *Store) RemoveJournal(eventID string) error {
	if err := checkID(eventID); err != nil {
		return err
	}
	err := s.fs.Remove(filepath.Join(s.JournalDir(), eventID+".json"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove journal %s: %w", eventID, err)
	}
	return nil
}

// Journals returns the pending journals keyed by event ID, in ID order.
func (s *Store) Journals() ([]string, map[string][]byte, error) {
	entries, err := afero.ReadDir(s.fs, s.JournalDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, map[string][]byte{}, nil
		}
		return nil, nil, fmt.Errorf("failed to list journals: %w", err)
	}

	var ids []string
	out := make(map[string][]byte)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := afero.ReadFile(s.fs, filepath.Join(s.JournalDir(), name))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read journal %s: %w", name, err)
		}
		id := strings.TrimSuffix(name, ".json")
		ids = append(ids, id)
		out[id] = data
	}
	sort.Strings(ids)
	return ids, out, nil
}
