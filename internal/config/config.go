// Package config implements the persistent on-disk store (spec.md
// §4.11, C11): the board-type catalog and the board-assignment list,
// YAML-encoded, written atomically.
//
// Grounded on mos/manifest_parser's use of gopkg.in/yaml.v2 for mos.yml
// and common/go/ourio.WriteYAMLFileIfDifferent for the marshal step;
// generalized to a temp-file-then-rename write (ourio's version
// overwrites in place, which is not safe against a reader racing a
// concurrent writer — this store serializes writers with one mutex and
// makes the on-disk update atomic from a reader's point of view).
package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cesanta/errors"
	"github.com/golang/glog"
	"gopkg.in/yaml.v2"

	"github.com/espbrew/espbrew/internal/board"
	"github.com/espbrew/espbrew/internal/espbrewerr"
)

// currentConfigVersion is stamped into every document this Store writes
// (spec.md §4.11: "Schema includes a config_version integer"), bumped
// whenever document's on-disk shape changes in a way older readers
// couldn't tolerate.
const currentConfigVersion = 1

// document is the on-disk schema.
type document struct {
	ConfigVersion int                 `yaml:"config_version"`
	LastUpdated   time.Time           `yaml:"last_updated"`
	BoardTypes    []board.BoardType   `yaml:"board_types"`
	Assignments   []board.Assignment `yaml:"assignments"`
}

// AssignmentListener is notified whenever an assignment changes, so the
// registry (C6) can update its live ConnectedBoard view without polling
// the store.
type AssignmentListener func(uniqueID, boardTypeID, logicalName string)

// Store is safe for concurrent use; all writers are serialized by mu so
// the temp-file-then-rename sequence never interleaves.
type Store struct {
	mu        sync.Mutex
	path      string
	doc       document
	listeners []AssignmentListener
}

// Open loads path if it exists, or starts with an empty document if not
// (spec.md §4.11: "a missing config file is not an error; espbrewd
// starts with an empty catalog").
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Annotatef(err, "failed to read config %s", path)
	}
	if err := yaml.Unmarshal(data, &s.doc); err != nil {
		return nil, espbrewerr.New(espbrewerr.KindConfigParseError, err.Error())
	}
	if s.doc.ConfigVersion == 0 {
		// A file written before config_version existed, or hand-edited
		// down to zero; treat it as the oldest known schema.
		s.doc.ConfigVersion = 1
	}
	if s.doc.ConfigVersion > currentConfigVersion {
		glog.Warningf("config: %s has config_version %d, newer than this binary's %d; reading it as-is", path, s.doc.ConfigVersion, currentConfigVersion)
	}
	return s, nil
}

// OnAssignmentChange registers a listener invoked after every successful
// SetAssignment/RemoveAssignment.
func (s *Store) OnAssignmentChange(l AssignmentListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// BoardTypes returns a copy of the current catalog.
func (s *Store) BoardTypes() []board.BoardType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]board.BoardType, len(s.doc.BoardTypes))
	copy(out, s.doc.BoardTypes)
	return out
}

// UpsertBoardType adds or replaces a catalog entry by ID.
func (s *Store) UpsertBoardType(bt board.BoardType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.doc.BoardTypes {
		if existing.ID == bt.ID {
			s.doc.BoardTypes[i] = bt
			return s.saveLocked()
		}
	}
	s.doc.BoardTypes = append(s.doc.BoardTypes, bt)
	return s.saveLocked()
}

// Assignments returns a copy of the current assignment list.
func (s *Store) Assignments() []board.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]board.Assignment, len(s.doc.Assignments))
	copy(out, s.doc.Assignments)
	return out
}

// AssignmentFor returns the assignment for a given UniqueID, if any.
func (s *Store) AssignmentFor(uniqueID string) (board.Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.doc.Assignments {
		if a.UniqueID == uniqueID {
			return a, true
		}
	}
	return board.Assignment{}, false
}

// SetAssignment creates or replaces the assignment for uniqueID (spec.md
// §3: "at most one Assignment per UniqueID").
func (s *Store) SetAssignment(uniqueID, boardTypeID, logicalName string) error {
	s.mu.Lock()
	found := false
	for i, a := range s.doc.Assignments {
		if a.UniqueID == uniqueID {
			s.doc.Assignments[i].BoardTypeID = boardTypeID
			s.doc.Assignments[i].LogicalName = logicalName
			s.doc.Assignments[i].AssignedAt = time.Now()
			found = true
			break
		}
	}
	if !found {
		s.doc.Assignments = append(s.doc.Assignments, board.Assignment{
			UniqueID:    uniqueID,
			BoardTypeID: boardTypeID,
			LogicalName: logicalName,
			AssignedAt:  time.Now(),
		})
	}
	err := s.saveLocked()
	listeners := append([]AssignmentListener(nil), s.listeners...)
	s.mu.Unlock()
	if err == nil {
		for _, l := range listeners {
			l(uniqueID, boardTypeID, logicalName)
		}
	}
	return err
}

// RemoveAssignment deletes any assignment for uniqueID; a no-op if none
// exists.
func (s *Store) RemoveAssignment(uniqueID string) error {
	s.mu.Lock()
	out := s.doc.Assignments[:0]
	for _, a := range s.doc.Assignments {
		if a.UniqueID != uniqueID {
			out = append(out, a)
		}
	}
	s.doc.Assignments = out
	err := s.saveLocked()
	listeners := append([]AssignmentListener(nil), s.listeners...)
	s.mu.Unlock()
	if err == nil {
		for _, l := range listeners {
			l(uniqueID, "", "")
		}
	}
	return err
}

// saveLocked must be called with mu held. It serializes s.doc as YAML
// and writes it via a temp-file-then-rename so a concurrent reader of
// the path never observes a partially-written file.
func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil // in-memory store, used by tests
	}
	s.doc.ConfigVersion = currentConfigVersion
	s.doc.LastUpdated = time.Now()
	data, err := yaml.Marshal(s.doc)
	if err != nil {
		return espbrewerr.New(espbrewerr.KindConfigParseError, err.Error())
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".espbrew-config-*.yml")
	if err != nil {
		return espbrewerr.New(espbrewerr.KindConfigIoError, err.Error())
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return espbrewerr.New(espbrewerr.KindConfigIoError, err.Error())
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return espbrewerr.New(espbrewerr.KindConfigIoError, err.Error())
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return espbrewerr.New(espbrewerr.KindConfigIoError, err.Error())
	}
	glog.V(1).Infof("config: wrote %s (%d bytes)", s.path, len(data))
	return nil
}
