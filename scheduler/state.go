package scheduler

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"github.com/aquasecurity/nvd-match/utils"
)

// StateFile is the default name of the persisted next-run times.
const StateFile = "last_update.json"

// StateStore persists the next run time of every job as a JSON object of job
// id to an RFC 3339 timestamp.
type StateStore struct {
	mu   sync.Mutex
	fs   utils.Fs
	path string
	loc  *time.Location
}

func NewStateStore(fs afero.Fs, path string, loc *time.Location) *StateStore {
	if loc == nil {
		loc = time.UTC
	}
	return &StateStore{fs: utils.NewFs(fs), path: path, loc: loc}
}

// Load returns the persisted times. A missing file is an empty state and
// timestamps that cannot be parsed are dropped.
func (s *StateStore) Load() (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *StateStore) load() (map[string]time.Time, error) {
	raw := map[string]string{}
	if err := s.fs.ReadJSON(s.path, &raw); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]time.Time{}, nil
		}
		return nil, xerrors.Errorf("failed to read scheduler state: %w", err)
	}

	state := map[string]time.Time{}
	for id, v := range raw {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			if t, err = dateparse.ParseIn(v, s.loc); err != nil {
				logrus.WithFields(logrus.Fields{"job": id, "value": v}).Warn("Ignoring unreadable next run time")
				continue
			}
		}
		state[id] = t
	}
	return state, nil
}

// Set records the next run time of one job, keeping the others.
func (s *StateStore) Set(id string, next time.Time) error {
	return s.SetAll(map[string]time.Time{id: next})
}

// SetAll records several next run times in one write.
func (s *StateStore) SetAll(next map[string]time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		// start over rather than keep failing on a corrupt file
		logrus.WithError(err).Warn("Overwriting scheduler state")
		state = map[string]time.Time{}
	}
	for id, t := range next {
		state[id] = t
	}

	raw := make(map[string]string, len(state))
	for id, t := range state {
		raw[id] = t.In(s.loc).Format(time.RFC3339)
	}
	if err = s.fs.WriteJSON(s.path, raw); err != nil {
		return xerrors.Errorf("failed to write scheduler state: %w", err)
	}
	return nil
}
