package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	logx "autoposter/pkg/logx"
)

// fileStore keeps everything next to cfg.Path:
//
//   - <prefix>.activity.log  (append-only, one tab-separated record per line)
//   - <prefix>.state.json    (markers and dedup, rewritten via tmp+rename)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	activity  *os.File
	statePath string
	state     fileState
}

type fileState struct {
	Markers map[string]string `json:"markers"`
	Dedup   map[string]int64  `json:"dedup"` // unix milli
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	af, err := os.OpenFile(prefix+".activity.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open activity log")
	}

	s := &fileStore{
		log:       log,
		activity:  af,
		statePath: prefix + ".state.json",
		state:     fileState{Markers: map[string]string{}, Dedup: map[string]int64{}},
	}
	if err := s.loadState(); err != nil && !errors.Is(err, os.ErrNotExist) {
		// A corrupt state file only loses markers; keep going.
		log.Warn("state file unreadable; starting empty", logx.String("path", s.statePath), logx.Err(err))
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activity == nil {
		return nil
	}
	err := s.activity.Close()
	s.activity = nil
	return err
}

func (s *fileStore) AppendActivity(_ context.Context, e ActivityEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\n",
		e.At.Format(time.RFC3339), sanitize(e.JobID), sanitize(e.Channel), sanitize(e.Outcome), sanitize(e.Detail))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activity == nil {
		return ErrClosed
	}
	_, err := s.activity.WriteString(line)
	return err
}

func (s *fileStore) GetMarker(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.state.Markers[key]
	return v, ok, nil
}

func (s *fileStore) PutMarker(_ context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activity == nil {
		return ErrClosed
	}
	s.state.Markers[key] = value
	return s.saveStateLocked()
}

func (s *fileStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activity == nil {
		return ErrClosed
	}
	pruneExpiredDedup(s.state.Dedup)
	s.state.Dedup[key] = until.UnixMilli()
	return s.saveStateLocked()
}

func (s *fileStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.state.Dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) loadState() error {
	b, err := os.ReadFile(s.statePath)
	if err != nil {
		return errors.WithStack(err)
	}
	var st fileState
	if err := json.Unmarshal(b, &st); err != nil {
		return errors.Wrap(err, "decode state")
	}
	for k, v := range st.Markers {
		s.state.Markers[k] = v
	}
	for k, v := range st.Dedup {
		s.state.Dedup[k] = v
	}
	pruneExpiredDedup(s.state.Dedup)
	return nil
}

func (s *fileStore) saveStateLocked() error {
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode state")
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errors.Wrap(err, "write state")
	}
	return errors.Wrap(os.Rename(tmp, s.statePath), "replace state")
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
