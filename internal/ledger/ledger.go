// Package ledger persists per-session checkpoint records.
//
// Each session gets one JSON file mapping prompt index to the repository
// commits captured around that prompt. Records are keyed purely by integer
// index. An earlier format keyed records by a hash of the prompt text; that
// broke whenever the text was re-encoded, so hash-keyed files are treated as
// unreadable legacy data and the ledger starts empty for them.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yunsheng111/Any-code/internal/fsutil"
)

// ErrRecordNotFound is returned when an operation requires a record that was
// never written, e.g. completing a prompt that was never recorded as sent.
var ErrRecordNotFound = errors.New("ledger record not found")

// GitRecord captures the repository state around one prompt. CommitAfter is
// empty until the backend's turn completes; an empty or unchanged CommitAfter
// means the turn made no code changes and is skipped during code revert.
type GitRecord struct {
	CommitBefore string `json:"commitBefore"`
	CommitAfter  string `json:"commitAfter,omitempty"`
	Timestamp    string `json:"timestamp"`
}

type envelope struct {
	SessionID   string               `json:"sessionId"`
	ProjectPath string               `json:"projectPath"`
	Records     map[string]GitRecord `json:"records"`
}

// Store reads and writes session ledgers under a single directory. Every
// mutation is a load-modify-save over the whole file; saves go through a
// temp-file rename so a crash never leaves a torn ledger.
type Store struct {
	dir string
	log *slog.Logger
}

func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: strings.TrimSpace(dir), log: logger}
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, strings.TrimSpace(sessionID)+".git-records.json")
}

// load returns the index-keyed records for a session. A missing file yields
// an empty map. A file whose record keys are not integers is the legacy
// hash-keyed format: it is logged and treated as empty rather than failing.
func (s *Store) load(sessionID string) (map[int]GitRecord, string, error) {
	b, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return map[int]GitRecord{}, "", nil
		}
		return nil, "", err
	}

	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, "", fmt.Errorf("parse ledger for session %s: %w", sessionID, err)
	}

	records := make(map[int]GitRecord, len(env.Records))
	for key, rec := range env.Records {
		idx, err := strconv.Atoi(key)
		if err != nil {
			s.log.Warn("ledger uses legacy hash-keyed format, starting empty",
				"session_id", sessionID, "key", key)
			return map[int]GitRecord{}, env.ProjectPath, nil
		}
		records[idx] = rec
	}
	return records, env.ProjectPath, nil
}

func (s *Store) save(sessionID, projectPath string, records map[int]GitRecord) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	env := envelope{
		SessionID:   strings.TrimSpace(sessionID),
		ProjectPath: strings.TrimSpace(projectPath),
		Records:     make(map[string]GitRecord, len(records)),
	}
	for idx, rec := range records {
		env.Records[strconv.Itoa(idx)] = rec
	}
	b, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path(sessionID), b, 0o600)
}

// RecordBefore stores the pre-dispatch commit for a prompt index, replacing
// any stale record at the same index.
func (s *Store) RecordBefore(sessionID, projectPath string, index int, commitBefore string) error {
	records, _, err := s.load(sessionID)
	if err != nil {
		return err
	}
	records[index] = GitRecord{
		CommitBefore: strings.TrimSpace(commitBefore),
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	return s.save(sessionID, projectPath, records)
}

// RecordAfter fills in the post-turn commit for a prompt index. A missing
// RecordBefore is a contract violation by the caller, not a user condition,
// and surfaces as ErrRecordNotFound.
func (s *Store) RecordAfter(sessionID, projectPath string, index int, commitAfter string) error {
	records, storedPath, err := s.load(sessionID)
	if err != nil {
		return err
	}
	rec, ok := records[index]
	if !ok {
		return fmt.Errorf("prompt %d has no commitBefore record: %w", index, ErrRecordNotFound)
	}
	rec.CommitAfter = strings.TrimSpace(commitAfter)
	records[index] = rec
	if storedPath != "" {
		projectPath = storedPath
	}
	return s.save(sessionID, projectPath, records)
}

// Get returns the record at index, if any.
func (s *Store) Get(sessionID string, index int) (GitRecord, bool, error) {
	records, _, err := s.load(sessionID)
	if err != nil {
		return GitRecord{}, false, err
	}
	rec, ok := records[index]
	return rec, ok, nil
}

// All returns every record for the session keyed by prompt index.
func (s *Store) All(sessionID string) (map[int]GitRecord, error) {
	records, _, err := s.load(sessionID)
	return records, err
}

// Count returns the number of records in the session ledger. It doubles as
// the bookkeeping index when version-control side effects are disabled.
func (s *Store) Count(sessionID string) (int, error) {
	records, _, err := s.load(sessionID)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// IndicesFrom returns the recorded indices >= index in descending order,
// which is the order code reverts must be applied in.
func (s *Store) IndicesFrom(sessionID string, index int) ([]int, error) {
	records, _, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	var out []int
	for idx := range records {
		if idx >= index {
			out = append(out, idx)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out, nil
}

// TruncateFrom drops every record whose index is >= index, keeping the
// ledger consistent with a transcript truncated to before that prompt.
func (s *Store) TruncateFrom(sessionID string, index int) error {
	records, storedPath, err := s.load(sessionID)
	if err != nil {
		return err
	}
	changed := false
	for idx := range records {
		if idx >= index {
			delete(records, idx)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.save(sessionID, storedPath, records)
}
