// Package session implements the durable store for pipeline run state.
// One JSON record per input-set fingerprint, written atomically after every
// item transition, guarded by an advisory lock against concurrent runs.
package session

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hollien/bookvoice/pkg/models"
)

// ErrPersistence marks store read/write failures. Once raised, the run must
// abort: state integrity past this point cannot be guaranteed.
var ErrPersistence = errors.New("session store failure")

// Store persists sessions as human-inspectable JSON files under a single
// directory, one file per fingerprint.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates the session directory if needed and returns a store.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating session directory: %v", ErrPersistence, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the session directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Fingerprint derives the stable session key from the ordered item IDs.
// Two runs over the same inputs in the same order produce the same value.
func Fingerprint(itemIDs []string) string {
	h := sha256.New()
	for _, id := range itemIDs {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}

func (s *Store) sessionPath(fingerprint string) string {
	return filepath.Join(s.dir, "session_"+fingerprint+".json")
}

// ErrNotFound reports a fingerprint with no stored session.
var ErrNotFound = errors.New("session not found")

// LoadOrCreate returns the existing session for a fingerprint, or creates a
// fresh one at the extraction stage with one pending item per ID.
func (s *Store) LoadOrCreate(fingerprint string, itemIDs []string) (*models.Session, error) {
	sess, err := s.Load(fingerprint)
	if errors.Is(err, ErrNotFound) {
		return s.create(fingerprint, itemIDs), nil
	}
	return sess, err
}

// Load reads the session for a fingerprint. Items left in_progress by a
// crash are reset to pending: an interrupted attempt is redone in full,
// never resumed partially.
func (s *Store) Load(fingerprint string) (*models.Session, error) {
	path := s.sessionPath(fingerprint)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, fingerprint)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrPersistence, path, err)
	}

	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrPersistence, path, err)
	}

	reset := 0
	for i := range sess.Items {
		if sess.Items[i].Status == models.StatusInProgress {
			sess.Items[i].Status = models.StatusPending
			reset++
		}
	}
	for _, rec := range sess.Document {
		if rec.Status == models.StatusInProgress {
			rec.Status = models.StatusPending
			reset++
		}
	}

	s.logger.Info("Session loaded",
		"fingerprint", sess.Fingerprint,
		"stage", sess.Stage,
		"items", len(sess.Items),
		"reset_in_progress", reset)

	return &sess, nil
}

// create builds a fresh session without assigning run identity: identity and
// timestamps are stamped on first Save, so repeated LoadOrCreate calls before
// a save return equivalent sessions.
func (s *Store) create(fingerprint string, itemIDs []string) *models.Session {
	sess := &models.Session{
		Fingerprint: fingerprint,
		Stage:       models.StageExtraction,
		Items:       make([]models.ItemRecord, 0, len(itemIDs)),
	}
	for _, id := range itemIDs {
		sess.Items = append(sess.Items, models.ItemRecord{
			ItemID: id,
			Status: models.StatusPending,
		})
	}
	sess.Stats.TotalItems = len(itemIDs)

	s.logger.Info("Session created", "fingerprint", fingerprint, "items", len(itemIDs))
	return sess
}

// Save durably persists the full session state. Writes go to a temp file
// first and are renamed into place, so a crash mid-save never corrupts the
// previously committed record.
func (s *Store) Save(sess *models.Session) error {
	now := time.Now()
	if sess.RunID == "" {
		sess.RunID = uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshaling session: %v", ErrPersistence, err)
	}

	path := s.sessionPath(sess.Fingerprint)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrPersistence, tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("%w: renaming %s: %v", ErrPersistence, tempPath, err)
	}

	s.logger.Debug("Session saved", "fingerprint", sess.Fingerprint, "stage", sess.Stage)
	return nil
}

// List returns summaries of all stored sessions, most recently updated first.
func (s *Store) List() ([]models.SessionSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading session directory: %v", ErrPersistence, err)
	}

	var summaries []models.SessionSummary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "session_") || !strings.HasSuffix(name, ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("Skipping unreadable session file", "file", name, "error", err)
			continue
		}
		var sess models.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			s.logger.Warn("Skipping malformed session file", "file", name, "error", err)
			continue
		}

		pending, inProgress, succeeded, failed := sess.ItemCounts()
		summaries = append(summaries, models.SessionSummary{
			Fingerprint: sess.Fingerprint,
			Stage:       sess.Stage,
			CreatedAt:   sess.CreatedAt,
			UpdatedAt:   sess.UpdatedAt,
			Total:       len(sess.Items),
			Succeeded:   succeeded,
			Failed:      failed,
			Pending:     pending + inProgress,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// Delete removes the session record for a fingerprint. Missing records are
// not an error.
func (s *Store) Delete(fingerprint string) error {
	path := s.sessionPath(fingerprint)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: removing %s: %v", ErrPersistence, path, err)
	}
	return nil
}

// DeleteOlderThan removes sessions whose UpdatedAt is older than the cutoff
// and returns how many were removed. Sessions are otherwise never deleted.
func (s *Store) DeleteOlderThan(age time.Duration) (int, error) {
	summaries, err := s.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-age)
	removed := 0
	for _, sum := range summaries {
		if sum.UpdatedAt.After(cutoff) {
			continue
		}
		path := s.sessionPath(sum.Fingerprint)
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("%w: removing %s: %v", ErrPersistence, path, err)
		}
		s.logger.Info("Removed old session", "fingerprint", sum.Fingerprint, "updated_at", sum.UpdatedAt)
		removed++
	}
	return removed, nil
}
