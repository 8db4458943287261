// Package appointments is the receptionist's tool table and its JSON file
// storage for callers, appointments and past call summaries.
package appointments

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	appointmentsFile = "appointments.json"
	summariesFile    = "call_summaries.json"

	StatusBooked    = "booked"
	StatusCancelled = "cancelled"
)

type User struct {
	Name   string `json:"name"`
	UserID string `json:"user_id"`
}

type Appointment struct {
	AppointmentID string     `json:"appointment_id"`
	UserID        string     `json:"user_id"`
	Name          string     `json:"name"`
	Date          string     `json:"date"`
	Time          string     `json:"time"`
	Purpose       string     `json:"purpose"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ModifiedAt    *time.Time `json:"modified_at"`
}

type CallSummary struct {
	CallID    string    `json:"call_id"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

type database struct {
	Users        map[string]User `json:"users"`
	Appointments []Appointment   `json:"appointments"`
}

// Store keeps users and appointments in one JSON file and call summaries,
// keyed by user id, in another. Every operation reads and rewrites the file
// under a single lock.
type Store struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

type StoreOption func(*Store)

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Dir() string { return s.dir }

// load returns an empty database when the file is missing or unreadable, so a
// corrupt file never blocks a call.
func (s *Store) load() database {
	db := database{}
	raw, err := os.ReadFile(filepath.Join(s.dir, appointmentsFile))
	if err == nil {
		if err := json.Unmarshal(raw, &db); err != nil {
			logger.Warn("appointments file unreadable, starting empty", "error", err)
			db = database{}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("appointments file unreadable, starting empty", "error", err)
	}
	if db.Users == nil {
		db.Users = map[string]User{}
	}
	return db
}

func (s *Store) save(db database) error {
	return writeJSON(filepath.Join(s.dir, appointmentsFile), db)
}

func (s *Store) loadSummaries() map[string][]CallSummary {
	out := map[string][]CallSummary{}
	raw, err := os.ReadFile(filepath.Join(s.dir, summariesFile))
	if err != nil {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		logger.Warn("call summaries file unreadable, starting empty", "error", err)
		return map[string][]CallSummary{}
	}
	return out
}

// SaveCallSummary appends a summary to the caller's history. An empty user id
// is skipped and reported as such.
func (s *Store) SaveCallSummary(userID, callID, summary string) (map[string]any, error) {
	if userID == "" {
		return map[string]any{"status": "skipped", "message": "No user identified in this call."}, nil
	}
	uid := NormalizeID(userID)

	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.loadSummaries()
	all[uid] = append(all[uid], CallSummary{CallID: callID, Summary: summary, Timestamp: s.now()})
	if err := writeJSON(filepath.Join(s.dir, summariesFile), all); err != nil {
		return nil, fmt.Errorf("save call summary: %w", err)
	}
	logger.Info("saved call summary", "user_id", uid, "call_id", callID)
	return map[string]any{"status": "saved", "user_id": uid, "call_id": callID}, nil
}

// LastSummary returns the most recent summary for the caller, or nil.
func (s *Store) LastSummary(userID string) *CallSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSummaryLocked(NormalizeID(userID))
}

func (s *Store) lastSummaryLocked(uid string) *CallSummary {
	list := s.loadSummaries()[uid]
	if len(list) == 0 {
		return nil
	}
	last := list[len(list)-1]
	return &last
}

// NormalizeID keeps the first four digits found in what the caller said.
func NormalizeID(raw string) string {
	digits := make([]rune, 0, 4)
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
			if len(digits) == 4 {
				break
			}
		}
	}
	return string(digits)
}

func newUserID(users map[string]User) string {
	for range 100 {
		id := fmt.Sprintf("%d", 1000+rand.IntN(9000))
		if _, taken := users[id]; !taken {
			return id
		}
	}
	return fmt.Sprintf("%d", 1000+rand.IntN(9000))
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}
