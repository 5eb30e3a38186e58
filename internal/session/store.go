// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jeranaias/relay-orchestrator/internal/userlock"
	"github.com/jeranaias/relay-orchestrator/internal/util"
)

// =============================================================================
// CONSTANTS AND ERRORS
// =============================================================================

const (
	// DefaultHistoryLimit is the number of messages kept per user.
	DefaultHistoryLimit = 20

	// DefaultWorkingContext is the working directory of a new session.
	DefaultWorkingContext = "/workspace"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

var (
	ErrInvalidUserID = errors.New("invalid user id")
	ErrCorrupt       = errors.New("session file is corrupt")
)

// SessionError wraps a storage failure for one user.
type SessionError struct {
	Op     string
	UserID int64
	Err    error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s (user %d): %v", e.Op, e.UserID, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Is lets errors.Is match a SessionError by operation.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// =============================================================================
// TYPES
// =============================================================================

// Turn is one history entry.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UserSession is the persisted state of one user. JSON names match the
// files written by earlier deployments so existing data keeps loading.
type UserSession struct {
	UserID         int64     `json:"user_id"`
	WorkingContext string    `json:"cwd"`
	ThreadID       *string   `json:"thread_id"`
	Model          string    `json:"current_model"`
	History        []Turn    `json:"conversation_history"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"last_updated"`
}

// timestampLayouts are accepted when reading; RFC 3339 is always written.
// The second form is the naive UTC isoformat of older session files.
var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"}

// UnmarshalJSON accepts both timestamp layouts in timestampLayouts.
func (u *UserSession) UnmarshalJSON(data []byte) error {
	type alias UserSession
	aux := struct {
		*alias
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"last_updated"`
	}{alias: (*alias)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if u.CreatedAt, err = parseTimestamp(aux.CreatedAt); err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	if u.UpdatedAt, err = parseTimestamp(aux.UpdatedAt); err != nil {
		return fmt.Errorf("last_updated: %w", err)
	}
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// Config configures a Store.
type Config struct {
	Dir            string
	HistoryLimit   int
	DefaultContext string
	DefaultModel   string

	// Locker guards the read-modify-write of one record. Share the
	// dispatcher's backend so replicas on one session dir serialize too.
	// Nil means an in-process MemoryLocker.
	Locker userlock.Locker
}

// =============================================================================
// STORE
// =============================================================================

// Store reads and writes user sessions.
type Store struct {
	dir            string
	historyLimit   int
	defaultContext string
	defaultModel   string
	locks          userlock.Locker
	now            func() time.Time
}

// NewStore creates the session directory if needed.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("session dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.DefaultContext == "" {
		cfg.DefaultContext = DefaultWorkingContext
	}
	if cfg.Locker == nil {
		cfg.Locker = userlock.NewMemoryLocker()
	}
	return &Store{
		dir:            cfg.Dir,
		historyLimit:   cfg.HistoryLimit,
		defaultContext: cfg.DefaultContext,
		defaultModel:   cfg.DefaultModel,
		locks:          cfg.Locker,
		now:            func() time.Time { return time.Now().UTC() },
	}, nil
}

// HistoryLimit returns the configured history window.
func (s *Store) HistoryLimit() int { return s.historyLimit }

func (s *Store) path(userID int64) string {
	return filepath.Join(s.dir, strconv.FormatInt(userID, 10)+".json")
}

// newDefault is the explicit getOrDefault constructor for absent records.
func (s *Store) newDefault(userID int64) *UserSession {
	now := s.now()
	return &UserSession{
		UserID:         userID,
		WorkingContext: s.defaultContext,
		Model:          s.defaultModel,
		History:        []Turn{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Load returns the stored session for userID or a fresh default one.
func (s *Store) Load(ctx context.Context, userID int64) (*UserSession, error) {
	unlock, err := s.locks.Lock(ctx, lockKey(userID))
	if err != nil {
		return nil, &SessionError{Op: "load", UserID: userID, Err: err}
	}
	defer unlock()
	return s.load(userID)
}

func (s *Store) load(userID int64) (*UserSession, error) {
	if userID == 0 {
		return nil, &SessionError{Op: "load", UserID: userID, Err: ErrInvalidUserID}
	}

	data, err := os.ReadFile(s.path(userID))
	if errors.Is(err, os.ErrNotExist) {
		return s.newDefault(userID), nil
	}
	if err != nil {
		return nil, &SessionError{Op: "load", UserID: userID, Err: err}
	}

	sess := s.newDefault(userID)
	if err := json.Unmarshal(data, sess); err != nil {
		return nil, &SessionError{Op: "load", UserID: userID, Err: fmt.Errorf("%w: %v", ErrCorrupt, err)}
	}
	sess.UserID = userID
	if sess.History == nil {
		sess.History = []Turn{}
	}
	if sess.Model == "" {
		sess.Model = s.defaultModel
	}
	if sess.WorkingContext == "" {
		sess.WorkingContext = s.defaultContext
	}
	return sess, nil
}

// Save persists the whole record and stamps UpdatedAt.
func (s *Store) Save(ctx context.Context, sess *UserSession) error {
	unlock, err := s.locks.Lock(ctx, lockKey(sess.UserID))
	if err != nil {
		return &SessionError{Op: "save", UserID: sess.UserID, Err: err}
	}
	defer unlock()
	return s.save(sess)
}

func (s *Store) save(sess *UserSession) error {
	if sess.UserID == 0 {
		return &SessionError{Op: "save", UserID: sess.UserID, Err: ErrInvalidUserID}
	}
	sess.UpdatedAt = s.now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.UpdatedAt
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return &SessionError{Op: "save", UserID: sess.UserID, Err: err}
	}
	if err := util.AtomicWriteFile(s.path(sess.UserID), data, 0o644); err != nil {
		return &SessionError{Op: "save", UserID: sess.UserID, Err: err}
	}
	return nil
}

// update runs a locked load-modify-save.
func (s *Store) update(ctx context.Context, userID int64, fn func(*UserSession)) (*UserSession, error) {
	unlock, err := s.locks.Lock(ctx, lockKey(userID))
	if err != nil {
		return nil, &SessionError{Op: "update", UserID: userID, Err: err}
	}
	defer unlock()

	sess, err := s.load(userID)
	if err != nil {
		return nil, err
	}
	fn(sess)
	if err := s.save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

// SetWorkingContext changes the working directory and clears the thread
// handle, so the next turn starts a fresh thread.
func (s *Store) SetWorkingContext(ctx context.Context, userID int64, value string) (*UserSession, error) {
	return s.update(ctx, userID, func(sess *UserSession) {
		sess.WorkingContext = value
		sess.ThreadID = nil
	})
}

// SwitchModel changes the active model and clears the whole history.
func (s *Store) SwitchModel(ctx context.Context, userID int64, modelID string) (*UserSession, error) {
	return s.update(ctx, userID, func(sess *UserSession) {
		sess.Model = modelID
		sess.History = []Turn{}
	})
}

// AppendTurn adds one message and keeps only the most recent HistoryLimit.
func (s *Store) AppendTurn(ctx context.Context, userID int64, role, content string) (*UserSession, error) {
	return s.update(ctx, userID, func(sess *UserSession) {
		sess.History = append(sess.History, Turn{Role: role, Content: content})
		if over := len(sess.History) - s.historyLimit; over > 0 {
			kept := make([]Turn, s.historyLimit)
			copy(kept, sess.History[over:])
			sess.History = kept
		}
	})
}

// ResetConversation clears history and thread handle, keeping context and model.
func (s *Store) ResetConversation(ctx context.Context, userID int64) (*UserSession, error) {
	return s.update(ctx, userID, func(sess *UserSession) {
		sess.History = []Turn{}
		sess.ThreadID = nil
	})
}

func lockKey(userID int64) string {
	return "session:" + strconv.FormatInt(userID, 10)
}
