package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"accession/internal/server/config"
	"accession/internal/server/database"
	"accession/internal/server/packaging"
	"accession/internal/server/scan"
	"accession/internal/server/session"
	"accession/internal/server/storage"

	"github.com/google/uuid"
)

// Sentinel errors for the service layer. Policy rejections are reported
// as *policy.RejectionError instead.
var (
	ErrNotFound         = errors.New("upload session not found")
	ErrFileNotFound     = errors.New("file not found in upload session")
	ErrInvalidState     = errors.New("upload session is not active")
	ErrEmptySession     = errors.New("upload session does not hold enough files")
	ErrOwnerRequired    = errors.New("an owner is required to start an upload session")
	ErrStorageFailure   = errors.New("storage failure")
	ErrPackagingFailure = errors.New("packaging failure")
)

// Retryable reports whether err is an operational failure that may
// succeed when tried again.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageFailure) || errors.Is(err, ErrPackagingFailure)
}

// Access is the intent of a session lookup.
type Access int

const (
	// AccessRead succeeds for sessions in any state.
	AccessRead Access = iota
	// AccessMutate succeeds only for ACTIVE sessions.
	AccessMutate
)

// SessionService owns the lifecycle of upload sessions.
type SessionService struct {
	store    database.Store
	temp     storage.Store
	packager *packaging.Packager
	scanner  scan.Scanner
	cfg      *config.Config
	now      func() time.Time
}

// NewSessionService creates a new session service. A nil scanner accepts
// every file.
func NewSessionService(store database.Store, temp storage.Store, packager *packaging.Packager, scanner scan.Scanner, cfg *config.Config) *SessionService {
	if scanner == nil {
		scanner = scan.NopScanner{}
	}
	return &SessionService{
		store:    store,
		temp:     temp,
		packager: packager,
		scanner:  scanner,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateSession allocates a new ACTIVE session.
func (s *SessionService) CreateSession(ctx context.Context, owner string) (*database.Session, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" && !s.cfg.AllowAnonymous {
		return nil, ErrOwnerRequired
	}

	token, err := session.NewToken()
	if err != nil {
		return nil, err
	}

	now := s.now()
	sess := &database.Session{
		ID:             uuid.New(),
		Token:          token,
		Owner:          owner,
		Status:         session.StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}

	slog.Info("upload session created",
		"token", session.ShortToken(token),
		"anonymous", owner == "",
	)
	return sess, nil
}

// GetSession looks a session up by token. Mutating access treats
// EXPIRED and CONSUMED sessions as unknown.
func (s *SessionService) GetSession(ctx context.Context, token string, access Access) (*database.Session, error) {
	sess, err := s.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if access == AccessMutate && !sess.Status.Mutable() {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Touch records activity on an ACTIVE session.
func (s *SessionService) Touch(ctx context.Context, token string) error {
	return s.store.InTx(ctx, func(tx database.Tx) error {
		sess, err := lockActive(ctx, tx, token, ErrNotFound)
		if err != nil {
			return err
		}
		return tx.TouchSession(ctx, sess.ID, s.now())
	})
}

// lockActive locks the session and returns inactive if it is not ACTIVE.
func lockActive(ctx context.Context, tx database.Tx, token string, inactive error) (*database.Session, error) {
	sess, err := tx.LockSession(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !sess.Status.Mutable() {
		return nil, inactive
	}
	return sess, nil
}

// Expire moves an ACTIVE session to EXPIRED and reclaims its temporary
// storage. It reports whether this call made the transition; only that
// caller deletes anything, so concurrent calls never double-free.
func (s *SessionService) Expire(ctx context.Context, token string) (bool, error) {
	changed, err := s.store.ExpireSession(ctx, token, s.now())
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return false, ErrNotFound
		}
		return false, err
	}
	if !changed {
		return false, nil
	}

	removed, err := s.Reclaim(ctx, token)
	if err != nil {
		return true, err
	}

	slog.Info("upload session expired",
		"token", session.ShortToken(token),
		"files_removed", removed,
	)
	return true, nil
}

// Reclaim deletes the temporary blobs and file records of an EXPIRED
// session and returns how many records it removed. Repeating it is
// harmless. File records are only dropped once the blobs are gone, so a
// failed reclaim leaves the session visible to UnreclaimedSessions.
func (s *SessionService) Reclaim(ctx context.Context, token string) (int64, error) {
	sess, err := s.store.GetSession(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrSessionNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if sess.Status != session.StatusExpired {
		return 0, ErrInvalidState
	}

	err = storage.RetryOnce(ctx, "reclaim session", func() error {
		return s.temp.DeletePrefix(ctx, token)
	})
	if err != nil {
		slog.Error("failed to reclaim expired session storage",
			"token", session.ShortToken(token),
			"error", err,
		)
		return 0, fmt.Errorf("%w: %w", ErrStorageFailure, err)
	}

	return s.store.DeleteFiles(ctx, sess.ID)
}

// UnreclaimedSessions returns EXPIRED sessions whose storage is still held,
// typically because deleting it failed when they expired.
func (s *SessionService) UnreclaimedSessions(ctx context.Context, limit int) ([]*database.Session, error) {
	return s.store.ListUnreclaimed(ctx, limit)
}

// IdleSessions returns ACTIVE sessions inactive for longer than the
// configured threshold.
func (s *SessionService) IdleSessions(ctx context.Context, limit int) ([]*database.Session, error) {
	return s.store.ListIdle(ctx, s.now().Add(-s.cfg.InactivityThreshold), limit)
}

// Reminder describes an ACTIVE session close to expiring.
type Reminder struct {
	Token          string    `json:"token"`
	Owner          string    `json:"owner,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ListNearingExpiry returns ACTIVE sessions whose expiry falls within the
// reminder window from now. It has no side effects.
func (s *SessionService) ListNearingExpiry(ctx context.Context) ([]Reminder, error) {
	now := s.now()
	threshold := s.cfg.InactivityThreshold

	// expiry = last_activity + threshold, and now < expiry <= now + window
	from := now.Add(-threshold)
	to := from.Add(s.cfg.ReminderWindow)

	sessions, err := s.store.ListActiveBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}

	out := make([]Reminder, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, Reminder{
			Token:          sess.Token,
			Owner:          sess.Owner,
			LastActivityAt: sess.LastActivityAt,
			ExpiresAt:      sess.LastActivityAt.Add(threshold),
		})
	}
	return out, nil
}

// GetPackage returns a committed package.
func (s *SessionService) GetPackage(ctx context.Context, id uuid.UUID) (*database.Package, error) {
	pkg, err := s.store.GetPackage(ctx, id)
	if errors.Is(err, database.ErrPackageNotFound) {
		return nil, ErrNotFound
	}
	return pkg, err
}

// Stats returns aggregate server statistics.
func (s *SessionService) Stats(ctx context.Context) (*database.Stats, error) {
	return s.store.Stats(ctx)
}

// HealthCheck reports whether the relational store is reachable.
func (s *SessionService) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}
