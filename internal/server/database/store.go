package database

import (
	"context"
	"errors"
	"time"

	"accession/internal/server/session"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrPackageNotFound = errors.New("package not found")
	ErrDuplicateFile   = errors.New("file name already exists in session")
)

// Store is the relational state behind upload sessions. Implementations
// must give InTx serializable semantics per session: LockSession blocks
// other transactions locking the same session until commit or rollback.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, token string) (*Session, error)
	ListFiles(ctx context.Context, sessionID uuid.UUID) ([]*File, error)

	// ListIdle returns ACTIVE sessions whose last activity is before cutoff.
	ListIdle(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error)
	// ListActiveBetween returns ACTIVE sessions with from < last_activity_at <= to.
	ListActiveBetween(ctx context.Context, from, to time.Time) ([]*Session, error)

	// ExpireSession moves an ACTIVE session to EXPIRED and reports whether
	// this call made the transition.
	ExpireSession(ctx context.Context, token string, at time.Time) (bool, error)
	DeleteFiles(ctx context.Context, sessionID uuid.UUID) (int64, error)
	// ListUnreclaimed returns EXPIRED sessions that still have file records.
	ListUnreclaimed(ctx context.Context, limit int) ([]*Session, error)

	GetPackage(ctx context.Context, id uuid.UUID) (*Package, error)
	GetPackageBySession(ctx context.Context, sessionID uuid.UUID) (*Package, error)
	Stats(ctx context.Context) (*Stats, error)
	HealthCheck(ctx context.Context) error

	// InTx runs fn in a transaction, committing if it returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view used for every check-then-write sequence.
type Tx interface {
	// LockSession loads the session and holds its row lock until the
	// transaction ends.
	LockSession(ctx context.Context, token string) (*Session, error)
	ListFiles(ctx context.Context, sessionID uuid.UUID) ([]*File, error)
	InsertFile(ctx context.Context, f *File) error
	DeleteFile(ctx context.Context, sessionID uuid.UUID, name string) (*File, error)
	TouchSession(ctx context.Context, sessionID uuid.UUID, at time.Time) error
	// TransitionSession updates status only if it currently equals from.
	TransitionSession(ctx context.Context, sessionID uuid.UUID, from, to session.Status, at time.Time) (bool, error)
	InsertSubmission(ctx context.Context, s *Submission) error
	InsertPackage(ctx context.Context, p *Package) error
}
