package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"accession/internal/server/session"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const sessionColumns = `id, token, owner, status, created_at, last_activity_at, expired_at, consumed_at`

const fileColumns = `id, session_id, original_name, size_bytes, storage_key, checksum, created_at`

const packageColumns = `id, submission_id, storage_root, algorithms, manifest, file_count, total_size, created_at`

// Repository is the PostgreSQL Store.
type Repository struct {
	db *DB
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// CreateSession inserts a new session record.
func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO upload_sessions (id, token, owner, status, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.ID, s.Token, s.Owner, string(s.Status), s.CreatedAt, s.LastActivityAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by token.
func (r *Repository) GetSession(ctx context.Context, token string) (*Session, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE token = $1`, token)
	return scanSession(row)
}

// ListFiles returns the files of a session in upload order.
func (r *Repository) ListFiles(ctx context.Context, sessionID uuid.UUID) ([]*File, error) {
	return listFiles(ctx, r.db.Pool, sessionID)
}

// ListIdle returns ACTIVE sessions idle since before cutoff, oldest first.
func (r *Repository) ListIdle(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM upload_sessions
		WHERE status = $1 AND last_activity_at < $2
		ORDER BY last_activity_at
		LIMIT $3
	`, string(session.StatusActive), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query idle sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListActiveBetween returns ACTIVE sessions with from < last_activity_at <= to.
func (r *Repository) ListActiveBetween(ctx context.Context, from, to time.Time) ([]*Session, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM upload_sessions
		WHERE status = $1 AND last_activity_at > $2 AND last_activity_at <= $3
		ORDER BY last_activity_at
	`, string(session.StatusActive), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	return collectSessions(rows)
}

// ExpireSession atomically transitions an ACTIVE session to EXPIRED.
func (r *Repository) ExpireSession(ctx context.Context, token string, at time.Time) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE upload_sessions SET status = $1, expired_at = $2
		WHERE token = $3 AND status = $4
	`, string(session.StatusExpired), at, token, string(session.StatusActive))
	if err != nil {
		return false, fmt.Errorf("failed to expire session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM upload_sessions WHERE token = $1)", token,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	if !exists {
		return false, ErrSessionNotFound
	}
	return false, nil
}

// DeleteFiles removes every file record of a session.
func (r *Repository) DeleteFiles(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM uploaded_files WHERE session_id = $1", sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete files: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListUnreclaimed returns EXPIRED sessions that still own file records,
// oldest expiry first.
func (r *Repository) ListUnreclaimed(ctx context.Context, limit int) ([]*Session, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+sessionColumns+` FROM upload_sessions s
		WHERE status = $1
		  AND EXISTS (SELECT 1 FROM uploaded_files f WHERE f.session_id = s.id)
		ORDER BY expired_at
		LIMIT $2
	`, string(session.StatusExpired), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unreclaimed sessions: %w", err)
	}
	return collectSessions(rows)
}

// GetPackage retrieves a package by ID.
func (r *Repository) GetPackage(ctx context.Context, id uuid.UUID) (*Package, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+packageColumns+` FROM archival_packages WHERE id = $1`, id)
	return scanPackage(row)
}

// GetPackageBySession retrieves the package produced from a session.
func (r *Repository) GetPackageBySession(ctx context.Context, sessionID uuid.UUID) (*Package, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT p.id, p.submission_id, p.storage_root, p.algorithms, p.manifest,
		       p.file_count, p.total_size, p.created_at
		FROM archival_packages p
		JOIN submissions s ON s.id = p.submission_id
		WHERE s.session_id = $1
	`, sessionID)
	return scanPackage(row)
}

// Stats returns aggregate server statistics.
func (r *Repository) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM upload_sessions WHERE status = 'ACTIVE'),
			(SELECT COUNT(*) FROM upload_sessions WHERE status = 'EXPIRED'),
			(SELECT COUNT(*) FROM upload_sessions WHERE status = 'CONSUMED'),
			(SELECT COALESCE(SUM(f.size_bytes), 0) FROM uploaded_files f
				JOIN upload_sessions s ON s.id = f.session_id WHERE s.status = 'ACTIVE'),
			(SELECT COUNT(*) FROM archival_packages),
			(SELECT COALESCE(SUM(total_size), 0) FROM archival_packages)
	`).Scan(
		&stats.ActiveSessions,
		&stats.ExpiredSessions,
		&stats.ConsumedSessions,
		&stats.TemporaryBytes,
		&stats.Packages,
		&stats.ArchivedBytes,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}

// HealthCheck verifies the database connection is alive.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// InTx begins a transaction, runs fn, and commits on success or rolls back
// on error or panic. Panics are rethrown.
func (r *Repository) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", cerr)
		}
	}()

	return fn(&pgTx{tx: tx})
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockSession(ctx context.Context, token string) (*Session, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions WHERE token = $1 FOR UPDATE`, token)
	return scanSession(row)
}

func (t *pgTx) ListFiles(ctx context.Context, sessionID uuid.UUID) ([]*File, error) {
	return listFiles(ctx, t.tx, sessionID)
}

func (t *pgTx) InsertFile(ctx context.Context, f *File) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO uploaded_files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, f.ID, f.SessionID, f.OriginalName, f.SizeBytes, f.StorageKey, f.Checksum, f.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateFile
		}
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

func (t *pgTx) DeleteFile(ctx context.Context, sessionID uuid.UUID, name string) (*File, error) {
	row := t.tx.QueryRow(ctx, `
		DELETE FROM uploaded_files WHERE session_id = $1 AND original_name = $2
		RETURNING `+fileColumns, sessionID, name)
	f, err := scanFile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete file: %w", err)
	}
	return f, nil
}

func (t *pgTx) TouchSession(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE upload_sessions SET last_activity_at = $1 WHERE id = $2", at, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (t *pgTx) TransitionSession(ctx context.Context, sessionID uuid.UUID, from, to session.Status, at time.Time) (bool, error) {
	if _, err := session.Transition(from, to); err != nil {
		return false, err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE upload_sessions SET
			status = $1,
			expired_at  = CASE WHEN $1 = 'EXPIRED'  THEN $2::timestamptz ELSE expired_at END,
			consumed_at = CASE WHEN $1 = 'CONSUMED' THEN $2::timestamptz ELSE consumed_at END
		WHERE id = $3 AND status = $4
	`, string(to), at, sessionID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertSubmission(ctx context.Context, s *Submission) error {
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode submission metadata: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO submissions (id, session_id, owner, title, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.SessionID, s.Owner, s.Title, s.Description, string(metadata), s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

func (t *pgTx) InsertPackage(ctx context.Context, p *Package) error {
	manifest, err := json.Marshal(p.Manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO archival_packages (`+packageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.ID, p.SubmissionID, p.StorageRoot, p.Algorithms, string(manifest),
		p.FileCount, p.TotalSize, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert package: %w", err)
	}
	return nil
}

// --- Scanning helpers ---

func scanSession(row pgx.Row) (*Session, error) {
	s := &Session{}
	var status string
	err := row.Scan(
		&s.ID,
		&s.Token,
		&s.Owner,
		&status,
		&s.CreatedAt,
		&s.LastActivityAt,
		&s.ExpiredAt,
		&s.ConsumedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if s.Status, err = session.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("database contains invalid status: %w", err)
	}
	return s, nil
}

func collectSessions(rows pgx.Rows) ([]*Session, error) {
	defer rows.Close()
	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanFile(row pgx.Row) (*File, error) {
	f := &File{}
	err := row.Scan(
		&f.ID,
		&f.SessionID,
		&f.OriginalName,
		&f.SizeBytes,
		&f.StorageKey,
		&f.Checksum,
		&f.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func listFiles(ctx context.Context, q querier, sessionID uuid.UUID) ([]*File, error) {
	rows, err := q.Query(ctx, `
		SELECT `+fileColumns+` FROM uploaded_files
		WHERE session_id = $1
		ORDER BY created_at, original_name
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func scanPackage(row pgx.Row) (*Package, error) {
	p := &Package{}
	var manifest []byte
	err := row.Scan(
		&p.ID,
		&p.SubmissionID,
		&p.StorageRoot,
		&p.Algorithms,
		&manifest,
		&p.FileCount,
		&p.TotalSize,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPackageNotFound
		}
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	if err := json.Unmarshal(manifest, &p.Manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return p, nil
}
