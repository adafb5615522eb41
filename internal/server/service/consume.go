package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"accession/internal/server/database"
	"accession/internal/server/packaging"
	"accession/internal/server/policy"
	"accession/internal/server/session"

	"github.com/google/uuid"
)

// SubmissionInput is the metadata committed together with the package.
type SubmissionInput struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

// Consume packages an ACTIVE session and marks it CONSUMED. The session
// row stays locked from the state check through the commit, so at most
// one Consume per session can succeed. Any failure rolls the package
// back and leaves the session ACTIVE.
func (s *SessionService) Consume(ctx context.Context, token string, in SubmissionInput) (*database.Package, error) {
	var built *packaging.Result

	err := s.store.InTx(ctx, func(tx database.Tx) error {
		sess, err := lockActive(ctx, tx, token, ErrInvalidState)
		if err != nil {
			return err
		}

		files, err := tx.ListFiles(ctx, sess.ID)
		if err != nil {
			return err
		}
		if len(files) == 0 || len(files) < s.cfg.MinFileCount {
			return fmt.Errorf("%w: %d file(s), at least %d required",
				ErrEmptySession, len(files), max(s.cfg.MinFileCount, 1))
		}
		if d := policy.CheckTotals(snapshotOf(sess, files), s.cfg.Limits); !d.Accepted {
			return fmt.Errorf("%w: %w", ErrInvalidState, d.Err())
		}

		now := s.now()
		sub := &database.Submission{
			ID:          uuid.New(),
			SessionID:   sess.ID,
			Owner:       sess.Owner,
			Title:       strings.TrimSpace(in.Title),
			Description: strings.TrimSpace(in.Description),
			Metadata:    in.Metadata,
			CreatedAt:   now,
		}

		built, err = s.packager.Build(ctx, sess, files, sub)
		if err != nil {
			if errors.Is(err, packaging.ErrChecksumMismatch) {
				return fmt.Errorf("%w: %w", ErrPackagingFailure, err)
			}
			return fmt.Errorf("%w: %w", ErrStorageFailure, err)
		}

		if err := tx.InsertSubmission(ctx, sub); err != nil {
			return fmt.Errorf("%w: %w", ErrPackagingFailure, err)
		}
		if err := tx.InsertPackage(ctx, built.Package); err != nil {
			return fmt.Errorf("%w: %w", ErrPackagingFailure, err)
		}
		ok, err := tx.TransitionSession(ctx, sess.ID, session.StatusActive, session.StatusConsumed, now)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPackagingFailure, err)
		}
		if !ok {
			return ErrInvalidState
		}
		return nil
	})
	if err != nil {
		if built != nil {
			s.rollback(ctx, token, built, err)
			if !Retryable(err) && !errors.Is(err, ErrInvalidState) {
				// a failed commit surfaces as a retryable packaging failure
				err = fmt.Errorf("%w: %w", ErrPackagingFailure, err)
			}
		}
		return nil, err
	}

	// leftovers from removals whose blob delete failed
	if err := s.temp.DeletePrefix(ctx, token); err != nil {
		slog.Warn("failed to clear consumed session storage",
			"token", session.ShortToken(token),
			"error", err,
		)
	}

	slog.Info("upload session consumed",
		"token", session.ShortToken(token),
		"package_id", built.Package.ID,
		"files", built.Package.FileCount,
		"total_size", built.Package.TotalSize,
	)
	return built.Package, nil
}

func (s *SessionService) rollback(ctx context.Context, token string, built *packaging.Result, cause error) {
	if err := s.packager.Rollback(context.WithoutCancel(ctx), built); err != nil {
		slog.Error("failed to roll back package",
			"token", session.ShortToken(token),
			"package_id", built.Package.ID,
			"cause", cause,
			"error", err,
		)
		return
	}
	slog.Warn("packaging rolled back",
		"token", session.ShortToken(token),
		"package_id", built.Package.ID,
		"cause", cause,
	)
}

