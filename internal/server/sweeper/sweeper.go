// Package sweeper periodically expires abandoned upload sessions and
// reclaims their temporary storage.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"accession/internal/server/database"
	"accession/internal/server/session"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// batchSize bounds how many idle sessions one pass loads at a time.
const batchSize = 500

// Expirer is the part of the session service the sweeper drives.
type Expirer interface {
	IdleSessions(ctx context.Context, limit int) ([]*database.Session, error)
	Expire(ctx context.Context, token string) (bool, error)
	UnreclaimedSessions(ctx context.Context, limit int) ([]*database.Session, error)
	Reclaim(ctx context.Context, token string) (int64, error)
}

// Report summarizes one sweep.
type Report struct {
	Candidates int  `json:"candidates"`
	Expired    int  `json:"expired"`
	Skipped    int  `json:"skipped"`
	Reclaimed  int  `json:"reclaimed"`
	Failed     int  `json:"failed"`
	LeaseHeld  bool `json:"lease_held"`
}

// Sweeper runs RunOnce on a fixed interval.
type Sweeper struct {
	svc      Expirer
	interval time.Duration
	lease    *Lease
	done     chan struct{}
}

// New creates a sweeper. lease may be nil.
func New(svc Expirer, interval time.Duration, lease *Lease) *Sweeper {
	return &Sweeper{
		svc:      svc,
		interval: interval,
		lease:    lease,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("session sweeper started", "interval", s.interval)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		// Run once immediately on start
		s.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("session sweeper stopping")
				close(s.done)
				return
			}
		}
	}()
}

// Wait blocks until the sweeper has fully stopped.
func (s *Sweeper) Wait() {
	<-s.done
}

// RunOnce expires every ACTIVE session idle past the threshold, then
// retries storage cleanup for sessions that expired earlier but still hold
// files. A failure on one session is logged and the sweep moves on.
// Overlapping runs are harmless: Expire transitions each session at most
// once and Reclaim can repeat.
func (s *Sweeper) RunOnce(ctx context.Context) Report {
	var report Report

	if s.lease != nil {
		release, ok, err := s.lease.Acquire(ctx)
		if err != nil {
			// the lease only saves work, so sweep anyway
			slog.Warn("failed to acquire sweep lease", "error", err)
		} else if !ok {
			slog.Info("sweep skipped, another process holds the lease")
			report.LeaseHeld = true
			return report
		} else {
			defer release()
		}
	}

	slog.Info("running sweep")

	seen := make(map[string]bool)
	for {
		idle, err := s.svc.IdleSessions(ctx, batchSize)
		if err != nil {
			slog.Error("failed to list idle sessions", "error", err)
			break
		}

		progressed := false
		for _, sess := range idle {
			if seen[sess.Token] {
				continue
			}
			seen[sess.Token] = true
			progressed = true
			report.Candidates++

			expired, err := s.svc.Expire(ctx, sess.Token)
			switch {
			case err != nil:
				report.Failed++
				slog.Error("failed to expire session",
					"token", session.ShortToken(sess.Token),
					"last_activity_at", sess.LastActivityAt,
					"error", err,
				)
			case expired:
				report.Expired++
			default:
				// someone else got there first
				report.Skipped++
			}
		}

		if len(idle) < batchSize || !progressed || ctx.Err() != nil {
			break
		}
	}

	if ctx.Err() == nil {
		s.reclaimLeftovers(ctx, seen, &report)
	}

	slog.Info("sweep complete",
		"candidates", report.Candidates,
		"expired", report.Expired,
		"skipped", report.Skipped,
		"reclaimed", report.Reclaimed,
		"failed", report.Failed,
	)
	return report
}

// reclaimLeftovers skips sessions handled earlier in the same run; a
// failed expiry gets its retry on the next sweep.
func (s *Sweeper) reclaimLeftovers(ctx context.Context, seen map[string]bool, report *Report) {
	leftovers, err := s.svc.UnreclaimedSessions(ctx, batchSize)
	if err != nil {
		slog.Error("failed to list unreclaimed sessions", "error", err)
		return
	}

	for _, sess := range leftovers {
		if seen[sess.Token] {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		removed, err := s.svc.Reclaim(ctx, sess.Token)
		if err != nil {
			report.Failed++
			slog.Error("failed to reclaim expired session",
				"token", session.ShortToken(sess.Token),
				"error", err,
			)
			continue
		}
		report.Reclaimed++
		slog.Info("reclaimed expired session",
			"token", session.ShortToken(sess.Token),
			"files_removed", removed,
		)
	}
}

// Lease is a Redis lock that lets one process sweep at a time.
type Lease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewLease creates a lease; ttl should exceed the longest expected sweep.
func NewLease(client *redis.Client, ttl time.Duration) *Lease {
	return &Lease{client: client, key: "accession:sweeper:lease", ttl: ttl}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Acquire takes the lease if nobody holds it. The returned release func
// only deletes the key while it still carries this holder's ID.
func (l *Lease) Acquire(ctx context.Context) (release func(), ok bool, err error) {
	id := uuid.NewString()
	ok, err = l.client.SetNX(ctx, l.key, id, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		err := releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{l.key}, id).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			slog.Warn("failed to release sweep lease", "error", err)
		}
	}, true, nil
}
