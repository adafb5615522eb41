package sweeper

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"accession/internal/server/config"
	"accession/internal/server/database"
	"accession/internal/server/packaging"
	"accession/internal/server/policy"
	"accession/internal/server/service"
	"accession/internal/server/session"
	"accession/internal/server/storage"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, threshold time.Duration) (*service.SessionService, *storage.FileSystemStore) {
	t.Helper()
	groups, err := policy.ParseGroups(policy.DefaultGroups)
	require.NoError(t, err)
	cfg := &config.Config{
		Limits: policy.Limits{
			MaxFileCount: 5,
			MaxFileSize:  1 << 20,
			MaxTotalSize: 1 << 21,
			Groups:       groups,
		},
		MinFileCount:        1,
		InactivityThreshold: threshold,
		AllowAnonymous:      true,
	}
	temp := storage.NewFileSystemStore(t.TempDir())
	archive := storage.NewFileSystemStore(t.TempDir())
	return service.NewSessionService(database.NewMemory(), temp, packaging.New(temp, archive, nil), nil, cfg), temp
}

func TestRunOnce_ExpiresIdleSessions(t *testing.T) {
	ctx := context.Background()
	svc, temp := newService(t, 100*time.Millisecond)

	sess, err := svc.CreateSession(ctx, "")
	require.NoError(t, err)
	_, err = svc.AddFile(ctx, sess.Token, "letter.pdf", 5, strings.NewReader("hello"))
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	fresh, err := svc.CreateSession(ctx, "")
	require.NoError(t, err)

	report := New(svc, time.Hour, nil).RunOnce(ctx)
	assert.Equal(t, Report{Candidates: 1, Expired: 1}, report)

	got, err := svc.GetSession(ctx, sess.Token, service.AccessRead)
	require.NoError(t, err)
	assert.Equal(t, session.StatusExpired, got.Status)

	keys, err := temp.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	files, err := svc.ListFiles(ctx, sess.Token)
	require.NoError(t, err)
	assert.Empty(t, files)

	other, err := svc.GetSession(ctx, fresh.Token, service.AccessRead)
	require.NoError(t, err)
	assert.Equal(t, session.StatusActive, other.Status)

	t.Run("second sweep is a no-op", func(t *testing.T) {
		report := New(svc, time.Hour, nil).RunOnce(ctx)
		assert.Zero(t, report.Expired)
	})
}

// brokenStore fails DeletePrefix while broken is set.
type brokenStore struct {
	storage.Store
	broken atomic.Bool
}

func (b *brokenStore) DeletePrefix(ctx context.Context, prefix string) error {
	if b.broken.Load() {
		return errors.New("disk unavailable")
	}
	return b.Store.DeletePrefix(ctx, prefix)
}

func TestRunOnce_ReclaimsAfterStorageFailure(t *testing.T) {
	ctx := context.Background()
	storage.RetryDelay = time.Millisecond

	groups, err := policy.ParseGroups(policy.DefaultGroups)
	require.NoError(t, err)
	cfg := &config.Config{
		Limits: policy.Limits{
			MaxFileCount: 5,
			MaxFileSize:  1 << 20,
			MaxTotalSize: 1 << 21,
			Groups:       groups,
		},
		MinFileCount:        1,
		InactivityThreshold: 50 * time.Millisecond,
		AllowAnonymous:      true,
	}
	fs := storage.NewFileSystemStore(t.TempDir())
	temp := &brokenStore{Store: fs}
	svc := service.NewSessionService(database.NewMemory(), temp,
		packaging.New(temp, storage.NewFileSystemStore(t.TempDir()), nil), nil, cfg)

	sess, err := svc.CreateSession(ctx, "")
	require.NoError(t, err)
	_, err = svc.AddFile(ctx, sess.Token, "letter.pdf", 5, strings.NewReader("hello"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	temp.broken.Store(true)
	report := New(svc, time.Hour, nil).RunOnce(ctx)
	assert.Equal(t, Report{Candidates: 1, Failed: 1}, report)

	got, err := svc.GetSession(ctx, sess.Token, service.AccessRead)
	require.NoError(t, err)
	assert.Equal(t, session.StatusExpired, got.Status)
	keys, err := fs.List(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, keys)

	temp.broken.Store(false)
	report = New(svc, time.Hour, nil).RunOnce(ctx)
	assert.Equal(t, Report{Reclaimed: 1}, report)

	keys, err = fs.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
	files, err := svc.ListFiles(ctx, sess.Token)
	require.NoError(t, err)
	assert.Empty(t, files)

	report = New(svc, time.Hour, nil).RunOnce(ctx)
	assert.Equal(t, Report{}, report)
}

func TestRunOnce_Concurrent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, time.Millisecond)
	for i := 0; i < 10; i++ {
		_, err := svc.CreateSession(ctx, "")
		require.NoError(t, err)
	}
	time.Sleep(10 * time.Millisecond)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		expired int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := New(svc, time.Hour, nil).RunOnce(ctx)
			mu.Lock()
			expired += r.Expired
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, expired)
}

// fakeExpirer fails Expire for the tokens in failing.
type fakeExpirer struct {
	mu       sync.Mutex
	sessions []*database.Session
	failing  map[string]bool
	expired  []string
}

func (f *fakeExpirer) IdleSessions(context.Context, int) ([]*database.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.Session
	for _, s := range f.sessions {
		if s.Status == session.StatusActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeExpirer) Expire(_ context.Context, token string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[token] {
		return false, errors.New("permission denied")
	}
	for _, s := range f.sessions {
		if s.Token == token {
			s.Status = session.StatusExpired
		}
	}
	f.expired = append(f.expired, token)
	return true, nil
}

func (f *fakeExpirer) UnreclaimedSessions(context.Context, int) ([]*database.Session, error) {
	return nil, nil
}

func (f *fakeExpirer) Reclaim(context.Context, string) (int64, error) {
	return 0, nil
}

func TestRunOnce_ContinuesPastFailures(t *testing.T) {
	f := &fakeExpirer{
		sessions: []*database.Session{
			{Token: "aaaaaaaa", Status: session.StatusActive},
			{Token: "bbbbbbbb", Status: session.StatusActive},
			{Token: "cccccccc", Status: session.StatusActive},
		},
		failing: map[string]bool{"bbbbbbbb": true},
	}

	report := New(f, time.Hour, nil).RunOnce(context.Background())
	assert.Equal(t, Report{Candidates: 3, Expired: 2, Failed: 1}, report)
	assert.Equal(t, []string{"aaaaaaaa", "cccccccc"}, f.expired)
}

func TestStartAndWait(t *testing.T) {
	f := &fakeExpirer{sessions: []*database.Session{{Token: "aaaaaaaa", Status: session.StatusActive}}}
	ctx, cancel := context.WithCancel(context.Background())

	s := New(f, time.Hour, nil)
	s.Start(ctx)
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.expired) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	s.Wait()
}

// TestLease runs against a real server when REDIS_URL is set.
func TestLease(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	lease := NewLease(client, time.Minute)
	lease.key += ":test"

	release, ok, err := lease.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lease.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	report := New(&fakeExpirer{}, time.Hour, lease).RunOnce(ctx)
	assert.True(t, report.LeaseHeld)

	release()
	release2, ok, err := lease.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
