package database

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"accession/internal/server/session"

	"github.com/google/uuid"
)

// Memory is an in-process Store for tests and DATABASE_URL=memory://.
// A single mutex serializes every transaction, and a failed InTx restores
// the state captured when it began.
type Memory struct {
	mu    sync.Mutex
	state memState
}

var _ Store = (*Memory)(nil)

type memState struct {
	sessions    map[string]*Session // by token
	tokens      map[uuid.UUID]string
	files       map[uuid.UUID][]*File
	submissions map[uuid.UUID]*Submission
	packages    map[uuid.UUID]*Package
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{state: memState{
		sessions:    make(map[string]*Session),
		tokens:      make(map[uuid.UUID]string),
		files:       make(map[uuid.UUID][]*File),
		submissions: make(map[uuid.UUID]*Submission),
		packages:    make(map[uuid.UUID]*Package),
	}}
}

func (st memState) clone() memState {
	c := memState{
		sessions:    make(map[string]*Session, len(st.sessions)),
		tokens:      maps.Clone(st.tokens),
		files:       make(map[uuid.UUID][]*File, len(st.files)),
		submissions: make(map[uuid.UUID]*Submission, len(st.submissions)),
		packages:    make(map[uuid.UUID]*Package, len(st.packages)),
	}
	for k, s := range st.sessions {
		c.sessions[k] = copySession(s)
	}
	for k, fs := range st.files {
		dup := make([]*File, len(fs))
		for i, f := range fs {
			cp := *f
			dup[i] = &cp
		}
		c.files[k] = dup
	}
	for k, s := range st.submissions {
		c.submissions[k] = copySubmission(s)
	}
	for k, p := range st.packages {
		c.packages[k] = copyPackage(p)
	}
	return c
}

func copySession(s *Session) *Session {
	cp := *s
	if s.ExpiredAt != nil {
		t := *s.ExpiredAt
		cp.ExpiredAt = &t
	}
	if s.ConsumedAt != nil {
		t := *s.ConsumedAt
		cp.ConsumedAt = &t
	}
	return &cp
}

func copySubmission(s *Submission) *Submission {
	cp := *s
	cp.Metadata = maps.Clone(s.Metadata)
	return &cp
}

func copyPackage(p *Package) *Package {
	cp := *p
	cp.Algorithms = append([]string(nil), p.Algorithms...)
	cp.Manifest = make([]ManifestEntry, len(p.Manifest))
	for i, e := range p.Manifest {
		e.Checksums = maps.Clone(e.Checksums)
		cp.Manifest[i] = e
	}
	return &cp
}

func (m *Memory) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.sessions[s.Token] = copySession(s)
	m.state.tokens[s.ID] = s.Token
	return nil
}

func (m *Memory) GetSession(_ context.Context, token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(s), nil
}

func (m *Memory) ListFiles(_ context.Context, sessionID uuid.UUID) ([]*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.listFiles(sessionID), nil
}

func (st *memState) listFiles(sessionID uuid.UUID) []*File {
	fs := st.files[sessionID]
	out := make([]*File, len(fs))
	for i, f := range fs {
		cp := *f
		out[i] = &cp
	}
	return out
}

func (m *Memory) ListIdle(_ context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.state.filterActive(func(s *Session) bool {
		return s.LastActivityAt.Before(cutoff)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListActiveBetween(_ context.Context, from, to time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.filterActive(func(s *Session) bool {
		return s.LastActivityAt.After(from) && !s.LastActivityAt.After(to)
	}), nil
}

// filterActive returns copies of matching ACTIVE sessions, least recently
// active first.
func (st *memState) filterActive(match func(*Session) bool) []*Session {
	var out []*Session
	for _, s := range st.sessions {
		if s.Status == session.StatusActive && match(s) {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.Before(out[j].LastActivityAt)
	})
	return out
}

func (m *Memory) ExpireSession(_ context.Context, token string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.sessions[token]
	if !ok {
		return false, ErrSessionNotFound
	}
	if s.Status != session.StatusActive {
		return false, nil
	}
	s.Status = session.StatusExpired
	s.ExpiredAt = &at
	return true, nil
}

func (m *Memory) DeleteFiles(_ context.Context, sessionID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.state.files[sessionID]))
	delete(m.state.files, sessionID)
	return n, nil
}

func (m *Memory) ListUnreclaimed(_ context.Context, limit int) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.state.sessions {
		if s.Status == session.StatusExpired && len(m.state.files[s.ID]) > 0 {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiredAt.Before(*out[j].ExpiredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetPackage(_ context.Context, id uuid.UUID) (*Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.packages[id]
	if !ok {
		return nil, ErrPackageNotFound
	}
	return copyPackage(p), nil
}

func (m *Memory) GetPackageBySession(_ context.Context, sessionID uuid.UUID) (*Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.state.packages {
		if sub, ok := m.state.submissions[p.SubmissionID]; ok && sub.SessionID == sessionID {
			return copyPackage(p), nil
		}
	}
	return nil, ErrPackageNotFound
}

func (m *Memory) Stats(_ context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Stats{}
	for _, s := range m.state.sessions {
		switch s.Status {
		case session.StatusActive:
			stats.ActiveSessions++
			for _, f := range m.state.files[s.ID] {
				stats.TemporaryBytes += f.SizeBytes
			}
		case session.StatusExpired:
			stats.ExpiredSessions++
		case session.StatusConsumed:
			stats.ConsumedSessions++
		}
	}
	for _, p := range m.state.packages {
		stats.Packages++
		stats.ArchivedBytes += p.TotalSize
	}
	return stats, nil
}

func (m *Memory) HealthCheck(context.Context) error { return nil }

// InTx holds the store lock for the whole of fn. fn must only use tx;
// calling other Memory methods from inside fn deadlocks.
func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	defer func() {
		if p := recover(); p != nil {
			m.state = snapshot
			panic(p)
		}
		if err != nil {
			m.state = snapshot
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memTx{st: &m.state})
}

type memTx struct {
	st *memState
}

func (t *memTx) LockSession(_ context.Context, token string) (*Session, error) {
	s, ok := t.st.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(s), nil
}

func (t *memTx) ListFiles(_ context.Context, sessionID uuid.UUID) ([]*File, error) {
	return t.st.listFiles(sessionID), nil
}

func (t *memTx) InsertFile(_ context.Context, f *File) error {
	for _, existing := range t.st.files[f.SessionID] {
		if existing.OriginalName == f.OriginalName {
			return ErrDuplicateFile
		}
	}
	cp := *f
	t.st.files[f.SessionID] = append(t.st.files[f.SessionID], &cp)
	return nil
}

func (t *memTx) DeleteFile(_ context.Context, sessionID uuid.UUID, name string) (*File, error) {
	fs := t.st.files[sessionID]
	for i, f := range fs {
		if f.OriginalName == name {
			t.st.files[sessionID] = append(fs[:i:i], fs[i+1:]...)
			return f, nil
		}
	}
	return nil, ErrFileNotFound
}

func (t *memTx) TouchSession(_ context.Context, sessionID uuid.UUID, at time.Time) error {
	s := t.byID(sessionID)
	if s == nil {
		return ErrSessionNotFound
	}
	s.LastActivityAt = at
	return nil
}

func (t *memTx) TransitionSession(_ context.Context, sessionID uuid.UUID, from, to session.Status, at time.Time) (bool, error) {
	if _, err := session.Transition(from, to); err != nil {
		return false, err
	}
	s := t.byID(sessionID)
	if s == nil {
		return false, ErrSessionNotFound
	}
	if s.Status != from {
		return false, nil
	}
	s.Status = to
	switch to {
	case session.StatusExpired:
		s.ExpiredAt = &at
	case session.StatusConsumed:
		s.ConsumedAt = &at
	}
	return true, nil
}

func (t *memTx) InsertSubmission(_ context.Context, s *Submission) error {
	t.st.submissions[s.ID] = copySubmission(s)
	return nil
}

func (t *memTx) InsertPackage(_ context.Context, p *Package) error {
	t.st.packages[p.ID] = copyPackage(p)
	return nil
}

func (t *memTx) byID(id uuid.UUID) *Session {
	token, ok := t.st.tokens[id]
	if !ok {
		return nil
	}
	return t.st.sessions[token]
}
