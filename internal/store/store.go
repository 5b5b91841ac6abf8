// Package store implements the two-layer session store: a synchronous
// in-process L1 cache fronting a write-behind persistent graph (L2), with a
// bounded background retry queue and a periodic inactivity sweep.
package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ironhelm/helmsman/internal/domain/phase"
	"github.com/ironhelm/helmsman/internal/domain/session"
	"github.com/ironhelm/helmsman/internal/port/cache"
	"github.com/ironhelm/helmsman/internal/port/graph"
)

const (
	opPersist = "persist"
	opLoad    = "load"

	// loadTimeout bounds the synchronous L2 load on an L1 miss; the read
	// path never blocks on the network longer than this.
	loadTimeout = 2 * time.Second
)

func cacheKey(sessionID string) string { return "session:" + sessionID }

// Options tunes a SessionStore beyond its two backends.
type Options struct {
	InitialEffectiveness float64
	EvictAfter           time.Duration
	SweepInterval        time.Duration
	RetryBackoffBase     time.Duration // 0 means the 5s default
	Logger               *slog.Logger
	Now                  func() time.Time // test hook
}

// SessionStore is the two-layer session store. All FSM reads and writes go through
// the L1 cache synchronously; L2 persistence happens behind the write via
// the retry queue. Turns for the same session serialize on WithLock.
type SessionStore struct {
	l1    cache.Cache
	graph graph.Store
	opts  Options

	locks sync.Map // session_id -> *sync.Mutex

	mu           sync.Mutex
	lastActivity map[string]int64 // session_id -> epoch ms, drives the sweep
	prevPhase    map[string]string

	retries *retryQueue
	wg      sync.WaitGroup
	now     func() time.Time
}

// New constructs a SessionStore over an L1 cache and an L2 graph store.
func New(l1 cache.Cache, g graph.Store, opts Options) *SessionStore {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.InitialEffectiveness <= 0 {
		opts.InitialEffectiveness = 0.8
	}
	if opts.EvictAfter <= 0 {
		opts.EvictAfter = 24 * time.Hour
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &SessionStore{
		l1:           l1,
		graph:        g,
		opts:         opts,
		lastActivity: make(map[string]int64),
		prevPhase:    make(map[string]string),
		now:          now,
	}
	s.retries = newRetryQueue(opts.RetryBackoffBase, opts.Logger, &s.wg)
	return s
}

// WithLock runs fn while holding the per-session mutex, serializing turns
// of the same session. Turns for different sessions proceed concurrently.
func (s *SessionStore) WithLock(sessionID string, fn func()) {
	muAny, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	fn()
}

// Get returns the session's state: from L1 if cached, else via a bounded
// synchronous L2 load. When the load fails the caller still gets a fresh
// default state, and a background load retry repopulates L1 once the store
// recovers.
func (s *SessionStore) Get(ctx context.Context, sessionID string) session.State {
	if st, ok := s.getL1(ctx, sessionID); ok {
		return st
	}

	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	st, err := s.loadL2(loadCtx, sessionID)
	if err == nil {
		s.putL1(ctx, st)
		return st
	}

	s.opts.Logger.Warn("session store: L2 load failed, serving default state",
		"session_id", sessionID, "error", err)
	s.retries.enqueue(sessionID, opLoad, 1, func(ctx context.Context) error {
		return s.backgroundLoad(ctx, sessionID)
	})
	return session.New(sessionID, s.opts.InitialEffectiveness)
}

// Peek returns the session only if it already exists in L1 or L2, without
// materializing a default.
func (s *SessionStore) Peek(ctx context.Context, sessionID string) (session.State, bool) {
	if st, ok := s.getL1(ctx, sessionID); ok {
		return st, true
	}
	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	entities, _, err := s.graph.LoadGraph(loadCtx, sessionID)
	if err != nil || len(entities) == 0 {
		return session.State{}, false
	}
	return decodeSession(sessionID, entities, session.New(sessionID, s.opts.InitialEffectiveness)), true
}

// Update replaces the L1 entry and persists to L2 behind the write.
// Persistence failure never fails the in-memory update; it lands in the
// retry queue instead.
func (s *SessionStore) Update(ctx context.Context, st session.State) {
	st.LastActivityEpochMS = s.now().UnixMilli()

	s.mu.Lock()
	prev := s.prevPhase[st.SessionID]
	s.prevPhase[st.SessionID] = string(st.CurrentPhase)
	s.lastActivity[st.SessionID] = st.LastActivityEpochMS
	s.mu.Unlock()

	s.putL1(ctx, st)

	snapshot := st
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.persist(context.Background(), &snapshot, prev); err != nil {
			s.opts.Logger.Warn("session store: persist failed, scheduling retry",
				"session_id", snapshot.SessionID, "error", err)
			if retriable(err) {
				s.retries.enqueue(snapshot.SessionID, opPersist, 1, func(ctx context.Context) error {
					return s.persist(ctx, &snapshot, prev)
				})
			}
		}
	}()
}

// StartSweep launches the periodic eviction sweep and returns a stop
// function. Entries idle longer than EvictAfter leave L1; the L2 graph
// remains as the archive.
func (s *SessionStore) StartSweep(ctx context.Context) func() {
	ticker := time.NewTicker(s.opts.SweepInterval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}

// Sweep drops L1 entries whose last activity is older than EvictAfter.
func (s *SessionStore) Sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.opts.EvictAfter).UnixMilli()

	s.mu.Lock()
	var evict []string
	for id, last := range s.lastActivity {
		if last < cutoff {
			evict = append(evict, id)
		}
	}
	for _, id := range evict {
		delete(s.lastActivity, id)
		delete(s.prevPhase, id)
	}
	s.mu.Unlock()

	for _, id := range evict {
		_ = s.l1.Delete(ctx, cacheKey(id))
		s.locks.Delete(id)
		s.opts.Logger.Info("session store: evicted idle session", "session_id", id)
	}
}

// Close drains in-flight background persists and cancels pending retries.
func (s *SessionStore) Close() {
	s.retries.close()
	s.wg.Wait()
}

func (s *SessionStore) getL1(ctx context.Context, sessionID string) (session.State, bool) {
	data, ok, err := s.l1.Get(ctx, cacheKey(sessionID))
	if err != nil || !ok {
		return session.State{}, false
	}
	var st session.State
	if err := json.Unmarshal(data, &st); err != nil {
		return session.State{}, false
	}
	return st, true
}

func (s *SessionStore) putL1(ctx context.Context, st session.State) {
	data, err := json.Marshal(st)
	if err != nil {
		s.opts.Logger.Error("session store: marshal state", "session_id", st.SessionID, "error", err)
		return
	}
	if err := s.l1.Set(ctx, cacheKey(st.SessionID), data, s.opts.EvictAfter); err != nil {
		s.opts.Logger.Error("session store: L1 set", "session_id", st.SessionID, "error", err)
	}
}

func (s *SessionStore) loadL2(ctx context.Context, sessionID string) (session.State, error) {
	entities, _, err := s.graph.LoadGraph(ctx, sessionID)
	if err != nil {
		return session.State{}, err
	}
	return decodeSession(sessionID, entities, session.New(sessionID, s.opts.InitialEffectiveness)), nil
}

// backgroundLoad repopulates L1 after a failed synchronous load, unless a
// newer write already filled it.
func (s *SessionStore) backgroundLoad(ctx context.Context, sessionID string) error {
	loadCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	st, err := s.loadL2(loadCtx, sessionID)
	if err != nil {
		return err
	}
	if _, ok := s.getL1(ctx, sessionID); ok {
		return nil
	}
	s.putL1(ctx, st)
	return nil
}

// persist writes one snapshot to L2. An empty prevPhase (first write for
// the session) compares unequal to every phase, so the first persist records
// a transition relation.
func (s *SessionStore) persist(ctx context.Context, st *session.State, prevPhase string) error {
	entities, relations, err := encodeSession(st, phase.Phase(prevPhase))
	if err != nil {
		return err
	}
	persistCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.graph.SaveGraph(persistCtx, st.SessionID, entities, relations)
}
