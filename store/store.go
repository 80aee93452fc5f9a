// Package store holds negotiation sessions in memory and mirrors them to an
// optional durable archive with read-through/write-through semantics. The
// store owns every Turn: turns live in a per-session arena and branches
// reference index ranges into it, so forking a conversation never copies
// history.
package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	engerr "github.com/hagglehq/haggle/internal/errors"
	"github.com/hagglehq/haggle/server/service/negotiation"
	"github.com/hagglehq/haggle/store/cache"
)

// MainBranch is the branch every session starts on.
const MainBranch = "main"

const snapshotCachePrefix = "session:"

// Branch references a slice of the session's turn arena: the visible length
// of its parent at the fork point plus the turns appended on this branch.
type Branch struct {
	Name   string `json:"name"`
	Parent string `json:"parent,omitempty"`
	ForkAt int    `json:"fork_at"`
	Turns  []int  `json:"turns"`
}

// Snapshot is the serialized form exchanged with the archive and the warm
// cache tier. Session.History is left empty; the arena is authoritative.
type Snapshot struct {
	Session      *negotiation.Session `json:"session"`
	Arena        []negotiation.Turn   `json:"arena"`
	Branches     map[string]*Branch   `json:"branches"`
	ActiveBranch string               `json:"active_branch"`
}

// Archive is the optional durable persistence collaborator. Load returns
// (nil, nil) when the session has never been archived.
type Archive interface {
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	Save(ctx context.Context, sessionID string, snapshot *Snapshot) error
	Delete(ctx context.Context, sessionID string) error
	CleanupExpired(ctx context.Context, retention time.Duration) (int64, error)
}

type record struct {
	mu           sync.Mutex
	session      *negotiation.Session // scalar state; History stays nil here
	arena        []negotiation.Turn
	branches     map[string]*Branch
	activeBranch string
	lastAccess   time.Time
}

// Store is the conversation store. Without an archive it is in-memory only;
// with one, every mutation writes through and misses read through.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record

	archive   Archive       // may be nil
	snapshots cache.Service // may be nil
	ttl       time.Duration
	logger    *slog.Logger
}

// New creates a store. archive and snapshots may be nil.
func New(archive Archive, snapshots cache.Service, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records:   make(map[string]*record),
		archive:   archive,
		snapshots: snapshots,
		ttl:       ttl,
		logger:    logger,
	}
}

// Create registers a new session. The session's History seeds the arena and
// the main branch.
func (s *Store) Create(ctx context.Context, session *negotiation.Session) error {
	rec := &record{
		session:      scalarCopy(session),
		arena:        append([]negotiation.Turn(nil), session.History...),
		activeBranch: MainBranch,
		lastAccess:   time.Now(),
	}
	indexes := make([]int, len(rec.arena))
	for i := range indexes {
		indexes[i] = i
	}
	rec.branches = map[string]*Branch{
		MainBranch: {Name: MainBranch, Turns: indexes},
	}

	s.mu.Lock()
	if _, exists := s.records[session.ID]; exists {
		s.mu.Unlock()
		return engerr.InvalidArgument("session already exists: " + session.ID)
	}
	s.records[session.ID] = rec
	s.mu.Unlock()

	s.writeThrough(ctx, session.ID, rec)
	return nil
}

// Get returns a deep copy of the session with History materialized from the
// active branch. Missing sessions read through the warm cache and archive.
func (s *Store) Get(ctx context.Context, sessionID string) (*negotiation.Session, error) {
	rec, err := s.loadRecord(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.lastAccess = time.Now()
	return materialize(rec), nil
}

// Append applies one atomic update: turns go to the arena and active branch,
// scalar transitions land together with them. Appending to a terminal
// session fails with INVALID_STATE; turn order within a session is the
// conversation and is preserved.
func (s *Store) Append(ctx context.Context, sessionID string, update negotiation.SessionUpdate) (*negotiation.Session, error) {
	rec, err := s.loadRecord(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.session.State.IsTerminal() {
		return nil, engerr.InvalidState("session " + sessionID + " is " + string(rec.session.State))
	}

	branch := rec.branches[rec.activeBranch]
	for _, turn := range update.Turns {
		rec.arena = append(rec.arena, turn)
		branch.Turns = append(branch.Turns, len(rec.arena)-1)
	}
	if update.Round != nil {
		rec.session.Round = *update.Round
	}
	if update.CurrentOffer != nil {
		offer := *update.CurrentOffer
		rec.session.CurrentOffer = &offer
	}
	if update.FinalPrice != nil {
		price := *update.FinalPrice
		rec.session.FinalPrice = &price
	}
	if update.State != nil {
		rec.session.State = *update.State
	}
	rec.session.UpdatedAt = time.Now()
	rec.lastAccess = rec.session.UpdatedAt

	s.writeThrough(ctx, sessionID, rec)
	return materialize(rec), nil
}

// CreateBranch forks the named parent branch at its current visible length.
// The original branch keeps all of its turns.
func (s *Store) CreateBranch(ctx context.Context, sessionID, name, parent string) error {
	if name == "" {
		return engerr.InvalidArgument("branch name is required")
	}
	rec, err := s.loadRecord(ctx, sessionID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if parent == "" {
		parent = rec.activeBranch
	}
	if _, ok := rec.branches[parent]; !ok {
		return engerr.InvalidArgument("unknown parent branch: " + parent)
	}
	if _, ok := rec.branches[name]; ok {
		return engerr.InvalidArgument("branch already exists: " + name)
	}

	rec.branches[name] = &Branch{
		Name:   name,
		Parent: parent,
		ForkAt: len(branchIndexes(rec, parent)),
	}
	s.writeThrough(ctx, sessionID, rec)
	return nil
}

// SwitchBranch changes which history subset Get materializes.
func (s *Store) SwitchBranch(ctx context.Context, sessionID, name string) error {
	rec, err := s.loadRecord(ctx, sessionID)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if _, ok := rec.branches[name]; !ok {
		return engerr.InvalidArgument("unknown branch: " + name)
	}
	rec.activeBranch = name
	rec.session.Branch = name
	s.writeThrough(ctx, sessionID, rec)
	return nil
}

// ListSessions returns summaries of the resident working set, most recently
// updated first.
func (s *Store) ListSessions(_ context.Context, limit int) ([]negotiation.SessionSummary, error) {
	s.mu.RLock()
	summaries := make([]negotiation.SessionSummary, 0, len(s.records))
	for _, rec := range s.records {
		rec.mu.Lock()
		summaries = append(summaries, negotiation.SessionSummary{
			SessionID: rec.session.ID,
			Title:     rec.session.Product.Title,
			State:     rec.session.State,
			Round:     rec.session.Round,
			UpdatedAt: rec.session.UpdatedAt,
		})
		rec.mu.Unlock()
	}
	s.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// EvictIdle drops sessions idle beyond the TTL from the hot tier. Eviction
// only happens when an archive holds the data; their snapshots stay readable
// through the warm cache.
func (s *Store) EvictIdle(ctx context.Context) int {
	if s.archive == nil {
		return 0
	}
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, rec := range s.records {
		rec.mu.Lock()
		idle := rec.lastAccess.Before(cutoff)
		if idle {
			s.cacheSnapshot(ctx, id, rec)
		}
		rec.mu.Unlock()
		if idle {
			delete(s.records, id)
			evicted++
		}
	}
	return evicted
}

// StartEviction runs EvictIdle on the given interval until ctx is done.
func (s *Store) StartEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.EvictIdle(ctx); n > 0 {
					s.logger.Debug("evicted idle sessions", "count", n)
				}
			}
		}
	}()
}

// StartArchiveCleanup deletes archived sessions older than retention on the
// given interval. Retention is an operational policy, not an engine concern:
// live sessions only ever transition to terminal states. No-op without an
// archive.
func (s *Store) StartArchiveCleanup(ctx context.Context, interval, retention time.Duration) {
	if s.archive == nil || retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.archive.CleanupExpired(ctx, retention)
				if err != nil {
					s.logger.Warn("archive cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					s.logger.Info("removed expired archived sessions", "count", n)
				}
			}
		}
	}()
}

// loadRecord finds the record in memory, then the warm cache, then the
// archive.
func (s *Store) loadRecord(ctx context.Context, sessionID string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.records[sessionID]
	s.mu.RUnlock()
	if ok {
		return rec, nil
	}

	snapshot := s.cachedSnapshot(ctx, sessionID)
	if snapshot == nil && s.archive != nil {
		loaded, err := s.archive.Load(ctx, sessionID)
		if err != nil {
			return nil, engerr.Wrap(err, engerr.ErrCodeEngine, "archive load failed")
		}
		snapshot = loaded
	}
	if snapshot == nil {
		return nil, engerr.SessionNotFound(sessionID)
	}

	rec = fromSnapshot(snapshot)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[sessionID]; ok {
		// Lost the rehydration race; use the winner.
		return existing, nil
	}
	s.records[sessionID] = rec
	return rec, nil
}

// writeThrough mirrors the record to the archive and warm cache. Failures
// are logged, not surfaced: the in-memory tier stays authoritative for the
// live request.
func (s *Store) writeThrough(ctx context.Context, sessionID string, rec *record) {
	if s.archive != nil {
		if err := s.archive.Save(ctx, sessionID, toSnapshot(rec)); err != nil {
			s.logger.Warn("archive write failed", "session_id", sessionID, "error", err)
		}
	}
	s.cacheSnapshot(ctx, sessionID, rec)
}

func (s *Store) cacheSnapshot(ctx context.Context, sessionID string, rec *record) {
	if s.snapshots == nil {
		return
	}
	data, err := json.Marshal(toSnapshot(rec))
	if err != nil {
		s.logger.Warn("failed to marshal snapshot", "session_id", sessionID, "error", err)
		return
	}
	if err := s.snapshots.Set(ctx, snapshotCachePrefix+sessionID, data, s.ttl); err != nil {
		s.logger.Warn("failed to cache snapshot", "session_id", sessionID, "error", err)
	}
}

func (s *Store) cachedSnapshot(ctx context.Context, sessionID string) *Snapshot {
	if s.snapshots == nil {
		return nil
	}
	data, ok := s.snapshots.Get(ctx, snapshotCachePrefix+sessionID)
	if !ok {
		return nil
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.logger.Warn("failed to unmarshal cached snapshot", "session_id", sessionID, "error", err)
		return nil
	}
	return &snapshot
}

// branchIndexes resolves the arena indexes visible on a branch: the parent's
// prefix up to the fork point plus the branch's own turns.
func branchIndexes(rec *record, name string) []int {
	branch := rec.branches[name]
	if branch == nil {
		return nil
	}
	var indexes []int
	if branch.Parent != "" {
		parent := branchIndexes(rec, branch.Parent)
		if len(parent) > branch.ForkAt {
			parent = parent[:branch.ForkAt]
		}
		indexes = append(indexes, parent...)
	}
	return append(indexes, branch.Turns...)
}

// materialize builds a caller-owned session with History resolved from the
// active branch. Must be called with rec.mu held.
func materialize(rec *record) *negotiation.Session {
	session := rec.session.Clone()
	indexes := branchIndexes(rec, rec.activeBranch)
	session.History = make([]negotiation.Turn, 0, len(indexes))
	for _, i := range indexes {
		if i >= 0 && i < len(rec.arena) {
			session.History = append(session.History, rec.arena[i])
		}
	}
	session.Branch = rec.activeBranch
	return session
}

// scalarCopy clones the session without history; the arena owns the turns.
func scalarCopy(session *negotiation.Session) *negotiation.Session {
	dup := session.Clone()
	dup.History = nil
	return dup
}

// toSnapshot must be called with rec.mu held (or on a fresh record).
func toSnapshot(rec *record) *Snapshot {
	return &Snapshot{
		Session:      rec.session,
		Arena:        rec.arena,
		Branches:     rec.branches,
		ActiveBranch: rec.activeBranch,
	}
}

func fromSnapshot(snapshot *Snapshot) *record {
	rec := &record{
		session:      snapshot.Session,
		arena:        snapshot.Arena,
		branches:     snapshot.Branches,
		activeBranch: snapshot.ActiveBranch,
		lastAccess:   time.Now(),
	}
	if rec.activeBranch == "" {
		rec.activeBranch = MainBranch
	}
	if rec.branches == nil {
		indexes := make([]int, len(rec.arena))
		for i := range indexes {
			indexes[i] = i
		}
		rec.branches = map[string]*Branch{MainBranch: {Name: MainBranch, Turns: indexes}}
	}
	return rec
}

var _ negotiation.SessionStore = (*Store)(nil)
