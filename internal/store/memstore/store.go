// Package memstore keeps users, sessions, work items and bundles in process
// memory. It backs single-node development runs and tests.
package memstore

import (
	"context"
	"maps"
	"sync"

	"shopfloor.dev/internal/auth"
	"shopfloor.dev/internal/bundle"
	"shopfloor.dev/internal/workflow"
)

// Store implements auth.Store and workflow.Store with in-process concurrency safety.
type Store struct {
	mu sync.RWMutex
	st *state
}

var (
	_ auth.Store     = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
)

type state struct {
	users      map[string]auth.User
	usernames  map[string]string
	families   map[string]auth.TokenFamily
	tokens     map[string]auth.RefreshToken
	items      map[string]workflow.WorkItem
	workOrders map[string]string
	bundles    map[string]bundle.Bundle
	membership map[string]string // work item id -> bundle id
}

// New creates an empty store.
func New() *Store {
	return &Store{st: &state{
		users:      make(map[string]auth.User),
		usernames:  make(map[string]string),
		families:   make(map[string]auth.TokenFamily),
		tokens:     make(map[string]auth.RefreshToken),
		items:      make(map[string]workflow.WorkItem),
		workOrders: make(map[string]string),
		bundles:    make(map[string]bundle.Bundle),
		membership: make(map[string]string),
	}}
}

// snapshot copies the maps. Values are replaced, never mutated in place, so a
// shallow copy is enough to roll back.
func (st *state) snapshot() *state {
	return &state{
		users:      maps.Clone(st.users),
		usernames:  maps.Clone(st.usernames),
		families:   maps.Clone(st.families),
		tokens:     maps.Clone(st.tokens),
		items:      maps.Clone(st.items),
		workOrders: maps.Clone(st.workOrders),
		bundles:    maps.Clone(st.bundles),
		membership: maps.Clone(st.membership),
	}
}

// guard runs repository code under the store lock, or directly when the caller
// already holds it inside Atomic.
type guard struct {
	s    *Store
	inTx bool
}

func (g guard) read(fn func(*state) error) error {
	if !g.inTx {
		g.s.mu.RLock()
		defer g.s.mu.RUnlock()
	}
	return fn(g.s.st)
}

func (g guard) write(fn func(*state) error) error {
	if !g.inTx {
		g.s.mu.Lock()
		defer g.s.mu.Unlock()
	}
	return fn(g.s.st)
}

func (s *Store) Users() auth.UserStore          { return userStore{guard{s: s}} }
func (s *Store) Sessions() auth.SessionStore    { return sessionStore{guard{s: s}} }
func (s *Store) Items() workflow.ItemRepository { return itemRepo{guard{s: s}} }
func (s *Store) Bundles() bundle.Repository     { return bundleRepo{guard{s: s}} }

// Atomic runs fn with the store locked. On error every write fn made is
// discarded by restoring the snapshot taken on entry.
func (s *Store) Atomic(ctx context.Context, fn func(workflow.ItemRepository, bundle.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.st.snapshot()
	g := guard{s: s, inTx: true}
	if err := fn(itemRepo{g}, bundleRepo{g}); err != nil {
		s.st = before
		return err
	}
	return nil
}

// Ping satisfies readiness probes.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op kept for parity with the SQL store.
func (s *Store) Close() error { return nil }
