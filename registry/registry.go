// Package registry implements the thread-safe set of SyncPairs of
// spec.md §4.1.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrDuplicate is returned by Add when a pair with the same key
	// already exists and is active.
	ErrDuplicate = errors.New("registry: duplicate sync pair")
	// ErrNotFound is returned by Find, Remove, and Deactivate when no
	// pair matches the given key.
	ErrNotFound = errors.New("registry: sync pair not found")
)

// Key identifies a SyncPair by its immutable source endpoint.
type Key struct {
	SourceHost string
	SourcePort int
	SourceDir  string
}

// String renders a Key in the spec's "<dir>@<host>:<port>" grammar.
func (k Key) String() string {
	return fmt.Sprintf("%s@%s:%d", k.SourceDir, k.SourceHost, k.SourcePort)
}

// Pair is the SyncPair of spec.md §3: an active or deactivated
// replication configuration, keyed by its source endpoint.
type Pair struct {
	Key Key

	TargetHost string
	TargetPort int
	TargetDir  string

	Active       bool
	LastSyncTime time.Time
	ErrorCount   int
}

// TargetKey renders the pair's target endpoint in the same grammar as
// Key.String, for log lines and status output.
func (p *Pair) TargetKey() string {
	return fmt.Sprintf("%s@%s:%d", p.TargetDir, p.TargetHost, p.TargetPort)
}

// PairView is a read-only snapshot of a Pair, safe to hand out without
// holding the registry's exclusion.
type PairView struct {
	Key          Key
	TargetHost   string
	TargetPort   int
	TargetDir    string
	Active       bool
	LastSyncTime time.Time
	ErrorCount   int
}

// Registry is the single exclusion covering every SyncPair. Expected
// cardinality is tens of entries, so a guarded map is plenty - no
// sorted or indexed structure is warranted, per spec.md §4.1's own
// rationale.
type Registry struct {
	mu    sync.Mutex
	pairs map[Key]*Pair
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{pairs: make(map[Key]*Pair)}
}

// Add inserts pair. If an entry with the same key already exists and
// is active, ErrDuplicate is returned. If an entry exists but is
// deactivated, Add reactivates it in place (flips Active back to
// true) rather than rejecting it - the resolution spec.md §9 leaves
// as an open question, decided here in favor of reactivation.
func (r *Registry) Add(pair Pair) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.pairs[pair.Key]
	if !ok {
		p := pair
		r.pairs[pair.Key] = &p
		return nil
	}

	if existing.Active {
		return ErrDuplicate
	}

	existing.Active = true
	existing.TargetHost = pair.TargetHost
	existing.TargetPort = pair.TargetPort
	existing.TargetDir = pair.TargetDir
	return nil
}

// Find returns a snapshot of the pair for key, or ErrNotFound.
func (r *Registry) Find(key Key) (PairView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, ok := r.pairs[key]
	if !ok {
		return PairView{}, ErrNotFound
	}
	return snapshot(pair), nil
}

// Deactivate sets Active to false for key's pair. Repeated
// deactivation of an already-inactive pair still succeeds, per
// spec.md §8's "pick one and test it" - this implementation returns
// nil every time the key exists, regardless of its current Active
// bit, and ErrNotFound only when the key is absent.
func (r *Registry) Deactivate(key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, ok := r.pairs[key]
	if !ok {
		return ErrNotFound
	}
	pair.Active = false
	return nil
}

// Remove deletes key's pair outright. Per spec.md §3, pairs are only
// ever removed at process shutdown.
func (r *Registry) Remove(key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pairs[key]; !ok {
		return ErrNotFound
	}
	delete(r.pairs, key)
	return nil
}

// RecordSyncAttempt updates a pair's LastSyncTime and, on failure,
// increments its ErrorCount. It is a no-op if key is absent (the pair
// may have been removed by a concurrent shutdown).
func (r *Registry) RecordSyncAttempt(key Key, at time.Time, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, ok := r.pairs[key]
	if !ok {
		return
	}
	pair.LastSyncTime = at
	if failed {
		pair.ErrorCount++
	}
}

// Count returns the current number of registered pairs (active and
// deactivated).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

// Snapshot returns a read-only copy of every pair, for the
// supplemented "status" console command. Grounded on
// original_source/src/sync_info.c's print_sync_info_store, which the
// distilled spec dropped but never wired to a console command either.
func (r *Registry) Snapshot() []PairView {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]PairView, 0, len(r.pairs))
	for _, pair := range r.pairs {
		views = append(views, snapshot(pair))
	}
	return views
}

func snapshot(p *Pair) PairView {
	return PairView{
		Key:          p.Key,
		TargetHost:   p.TargetHost,
		TargetPort:   p.TargetPort,
		TargetDir:    p.TargetDir,
		Active:       p.Active,
		LastSyncTime: p.LastSyncTime,
		ErrorCount:   p.ErrorCount,
	}
}
