// Package store owns the canonical mirrored tree and fans out change
// notifications to path-scoped subscribers after every commit.
package store

import (
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/zeusync/patchmirror/internal/core/observability/log"
	"github.com/zeusync/patchmirror/internal/core/patch"
)

var (
	ErrStoreClosed       = errors.New("store is closed")
	ErrReentrantMutation = errors.New("store mutated from inside a subscriber callback")
	ErrNilCallback       = errors.New("nil subscriber callback")
)

// Store holds the tree and its revision. Committed trees are never mutated
// again: every batch is applied to a fresh copy, so readers can hold on to a
// committed tree without locking.
//
// ApplyBatch and ApplyDump are meant for a single writer goroutine; Snapshot,
// Revision and Subscribe are safe from anywhere, including callbacks.
type Store struct {
	mu       sync.RWMutex
	tree     any
	revision patch.Revision
	subs     map[string]*Subscription
	nextSeq  uint64
	closed   bool

	notifying atomic.Bool
	logger    log.Log
}

type Option func(*Store)

// WithInitial seeds the store with a tree at revision rev.
func WithInitial(rev patch.Revision, tree any) Option {
	return func(s *Store) {
		s.revision = rev
		s.tree = patch.Clone(tree)
	}
}

func New(logger log.Log, opts ...Option) *Store {
	s := &Store{
		tree:   map[string]any{},
		subs:   make(map[string]*Subscription),
		logger: logger.With(log.String("component", "store")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Revision() patch.Revision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Snapshot returns a private copy of the subtree at prefix as of the latest
// commit. ok is false when nothing exists there.
func (s *Store) Snapshot(prefix patch.Path) (value any, ok bool) {
	s.mu.RLock()
	tree := s.tree
	s.mu.RUnlock()

	node, ok := patch.Lookup(tree, prefix)
	if !ok {
		return nil, false
	}
	return patch.Clone(node), true
}

// Fingerprint hashes the canonical JSON form of the tree. Two stores with
// equal trees have equal fingerprints.
func (s *Store) Fingerprint() uint64 {
	s.mu.RLock()
	tree := s.tree
	s.mu.RUnlock()
	return Fingerprint(tree)
}

func Fingerprint(tree any) uint64 {
	data, err := json.Marshal(tree)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(data)
}

// Subscribe registers callback for changes overlapping prefix. A subscription
// added from inside a callback is first notified on the next commit.
func (s *Store) Subscribe(prefix patch.Path, callback Callback) (*Subscription, error) {
	if callback == nil {
		return nil, ErrNilCallback
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	sub := &Subscription{
		id:       uuid.NewString(),
		seq:      s.nextSeq,
		prefix:   prefix.Clone(),
		callback: callback,
		store:    s,
	}
	sub.active.Store(true)
	s.nextSeq++
	s.subs[sub.id] = sub

	s.logger.Debug("Subscriber registered",
		log.String("subscription_id", sub.id),
		log.Stringer("prefix", sub.prefix))
	return sub, nil
}

func (s *Store) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// ApplyBatch applies batch on top of the current revision. On failure the tree
// is untouched and nobody is notified. On success every subscriber whose prefix
// overlaps a changed path is called exactly once.
func (s *Store) ApplyBatch(batch patch.Batch) error {
	if s.notifying.Load() {
		return ErrReentrantMutation
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	res, err := patch.Apply(s.tree, s.revision, batch)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.tree = res.Tree
	s.revision = res.Revision
	targets := s.matchingLocked(res.Changed, false)
	s.mu.Unlock()

	s.notify(targets, res.Tree, res.Revision, false)
	return nil
}

// ApplyDump replaces the tree wholesale, even when dump is older than the
// current revision, and notifies every subscriber.
func (s *Store) ApplyDump(dump patch.Dump) error {
	if s.notifying.Load() {
		return ErrReentrantMutation
	}

	tree := patch.Clone(dump.Tree)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	previous := s.revision
	s.tree = tree
	s.revision = dump.Revision
	targets := s.matchingLocked(nil, true)
	s.mu.Unlock()

	s.logger.Info("Dump applied",
		log.Uint64("previous_revision", uint64(previous)),
		log.Uint64("revision", uint64(dump.Revision)),
		log.Uint64("fingerprint", Fingerprint(tree)))

	s.notify(targets, tree, dump.Revision, true)
	return nil
}

// Close invalidates every subscription. Later mutations and subscriptions fail
// with ErrStoreClosed; Snapshot keeps answering from the last tree.
func (s *Store) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]*Subscription)
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.active.Store(false)
	}
}

func (s *Store) remove(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func (s *Store) matchingLocked(changed []patch.Path, everything bool) []*Subscription {
	if !everything && len(changed) == 0 {
		return nil
	}
	out := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.matches(changed, everything) {
			out = append(out, sub)
		}
	}
	slices.SortFunc(out, func(a, b *Subscription) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (s *Store) notify(targets []*Subscription, tree any, rev patch.Revision, reset bool) {
	if len(targets) == 0 {
		return
	}

	s.notifying.Store(true)
	defer s.notifying.Store(false)

	for _, sub := range targets {
		// cancelled by an earlier callback in this pass
		if !sub.active.Load() {
			continue
		}
		node, exists := patch.Lookup(tree, sub.prefix)
		s.invoke(sub, Change{
			Revision: rev,
			Prefix:   sub.prefix.Clone(),
			Value:    patch.Clone(node),
			Exists:   exists,
			Reset:    reset,
		})
	}
}

// invoke isolates the pass from a panicking subscriber.
func (s *Store) invoke(sub *Subscription, change Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Subscriber callback panicked",
				log.String("subscription_id", sub.id),
				log.Stringer("prefix", sub.prefix),
				log.Any("panic", r))
		}
	}()
	sub.callback(change)
}
