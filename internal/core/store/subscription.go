package store

import (
	"sync/atomic"

	"github.com/zeusync/patchmirror/internal/core/patch"
)

// Change is what a subscriber receives after a commit touching its prefix.
type Change struct {
	Revision patch.Revision
	Prefix   patch.Path
	// Value is a private copy of the subtree at Prefix. Exists is false when
	// the commit removed the node (or it never existed).
	Value  any
	Exists bool
	// Reset is set when the change comes from a dump replacing the whole tree.
	Reset bool
}

// Callback runs synchronously in the store's notification pass. It must not
// call ApplyBatch or ApplyDump.
type Callback func(Change)

// Subscription is the handle returned by Store.Subscribe.
type Subscription struct {
	id       string
	seq      uint64
	prefix   patch.Path
	callback Callback
	active   atomic.Bool
	store    *Store
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Prefix() patch.Path {
	return s.prefix.Clone()
}

func (s *Subscription) IsActive() bool {
	return s.active.Load()
}

// Cancel stops future notifications. It is safe to call more than once and
// from inside a callback.
func (s *Subscription) Cancel() {
	if s.active.CompareAndSwap(true, false) {
		s.store.remove(s.id)
	}
}

func (s *Subscription) matches(changed []patch.Path, everything bool) bool {
	if everything {
		return true
	}
	for _, p := range changed {
		if p.Overlaps(s.prefix) {
			return true
		}
	}
	return false
}
