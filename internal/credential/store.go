package credential

import "sync/atomic"

// Store is the process-wide credential slot. Readers always observe either
// no credential or a complete one; updates replace the pointer atomically
// and never mutate an installed value.
type Store struct {
	current atomic.Pointer[Credential]
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Read returns the currently installed credential, or nil if none was ever
// acquired. Non-blocking.
func (s *Store) Read() *Credential {
	return s.current.Load()
}

// Install atomically replaces the current credential.
func (s *Store) Install(c *Credential) {
	s.current.Store(c)
}

// Invalidate marks the current credential invalid without removing it, by
// swapping in a revoked copy. The compare-and-swap keeps a concurrent
// Install of a fresh credential from being clobbered by a late reporter.
// Returns the invalidated credential, or nil if the store was empty or the
// slot changed underneath us.
func (s *Store) Invalidate() *Credential {
	for {
		cur := s.current.Load()
		if cur == nil || cur.revoked {
			return nil
		}
		marked := *cur
		marked.revoked = true
		if s.current.CompareAndSwap(cur, &marked) {
			return &marked
		}
	}
}
