package store

import (
	"sync"

	"github.com/boxbus/boxbus/config"
)

var (
	sharedMu sync.Mutex
	shared   *Store
)

// Shared returns the process-wide store, opening it on first use. The
// handle is created lazily and torn down with ResetShared; concurrent
// holders of a reset handle observe a closed connection on next use and
// must re-resolve here.
func Shared(cfg *config.Config) (*Store, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		return shared, nil
	}
	s, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	shared = s
	return shared, nil
}

// ResetShared closes and clears the shared handle. Idempotent.
func ResetShared() {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		_ = shared.Close()
		shared = nil
	}
}
