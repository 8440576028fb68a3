package repository

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/enkore/borgcube/pkg/types"
)

// ErrPoolClosed is returned by Open after the pool shut down.
var ErrPoolClosed = errors.New("repository pool is closed")

// Pool holds the open repository databases of one daemon process. A
// bolt file admits exactly one holder of its file lock, so every
// session, prune and check goes through the pool and gets its own
// staged-write handle on the shared database instead of opening the
// file again.
type Pool struct {
	mu     sync.Mutex
	dbs    map[string]*BoltBackend
	closed bool
}

// NewPool returns an empty pool. Databases are opened on first use.
func NewPool() *Pool {
	return &Pool{dbs: make(map[string]*BoltBackend)}
}

// Open returns a fresh handle on repo's database. Handles stage their
// writes independently; commits are serialized by the database. Only
// filesystem URLs are handled, anything with a host part is the
// operator pointing at a remote repository, which this daemon does
// not reach directly.
func (p *Pool) Open(repo *types.Repository) (Backend, error) {
	if strings.Contains(repo.URL, ":") {
		return nil, errors.New("remote repository URLs are not supported: " + repo.URL)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if shared, ok := p.dbs[repo.URL]; ok {
		return newBoltHandle(shared.db, false), nil
	}

	db, err := openBoltDB(repo.URL)
	if err != nil {
		return nil, fmt.Errorf("repository %s: %w", repo.ID, err)
	}
	owner := newBoltHandle(db, true)
	p.dbs[repo.URL] = owner
	return newBoltHandle(db, false), nil
}

// Close closes every open database. Handles still in use become
// unusable; call it only after all sessions are done.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	var firstErr error
	for url, owner := range p.dbs {
		if err := owner.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close repository %s: %w", url, err)
		}
	}
	p.dbs = make(map[string]*BoltBackend)
	return firstErr
}
