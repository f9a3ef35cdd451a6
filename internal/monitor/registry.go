package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotAttached is returned for accounts the registry does not know
var ErrNotAttached = errors.New("monitor: account not attached")

// Registry owns the per-(account, bot) locks and the per-account flood
// gates. Accounts are attached when they log in and detached when they go
// away; all monitors of an account share its locks and its gate.
type Registry struct {
	mu       sync.Mutex
	accounts map[string]map[string]chan struct{}
	holds    map[string]time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		accounts: make(map[string]map[string]chan struct{}),
		holds:    make(map[string]time.Time),
	}
}

// Attach registers account. Attaching twice is a no-op.
func (r *Registry) Attach(account string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[account]; !ok {
		r.accounts[account] = make(map[string]chan struct{})
	}
}

// Detach forgets account. Locks already held stay valid until released.
func (r *Registry) Detach(account string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.accounts, account)
	delete(r.holds, account)
}

// Attached reports whether account is registered
func (r *Registry) Attached(account string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.accounts[account]
	return ok
}

func (r *Registry) lockFor(account, bot string) (chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bots, ok := r.accounts[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAttached, account)
	}
	ch, ok := bots[bot]
	if !ok {
		ch = make(chan struct{}, 1)
		bots[bot] = ch
	}
	return ch, nil
}

// Lock serializes negotiations with bot under account. It blocks until the
// lock is free or ctx ends; the returned unlock is idempotent.
func (r *Registry) Lock(ctx context.Context, account, bot string) (func(), error) {
	ch, err := r.lockFor(account, bot)
	if err != nil {
		return nil, err
	}
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() { <-ch })
	}, nil
}
