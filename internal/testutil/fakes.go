package testutil

import (
	"context"
	"sync"

	"github.com/robertarktes/tour-reservations/internal/domain"
)

// Invalidator counts invalidations and records whether any of them happened
// while the store still had a transaction open. Like a network backend it
// fails on a cancelled context, and such calls are not counted.
type Invalidator struct {
	Store *MemStore
	Err   error

	mu       sync.Mutex
	calls    int
	duringTx bool
}

func (i *Invalidator) Invalidate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.calls++
	if i.Store != nil && i.Store.TxOpen() {
		i.duringTx = true
	}
	return i.Err
}

func (i *Invalidator) Calls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.calls
}

func (i *Invalidator) DuringTx() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.duringTx
}

type AuditEntry struct {
	Action string
	IDs    []string
}

// Auditor records audit calls in memory. Calls on a cancelled context fail
// and are not recorded.
type Auditor struct {
	Err error

	mu      sync.Mutex
	entries []AuditEntry
}

func (a *Auditor) LogReservation(ctx context.Context, action string, r domain.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, AuditEntry{Action: action, IDs: []string{r.ID.String()}})
	return a.Err
}

func (a *Auditor) LogBulk(ctx context.Context, action string, ids []string, summary map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, AuditEntry{Action: action, IDs: append([]string(nil), ids...)})
	return a.Err
}

func (a *Auditor) Entries() []AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AuditEntry(nil), a.entries...)
}

// CancelOnCommit cancels the caller's context as soon as a transaction
// commits, the way a client that hangs up right after a write would.
type CancelOnCommit struct {
	*MemStore
	Cancel context.CancelFunc
}

func (s CancelOnCommit) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.MemStore.WithTx(ctx, fn)
	if err == nil {
		s.Cancel()
	}
	return err
}
