package peer

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrWaiterChoked    = errors.New("peer: choked before block arrived")
	ErrWaiterCancelled = errors.New("peer: waiter cancelled")
)

// blockKey identifies an in-flight block request. Spec design note:
// "a (peer, piece, offset) → waiter map owned by the session, not a
// global map — avoids cross-peer cancellation cascades."
type blockKey struct {
	index uint32
	begin uint32
}

type waiterResult struct {
	data []byte
	err  error
}

// Waiter is the future a caller blocks on for one requested block.
type Waiter struct {
	key blockKey
	ch  chan waiterResult
}

func newWaiter(key blockKey) *Waiter {
	return &Waiter{key: key, ch: make(chan waiterResult, 1)}
}

// Wait blocks until the block arrives, the waiter is cancelled/choked, or
// ctx is done.
func (w *Waiter) Wait(ctx context.Context) ([]byte, error) {
	select {
	case r := <-w.ch:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Waiter) deliver(data []byte, err error) {
	select {
	case w.ch <- waiterResult{data: data, err: err}:
	default:
	}
}

// waiterTable is the per-session pending-request map from §3's
// PeerSession.pending_requests.
type waiterTable struct {
	mu sync.Mutex
	m  map[blockKey]*Waiter
}

func newWaiterTable() *waiterTable {
	return &waiterTable{m: make(map[blockKey]*Waiter)}
}

func (t *waiterTable) register(key blockKey) *Waiter {
	w := newWaiter(key)
	t.mu.Lock()
	t.m[key] = w
	t.mu.Unlock()
	return w
}

// take removes and returns the waiter for key, if any.
func (t *waiterTable) take(key blockKey) (*Waiter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.m[key]
	if ok {
		delete(t.m, key)
	}
	return w, ok
}

// remove drops key without delivering a result (used by explicit cancel).
func (t *waiterTable) remove(key blockKey) {
	t.mu.Lock()
	delete(t.m, key)
	t.mu.Unlock()
}

// cancelAll fails every outstanding waiter with err, clears the table, and
// returns the keys that were cancelled so the caller can reset the
// corresponding blocks' requested flag in the piece store.
func (t *waiterTable) cancelAll(err error) []blockKey {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]blockKey, 0, len(t.m))
	for key, w := range t.m {
		w.deliver(nil, err)
		keys = append(keys, key)
	}
	t.m = make(map[blockKey]*Waiter)
	return keys
}

func (t *waiterTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
