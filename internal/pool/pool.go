// Package pool implements peer admission control (spec §4.G): a cap on
// concurrent live sessions, exponential-backoff cooling-off for
// addresses that fail to connect, and periodic top-up from an external
// discovery source. The pool owns no protocol knowledge — dialing and
// running a session is delegated entirely to a caller-supplied Dial
// function, so the pool itself stays as ignorant of the peer-wire
// protocol as spec §4.G's "admission control" framing implies.
package pool

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Dial attempts one peer session at addr. It must return promptly once
// the outcome of the initial connection attempt (TCP connect plus
// handshake) is known: a non-nil error means the attempt failed outright.
// On success, Dial runs the session's lifetime in the background and
// invokes onSessionEnd exactly once, with the error (if any) that ended
// it, when the session eventually closes. This split lets the pool's
// bounded dialer workers stay free to admit new addresses while
// MaxActive live sessions run concurrently in the background.
type Dial func(ctx context.Context, addr netip.AddrPort, onSessionEnd func(error)) error

// Discover returns the current candidate peer address list from some
// external source. Spec §1 treats tracker transport (and any other
// discovery mechanism) as an external collaborator. internal/tracker
// does not implement Discover: its Run pushes each announce's peers
// straight into AdmitPeers, and nothing in this repository sets
// Opts.Discover.
type Discover func(ctx context.Context) ([]netip.AddrPort, error)

type addrState struct {
	cooldownUntil time.Time
	failures      int
}

// maxBackoffDoublings caps how many times the base backoff is doubled,
// so a chronically-failing address's cooldown doesn't grow unbounded.
const maxBackoffDoublings = 6

// backoffDelay computes the exponential cooling-off period for an
// address after failures consecutive connect/session failures: base
// doubled once per failure, capped at maxBackoffDoublings doublings.
func backoffDelay(base time.Duration, failures int) time.Duration {
	shift := failures - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffDoublings {
		shift = maxBackoffDoublings
	}
	return base * time.Duration(1<<uint(shift))
}

// Opts configures a Pool. MaxActive, Backoff, Headroom and TopUpEvery
// correspond directly to spec §4.G's M_active, T_backoff, the 4x
// discovery headroom Open Question, and the tracker announce interval.
type Opts struct {
	Log         *slog.Logger
	Dial        Dial
	Discover    Discover
	MaxActive   int
	Backoff     time.Duration
	Headroom    int
	TopUpEvery  time.Duration
	DialWorkers int
}

// Pool admits discovered addresses, caps concurrent live sessions at
// MaxActive, and cools off addresses that fail for Backoff before they
// become eligible again.
type Pool struct {
	log        *slog.Logger
	dial       Dial
	discover   Discover
	maxActive  int
	backoff    time.Duration
	headroom   int
	topUpEvery time.Duration
	workers    int

	mu     sync.Mutex
	active map[netip.AddrPort]struct{}
	book   map[netip.AddrPort]*addrState

	connectCh chan netip.AddrPort
}

// New builds a Pool from opts, filling in conservative defaults for any
// zero-valued field.
func New(opts Opts) *Pool {
	workers := opts.DialWorkers
	if workers <= 0 {
		workers = 10
	}
	maxActive := opts.MaxActive
	if maxActive <= 0 {
		maxActive = 120
	}
	headroom := opts.Headroom
	if headroom < 1 {
		headroom = 1
	}
	topUp := opts.TopUpEvery
	if topUp <= 0 {
		topUp = 30 * time.Second
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 60 * time.Second
	}

	return &Pool{
		log:        opts.Log.With("component", "pool"),
		dial:       opts.Dial,
		discover:   opts.Discover,
		maxActive:  maxActive,
		backoff:    backoff,
		headroom:   headroom,
		topUpEvery: topUp,
		workers:    workers,
		active:     make(map[netip.AddrPort]struct{}),
		book:       make(map[netip.AddrPort]*addrState),
		connectCh:  make(chan netip.AddrPort, maxActive*headroom),
	}
}

// ActiveCount returns the number of currently live sessions.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// AdmitPeers enqueues addrs for a connection attempt. Addresses already
// active or still cooling off are dropped silently; the queue itself is
// non-blocking — a full queue drops and logs, mirroring the teacher's
// admit-channel discipline (spec §3: "an address is in at most one of
// {active, cooling_off, idle}").
func (p *Pool) AdmitPeers(addrs []netip.AddrPort) {
	now := time.Now()

	p.mu.Lock()
	eligible := make([]netip.AddrPort, 0, len(addrs))
	for _, addr := range addrs {
		if _, ok := p.active[addr]; ok {
			continue
		}
		if st, ok := p.book[addr]; ok && now.Before(st.cooldownUntil) {
			continue
		}
		eligible = append(eligible, addr)
	}
	p.mu.Unlock()

	for _, addr := range eligible {
		select {
		case p.connectCh <- addr:
		default:
			p.log.Debug("admit queue full; dropping address", "addr", addr)
		}
	}
}

// Run drives the dialer workers and the periodic discovery top-up until
// ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		g.Go(func() error { return p.dialerLoop(gctx) })
	}
	g.Go(func() error { return p.topUpLoop(gctx) })

	return g.Wait()
}

func (p *Pool) dialerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case addr, ok := <-p.connectCh:
			if !ok {
				return nil
			}
			p.tryConnect(ctx, addr)
		}
	}
}

func (p *Pool) tryConnect(ctx context.Context, addr netip.AddrPort) {
	p.mu.Lock()
	if _, dup := p.active[addr]; dup {
		p.mu.Unlock()
		return
	}
	if len(p.active) >= p.maxActive {
		p.mu.Unlock()
		return
	}
	if st, ok := p.book[addr]; ok && time.Now().Before(st.cooldownUntil) {
		p.mu.Unlock()
		return
	}
	p.active[addr] = struct{}{}
	p.mu.Unlock()

	err := p.dial(ctx, addr, func(sessionErr error) { p.onSessionEnd(addr, sessionErr) })
	if err != nil {
		p.log.Debug("connect failed", "addr", addr, "error", err)
		p.onSessionEnd(addr, err)
	}
}

func (p *Pool) onSessionEnd(addr netip.AddrPort, err error) {
	p.mu.Lock()
	delete(p.active, addr)
	if err != nil {
		st := p.book[addr]
		if st == nil {
			st = &addrState{}
			p.book[addr] = st
		}
		st.failures++
		st.cooldownUntil = time.Now().Add(backoffDelay(p.backoff, st.failures))
	} else {
		delete(p.book, addr)
	}
	p.mu.Unlock()
}

func (p *Pool) topUpLoop(ctx context.Context) error {
	if p.discover == nil {
		return nil
	}

	p.runDiscovery(ctx)

	ticker := time.NewTicker(p.topUpEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.runDiscovery(ctx)
		}
	}
}

func (p *Pool) runDiscovery(ctx context.Context) {
	addrs, err := p.discover(ctx)
	if err != nil {
		p.log.Debug("discovery failed", "error", err)
		return
	}
	if len(addrs) == 0 {
		return
	}

	// Keep at most headroom * maxActive candidates in flight at once
	// (spec §9 Open Question: the source's 4x heuristic, generalized to
	// a configurable multiplier >= 1).
	limit := p.maxActive * p.headroom
	if limit > 0 && len(addrs) > limit {
		addrs = addrs[:limit]
	}

	p.log.Debug("discovered peers", "count", len(addrs))
	p.AdmitPeers(addrs)
}
