// Package tracker implements the tracker announce protocol spec §6
// treats as an external collaborator ("the core consumes a
// discover_peers function returning address lists"). It is carried as
// the in-tree, swappable implementation of that contract: BEP-12
// multi-tier announce-list fallback with intra-tier promotion,
// HTTP(S) and UDP transports, and exponential backoff on consecutive
// failures.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tchardonnens/vibe-torrent-client/internal/config"
)

const maxBackoffShift = 5

// Event is the tracker announce lifecycle event (spec §6).
type Event uint32

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// AnnounceParams is one outbound announce request's parameters (spec §6).
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [20]byte
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	Port       uint16
	NumWant    uint32
	Key        uint32
}

// AnnounceResponse is a tracker's reply, transport-independent.
type AnnounceResponse struct {
	TrackerID   string
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int64
	Leechers    int64
	Peers       []netip.AddrPort
}

// Protocol is implemented by each transport (HTTP/HTTPS and UDP).
type Protocol interface {
	Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error)
}

// Stats are the tracker client's lifetime counters.
type Stats struct {
	TotalAnnounces      atomic.Uint64
	SuccessfulAnnounces atomic.Uint64
	FailedAnnounces     atomic.Uint64
	TotalPeersReceived  atomic.Uint64
	CurrentSeeders      atomic.Int64
	CurrentLeechers     atomic.Int64
}

// Metrics is a point-in-time snapshot of Stats, safe to copy.
type Metrics struct {
	TotalAnnounces      uint64
	SuccessfulAnnounces uint64
	FailedAnnounces     uint64
	TotalPeersReceived  uint64
	CurrentSeeders      int64
	CurrentLeechers     int64
}

// GetState supplies the current announce parameters on demand — the
// tracker client never tracks uploaded/downloaded/left itself; that
// state lives with the piece store and session stats (spec §6).
type GetState func() *AnnounceParams

// Tracker announces to a torrent's announce-list tiers (BEP-12): within
// a tier, the first URL that answers is promoted to the front; across
// tiers, the client falls through to the next tier on exhaustion.
type Tracker struct {
	cfg  *config.Config
	log  *slog.Logger
	stats *Stats

	mu       sync.Mutex
	tiers    [][]*url.URL
	backends map[string]Protocol

	getState GetState
}

// New builds a Tracker from a metainfo's announce/announce-list fields.
// announce may be empty if announceList is non-empty.
func New(cfg *config.Config, announce string, announceList [][]string, log *slog.Logger, getState GetState) (*Tracker, error) {
	tiers, err := buildTiers(announce, announceList)
	if err != nil {
		return nil, err
	}

	r := rand.New(rand.NewSource(int64(len(tiers)) + 1))
	for i := range tiers {
		if len(tiers[i]) < 2 {
			continue
		}
		r.Shuffle(len(tiers[i]), func(a, b int) { tiers[i][a], tiers[i][b] = tiers[i][b], tiers[i][a] })
	}

	return &Tracker{
		cfg:      cfg,
		log:      log.With("component", "tracker"),
		stats:    &Stats{},
		tiers:    tiers,
		backends: make(map[string]Protocol),
		getState: getState,
	}, nil
}

// Metrics returns a snapshot of the tracker client's lifetime counters.
func (t *Tracker) Metrics() Metrics {
	return Metrics{
		TotalAnnounces:      t.stats.TotalAnnounces.Load(),
		SuccessfulAnnounces: t.stats.SuccessfulAnnounces.Load(),
		FailedAnnounces:     t.stats.FailedAnnounces.Load(),
		TotalPeersReceived:  t.stats.TotalPeersReceived.Load(),
		CurrentSeeders:      t.stats.CurrentSeeders.Load(),
		CurrentLeechers:     t.stats.CurrentLeechers.Load(),
	}
}

// Announce walks the tier list, promoting the first URL in each tier
// that answers, and falling through to the next tier on exhaustion.
func (t *Tracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	t.stats.TotalAnnounces.Add(1)

	var lastErr error

	for tierIdx := 0; tierIdx < len(t.tiers); tierIdx++ {
		tier := t.snapshotTier(tierIdx)

		for i, u := range tier {
			backend, err := t.backendFor(u)
			if err != nil {
				lastErr = err
				continue
			}

			resp, err := backend.Announce(ctx, params)
			if err != nil {
				lastErr = err
				continue
			}

			t.promoteWithinTier(tierIdx, i)
			t.stats.SuccessfulAnnounces.Add(1)
			t.stats.TotalPeersReceived.Add(uint64(len(resp.Peers)))
			t.stats.CurrentSeeders.Store(resp.Seeders)
			t.stats.CurrentLeechers.Store(resp.Leechers)

			t.log.Debug("announce success", "tier", tierIdx, "url", u.String(), "peers", len(resp.Peers))
			return resp, nil
		}

		t.log.Debug("announce tier exhausted", "tier", tierIdx)
	}

	t.stats.FailedAnnounces.Add(1)
	if lastErr == nil {
		lastErr = errors.New("tracker: no announce urls configured")
	}
	return nil, fmt.Errorf("tracker: all tiers exhausted: %w", lastErr)
}

// AnnounceStopped sends a best-effort final "stopped" announce; callers
// typically give it a short bounded context at shutdown.
func (t *Tracker) AnnounceStopped(ctx context.Context) {
	params := t.getState()
	if params == nil {
		return
	}
	params.Event = EventStopped
	_, _ = t.Announce(ctx, params)
}

// Run drives the periodic announce loop (spec §6's tracker interval,
// overridable by the response) until ctx is cancelled, at which point
// it sends a best-effort final "stopped" announce and returns. Each
// successful announce's peer list is delivered to onPeers — typically
// a peer pool's AdmitPeers — directly, rather than through a polled
// Discover interface, matching the way the reference client's torrent
// glue wires tracker and DHT discovery straight into the swarm.
func (t *Tracker) Run(ctx context.Context, onPeers func([]netip.AddrPort)) error {
	consecutiveFailures := 0

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			t.AnnounceStopped(sctx)
			cancel()
			return nil

		case <-timer.C:
			params := t.getState()
			if params == nil {
				timer.Reset(t.cfg.TrackerInterval)
				continue
			}

			resp, err := t.Announce(ctx, params)
			if err != nil {
				consecutiveFailures++
				t.log.Debug("announce failed", "error", err, "consecutive_failures", consecutiveFailures)
				timer.Reset(backoffDelay(t.cfg, consecutiveFailures))
				continue
			}

			consecutiveFailures = 0
			if onPeers != nil && len(resp.Peers) > 0 {
				onPeers(resp.Peers)
			}
			timer.Reset(NextAnnounceInterval(t.cfg, resp))
		}
	}
}

func (t *Tracker) snapshotTier(idx int) []*url.URL {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*url.URL(nil), t.tiers[idx]...)
}

func (t *Tracker) promoteWithinTier(tierIdx, urlIdx int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tier := t.tiers[tierIdx]
	if urlIdx <= 0 || urlIdx >= len(tier) {
		return
	}
	u := tier[urlIdx]
	copy(tier[1:urlIdx+1], tier[0:urlIdx])
	tier[0] = u
}

func (t *Tracker) backendFor(u *url.URL) (Protocol, error) {
	key := u.String()

	t.mu.Lock()
	b, ok := t.backends[key]
	t.mu.Unlock()
	if ok {
		return b, nil
	}

	log := t.log.With("scheme", u.Scheme, "host", u.Host)

	var (
		backend Protocol
		err     error
	)
	switch u.Scheme {
	case "http", "https":
		backend, err = newHTTPTracker(u, log)
	case "udp":
		backend, err = newUDPTracker(u, log)
	default:
		err = fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.backends[key] = backend
	t.mu.Unlock()

	return backend, nil
}

func buildTiers(announce string, announceList [][]string) ([][]*url.URL, error) {
	tiers := make([][]*url.URL, 0, len(announceList)+1)

	for _, tier := range announceList {
		out := make([]*url.URL, 0, len(tier))
		for _, raw := range tier {
			if u, ok := parseTrackerURL(raw); ok {
				out = append(out, u)
			}
		}
		if len(out) > 0 {
			tiers = append(tiers, out)
		}
	}

	// BEP 12: a usable announce-list supersedes the single announce URL.
	if len(tiers) == 0 {
		if s := strings.TrimSpace(announce); s != "" {
			if u, ok := parseTrackerURL(s); ok {
				tiers = append(tiers, []*url.URL{u})
			}
		}
	}

	if len(tiers) == 0 {
		return nil, errors.New("tracker: no usable announce urls")
	}
	return tiers, nil
}

func parseTrackerURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	switch u.Scheme {
	case "http", "https", "udp":
		return u, true
	default:
		return nil, false
	}
}

// NextAnnounceInterval resolves the poll interval to use after a
// successful announce: the response's own interval, or the configured
// interval if the response names none (spec §6: "interval (seconds)"),
// raised to the response's min interval and to cfg.MinAnnounceInterval
// whenever either of those is larger.
func NextAnnounceInterval(cfg *config.Config, resp *AnnounceResponse) time.Duration {
	interval := cfg.TrackerInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if resp.Interval > 0 {
		interval = resp.Interval
	}
	if resp.MinInterval > 0 && resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if cfg.MinAnnounceInterval > 0 && interval < cfg.MinAnnounceInterval {
		interval = cfg.MinAnnounceInterval
	}
	return interval
}

func backoffDelay(cfg *config.Config, consecutiveFailures int) time.Duration {
	const base = 15 * time.Second

	shift := consecutiveFailures - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	delay := base * time.Duration(1<<uint(shift))

	maxBackoff := cfg.MaxAnnounceBackoff
	if maxBackoff > 0 && delay > maxBackoff {
		delay = maxBackoff
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay - (delay / 4) + jitter
}
