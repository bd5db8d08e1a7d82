// Package engine implements the download loop (spec §4.E): the
// component that wires a peer pool, scheduler, piece store and file
// mapper together and drives one torrent from "no data" to "every
// piece verified and committed to disk." It owns no protocol framing
// of its own — that lives in internal/peer and internal/wire — but it
// is the only package that knows how those pieces fit together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tchardonnens/vibe-torrent-client/internal/availability"
	"github.com/tchardonnens/vibe-torrent-client/internal/bitfield"
	"github.com/tchardonnens/vibe-torrent-client/internal/config"
	"github.com/tchardonnens/vibe-torrent-client/internal/meta"
	"github.com/tchardonnens/vibe-torrent-client/internal/peer"
	"github.com/tchardonnens/vibe-torrent-client/internal/piece"
	"github.com/tchardonnens/vibe-torrent-client/internal/pool"
	"github.com/tchardonnens/vibe-torrent-client/internal/scheduler"
	"github.com/tchardonnens/vibe-torrent-client/internal/storage"
	"github.com/tchardonnens/vibe-torrent-client/internal/tracker"
)

// announcePort is reported to trackers in every announce. This client
// never accepts incoming connections (leech-only, spec Non-goal: no
// seeding), so the value is nominal — BEP 3 still requires a port.
const announcePort = 6881

// peerHandle is the engine's bookkeeping for one live session: which
// pieces it currently leases, and a channel any callback can signal to
// reset the initial-bitfield watchdog.
type peerHandle struct {
	mu     sync.Mutex
	sess   *peer.Session
	leases map[int]int // piece index -> consecutive batch timeouts

	activity chan struct{}
}

func newPeerHandle() *peerHandle {
	return &peerHandle{leases: make(map[int]int), activity: make(chan struct{}, 1)}
}

func (h *peerHandle) signalActivity() {
	select {
	case h.activity <- struct{}{}:
	default:
	}
}

func (h *peerHandle) leaseCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.leases)
}

// Opts configures an Engine.
type Opts struct {
	Config   *config.Config
	Metainfo *meta.Metainfo
	Log      *slog.Logger

	// Tracker is the announce-protocol client driving peer discovery.
	// Nil disables announcing (the pool then relies on whatever
	// addresses AdmitPeers is called with directly, e.g. in tests).
	Tracker *tracker.Tracker
}

// Engine coordinates one torrent download: peer admission (internal/pool),
// rarest-first piece selection (internal/scheduler), block accounting and
// verification (internal/piece), and committing verified pieces to disk
// (internal/storage).
type Engine struct {
	cfg *config.Config
	log *slog.Logger
	mi  *meta.Metainfo

	store  *piece.Store
	avail  *availability.Vector
	sched  *scheduler.Scheduler
	mapper *storage.Mapper
	pool   *pool.Pool
	trk    *tracker.Tracker

	peersMu sync.Mutex
	peers   map[netip.AddrPort]*peerHandle

	announcedStarted   atomic.Bool
	announcedCompleted atomic.Bool
	fatal              chan error
}

// New builds an Engine ready to Run. It creates (or opens, truncated to
// declared length) every output file up front.
func New(opts Opts) (*Engine, error) {
	cfg := opts.Config
	mi := opts.Metainfo
	log := opts.Log.With("torrent", mi.Info.Name)

	store := piece.NewStore(mi.Size(), int64(mi.Info.PieceLength), mi.Info.Pieces)
	avail := availability.NewVector(mi.PieceCount(), cfg.MaxPeers)
	sched := scheduler.New(store, avail, cfg.KPiecesPerPeer, cfg.KBlocksPerPiece)

	mapper, err := storage.NewMapper(mi, cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("engine: storage setup: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		log:    log,
		mi:     mi,
		store:  store,
		avail:  avail,
		sched:  sched,
		mapper: mapper,
		trk:    opts.Tracker,
		peers:  make(map[netip.AddrPort]*peerHandle),
		fatal:  make(chan error, 1),
	}

	e.pool = pool.New(pool.Opts{
		Log:         log,
		Dial:        e.dialPeer,
		MaxActive:   cfg.MaxPeers,
		Backoff:     cfg.Backoff,
		Headroom:    cfg.DiscoveryHeadroom,
		TopUpEvery:  cfg.TrackerInterval,
		DialWorkers: cfg.DialWorkers,
	})

	return e, nil
}

// AdmitPeers feeds addresses into the peer pool directly, bypassing the
// tracker — used by callers that discover peers some other way (tests,
// a magnet link's x.pe parameters, PEX).
func (e *Engine) AdmitPeers(addrs []netip.AddrPort) { e.pool.AdmitPeers(addrs) }

// Progress returns a snapshot of overall download progress.
func (e *Engine) Progress() piece.Progress { return e.store.Progress() }

// ActivePeers returns the number of currently live peer sessions.
func (e *Engine) ActivePeers() int { return e.pool.ActiveCount() }

// AnnounceParams implements tracker.GetState: it reports this engine's
// current uploaded/downloaded/left counters and the lifecycle event
// (started once, completed exactly once when the last piece lands).
func (e *Engine) AnnounceParams() *tracker.AnnounceParams {
	p := e.store.Progress()
	left := e.mi.Size() - p.CompletedBytes
	if left < 0 {
		left = 0
	}

	event := tracker.EventNone
	if !e.announcedStarted.Swap(true) {
		event = tracker.EventStarted
	}
	if left == 0 && !e.announcedCompleted.Swap(true) {
		event = tracker.EventCompleted
	}

	return &tracker.AnnounceParams{
		InfoHash:   e.mi.InfoHash,
		PeerID:     e.cfg.PeerID,
		Downloaded: uint64(p.CompletedBytes),
		Left:       uint64(left),
		Event:      event,
		Port:       announcePort,
		NumWant:    e.cfg.NumWant,
	}
}

// Run drives the engine until every piece is downloaded and verified, ctx
// is cancelled, or an unrecoverable error occurs (spec §7: only metainfo
// validation — already done by the time New succeeds — and output I/O
// failures abort the engine; every other error is peer-local).
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.pool.Run(gctx) })

	if e.trk != nil {
		g.Go(func() error { return e.trk.Run(gctx, e.pool.AdmitPeers) })
	}

	g.Go(func() error {
		select {
		case err := <-e.fatal:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error { return e.watchCompletion(gctx, cancel) })

	err := g.Wait()
	closeErr := e.mapper.Close()

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err == nil {
		err = closeErr
	}
	return err
}

func (e *Engine) watchCompletion(ctx context.Context, stop context.CancelFunc) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p := e.store.Progress()
			if p.TotalPieces > 0 && p.CompletedPieces == p.TotalPieces {
				e.log.Info("download complete", "pieces", p.TotalPieces, "bytes", p.CompletedBytes)
				stop()
				return nil
			}
		}
	}
}

func (e *Engine) reportFatal(err error) {
	select {
	case e.fatal <- err:
	default:
	}
}

// dialPeer is the pool's Dial callback (spec §4.G): connect, handshake,
// declare interest, then hand the session's lifetime to a background
// goroutine and return immediately so the pool's bounded dial workers
// stay free for the next address.
func (e *Engine) dialPeer(ctx context.Context, addr netip.AddrPort, onSessionEnd func(error)) error {
	handle := newPeerHandle()

	sess, err := peer.Connect(ctx, e.log, addr, e.mi.InfoHash, e.cfg.PeerID, e.mi.PieceCount(),
		peer.Timeouts{
			Dial:      e.cfg.DialTimeout,
			Read:      e.cfg.ReadTimeout,
			Write:     e.cfg.WriteTimeout,
			Handshake: e.cfg.HandshakeTimeout,
			KeepAlive: e.cfg.KeepAliveInterval,
		},
		e.callbacksFor(ctx, addr, handle),
	)
	if err != nil {
		return err
	}

	handle.mu.Lock()
	handle.sess = sess
	handle.mu.Unlock()

	e.peersMu.Lock()
	e.peers[addr] = handle
	e.peersMu.Unlock()

	sess.SendInterested()
	go e.watchBitfieldTimeout(sess, handle)

	go func() {
		runErr := sess.Run(ctx)
		onSessionEnd(runErr)
	}()

	return nil
}

// watchBitfieldTimeout closes the session if no BITFIELD, HAVE or
// UNCHOKE activity arrives within the configured deadline (spec §5:
// "initial BITFIELD 10s"). A peer that never sends anything useful is
// indistinguishable from a dead one.
func (e *Engine) watchBitfieldTimeout(sess *peer.Session, handle *peerHandle) {
	timeout := e.cfg.BitfieldTimeout
	if timeout <= 0 {
		return
	}

	select {
	case <-handle.activity:
		return
	case <-time.After(timeout):
		e.log.Debug("no activity before bitfield deadline, disconnecting", "addr", sess.Addr())
		sess.Close()
	}
}

func (e *Engine) callbacksFor(ctx context.Context, addr netip.AddrPort, handle *peerHandle) peer.Callbacks {
	return peer.Callbacks{
		OnBitfieldDelta: func(a netip.AddrPort, newlySet []int) {
			for _, idx := range newlySet {
				e.avail.Increment(idx)
			}
			handle.signalActivity()
		},

		OnHaveDelta: func(a netip.AddrPort, idx int) {
			e.avail.Increment(idx)
			handle.signalActivity()
		},

		OnUnchoke: func(a netip.AddrPort) {
			handle.signalActivity()

			handle.mu.Lock()
			sess := handle.sess
			handle.mu.Unlock()

			if sess != nil {
				e.startLeases(ctx, sess, handle, a)
			}
		},

		OnChoked: func(a netip.AddrPort, cancelled []peer.BlockKey) {
			for _, k := range cancelled {
				_ = e.store.ClearRequested(int(k.Index), int(k.Begin))
			}
		},

		OnUnmatchedPiece: func(a netip.AddrPort, index, begin int, data []byte) {
			if err := e.store.SubmitBlock(index, begin, data); err != nil {
				return
			}
			if full, _ := e.store.IsPieceFull(index); full {
				e.verifyAndCommit(index)
			}
		},

		OnDisconnect: func(a netip.AddrPort, remoteBits bitfield.Bitfield) {
			for i := 0; i < remoteBits.Len(); i++ {
				if remoteBits.Has(i) {
					e.avail.Decrement(i)
				}
			}

			e.peersMu.Lock()
			delete(e.peers, a)
			e.peersMu.Unlock()

			handle.mu.Lock()
			leased := make([]int, 0, len(handle.leases))
			for idx := range handle.leases {
				leased = append(leased, idx)
			}
			handle.mu.Unlock()

			for _, idx := range leased {
				_ = e.store.Release(idx, piece.Reset)
			}
		},
	}
}

// startLeases tops a peer's outstanding piece leases up to
// K_pieces_per_peer (spec §4.D/§4.E) and spawns one block-pump goroutine
// per newly-acquired piece.
func (e *Engine) startLeases(ctx context.Context, sess *peer.Session, handle *peerHandle, addr netip.AddrPort) {
	if sess.PeerChoking() || !sess.Connected() {
		return
	}

	indices := e.sched.FillLeases(sess.HasRemotePiece, handle.leaseCount())
	if len(indices) == 0 {
		return
	}

	handle.mu.Lock()
	for _, idx := range indices {
		handle.leases[idx] = 0
	}
	handle.mu.Unlock()

	for _, idx := range indices {
		go e.runLeasePump(ctx, sess, handle, addr, idx)
	}
}

// runLeasePump drives one leased piece to completion, abandonment (after
// MaxConsecutiveBatchTimeouts full-batch timeouts, spec §4.E/§7), or
// session end, issuing REQUESTs in batches of up to K_blocks_per_piece
// and refilling the peer's lease budget once the piece is settled.
func (e *Engine) runLeasePump(ctx context.Context, sess *peer.Session, handle *peerHandle, addr netip.AddrPort, index int) {
	defer e.finishLease(ctx, sess, handle, addr, index)

	for {
		if ctx.Err() != nil || !sess.Connected() {
			return
		}

		full, err := e.store.IsPieceFull(index)
		if err != nil {
			return
		}
		if full {
			e.verifyAndCommit(index)
			return
		}

		waiters, blocks, err := e.issueBatch(sess, index)
		if err != nil {
			e.abandonLease(index, blocks)
			return
		}
		if len(waiters) == 0 {
			// Every remaining block is already in flight (requested by
			// this same pump in an earlier round); give the network a
			// moment and re-check.
			time.Sleep(50 * time.Millisecond)
			continue
		}

		batchCtx, batchCancel := context.WithTimeout(ctx, e.cfg.BlockBatchDeadline)
		ok := e.awaitBatch(batchCtx, sess, index, waiters, blocks)
		batchCancel()

		if ok {
			handle.mu.Lock()
			handle.leases[index] = 0
			handle.mu.Unlock()
			continue
		}

		handle.mu.Lock()
		handle.leases[index]++
		timeouts := handle.leases[index]
		handle.mu.Unlock()

		if timeouts >= e.cfg.MaxConsecutiveBatchTimeouts {
			e.log.Debug("abandoning lease after repeated batch timeouts", "addr", addr, "piece", index)
			_ = e.store.Release(index, piece.Reset)
			return
		}
	}
}

// finishLease drops index from the peer's lease set and, if the session
// is still usable, tries to fill the freed slot so the peer's
// K_pieces_per_peer budget stays saturated.
func (e *Engine) finishLease(ctx context.Context, sess *peer.Session, handle *peerHandle, addr netip.AddrPort, index int) {
	handle.mu.Lock()
	delete(handle.leases, index)
	handle.mu.Unlock()

	if ctx.Err() != nil || !sess.Connected() {
		return
	}
	e.startLeases(ctx, sess, handle, addr)
}

// issueBatch requests up to K_blocks_per_piece not-yet-requested blocks
// of index in one flush, marking each requested before it is sent so a
// timeout or CHOKE always has a well-defined block to clear.
func (e *Engine) issueBatch(sess *peer.Session, index int) ([]*peer.Waiter, []piece.Block, error) {
	maxBlocks := e.sched.MaxBlocksPerPiece()

	waiters := make([]*peer.Waiter, 0, maxBlocks)
	blocks := make([]piece.Block, 0, maxBlocks)

	for len(waiters) < maxBlocks {
		blk, ok, err := e.store.NextMissingBlock(index)
		if err != nil {
			return waiters, blocks, err
		}
		if !ok {
			break
		}

		if err := e.store.MarkRequested(index, blk.Offset); err != nil {
			return waiters, blocks, err
		}

		w, err := sess.RequestBlock(uint32(index), uint32(blk.Offset), uint32(blk.Length), false)
		if err != nil {
			_ = e.store.ClearRequested(index, blk.Offset)
			return waiters, blocks, err
		}

		waiters = append(waiters, w)
		blocks = append(blocks, blk)
	}

	if len(waiters) > 0 {
		if err := sess.Flush(); err != nil {
			return waiters, blocks, err
		}
	}

	return waiters, blocks, nil
}

// awaitBatch waits out every waiter in the batch, submitting whatever
// data arrives before ctx's deadline. It reports false if any block in
// the batch failed to arrive in time. A timed-out block's waiter is
// cancelled on the session itself (spec §4.E: "cancel their waiters"),
// not just cleared in the store — otherwise a PIECE that lands in the
// gap between the timeout and the block's re-request would be matched
// to the stale, unread waiter and dropped instead of being absorbed via
// OnUnmatchedPiece.
func (e *Engine) awaitBatch(ctx context.Context, sess *peer.Session, index int, waiters []*peer.Waiter, blocks []piece.Block) bool {
	ok := true
	for i, w := range waiters {
		data, err := w.Wait(ctx)
		if err != nil {
			ok = false
			sess.CancelBlock(uint32(index), uint32(blocks[i].Offset), uint32(blocks[i].Length))
			_ = e.store.ClearRequested(index, blocks[i].Offset)
			continue
		}
		if err := e.store.SubmitBlock(index, blocks[i].Offset, data); err != nil {
			e.log.Debug("submit block rejected", "index", index, "offset", blocks[i].Offset, "error", err)
			ok = false
		}
	}
	return ok
}

func (e *Engine) abandonLease(index int, issued []piece.Block) {
	for _, b := range issued {
		_ = e.store.ClearRequested(index, b.Offset)
	}
	_ = e.store.Release(index, piece.Reset)
}

// verifyAndCommit assembles a fully-downloaded piece, checks its digest,
// and commits it to disk. A hash mismatch already reset the piece to
// Missing inside the store (spec §4.C); here it is simply logged so the
// scheduler picks it up again, from this or another peer.
func (e *Engine) verifyAndCommit(index int) {
	data, err := e.store.AssembleAndVerify(index)
	if err != nil {
		if errors.Is(err, piece.ErrHashMismatch) {
			e.log.Warn("piece failed hash verification, requeued", "index", index)
			return
		}
		e.log.Debug("assemble piece failed", "index", index, "error", err)
		return
	}

	if err := e.mapper.CommitPiece(index, data); err != nil {
		e.reportFatal(fmt.Errorf("engine: commit piece %d: %w", index, err))
		return
	}

	if err := e.store.Release(index, piece.Keep); err != nil {
		e.log.Debug("release piece failed", "index", index, "error", err)
	}
}
