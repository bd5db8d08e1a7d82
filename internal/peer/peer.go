// Package peer implements one BitTorrent peer-wire session (spec §4.B):
// TCP connect, handshake, a single-writer message loop, local choke/
// interest state, and remote bitfield/availability tracking. A Session
// holds only the wire codec and its own waiter map; piece selection and
// storage are mediated entirely through callbacks supplied by the
// download loop.
package peer

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tchardonnens/vibe-torrent-client/internal/bitfield"
	"github.com/tchardonnens/vibe-torrent-client/internal/wire"
)

const (
	maskAmInterested   = 1 << 0
	maskPeerChoking    = 1 << 1
	maskPeerInterested = 1 << 2
)

// BlockKey identifies a block by (piece index, byte offset within piece);
// the exported twin of the package-private blockKey, used at callback
// boundaries.
type BlockKey struct {
	Index uint32
	Begin uint32
}

// Timeouts collects every per-session deadline named in spec §5.
type Timeouts struct {
	Dial          time.Duration
	Read          time.Duration
	Write         time.Duration
	Handshake     time.Duration
	KeepAlive     time.Duration
	OutboxBacklog int
}

// Callbacks wires a Session's observable events back into the download
// loop. All are invoked from the session's own goroutines and must not
// block for long.
type Callbacks struct {
	// OnBitfieldDelta fires once, right after handshake, with every piece
	// index the remote bitfield newly advertises.
	OnBitfieldDelta func(addr netip.AddrPort, newlySet []int)
	// OnHaveDelta fires for each HAVE that advertises a piece not already
	// known to be held by this peer.
	OnHaveDelta func(addr netip.AddrPort, index int)
	// OnUnchoke fires when the peer transitions us from choked to
	// unchoked, the signal to start leasing work.
	OnUnchoke func(addr netip.AddrPort)
	// OnChoked fires with the block keys that were in flight at the
	// moment of a CHOKE, so the store can clear their requested flags.
	OnChoked func(addr netip.AddrPort, cancelled []BlockKey)
	// OnUnmatchedPiece fires for a PIECE payload that does not match any
	// outstanding waiter (late arrival, or unsolicited delivery).
	OnUnmatchedPiece func(addr netip.AddrPort, index, begin int, data []byte)
	// OnDisconnect fires exactly once, at session end, with the final
	// remote bitfield — the session's contribution to global
	// availability, to be decremented in full.
	OnDisconnect func(addr netip.AddrPort, remoteBits bitfield.Bitfield)
}

// Stats mirrors the teacher's per-connection counters; all fields are
// monotonic for the session's lifetime.
type Stats struct {
	Downloaded        atomic.Uint64
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsCancelled atomic.Uint64
	PiecesReceived    atomic.Uint64
	Errors            atomic.Uint64
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// Session is one live peer-wire connection.
type Session struct {
	log  *slog.Logger
	conn net.Conn
	addr netip.AddrPort

	timeouts  Timeouts
	callbacks Callbacks

	state          uint32 // choke/interest bitmask
	remoteBitsMu   sync.Mutex
	remoteBits     bitfield.Bitfield
	lastActivityAt atomic.Int64

	pending *waiterTable

	batchMu sync.Mutex
	batch   []*wire.Message

	outbox    chan *wire.Message
	stopCh    chan struct{}
	stats     *Stats
	closeOnce sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc
}

// Connect dials addr, performs the peer-wire handshake, and returns a
// Session ready to Run. pieceCount sizes the remote bitfield tracker.
func Connect(
	ctx context.Context,
	log *slog.Logger,
	addr netip.AddrPort,
	infoHash, localPeerID [sha1.Size]byte,
	pieceCount int,
	timeouts Timeouts,
	callbacks Callbacks,
) (*Session, error) {
	dialer := net.Dialer{Timeout: timeouts.Dial}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("peer: dial %s: %w", addr, err)
	}

	_ = conn.SetDeadline(time.Now().Add(timeouts.Handshake))
	hs := wire.NewHandshake(infoHash, localPeerID)
	if _, err := hs.Exchange(conn, true); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer: handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	backlog := timeouts.OutboxBacklog
	if backlog <= 0 {
		backlog = 64
	}

	s := &Session{
		log:        log.With("component", "peer", "addr", addr),
		conn:       conn,
		addr:       addr,
		timeouts:   timeouts,
		callbacks:  callbacks,
		remoteBits: bitfield.New(pieceCount),
		pending:    newWaiterTable(),
		outbox:     make(chan *wire.Message, backlog),
		stopCh:     make(chan struct{}),
		stats:      &Stats{ConnectedAt: time.Now()},
	}
	s.setState(maskPeerChoking, true)
	s.lastActivityAt.Store(time.Now().UnixNano())

	return s, nil
}

// Run drives the session's reader, writer, and keep-alive loops until
// ctx is cancelled or the connection fails. It always closes the
// session before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	return g.Wait()
}

// Close tears the session down idempotently and fires OnDisconnect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
		close(s.stopCh)
		s.stats.DisconnectedAt = time.Now()

		s.pending.cancelAll(ErrWaiterCancelled)

		if s.callbacks.OnDisconnect != nil {
			s.remoteBitsMu.Lock()
			bits := s.remoteBits.Clone()
			s.remoteBitsMu.Unlock()
			s.callbacks.OnDisconnect(s.addr, bits)
		}

		s.log.Debug("session closed")
	})
}

func (s *Session) Addr() netip.AddrPort { return s.addr }
func (s *Session) Stats() *Stats        { return s.stats }

func (s *Session) AmInterested() bool   { return s.getState(maskAmInterested) }
func (s *Session) PeerChoking() bool    { return s.getState(maskPeerChoking) }
func (s *Session) PeerInterested() bool { return s.getState(maskPeerInterested) }
func (s *Session) Connected() bool      { return !s.stopped.Load() }

func (s *Session) getState(mask uint32) bool { return atomic.LoadUint32(&s.state)&mask != 0 }

func (s *Session) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&s.state)
		next := old | mask
		if !on {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&s.state, old, next) {
			return
		}
	}
}

// SendInterested declares interest; spec §4.E calls this once per
// session immediately after the session reaches idle.
func (s *Session) SendInterested() {
	s.setState(maskAmInterested, true)
	s.enqueue(wire.MessageInterested())
}

func (s *Session) SendNotInterested() {
	s.setState(maskAmInterested, false)
	s.enqueue(wire.MessageNotInterested())
}

// ErrChoked, ErrClosed are returned by RequestBlock when a request
// cannot be issued.
var (
	ErrChoked = errors.New("peer: remote is choking us")
	ErrClosed = errors.New("peer: session is closed")
)

// RequestBlock registers a waiter for (index, begin) and appends a
// REQUEST to the pending batch; callers pass flush=true to send the
// batch immediately, or call Flush explicitly once a batch is built up
// (spec §4.E: "batched, flush when the batch is full or no more blocks
// are available").
func (s *Session) RequestBlock(index, begin, length uint32, flush bool) (*Waiter, error) {
	if s.stopped.Load() {
		return nil, ErrClosed
	}
	if s.PeerChoking() || !s.AmInterested() {
		return nil, ErrChoked
	}

	key := blockKey{index: index, begin: begin}
	w := s.pending.register(key)

	s.batchMu.Lock()
	s.batch = append(s.batch, wire.MessageRequest(index, begin, length))
	s.batchMu.Unlock()

	if flush {
		if err := s.Flush(); err != nil {
			s.pending.remove(key)
			return nil, err
		}
	}

	return w, nil
}

// CancelBlock drops any waiter for (index, begin) and sends CANCEL.
func (s *Session) CancelBlock(index, begin, length uint32) {
	s.pending.remove(blockKey{index: index, begin: begin})
	s.stats.RequestsCancelled.Add(1)
	s.enqueue(wire.MessageCancel(index, begin, length))
}

// Flush pushes every batched REQUEST onto the write queue in one shot.
func (s *Session) Flush() error {
	s.batchMu.Lock()
	batch := s.batch
	s.batch = nil
	s.batchMu.Unlock()

	for _, m := range batch {
		if !s.enqueue(m) {
			return ErrClosed
		}
		s.stats.RequestsSent.Add(1)
	}
	return nil
}

// enqueue blocks until m is accepted onto the write queue or the session
// closes. A non-blocking attempt would silently drop REQUESTs once the
// backlog fills — reachable in steady state with K_blocks_per_piece ×
// K_pieces_per_peer requests in flight against a slow writer — leaving
// the 30s batch timeout as the only recovery path. Blocking here instead
// pushes back on the caller (the issuing lease pump) until the writer
// catches up, with s.stopCh guaranteeing this never blocks past the
// session's own shutdown.
func (s *Session) enqueue(m *wire.Message) bool {
	if s.stopped.Load() {
		return false
	}
	select {
	case s.outbox <- m:
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.timeouts.Read))
		m, err := wire.ReadMessage(s.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.stats.Errors.Add(1)
			return err
		}

		s.stats.MessagesReceived.Add(1)
		s.lastActivityAt.Store(time.Now().UnixNano())

		if err := s.handleMessage(m); err != nil {
			return err
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	interval := s.timeouts.KeepAlive
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case m, ok := <-s.outbox:
			if !ok {
				return nil
			}
			if err := s.writeMessage(m); err != nil {
				return err
			}

		case <-ticker.C:
			last := time.Unix(0, s.lastActivityAt.Load())
			if time.Since(last) >= interval {
				_ = s.writeMessage(nil)
			}
		}
	}
}

func (s *Session) writeMessage(m *wire.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeouts.Write))
	if err := wire.WriteMessage(s.conn, m); err != nil {
		s.stats.Errors.Add(1)
		return err
	}
	s.stats.MessagesSent.Add(1)
	s.lastActivityAt.Store(time.Now().UnixNano())
	return nil
}

// handleMessage implements the dispatch table of spec §4.B. It touches
// no socket state, which keeps it independently testable.
func (s *Session) handleMessage(m *wire.Message) error {
	if wire.IsKeepAlive(m) {
		return nil
	}

	switch m.ID {
	case wire.Choke:
		s.setState(maskPeerChoking, true)
		cancelled := s.pending.cancelAll(ErrWaiterChoked)
		if s.callbacks.OnChoked != nil && len(cancelled) > 0 {
			keys := make([]BlockKey, len(cancelled))
			for i, k := range cancelled {
				keys[i] = BlockKey{Index: k.index, Begin: k.begin}
			}
			s.callbacks.OnChoked(s.addr, keys)
		}

	case wire.Unchoke:
		s.setState(maskPeerChoking, false)
		if s.callbacks.OnUnchoke != nil {
			s.callbacks.OnUnchoke(s.addr)
		}

	case wire.Interested:
		s.setState(maskPeerInterested, true)

	case wire.NotInterested:
		s.setState(maskPeerInterested, false)

	case wire.Bitfield:
		s.handleBitfield(m.Payload)

	case wire.Have:
		index, ok := m.ParseHave()
		if !ok {
			return fmt.Errorf("peer: malformed HAVE from %s", s.addr)
		}
		s.handleHave(int(index))

	case wire.Piece:
		index, begin, data, ok := m.ParsePiece()
		if !ok {
			return fmt.Errorf("peer: malformed PIECE from %s", s.addr)
		}
		s.handlePiece(index, begin, data)

	case wire.Request, wire.Cancel:
		// Seeding is out of scope; inbound REQUEST/CANCEL are observed
		// but never served.

	case wire.Extended:
		// accepted and ignored

	default:
		return fmt.Errorf("peer: unknown message id %d from %s", m.ID, s.addr)
	}

	return nil
}

func (s *Session) handleBitfield(payload []byte) {
	incoming := bitfield.FromBytes(payload)

	s.remoteBitsMu.Lock()
	n := s.remoteBits.Len()
	var newlySet []int
	for i := 0; i < n; i++ {
		if incoming.Has(i) && !s.remoteBits.Has(i) {
			s.remoteBits.Set(i)
			newlySet = append(newlySet, i)
		}
	}
	s.remoteBitsMu.Unlock()

	if s.callbacks.OnBitfieldDelta != nil {
		s.callbacks.OnBitfieldDelta(s.addr, newlySet)
	}
}

func (s *Session) handleHave(index int) {
	s.remoteBitsMu.Lock()
	already := index < 0 || index >= s.remoteBits.Len() || s.remoteBits.Has(index)
	if !already {
		s.remoteBits.Set(index)
	}
	s.remoteBitsMu.Unlock()

	if !already && s.callbacks.OnHaveDelta != nil {
		s.callbacks.OnHaveDelta(s.addr, index)
	}
}

func (s *Session) handlePiece(index, begin uint32, data []byte) {
	s.stats.PiecesReceived.Add(1)
	s.stats.Downloaded.Add(uint64(len(data)))

	key := blockKey{index: index, begin: begin}
	if w, ok := s.pending.take(key); ok {
		w.deliver(data, nil)
		return
	}

	if s.callbacks.OnUnmatchedPiece != nil {
		s.callbacks.OnUnmatchedPiece(s.addr, int(index), int(begin), data)
	}
}

// HasRemotePiece reports whether the remote has advertised index.
func (s *Session) HasRemotePiece(index int) bool {
	s.remoteBitsMu.Lock()
	defer s.remoteBitsMu.Unlock()
	return s.remoteBits.Has(index)
}
