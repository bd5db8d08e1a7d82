package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"
)

// BEP 15: UDP tracker protocol.
const (
	udpProtocolID   = 0x41727101980
	udpConnIDTTL    = 60 * time.Second
	udpMaxRetries   = 8
	udpBaseTimeout  = 15 * time.Second
	udpMaxDatagram  = 4096
)

const (
	udpActionConnect uint32 = iota
	udpActionAnnounce
	udpActionScrape
	udpActionError
)

var (
	errUDPActionMismatch = errors.New("tracker: udp action mismatch")
	errUDPTxnMismatch    = errors.New("tracker: udp transaction id mismatch")
	errUDPShortPacket    = errors.New("tracker: udp packet too short")
	errUDPRetriesExhausted = errors.New("tracker: udp retries exhausted")
)

type udpTracker struct {
	log *slog.Logger

	mu        sync.Mutex
	conn      *net.UDPConn
	key       uint32
	connID    uint64
	connIDTTL time.Time
	readBuf   []byte
}

func newUDPTracker(u *url.URL, log *slog.Logger) (Protocol, error) {
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolve udp addr: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: dial udp: %w", err)
	}

	key, err := randU32()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &udpTracker{
		log:     log,
		conn:    conn,
		key:     key,
		readBuf: make([]byte, udpMaxDatagram),
	}, nil
}

func (ut *udpTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	if time.Now().After(ut.connIDTTL) {
		if err := ut.connect(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := ut.announce(ctx, params)
	if err == nil {
		return resp, nil
	}

	// A stale connection ID surfaces as an action/transaction mismatch;
	// reconnect once and retry the announce before giving up.
	if errors.Is(err, errUDPActionMismatch) || errors.Is(err, errUDPTxnMismatch) {
		ut.log.Debug("udp announce mismatch, reconnecting", "error", err)
		ut.connIDTTL = time.Time{}
		if err := ut.connect(ctx); err != nil {
			return nil, err
		}
		return ut.announce(ctx, params)
	}

	return nil, err
}

func (ut *udpTracker) connect(ctx context.Context) error {
	for n := 0; n < udpMaxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		timeout, err := udpRetryTimeout(ctx, n)
		if err != nil {
			return err
		}
		_ = ut.conn.SetDeadline(time.Now().Add(timeout))

		txnID, err := randU32()
		if err != nil {
			return err
		}

		if err := ut.sendConnect(txnID); err != nil {
			ut.log.Debug("udp connect send failed", "retry", n, "error", err)
			continue
		}

		connID, err := ut.recvConnect(txnID)
		if err != nil {
			ut.log.Debug("udp connect recv failed", "retry", n, "error", err)
			continue
		}

		ut.connID = connID
		ut.connIDTTL = time.Now().Add(udpConnIDTTL)
		return nil
	}

	return errUDPRetriesExhausted
}

func (ut *udpTracker) announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	for n := 0; n < udpMaxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		timeout, err := udpRetryTimeout(ctx, n)
		if err != nil {
			return nil, err
		}
		_ = ut.conn.SetDeadline(time.Now().Add(timeout))

		txnID, err := randU32()
		if err != nil {
			return nil, err
		}

		if err := ut.sendAnnounce(txnID, params); err != nil {
			ut.log.Debug("udp announce send failed", "retry", n, "error", err)
			continue
		}

		resp, err := ut.recvAnnounce(txnID)
		if err != nil {
			if errors.Is(err, errUDPActionMismatch) || errors.Is(err, errUDPTxnMismatch) {
				return nil, err
			}
			ut.log.Debug("udp announce recv failed", "retry", n, "error", err)
			continue
		}

		return resp, nil
	}

	return nil, errUDPRetriesExhausted
}

func (ut *udpTracker) sendConnect(txnID uint32) error {
	var packet [16]byte
	binary.BigEndian.PutUint64(packet[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(packet[8:12], udpActionConnect)
	binary.BigEndian.PutUint32(packet[12:16], txnID)
	_, err := ut.conn.Write(packet[:])
	return err
}

func (ut *udpTracker) recvConnect(txnID uint32) (uint64, error) {
	var packet [16]byte
	n, err := ut.conn.Read(packet[:])
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, errUDPShortPacket
	}

	action := binary.BigEndian.Uint32(packet[0:4])
	if action == udpActionError {
		return 0, fmt.Errorf("tracker: udp error: %s", string(packet[8:n]))
	}
	if action != udpActionConnect {
		return 0, errUDPActionMismatch
	}
	if got := binary.BigEndian.Uint32(packet[4:8]); got != txnID {
		return 0, errUDPTxnMismatch
	}

	return binary.BigEndian.Uint64(packet[8:16]), nil
}

func (ut *udpTracker) sendAnnounce(txnID uint32, params *AnnounceParams) error {
	var packet [98]byte
	binary.BigEndian.PutUint64(packet[0:8], ut.connID)
	binary.BigEndian.PutUint32(packet[8:12], udpActionAnnounce)
	binary.BigEndian.PutUint32(packet[12:16], txnID)
	copy(packet[16:36], params.InfoHash[:])
	copy(packet[36:56], params.PeerID[:])
	binary.BigEndian.PutUint64(packet[56:64], params.Downloaded)
	binary.BigEndian.PutUint64(packet[64:72], params.Left)
	binary.BigEndian.PutUint64(packet[72:80], params.Uploaded)
	binary.BigEndian.PutUint32(packet[80:84], uint32(params.Event))
	binary.BigEndian.PutUint32(packet[84:88], 0) // IP address: 0 = use sender's
	binary.BigEndian.PutUint32(packet[88:92], ut.key)
	binary.BigEndian.PutUint32(packet[92:96], params.NumWant)
	binary.BigEndian.PutUint16(packet[96:98], params.Port)

	_, err := ut.conn.Write(packet[:])
	return err
}

func (ut *udpTracker) recvAnnounce(txnID uint32) (*AnnounceResponse, error) {
	n, err := ut.conn.Read(ut.readBuf)
	if err != nil {
		return nil, err
	}
	packet := ut.readBuf[:n]
	if n < 20 {
		return nil, errUDPShortPacket
	}

	action := binary.BigEndian.Uint32(packet[0:4])
	if action == udpActionError {
		return nil, fmt.Errorf("tracker: udp error: %s", string(packet[8:n]))
	}
	if action != udpActionAnnounce {
		return nil, errUDPActionMismatch
	}
	if got := binary.BigEndian.Uint32(packet[4:8]); got != txnID {
		return nil, errUDPTxnMismatch
	}

	interval := binary.BigEndian.Uint32(packet[8:12])
	leechers := binary.BigEndian.Uint32(packet[12:16])
	seeders := binary.BigEndian.Uint32(packet[16:20])

	peers, err := decodeCompactPeers(string(packet[20:]), strideV4, decodeCompactV4)
	if err != nil {
		return nil, err
	}

	return &AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int64(leechers),
		Seeders:  int64(seeders),
		Peers:    peers,
	}, nil
}

func randU32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// udpRetryTimeout implements BEP 15's 15*2^n backoff, clipped to the
// context's remaining deadline if any.
func udpRetryTimeout(ctx context.Context, attempt int) (time.Duration, error) {
	timeout := udpBaseTimeout * time.Duration(1<<uint(attempt))

	if deadline, ok := ctx.Deadline(); ok {
		remain := time.Until(deadline)
		if remain <= 0 {
			return 0, context.DeadlineExceeded
		}
		if remain < timeout {
			return remain, nil
		}
	}

	return timeout, nil
}
