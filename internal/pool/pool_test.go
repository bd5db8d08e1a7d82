package pool

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func addr(port int) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
}

func TestAdmitPeersDedupesActive(t *testing.T) {
	var attempts atomic.Int32
	block := make(chan struct{})

	p := New(Opts{
		Log:       testLogger(),
		MaxActive: 10,
		Dial: func(ctx context.Context, a netip.AddrPort, onEnd func(error)) error {
			attempts.Add(1)
			<-block
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); _ = p.Run(ctx) }()

	p.AdmitPeers([]netip.AddrPort{addr(1)})
	p.AdmitPeers([]netip.AddrPort{addr(1)}) // duplicate, should not dial twice

	waitFor(t, func() bool { return p.ActiveCount() == 1 })
	if n := attempts.Load(); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}

	close(block)
	cancel()
	wg.Wait()
}

func TestFailedConnectCoolsOffAddress(t *testing.T) {
	var attempts atomic.Int32

	p := New(Opts{
		Log:       testLogger(),
		MaxActive: 10,
		Backoff:   time.Hour,
		Dial: func(ctx context.Context, a netip.AddrPort, onEnd func(error)) error {
			attempts.Add(1)
			return context.DeadlineExceeded
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); _ = p.Run(ctx) }()

	p.AdmitPeers([]netip.AddrPort{addr(2)})
	waitFor(t, func() bool { return attempts.Load() == 1 })

	// Re-admitting immediately must not re-dial: the address is cooling off.
	p.AdmitPeers([]netip.AddrPort{addr(2)})
	time.Sleep(50 * time.Millisecond)
	if n := attempts.Load(); n != 1 {
		t.Fatalf("attempts = %d, want 1 (address should be cooling off)", n)
	}

	cancel()
	wg.Wait()
}

func TestMaxActiveCapsConcurrentSessions(t *testing.T) {
	var concurrent atomic.Int32
	var maxSeen atomic.Int32
	release := make(chan struct{})

	p := New(Opts{
		Log:       testLogger(),
		MaxActive: 2,
		Dial: func(ctx context.Context, a netip.AddrPort, onEnd func(error)) error {
			n := concurrent.Add(1)
			for {
				old := maxSeen.Load()
				if n <= old || maxSeen.CompareAndSwap(old, n) {
					break
				}
			}
			go func() {
				<-release
				concurrent.Add(-1)
				onEnd(nil)
			}()
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); _ = p.Run(ctx) }()

	p.AdmitPeers([]netip.AddrPort{addr(1), addr(2), addr(3), addr(4)})
	waitFor(t, func() bool { return p.ActiveCount() == 2 })

	time.Sleep(50 * time.Millisecond)
	if n := maxSeen.Load(); n > 2 {
		t.Fatalf("observed %d concurrent sessions, want <= 2", n)
	}

	close(release)
	cancel()
	wg.Wait()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
