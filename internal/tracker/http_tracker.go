package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/tchardonnens/vibe-torrent-client/internal/bencode"
)

const maxAnnounceResponseSize = 2 * 1024 * 1024 // 2MB, generous but bounded

type httpTracker struct {
	baseURL *url.URL
	client  *http.Client
	log     *slog.Logger

	mu        sync.RWMutex
	trackerID string
}

func newHTTPTracker(u *url.URL, log *slog.Logger) (Protocol, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &httpTracker{
		baseURL: u,
		client:  &http.Client{Transport: transport, Timeout: 30 * time.Second},
		log:     log,
	}, nil
}

func (ht *httpTracker) Announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ht.buildAnnounceURL(params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := ht.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: http announce returned status %d: %s", resp.StatusCode, string(body))
	}

	out, err := parseHTTPAnnounceResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	if out.TrackerID != "" {
		ht.mu.Lock()
		ht.trackerID = out.TrackerID
		ht.mu.Unlock()
	}
	return out, nil
}

func (ht *httpTracker) buildAnnounceURL(params *AnnounceParams) string {
	u := *ht.baseURL
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(params.Key), 10))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}

	ht.mu.RLock()
	trackerID := ht.trackerID
	ht.mu.RUnlock()
	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

func parseHTTPAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxAnnounceResponseSize))
	if err != nil {
		return nil, err
	}

	raw, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("tracker: decode announce response: %w", err)
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tracker: announce response is not a dict (%T)", raw)
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return nil, fmt.Errorf("tracker: announce failure: %s", reason)
	}
	if warning, ok := dict["warning reason"].(string); ok {
		// Non-fatal per BEP 3; the response is otherwise usable.
		_ = warning
	}

	interval, err := toInt64(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("tracker: 'interval': %w", err)
	}

	peers, err := decodePeers(dict["peers"])
	if err != nil {
		return nil, fmt.Errorf("tracker: 'peers': %w", err)
	}
	if peers6, err := decodePeers6(dict["peers6"]); err == nil {
		peers = append(peers, peers6...)
	}

	minInterval, _ := toInt64(dict["min interval"])
	seeders, _ := toInt64(dict["complete"])
	leechers, _ := toInt64(dict["incomplete"])
	trackerID, _ := toStringField(dict["trackerid"])

	return &AnnounceResponse{
		TrackerID:   trackerID,
		Seeders:     seeders,
		Leechers:    leechers,
		Peers:       peers,
		Interval:    time.Duration(interval) * time.Second,
		MinInterval: time.Duration(minInterval) * time.Second,
	}, nil
}
