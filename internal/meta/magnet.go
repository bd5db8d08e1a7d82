package meta

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet URI (BEP 9's minimal subset: info hash, a
// display name, and tracker hints). Turning a Magnet into a full
// Metainfo requires BEP-9 metadata exchange, which spec §1 lists
// explicitly as out of scope ("only the contract... is consumed").
type Magnet struct {
	InfoHash [sha1.Size]byte
	Name     string
	Trackers []string
}

// ParseMagnet parses a "magnet:?xt=urn:btih:<hex>&dn=...&tr=..." URI.
func ParseMagnet(magnetURL string) (*Magnet, error) {
	u, err := url.Parse(magnetURL)
	if err != nil {
		return nil, fmt.Errorf("magnet: url parse: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("magnet: invalid scheme %q", u.Scheme)
	}

	params, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("magnet: params parse: %w", err)
	}

	m := &Magnet{}

	xt := params.Get("xt")
	if xt == "" {
		return nil, fmt.Errorf("magnet: missing 'xt'")
	}
	if !strings.HasPrefix(xt, "urn:btih:") {
		return nil, fmt.Errorf("magnet: 'xt' must be in 'urn:btih:<hash>' form")
	}

	hashHex := strings.TrimPrefix(xt, "urn:btih:")
	if len(hashHex) != sha1.Size*2 {
		return nil, fmt.Errorf("magnet: invalid info hash length")
	}
	hashBytes, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, fmt.Errorf("magnet: decode info hash: %w", err)
	}
	copy(m.InfoHash[:], hashBytes)

	m.Name = params.Get("dn")
	m.Trackers = params["tr"]

	return m, nil
}
