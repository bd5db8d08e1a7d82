package tracker

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	strideV4 = 6  // 4 bytes IPv4 + 2 bytes port
	strideV6 = 18 // 16 bytes IPv6 + 2 bytes port
)

// decodePeers accepts either compact form (a single binary string, BEP 23)
// or the older dict-of-peers form a tracker's "peers" key may carry.
func decodePeers(v any) ([]netip.AddrPort, error) {
	switch t := v.(type) {
	case string:
		return decodeCompactPeers(t, strideV4, decodeCompactV4)
	case []any:
		return decodeDictPeers(t)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("tracker: peers field has unsupported type %T", v)
	}
}

// decodePeers6 decodes the "peers6" key (BEP 7), always compact IPv6.
func decodePeers6(v any) ([]netip.AddrPort, error) {
	s, ok := v.(string)
	if !ok {
		if v == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("tracker: peers6 field has unsupported type %T", v)
	}
	return decodeCompactPeers(s, strideV6, decodeCompactV6)
}

func decodeCompactPeers(raw string, stride int, decode func([]byte) netip.AddrPort) ([]netip.AddrPort, error) {
	data := []byte(raw)
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("tracker: malformed compact peers (len=%d, stride=%d)", len(data), stride)
	}

	n := len(data) / stride
	out := make([]netip.AddrPort, n)
	for i, off := 0, 0; i < n; i, off = i+1, off+stride {
		out[i] = decode(data[off : off+stride])
	}
	return out, nil
}

func decodeCompactV4(chunk []byte) netip.AddrPort {
	a := netip.AddrFrom4([4]byte{chunk[0], chunk[1], chunk[2], chunk[3]})
	p := binary.BigEndian.Uint16(chunk[4:6])
	return netip.AddrPortFrom(a, p)
}

func decodeCompactV6(chunk []byte) netip.AddrPort {
	var a16 [16]byte
	copy(a16[:], chunk[:16])
	p := binary.BigEndian.Uint16(chunk[16:18])
	return netip.AddrPortFrom(netip.AddrFrom16(a16), p)
}

func decodeDictPeers(list []any) ([]netip.AddrPort, error) {
	peers := make([]netip.AddrPort, 0, len(list))

	for i, it := range list {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tracker: peers[%d]: not a dict", i)
		}

		ipStr, ok := m["ip"].(string)
		if !ok {
			return nil, fmt.Errorf("tracker: peers[%d]: missing or invalid 'ip'", i)
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil {
			return nil, fmt.Errorf("tracker: peers[%d]: bad ip %q: %w", i, ipStr, err)
		}

		port, err := toInt64(m["port"])
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("tracker: peers[%d]: invalid port %v", i, m["port"])
		}

		peers = append(peers, netip.AddrPortFrom(addr, uint16(port)))
	}

	return peers, nil
}

func toInt64(v any) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("tracker: expected bencoded integer, got %T", v)
	}
	return n, nil
}

func toStringField(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("tracker: expected bencoded string, got %T", v)
	}
	return s, nil
}
