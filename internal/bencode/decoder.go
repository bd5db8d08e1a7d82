package bencode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Unmarshal parses a single complete bencoded value from data and returns
// it. It returns an error if the input is malformed, exceeds decoder
// limits, or contains trailing data after the first value.
func Unmarshal(data []byte) (any, error) {
	d := NewDecoder(data)

	v, err := d.Decode()
	if err != nil {
		return nil, err
	}

	if _, err := d.r.Peek(1); err == nil {
		return nil, fmt.Errorf("bencode: trailing data after first value")
	} else if err != io.EOF {
		return nil, err
	}

	return v, nil
}

// Decoder reads a bencoded value from an in-memory byte slice. A Decoder
// is not safe for concurrent use.
type Decoder struct {
	r         *bufio.Reader
	maxDepth  int
	maxStrLen int64
	maxDigits int
}

// NewDecoder returns a Decoder reading from data with conservative limits
// against pathological/adversarial input. The Decoder reads data in
// place without copying it, so the caller must not modify data until
// decoding is finished.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{
		r:         bufio.NewReader(bytes.NewReader(data)),
		maxDepth:  2048,
		maxStrLen: 16 << 20, // matches the wire codec's max frame length
		maxDigits: 19,
	}
}

// Decode parses and returns the next bencoded value: one of int64, string,
// []any, or map[string]any.
func (d *Decoder) Decode() (any, error) { return d.decode(0) }

func (d *Decoder) decode(depth int) (any, error) {
	if depth > d.maxDepth {
		return nil, errors.New("bencode: max nesting depth exceeded")
	}

	delim, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch token(delim) {
	case tokenDict:
		return d.decodeDict(depth + 1)
	case tokenList:
		return d.decodeList(depth + 1)
	case tokenInteger:
		return d.decodeInteger()
	default:
		if err := d.r.UnreadByte(); err != nil {
			return nil, err
		}
		return d.decodeString()
	}
}

func (d *Decoder) decodeDict(depth int) (map[string]any, error) {
	dict := make(map[string]any, 8)

	for {
		next, err := d.r.Peek(1)
		if err != nil {
			return nil, err
		}
		if token(next[0]) == tokenEnding {
			if _, err := d.r.ReadByte(); err != nil {
				return nil, err
			}
			break
		}

		k, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		dict[k] = v
	}

	return dict, nil
}

func (d *Decoder) decodeList(depth int) ([]any, error) {
	var list []any

	for {
		next, err := d.r.Peek(1)
		if err != nil {
			return nil, err
		}
		if token(next[0]) == tokenEnding {
			if _, err := d.r.ReadByte(); err != nil {
				return nil, err
			}
			break
		}

		v, err := d.decode(depth + 1)
		if err != nil {
			return nil, err
		}
		list = append(list, v)
	}

	return list, nil
}

func (d *Decoder) decodeInteger() (int64, error) {
	return d.readInteger(tokenEnding)
}

func (d *Decoder) decodeString() (string, error) {
	n, err := d.readInteger(tokenStringSeparator)
	if err != nil {
		return "", err
	}

	if n < 0 {
		return "", fmt.Errorf("bencode: string length cannot be negative")
	}
	if n > d.maxStrLen {
		return "", fmt.Errorf("bencode: string too large: %d > %d", n, d.maxStrLen)
	}
	if n == 0 {
		return "", nil
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return "", fmt.Errorf("bencode: read string: %w", err)
	}
	return string(buf), nil
}

// readInteger reads a base-10, optionally signed integer terminated by
// delim, rejecting non-canonical forms (leading zeros, "-0", lone "-").
func (d *Decoder) readInteger(delim token) (int64, error) {
	buf, err := d.r.ReadSlice(delim.byte())
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return 0, fmt.Errorf("bencode: integer too long")
		}
		return 0, err
	}

	n := len(buf) - 1
	if n <= 0 {
		return 0, fmt.Errorf("bencode: empty integer")
	}
	s := buf[:n]

	if s[0] == '-' {
		if n > 1 && s[1] == '0' {
			return 0, fmt.Errorf("bencode: negative zero")
		}
	} else if s[0] == '0' && n > 1 {
		return 0, fmt.Errorf("bencode: leading zero")
	}

	if len(s) > d.maxDigits+1 {
		return 0, fmt.Errorf("bencode: too many digits")
	}

	v, err := strconv.ParseInt(string(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bencode: invalid integer: %w", err)
	}
	return v, nil
}
