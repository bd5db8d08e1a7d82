package bencode

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Marshal returns the bencoded form of v. See Encoder.Encode for the
// supported Go types.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder writes bencoded values to an io.Writer. The zero value is not
// usable; construct with NewEncoder.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder that writes to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes the bencoded representation of v.
//
// Supported types: string, []byte, bool, the signed/unsigned integer
// kinds, []any, and map[string]any. Dictionary keys are emitted in
// lexicographic order per BEP 3 so that the encoding of an info
// dictionary is deterministic (required for info-hash computation).
func (e *Encoder) Encode(v any) error {
	switch x := v.(type) {
	case string:
		return e.encodeString(x)
	case []byte:
		return e.encodeString(string(x))
	case bool:
		if x {
			return e.encodeInt64(1)
		}
		return e.encodeInt64(0)
	case int:
		return e.encodeInt64(int64(x))
	case int8:
		return e.encodeInt64(int64(x))
	case int16:
		return e.encodeInt64(int64(x))
	case int32:
		return e.encodeInt64(int64(x))
	case int64:
		return e.encodeInt64(x)
	case uint:
		return e.encodeUint64(uint64(x))
	case uint8:
		return e.encodeUint64(uint64(x))
	case uint16:
		return e.encodeUint64(uint64(x))
	case uint32:
		return e.encodeUint64(uint64(x))
	case uint64:
		return e.encodeUint64(x)
	case []any:
		return e.encodeList(x)
	case map[string]any:
		return e.encodeDict(x)
	default:
		return &ErrUnsupportedType{Type: fmt.Sprintf("%T", v)}
	}
}

func (e *Encoder) encodeInt64(n int64) error {
	if _, err := e.w.Write([]byte{tokenInteger.byte()}); err != nil {
		return err
	}
	var buf [32]byte
	b := strconv.AppendInt(buf[:0], n, 10)
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	_, err := e.w.Write([]byte{tokenEnding.byte()})
	return err
}

func (e *Encoder) encodeUint64(n uint64) error {
	if _, err := e.w.Write([]byte{tokenInteger.byte()}); err != nil {
		return err
	}
	var buf [32]byte
	b := strconv.AppendUint(buf[:0], n, 10)
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	_, err := e.w.Write([]byte{tokenEnding.byte()})
	return err
}

func (e *Encoder) encodeString(s string) error {
	var buf [32]byte
	b := strconv.AppendInt(buf[:0], int64(len(s)), 10)
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	if _, err := e.w.Write([]byte{tokenStringSeparator.byte()}); err != nil {
		return err
	}
	_, err := io.WriteString(e.w, s)
	return err
}

func (e *Encoder) encodeList(xs []any) error {
	if _, err := e.w.Write([]byte{tokenList.byte()}); err != nil {
		return err
	}
	for _, v := range xs {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	_, err := e.w.Write([]byte{tokenEnding.byte()})
	return err
}

func (e *Encoder) encodeDict(m map[string]any) error {
	if _, err := e.w.Write([]byte{tokenDict.byte()}); err != nil {
		return err
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := e.encodeString(k); err != nil {
			return err
		}
		if err := e.Encode(m[k]); err != nil {
			return err
		}
	}

	_, err := e.w.Write([]byte{tokenEnding.byte()})
	return err
}
