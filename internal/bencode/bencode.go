// Package bencode implements the BitTorrent bencoding format (BEP 3):
// byte strings, integers, lists and dictionaries.
package bencode

import "fmt"

type token byte

const (
	tokenInteger         token = 'i'
	tokenList            token = 'l'
	tokenDict            token = 'd'
	tokenEnding          token = 'e'
	tokenStringSeparator token = ':'
)

func (t token) byte() byte { return byte(t) }

// ErrUnsupportedType is returned by Marshal for Go values with no
// bencode representation.
type ErrUnsupportedType struct{ Type string }

func (e *ErrUnsupportedType) Error() string {
	return fmt.Sprintf("bencode: unsupported type %q", e.Type)
}
