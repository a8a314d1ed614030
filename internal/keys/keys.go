// Package keys maps incid business keys to dense integer ordinals and back.
//
// An incid is "<prefix>:<number>" with the number zero-padded to a fixed width,
// e.g. "0001:0000123". Zero padding makes lexical order (what the store's
// ORDER BY uses) agree with numeric order, so KeyNumber is monotone in the
// store's ordering.
package keys

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Key is an opaque, sortable business key.
type Key string

// ErrInvalidKey is returned when a key does not match the codec's format.
var ErrInvalidKey = errors.New("invalid key")

// Codec converts between keys and numbers for one key prefix.
type Codec struct {
	Prefix string // site prefix, may be empty
	Width  int    // digits in the numeric part
}

// DefaultWidth is the HLU incid number width.
const DefaultWidth = 7

// NewCodec returns a codec. A width < 1 falls back to DefaultWidth.
func NewCodec(prefix string, width int) Codec {
	if width < 1 {
		width = DefaultWidth
	}
	return Codec{Prefix: prefix, Width: width}
}

// KeyNumber returns the numeric part of k. Only keys KeyString can produce
// are accepted, so KeyString(KeyNumber(k)) == k for every valid k. A codec
// with no prefix rejects prefixed keys.
func (c Codec) KeyNumber(k Key) (int64, error) {
	s := string(k)
	if c.Prefix != "" {
		rest, ok := strings.CutPrefix(s, c.Prefix+":")
		if !ok {
			return 0, fmt.Errorf("%w: %q lacks prefix %q", ErrInvalidKey, s, c.Prefix)
		}
		s = rest
	} else if strings.IndexByte(s, ':') >= 0 {
		return 0, fmt.Errorf("%w: %q has a prefix, codec has none", ErrInvalidKey, s)
	}
	if len(s) != c.Width {
		return 0, fmt.Errorf("%w: %q is not %d digits", ErrInvalidKey, k, c.Width)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 || c.KeyString(n) != k {
		return 0, fmt.Errorf("%w: %q", ErrInvalidKey, k)
	}
	return n, nil
}

// KeyString formats n as a key. Negative numbers clamp to zero.
func (c Codec) KeyString(n int64) Key {
	if n < 0 {
		n = 0
	}
	num := fmt.Sprintf("%0*d", c.Width, n)
	if c.Prefix == "" {
		return Key(num)
	}
	return Key(c.Prefix + ":" + num)
}

// Next returns the key n places after k in number space (not store order:
// gaps in the store are not skipped). n may be negative.
func (c Codec) Next(k Key, n int64) (Key, error) {
	num, err := c.KeyNumber(k)
	if err != nil {
		return "", err
	}
	return c.KeyString(num + n), nil
}

// Range returns the n consecutive keys starting at k.
func (c Codec) Range(k Key, n int) ([]Key, error) {
	num, err := c.KeyNumber(k)
	if err != nil {
		return nil, err
	}
	out := make([]Key, 0, max(n, 0))
	for i := 0; i < n; i++ {
		out = append(out, c.KeyString(num+int64(i)))
	}
	return out, nil
}

// Strings converts keys to plain strings for query arguments.
func Strings(ks []Key) []string {
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = string(k)
	}
	return out
}
