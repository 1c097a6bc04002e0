// Package rank generates totally-ordered string sort keys over a base-36
// alphabet. Keys compare with plain string comparison, and a new key can be
// produced between any two existing keys without renumbering the rest of the
// list.
package rank

import (
	"errors"
	"fmt"
	"strings"
)

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

const base = len(alphabet)

// MaxLen is the key length past which a bucket should be renumbered with
// Rebalance. Organic use grows keys by at most one character per dense insert
// run, so crossing this bound means a pathological insert pattern.
const MaxLen = 64

var (
	ErrCollision = errors.New("rank collision")
	ErrInvalid   = errors.New("invalid rank")
)

// IsValid reports whether r is a well-formed rank: non-empty, alphabet
// characters only, no trailing minimum digit.
func IsValid(r string) bool {
	if r == "" {
		return false
	}
	if strings.HasSuffix(r, string(alphabet[0])) {
		return false
	}
	for i := 0; i < len(r); i++ {
		if digitValue(r[i]) < 0 {
			return false
		}
	}
	return true
}

// Initial returns a rank that sorts after every rank in existing. With no
// existing ranks it returns the canonical midpoint key.
func Initial(existing []string) string {
	max := ""
	for _, r := range existing {
		if r > max {
			max = r
		}
	}
	if max == "" {
		r, _ := Between("", "")
		return r
	}
	r, err := Between(max, "")
	if err != nil {
		// Unreachable: an open upper bound always leaves room.
		return max + string(alphabet[base/2])
	}
	return r
}

// Between returns a rank strictly between lower and upper under string
// comparison. An empty bound is open (no neighbor on that side). It returns
// ErrCollision when no key fits between the bounds, which callers resolve by
// renumbering the bucket with Rebalance.
func Between(lower, upper string) (string, error) {
	if err := checkBound(lower); err != nil {
		return "", err
	}
	if err := checkBound(upper); err != nil {
		return "", err
	}
	if upper != "" && lower >= upper {
		return "", fmt.Errorf("%w: bounds %q >= %q", ErrCollision, lower, upper)
	}

	out := make([]byte, 0, len(lower)+1)
	for i := 0; ; i++ {
		lo := digitAt(lower, i)
		hi := base
		if upper != "" {
			if i >= len(upper) {
				// upper is a prefix of the padded lower bound; nothing fits.
				return "", fmt.Errorf("%w: no key between %q and %q", ErrCollision, lower, upper)
			}
			hi = digitValue(upper[i])
		}
		if lo == hi {
			out = append(out, alphabet[lo])
			continue
		}
		if hi-lo > 1 {
			return string(append(out, alphabet[(lo+hi)/2])), nil
		}
		// Adjacent digits: keep the lower one and bisect the tail of the
		// lower bound against the top of the range.
		out = append(out, alphabet[lo])
		for j := i + 1; ; j++ {
			d := digitAt(lower, j)
			if d == base-1 {
				out = append(out, alphabet[d])
				continue
			}
			return string(append(out, alphabet[(d+base)/2])), nil
		}
	}
}

// Rebalance produces n evenly spaced minimal-length ranks in ascending
// order, for renumbering a whole bucket.
func Rebalance(n int) []string {
	if n <= 0 {
		return nil
	}
	width := 1
	span := base
	for span <= n+1 {
		span *= base
		width++
	}
	out := make([]string, n)
	for k := 0; k < n; k++ {
		v := (k + 1) * span / (n + 1)
		out[k] = encode(v, width)
	}
	return out
}

func encode(v, width int) string {
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = alphabet[v%base]
		v /= base
	}
	// Trailing minimum digits carry no ordering information.
	s := strings.TrimRight(string(buf), string(alphabet[0]))
	if s == "" {
		s = string(buf[:1])
	}
	return s
}

func checkBound(r string) error {
	for i := 0; i < len(r); i++ {
		if digitValue(r[i]) < 0 {
			return fmt.Errorf("%w: %q", ErrInvalid, r)
		}
	}
	return nil
}

func digitAt(r string, i int) int {
	if i >= len(r) {
		return 0
	}
	return digitValue(r[i])
}

func digitValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 10
	default:
		return -1
	}
}
