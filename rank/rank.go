// Package rank generates order-preserving string keys for sibling blocks.
//
// Ranks are strings over a base-62 alphabet that sort byte-wise in the
// intended display order. A new rank strictly between any two distinct ranks
// can always be produced without touching other ranks, as long as ranks never
// end in the zero digit, which Between and Spread guarantee.
package rank

import (
	"errors"
	"fmt"
	"strings"
)

const Charset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const base = len(Charset)

var (
	ErrInvalidRank = errors.New("invalid rank")
	ErrNoRoom      = errors.New("no rank fits between bounds")
)

// Initial is the rank given to the first block among its siblings.
func Initial() string {
	return string(Charset[base/2])
}

// Validate checks that r only uses the rank alphabet.
func Validate(r string) error {
	for i := 0; i < len(r); i++ {
		if digit(r[i]) < 0 {
			return fmt.Errorf("%w: %q has illegal character %q", ErrInvalidRank, r, r[i])
		}
	}
	return nil
}

// Between returns a rank strictly greater than prev and strictly less than
// next. An empty prev means "before everything", an empty next "after
// everything".
func Between(prev, next string) (string, error) {
	if err := Validate(prev); err != nil {
		return "", err
	}
	if err := Validate(next); err != nil {
		return "", err
	}
	if next != "" && prev >= next {
		return "", fmt.Errorf("%w: %q is not before %q", ErrInvalidRank, prev, next)
	}

	r, ok := midpoint(prev, next)
	if !ok {
		return "", fmt.Errorf("%w: between %q and %q", ErrNoRoom, prev, next)
	}
	return r, nil
}

func After(prev string) (string, error) {
	return Between(prev, "")
}

func Before(next string) (string, error) {
	return Between("", next)
}

// Spread returns n ascending ranks spaced evenly across the key space. It is
// used to rebalance siblings whose ranks have grown long.
func Spread(n int) []string {
	if n <= 0 {
		return nil
	}

	width, span := 1, base
	for span <= n {
		width++
		span *= base
	}

	step := span / (n + 1)
	ranks := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ranks = append(ranks, strings.TrimRight(encode(i*step, width), "0"))
	}
	return ranks
}

// midpoint assumes a < b (b == "" meaning unbounded) and both are valid.
func midpoint(a, b string) (string, bool) {
	n := 0
	for n < len(b) {
		ca := Charset[0]
		if n < len(a) {
			ca = a[n]
		}
		if ca != b[n] {
			break
		}
		n++
	}

	if n > 0 {
		if n == len(b) {
			// b is a zero-padded prefix of a; nothing fits.
			return "", false
		}
		rest, ok := midpoint(suffix(a, n), b[n:])
		if !ok {
			return "", false
		}
		return b[:n] + rest, true
	}

	da := 0
	if len(a) > 0 {
		da = digit(a[0])
	}
	db := base
	if len(b) > 0 {
		db = digit(b[0])
	}

	if db <= da {
		return "", false
	}
	if db-da > 1 {
		return string(Charset[(da+db)/2]), true
	}
	if len(b) > 1 {
		return b[:1], true
	}

	rest, ok := midpoint(suffix(a, 1), "")
	if !ok {
		return "", false
	}
	return string(Charset[da]) + rest, true
}

func suffix(s string, n int) string {
	if n >= len(s) {
		return ""
	}
	return s[n:]
}

func digit(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	case c >= 'a' && c <= 'z':
		return int(c-'a') + 36
	}
	return -1
}

func encode(v, width int) string {
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = Charset[v%base]
		v /= base
	}
	return string(buf)
}
