// Package `vsort` implements natural version ordering of strings: maximal
// runs of ASCII digits compare as numbers, everything else compares
// byte-wise.  `C100.1` sorts after `C99.2`, and `10_part-1.tar.gz` sorts
// after `9_part-1.tar.gz`.
package vsort

import "sort"

// `Less()` reports whether `a` orders before `b` under natural version
// ordering.
func Less(a, b string) bool {
	return Compare(a, b) < 0
}

// `Compare()` returns -1, 0, or +1.
func Compare(a, b string) int {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			va, ni := scanUint(a, i)
			vb, nj := scanUint(b, j)
			if va != vb {
				if va < vb {
					return -1
				}
				return 1
			}
			// Equal values; shorter digit run first, so that
			// `01` and `1` order deterministically.
			la, lb := ni-i, nj-j
			if la != lb {
				if la < lb {
					return -1
				}
				return 1
			}
			i, j = ni, nj
			continue
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		i++
		j++
	}
	switch {
	case len(a)-i < len(b)-j:
		return -1
	case len(a)-i > len(b)-j:
		return 1
	default:
		return 0
	}
}

// `Strings()` sorts `ss` in place.
func Strings(ss []string) {
	sort.Slice(ss, func(i, j int) bool {
		return Less(ss[i], ss[j])
	})
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// `scanUint()` parses the digit run starting at `i`.  It saturates instead
// of overflowing, which preserves ordering for absurdly long runs.
func scanUint(s string, i int) (uint64, int) {
	var v uint64
	for i < len(s) && isDigit(s[i]) {
		d := uint64(s[i] - '0')
		if v > (1<<64-1-d)/10 {
			v = 1<<64 - 1
		} else {
			v = v*10 + d
		}
		i++
	}
	return v, i
}
