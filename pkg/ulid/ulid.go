// Package `ulid` wraps `github.com/oklog/ulid` with a convenience `New()`
// that uses `crypto/rand` entropy.
package ulid

import (
	crand "crypto/rand"

	"github.com/oklog/ulid"
)

// `I` is an `oklog/ulid.ULID`.
type I = ulid.ULID

var Parse = ulid.Parse

// `Nil` is the zero ULID.
var Nil I

func New() (I, error) {
	return ulid.New(ulid.Now(), crand.Reader)
}

func NewString() (string, error) {
	u, err := New()
	if err != nil {
		return "", err
	}
	return u.String(), nil
}
