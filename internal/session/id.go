package session

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a new session id: a ULID, whose first 48 bits are a
// millisecond Unix timestamp and whose remaining bits are crypto-random, so
// lexicographic order matches creation order.
func NewID() (string, error) {
	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
