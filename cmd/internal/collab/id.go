package collab

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewConnectionID returns a ULID identifying one websocket connection (26 chars).
// ULIDs sort by creation time, which keeps peer ids ordered in logs.
func NewConnectionID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
