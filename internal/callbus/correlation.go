package callbus

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"time"

	"github.com/mr-tron/base58/base58"
)

// newCorrelationID returns a time-prefixed token with a random suffix.
// Collision-resistant in practice but not formally guaranteed; the client
// additionally regenerates on a collision with a currently-pending call.
func newCorrelationID(now time.Time) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// Entropy exhaustion is effectively unreachable; fall back to the
		// clock rather than failing the call.
		binary.BigEndian.PutUint32(buf, uint32(now.UnixNano()))
	}
	return strconv.FormatInt(now.UnixMilli(), 36) + "-" + base58.Encode(buf)
}
