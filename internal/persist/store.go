package persist

import (
	"errors"
	"strings"
)

// ErrQuotaExceeded reports that a durable write was refused because the
// backing store is out of space. Callers that buffer writes keep their dirty
// markers and retry on the next mutation.
var ErrQuotaExceeded = errors.New("persist: storage quota exceeded")

// Store is a synchronous key to string durable store. Implementations must
// be safe for concurrent use.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string) error
}

// ScopedKey builds the durable-store key for one room so concurrent sessions
// sharing a store never collide. The room identifier is supplied by an
// external identity provider and treated as opaque.
func ScopedKey(domain, roomID string) string {
	domain = strings.TrimSpace(domain)
	roomID = strings.TrimSpace(roomID)
	if domain == "" {
		domain = "macrohero"
	}
	if roomID == "" {
		roomID = "default"
	}
	return domain + "." + roomID + ".state"
}
