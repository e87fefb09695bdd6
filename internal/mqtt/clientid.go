package mqtt

import (
	"github.com/google/uuid"
)

// clientIDNamespace scopes the name-based UUIDs derived below.
var clientIDNamespace = uuid.MustParse("6f1d3c1e-6a0b-4c55-9a53-8f0c2e9d4b71")

// ClientID derives a stable client identifier from the device slug. A
// name-based (SHA-1) UUID keeps the ID identical across restarts, so
// the broker replaces a half-open session from a previous run instead
// of keeping two, while staying within the 23-byte limit some 3.1.1
// brokers enforce.
func ClientID(prefix, slug string) string {
	id := uuid.NewSHA1(clientIDNamespace, []byte(slug))
	short := id.String()[:8]
	if prefix == "" {
		return short
	}
	if len(prefix) > 14 {
		prefix = prefix[:14]
	}
	return prefix + "-" + short
}
