// Package realtime is the Redis presence channel: live status nodes, write
// events for the mirror, and fallbacks applied by a server-side reaper when
// a client's lease expires.
package realtime

const (
	keyPrefix = "msgsync:"

	// WritesChannel carries every live node change.
	WritesChannel = keyPrefix + "presence:writes"
	// connsKey indexes connections that have registered fallbacks.
	connsKey = keyPrefix + "conns"
)

// LiveKey is the key of a live status node.
func LiveKey(path string) string { return keyPrefix + "live:" + path }

// FallbackKey is the hash of path -> status a connection asked the server
// to write if it disappears.
func FallbackKey(connID string) string { return keyPrefix + "fallback:" + connID }

// LeaseKey expires when a connection stops heartbeating.
func LeaseKey(connID string) string { return keyPrefix + "lease:" + connID }

// OwnerKey names the connection that last wrote a live node. A fallback only
// applies while its connection still owns the node.
func OwnerKey(path string) string { return keyPrefix + "owner:" + path }
