package bus

import "time"

// Event kinds published by the engine. Subscribers filter by prefix, so
// "message." receives every message event.
const (
	MessageUpserted      = "message.upserted"
	MessageStatusChanged = "message.status_changed"
	SyncProgress         = "sync.progress"
	SyncPassDone         = "sync.pass_done"
	SyncLiveMerged       = "sync.live_merged"
	NetOnline            = "net.online"
	NetOffline           = "net.offline"
	PresenceChanged      = "presence.changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
