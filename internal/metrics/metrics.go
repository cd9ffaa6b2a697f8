package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OutboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "msgsync_outbox_depth",
		Help: "Outbox entries awaiting confirmed remote persistence.",
	})

	SyncPasses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msgsync_sync_passes_total",
		Help: "Sync passes by outcome (completed, stopped, skipped).",
	}, []string{"outcome"})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_messages_sent_total",
		Help: "Outbox entries confirmed on the remote store.",
	})
	MessagesAlreadyRemote = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_messages_already_remote_total",
		Help: "Outbox entries found on the remote store by the existence check.",
	})
	MessagesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_messages_failed_total",
		Help: "Outbox entries that reached the retry cap.",
	})
	UploadRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_upload_retries_total",
		Help: "Failed upload attempts.",
	})

	LiveMerges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_live_merges_total",
		Help: "Remote snapshots merged into the local store.",
	})

	PresenceWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "msgsync_presence_writes_total",
		Help: "Presence writes by state (online, offline) and result (ok, error).",
	}, []string{"state", "result"})
	MirrorEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "msgsync_mirror_events_total",
		Help: "Presence write events handled by the mirror.",
	})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			OutboxDepth,
			SyncPasses,
			MessagesSent, MessagesAlreadyRemote, MessagesFailed, UploadRetries,
			LiveMerges,
			PresenceWrites, MirrorEvents,
		)
	})
}
