// Package merge combines message lists from the local cache and the remote
// store into one duplicate-free list ordered by timestamp.
package merge

import (
	"slices"

	"github.com/matheus3301/msgsync/internal/store"
)

// Deduplicate keeps the first occurrence of each message id and drops later
// ones. Input order is preserved.
func Deduplicate(msgs []store.Message) []store.Message {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Merge combines cached and live messages. A live entry replaces the cached
// entry with the same id. The result is sorted ascending by timestamp; equal
// timestamps keep cached order followed by live-only order.
func Merge(cached, live []store.Message) []store.Message {
	index := make(map[string]int, len(cached)+len(live))
	out := make([]store.Message, 0, len(cached)+len(live))
	for _, src := range [][]store.Message{cached, live} {
		for _, m := range src {
			if i, ok := index[m.ID]; ok {
				out[i] = m
				continue
			}
			index[m.ID] = len(out)
			out = append(out, m)
		}
	}
	sortByTimestamp(out)
	return out
}

// MergeNew folds incoming messages into an existing list. Ids already present
// in existing keep their existing entry.
func MergeNew(existing, incoming []store.Message) []store.Message {
	all := make([]store.Message, 0, len(existing)+len(incoming))
	all = append(all, existing...)
	all = append(all, incoming...)
	out := Deduplicate(all)
	sortByTimestamp(out)
	return out
}

func sortByTimestamp(msgs []store.Message) {
	slices.SortStableFunc(msgs, func(a, b store.Message) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	})
}
