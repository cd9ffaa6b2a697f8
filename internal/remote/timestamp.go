package remote

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

const (
	serverValueKey       = ".sv"
	serverValueTimestamp = "timestamp"
)

// Timestamp is either a resolved time in unix milliseconds or a pending
// server-assigned time that has not been resolved yet.
type Timestamp struct {
	ms      int64
	pending bool
}

// Pending is a timestamp the server fills in when the write is applied.
var Pending = Timestamp{pending: true}

// Resolved returns a timestamp with a concrete value in unix milliseconds.
func Resolved(ms int64) Timestamp {
	return Timestamp{ms: ms}
}

// IsPending reports whether the timestamp still awaits server resolution.
func (t Timestamp) IsPending() bool { return t.pending }

// Millis returns the resolved value. ok is false for a pending timestamp.
func (t Timestamp) Millis() (ms int64, ok bool) {
	return t.ms, !t.pending
}

// Resolve returns the concrete value, using now for a pending timestamp.
func (t Timestamp) Resolve(now time.Time) int64 {
	if t.pending {
		return now.UnixMilli()
	}
	return t.ms
}

// Value returns the wire form: epoch millis, or the server placeholder.
func (t Timestamp) Value() any {
	if t.pending {
		return ServerTimestamp()
	}
	return t.ms
}

func (t Timestamp) String() string {
	if t.pending {
		return "pending"
	}
	return strconv.FormatInt(t.ms, 10)
}

// ServerTimestamp returns the placeholder a writer stores to ask for the
// server's clock.
func ServerTimestamp() map[string]any {
	return map[string]any{serverValueKey: serverValueTimestamp}
}

// ParseTimestamp converts a wire value into a Timestamp. Numbers are epoch
// millis; the server placeholder and anything unrecognised are Pending.
func ParseTimestamp(v any) Timestamp {
	switch x := v.(type) {
	case int64:
		return Resolved(x)
	case int:
		return Resolved(int64(x))
	case time.Time:
		return Resolved(x.UnixMilli())
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return Resolved(n)
		}
		if f, err := x.Float64(); err == nil {
			return Resolved(int64(math.Round(f)))
		}
		return Pending
	}
	if f, ok := toFloat(v); ok {
		return Resolved(int64(math.Round(f)))
	}
	return Pending
}

func isServerTimestamp(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	s, _ := m[serverValueKey].(string)
	return len(m) == 1 && s == serverValueTimestamp
}

// ResolveServerValues replaces top-level server timestamp placeholders with
// now. It returns a new map.
func ResolveServerValues(fields map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if isServerTimestamp(v) {
			out[k] = now.UnixMilli()
			continue
		}
		out[k] = v
	}
	return out
}
