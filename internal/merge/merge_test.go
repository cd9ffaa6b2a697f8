package merge

import (
	"slices"
	"testing"

	"github.com/matheus3301/msgsync/internal/store"
)

func msg(id string, ts int64) store.Message {
	return store.Message{ID: id, Timestamp: ts, Status: store.StatusSent}
}

func ids(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func assertSorted(t *testing.T, msgs []store.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp < msgs[i-1].Timestamp {
			t.Fatalf("not sorted at %d: %d < %d", i, msgs[i].Timestamp, msgs[i-1].Timestamp)
		}
	}
}

func TestDeduplicateFirstWins(t *testing.T) {
	in := []store.Message{
		{ID: "a", Text: "first"},
		{ID: "b"},
		{ID: "a", Text: "second"},
		{ID: "c"},
		{ID: "b"},
	}
	got := Deduplicate(in)
	if want := []string{"a", "b", "c"}; !slices.Equal(ids(got), want) {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}
	if got[0].Text != "first" {
		t.Errorf("a.Text = %q, want first", got[0].Text)
	}

	again := Deduplicate(got)
	if !slices.Equal(ids(again), ids(got)) {
		t.Errorf("Deduplicate is not idempotent: %v vs %v", ids(again), ids(got))
	}
}

func TestDeduplicateEmpty(t *testing.T) {
	if got := Deduplicate(nil); len(got) != 0 {
		t.Errorf("Deduplicate(nil) = %v, want empty", got)
	}
}

func TestMergeLiveWins(t *testing.T) {
	cached := []store.Message{{ID: "1", Status: store.StatusPending}}
	live := []store.Message{{ID: "1", Status: store.StatusSent}}

	got := Merge(cached, live)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].Status != store.StatusSent {
		t.Errorf("status = %s, want sent", got[0].Status)
	}
}

func TestMergeOrdersByTimestamp(t *testing.T) {
	a := []store.Message{msg("2", 2000), msg("4", 4000)}
	b := []store.Message{msg("1", 1000), msg("3", 3000)}

	got := Merge(a, b)
	if want := []string{"1", "2", "3", "4"}; !slices.Equal(ids(got), want) {
		t.Errorf("order = %v, want %v", ids(got), want)
	}
}

func TestMergeStableOnTies(t *testing.T) {
	cached := []store.Message{msg("c1", 1000), msg("c2", 1000)}
	live := []store.Message{msg("l1", 1000), msg("c1", 1000)}

	got := Merge(cached, live)
	if want := []string{"c1", "c2", "l1"}; !slices.Equal(ids(got), want) {
		t.Errorf("order = %v, want %v", ids(got), want)
	}
}

func TestMergeNewKeepsExisting(t *testing.T) {
	existing := []store.Message{
		{ID: "1", Timestamp: 1000, Text: "settled"},
		{ID: "3", Timestamp: 3000},
	}
	incoming := []store.Message{
		{ID: "2", Timestamp: 2000},
		{ID: "1", Timestamp: 1000, Text: "replayed"},
		{ID: "4", Timestamp: 3000},
	}

	got := MergeNew(existing, incoming)
	if want := []string{"1", "2", "3", "4"}; !slices.Equal(ids(got), want) {
		t.Fatalf("order = %v, want %v", ids(got), want)
	}
	if got[0].Text != "settled" {
		t.Errorf("1.Text = %q, want settled", got[0].Text)
	}
}

func TestSortInvariant(t *testing.T) {
	tests := []struct {
		name string
		a, b []store.Message
	}{
		{"both empty", nil, nil},
		{"left empty", nil, []store.Message{msg("x", 5), msg("y", 1)}},
		{"right empty", []store.Message{msg("x", 9), msg("y", 3), msg("z", 3)}, nil},
		{"overlap", []store.Message{msg("a", 7), msg("b", 2)}, []store.Message{msg("b", 8), msg("c", 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertSorted(t, Merge(tt.a, tt.b))
			assertSorted(t, MergeNew(tt.a, tt.b))
		})
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	cached := []store.Message{msg("b", 2), msg("a", 1)}
	_ = Merge(cached, nil)
	_ = MergeNew(cached, nil)
	if want := []string{"b", "a"}; !slices.Equal(ids(cached), want) {
		t.Errorf("input reordered: %v", ids(cached))
	}
}
