package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIsIdempotent(t *testing.T) {
	Register()
	Register()

	SyncPasses.WithLabelValues("completed").Inc()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "msgsync_sync_passes_total" {
			found = true
		}
	}
	if !found {
		t.Error("msgsync_sync_passes_total not registered")
	}
}
