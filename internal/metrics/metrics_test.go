package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegister_NoPanic(t *testing.T) {
	// Register must be idempotent: several subcommands call it.
	Register()
	Register()
}

func TestRegister_ExposesCollectors(t *testing.T) {
	Register()
	RecordsDroppedTotal.WithLabelValues("rrc00", "before_start").Inc()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "ribreplay_records_dropped_total" {
			found = true
		}
	}
	if !found {
		t.Error("ribreplay_records_dropped_total not registered")
	}
}
