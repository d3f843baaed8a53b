package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorReadsAtScrape(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollector()

	active := 2.0
	collector.Observe("active_executions", "Executions driven by this replica", func() float64 { return active })
	collector.Observe("bus_backlog", "Deliveries waiting for a worker or a retry", func() float64 { return 7 })
	if err := registry.Register(collector); err != nil {
		t.Fatalf("register: %v", err)
	}

	active = 5
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) != 2 {
		t.Fatalf("expected 2 metric families, got %d", len(families))
	}

	values := map[string]float64{}
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), gaugePrefix) {
			t.Fatalf("unexpected metric name %s", family.GetName())
		}
		values[family.GetName()] = family.GetMetric()[0].GetGauge().GetValue()
	}
	if values["taskflow_active_executions"] != 5 {
		t.Fatalf("expected live value 5, got %v", values["taskflow_active_executions"])
	}
	if values["taskflow_bus_backlog"] != 7 {
		t.Fatalf("expected 7, got %v", values["taskflow_bus_backlog"])
	}
}
