package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestObserveDecodeRegistersSeries(t *testing.T) {
	ObserveDecode("fused", 3*time.Millisecond, 1)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "path" && lp.GetValue() == "fused" {
					found[mf.GetName()] = true
				}
			}
		}
	}
	for _, name := range []string{"doppler_decode_steps_total", "doppler_decode_step_seconds", "doppler_decode_sync_points"} {
		if !found[name] {
			t.Fatalf("metric %s with path=fused not gathered", name)
		}
	}
}
