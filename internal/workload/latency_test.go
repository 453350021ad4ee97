package workload

import (
	"encoding/json"
	"testing"

	"brokertuner/internal/metrics"
)

func TestPingPayloadRoundTrip(t *testing.T) {
	p := pingPayload{SentUnixNano: 123456789}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got pingPayload
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != p {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

func TestLatencyProbePercentilesEmptyWhenNoSamples(t *testing.T) {
	p := &LatencyProbe{window: metrics.NewWindow(10)}
	_, _, ok := p.Percentiles()
	if ok {
		t.Error("expected ok=false with no samples")
	}
}

func TestLatencyProbePercentilesWithSamples(t *testing.T) {
	p := &LatencyProbe{window: metrics.NewWindow(10)}
	for _, v := range []float64{10, 20, 30, 40, 50} {
		p.window.Push(v)
	}
	p50, p95, ok := p.Percentiles()
	if !ok {
		t.Fatal("expected ok=true with samples present")
	}
	if p50 != 30 {
		t.Errorf("p50 = %v, want 30", p50)
	}
	if p95 <= p50 {
		t.Errorf("p95 (%v) should be > p50 (%v)", p95, p50)
	}
}
