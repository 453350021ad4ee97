package tuner

import "testing"

func TestBuildStateVectorPrefersDerivedRateOver1Min(t *testing.T) {
	metrics := map[string]float64{
		"$SYS/broker/clients/connected":                    500,
		"$SYS/broker/messages/received_rate":                50,
		"$SYS/broker/load/messages/received/1min_per_sec":   999,
		"$SYS/broker/uptime":                                120,
	}
	state := buildStateVector(metrics, 0.1, 0.2, 0.05, 10, 15, 30, 0, 0, false, 60)

	if got, want := state[0], 0.5; got != want {
		t.Errorf("clients_norm = %v, want %v", got, want)
	}
	if got, want := state[1], 50.0/msgRateNorm; got != want {
		t.Errorf("msg_rate_norm = %v, want %v (should prefer derived rate)", got, want)
	}
	if got, want := state[2], 0.1; got != want {
		t.Errorf("cpu ratio = %v, want %v", got, want)
	}
}

func TestBuildStateVectorFallsBackTo1MinWhenStable(t *testing.T) {
	metrics := map[string]float64{
		"$SYS/broker/load/messages/received/1min_per_sec": 20,
		"$SYS/broker/uptime":                               120,
	}
	state := buildStateVector(metrics, 0, 0, 0, 0, 20, 80, 0, 0, false, 60)
	if got, want := state[1], 20.0/msgRateNorm; got != want {
		t.Errorf("msg_rate_norm = %v, want %v", got, want)
	}
}

func TestBuildStateVectorIgnores1MinRightAfterRestart(t *testing.T) {
	metrics := map[string]float64{
		"$SYS/broker/load/messages/received/1min_per_sec": 20,
		"$SYS/broker/uptime":                               10,
	}
	state := buildStateVector(metrics, 0, 0, 0, 0, 20, 80, 0, 0, false, 60)
	if got := state[1]; got != 0 {
		t.Errorf("msg_rate_norm = %v, want 0 (uptime below rate1MinWindowSec)", got)
	}
}

func TestBuildStateVectorHistoryAverages(t *testing.T) {
	state := buildStateVector(nil, 0, 0, 0, 0, 0, 0, 0.42, 0.17, true, 60)
	if got, want := state[8], 0.42; got != want {
		t.Errorf("throughput avg = %v, want %v", got, want)
	}
	if got, want := state[9], 0.17; got != want {
		t.Errorf("latency avg = %v, want %v", got, want)
	}
}

func TestBuildStateVectorHistoryFallsBackWithoutHistory(t *testing.T) {
	metrics := map[string]float64{"$SYS/broker/messages/received_rate": 30}
	state := buildStateVector(metrics, 0, 0, 0, 0, 12, 0, 999, 999, false, 60)
	if got, want := state[8], 30.0/msgRateNorm; got != want {
		t.Errorf("throughput avg fallback = %v, want %v", got, want)
	}
	if got, want := state[9], 12.0/latencyNormMs; got != want {
		t.Errorf("latency avg fallback = %v, want %v", got, want)
	}
}

func TestExtractQueueDepthPriority(t *testing.T) {
	metrics := map[string]float64{
		"$SYS/broker/messages/stored": 7,
		"$SYS/broker/heap/messages":   99,
	}
	if got, want := extractQueueDepth(metrics), 7.0; got != want {
		t.Errorf("extractQueueDepth = %v, want %v", got, want)
	}
}

func TestExtractQueueDepthSkipsNegative(t *testing.T) {
	metrics := map[string]float64{
		"$SYS/broker/store/messages/count": -1,
		"$SYS/broker/messages/stored":      3,
	}
	if got, want := extractQueueDepth(metrics), 3.0; got != want {
		t.Errorf("extractQueueDepth = %v, want %v", got, want)
	}
}

func TestExtractQueueDepthNoCandidates(t *testing.T) {
	if got := extractQueueDepth(map[string]float64{}); got != 0 {
		t.Errorf("extractQueueDepth = %v, want 0", got)
	}
}

func TestExtractThroughputLatencyShortVector(t *testing.T) {
	if got := extractThroughput(nil); got != 0 {
		t.Errorf("extractThroughput(nil) = %v, want 0", got)
	}
	if got := extractLatency([]float64{1, 2}); got != 0 {
		t.Errorf("extractLatency(short) = %v, want 0", got)
	}
}
