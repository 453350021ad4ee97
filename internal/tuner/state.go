package tuner

// StateDim is the length of the observation vector Env produces.
const StateDim = 10

// Normalization divisors mirroring BrokerTune's build_state_vector: chosen so
// a "fully loaded" broker reads close to 1.0 on each axis.
const (
	clientsNorm    = 1000.0
	msgRateNorm    = 10000.0
	latencyNormMs  = 100.0
	queueDepthNorm = 1000.0
)

// queueDepthKeys lists the $SYS candidates checked, in priority order, for a
// queue-depth-like metric. Mosquitto itself does not publish one of these
// names outright; the list is kept broad so alternate brokers or future
// $SYS additions are picked up without a code change.
var queueDepthKeys = []string{
	"$SYS/broker/store/messages/count",
	"$SYS/broker/messages/stored",
	"$SYS/broker/retained messages/count",
	"$SYS/broker/heap/messages",
}

// buildStateVector assembles the 10-dim observation:
//
//	[0] connected clients, normalized
//	[1] message receive rate, normalized
//	[2] CPU ratio
//	[3] RSS memory ratio
//	[4] context-switch ratio
//	[5] P50 latency, normalized
//	[6] P95 latency, normalized
//	[7] queue depth, normalized
//	[8] sliding-window average throughput
//	[9] sliding-window average latency
func buildStateVector(
	brokerMetrics map[string]float64,
	cpuRatio, memRatio, ctxtRatio float64,
	queueDepth float64,
	latencyP50Ms, latencyP95Ms float64,
	avgThroughputNorm, avgLatencyNorm float64,
	haveHistory bool,
	rate1MinWindowSec float64,
) []float64 {
	clientsConnected := brokerMetrics["$SYS/broker/clients/connected"]

	derivedRate, haveDerived := brokerMetrics["$SYS/broker/messages/received_rate"]
	oneMinRate, haveOneMin := brokerMetrics["$SYS/broker/load/messages/received/1min_per_sec"]
	uptimeSec, haveUptime := brokerMetrics["$SYS/broker/uptime"]

	useDerived := haveDerived && derivedRate > 0
	use1Min := haveOneMin && oneMinRate > 0
	if !haveUptime {
		use1Min = false
	} else if uptimeSec < rate1MinWindowSec {
		use1Min = false
	}

	var messagesReceived float64
	switch {
	case useDerived:
		messagesReceived = derivedRate
	case use1Min:
		messagesReceived = oneMinRate
	default:
		messagesReceived = 0.0
	}

	clientsNormVal := clientsConnected / clientsNorm
	msgRateNormVal := messagesReceived / msgRateNorm
	latencyP50Norm := latencyP50Ms / latencyNormMs
	latencyP95Norm := latencyP95Ms / latencyNormMs
	queueDepthNormVal := queueDepth / queueDepthNorm

	throughputAvg := msgRateNormVal
	latencyAvg := latencyP50Norm
	if haveHistory {
		throughputAvg = avgThroughputNorm
		latencyAvg = avgLatencyNorm
	}

	return []float64{
		clientsNormVal,
		msgRateNormVal,
		cpuRatio,
		memRatio,
		ctxtRatio,
		latencyP50Norm,
		latencyP95Norm,
		queueDepthNormVal,
		throughputAvg,
		latencyAvg,
	}
}

// extractThroughput pulls the message-rate axis out of a state vector.
func extractThroughput(state []float64) float64 {
	if len(state) <= 1 {
		return 0
	}
	return state[1]
}

// extractLatency pulls the P50-latency axis out of a state vector.
func extractLatency(state []float64) float64 {
	if len(state) <= 5 {
		return 0
	}
	return state[5]
}

// extractQueueDepth returns the first non-negative candidate metric found in
// brokerMetrics, or 0 if none of the candidates are present.
func extractQueueDepth(brokerMetrics map[string]float64) float64 {
	for _, key := range queueDepthKeys {
		if v, ok := brokerMetrics[key]; ok && v >= 0 {
			return v
		}
	}
	return 0
}
