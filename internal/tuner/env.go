package tuner

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"brokertuner/internal/broker"
	"brokertuner/internal/config"
	"brokertuner/internal/knob"
	"brokertuner/internal/metrics"
	"brokertuner/internal/procprobe"
)

// Env drives a single broker through the apply-knobs / wait-stable /
// sample / score loop a reinforcement-learning agent would call Reset and
// Step against. It owns no network connections of its own: everything is
// delegated to a ProcessSupervisor, an optional WorkloadRunner, and a
// Telemetry factory so tests can substitute fakes for all three.
type Env struct {
	cfg          *config.Config
	knobSpace    knob.Space
	supervisor   broker.ProcessSupervisor
	workload     WorkloadRunner
	newTelemetry func() (Telemetry, error)
	procRead     ProcReader
	procNorms    procprobe.Norms
	logger       *zap.Logger

	telemetry Telemetry

	stepCount            int
	lastState            []float64
	initialState         []float64
	lastAppliedKnobs     knob.Dict
	haveAppliedKnobs     bool
	throughputHistory    *metrics.Window
	latencyHistory       *metrics.Window
	lastLatencyP50Ms     float64
	lastLatencyP95Ms     float64
	lastQueueDepth       float64
	consecutiveFailures  int
	restartCount         int
	lastRewardComponents rewardComponents
	lastBrokerMetrics    map[string]float64
}

// New returns an Env wired against a real broker supervisor, an optional
// workload runner, and a telemetry factory (typically one that constructs a
// fresh *metrics.Sampler, since a broker restart invalidates the old MQTT
// connection).
func New(cfg *config.Config, supervisor broker.ProcessSupervisor, workload WorkloadRunner, newTelemetry func() (Telemetry, error), logger *zap.Logger) *Env {
	return &Env{
		cfg:          cfg,
		knobSpace:    knob.DefaultSpace(),
		supervisor:   supervisor,
		workload:     workload,
		newTelemetry: newTelemetry,
		procRead:     procprobe.Read,
		procNorms: procprobe.Norms{
			CPUNorm:  cfg.Proc.CPUNorm,
			MemNorm:  cfg.Proc.MemNorm,
			CtxtNorm: cfg.Proc.CtxtNorm,
		},
		logger:            logger,
		throughputHistory: metrics.NewWindow(cfg.Episode.HistoryWindow),
		latencyHistory:    metrics.NewWindow(cfg.Episode.HistoryWindow),
		lastLatencyP50Ms:  cfg.Episode.LatencyFallbackP50Ms,
		lastLatencyP95Ms:  cfg.Episode.LatencyFallbackP95Ms,
	}
}

// Reset applies the default knob configuration (if configured to), samples
// an episode baseline state, and returns it along with an info map. It
// retries baseline sampling up to cfg.Episode.BaselineMaxAttempts times if
// the broker looks unloaded (few clients, near-zero throughput), since that
// usually means the workload hasn't finished reconnecting yet.
func (e *Env) Reset(ctx context.Context) ([]float64, map[string]interface{}, error) {
	if err := e.ensureTelemetry(); err != nil {
		return nil, nil, err
	}

	defaultKnobs := knob.Default()
	if e.cfg.Episode.ApplyDefaultOnReset && (!e.haveAppliedKnobs || e.lastAppliedKnobs != defaultKnobs) {
		e.logger.Info("applying default broker configuration for reset")
		if _, err := e.supervisor.Apply(ctx, defaultKnobs); err != nil {
			return nil, nil, fmt.Errorf("tuner: reset apply default knobs: %w", err)
		}
		e.lastAppliedKnobs, e.haveAppliedKnobs = defaultKnobs, true

		if err := e.supervisor.WaitReady(ctx, e.cfg.Episode.BrokerRestartStable); err != nil {
			e.logger.Warn("broker not confirmed ready after reset", zap.Error(err))
		}
		e.closeTelemetry()
		e.restartWorkload(ctx, "reset")
	}

	e.stepCount = 0
	e.throughputHistory = metrics.NewWindow(e.cfg.Episode.HistoryWindow)
	e.latencyHistory = metrics.NewWindow(e.cfg.Episode.HistoryWindow)
	e.consecutiveFailures = 0

	if e.workload != nil && e.initialState == nil && !e.workload.IsRunning() {
		e.logger.Info("starting workload before first baseline sample")
		e.restartWorkload(ctx, "initial workload start")
	}

	state, baselineOK, err := e.sampleBaseline(ctx)
	if err != nil {
		return nil, nil, err
	}

	if e.cfg.Episode.BaselinePerEpisode || e.initialState == nil {
		if baselineOK || e.initialState == nil {
			e.initialState = append([]float64(nil), state...)
		} else {
			e.logger.Warn("baseline below threshold, keeping previous episode's baseline")
		}
	}

	e.lastState = state
	info := map[string]interface{}{
		"step":                        e.stepCount,
		"episode_initial_throughput":  extractThroughput(state),
		"episode_initial_latency_p50": extractLatency(state),
		"restart_count":               e.restartCount,
	}
	return state, info, nil
}

func (e *Env) sampleBaseline(ctx context.Context) ([]float64, bool, error) {
	maxAttempts := e.cfg.Episode.BaselineMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var state []float64
	baselineOK := false
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := e.ensureTelemetry(); err != nil {
			return nil, false, err
		}
		candidate, err := e.sampleState(ctx)
		if err != nil {
			e.logger.Warn("baseline sample failed", zap.Error(err))
			candidate = make([]float64, StateDim)
		}
		state = candidate

		clientsNormVal := candidate[0]
		throughputNorm := candidate[1]
		if clientsNormVal >= e.cfg.Episode.BaselineMinClientsNorm && throughputNorm >= e.cfg.Episode.BaselineMinThroughput {
			baselineOK = true
			break
		}

		if attempt < maxAttempts-1 {
			e.logger.Info("baseline sample below threshold, retrying",
				zap.Int("attempt", attempt+1),
				zap.Float64("clients_norm", clientsNormVal),
				zap.Float64("throughput_norm", throughputNorm))
			time.Sleep(e.cfg.Episode.BaselineRetrySleep)
		}
	}
	if state == nil {
		state = make([]float64, StateDim)
	}
	return state, baselineOK, nil
}

// Step applies action, waits however long the resulting configuration
// change requires, samples the new state, and scores the transition.
func (e *Env) Step(ctx context.Context, action []float64) ([]float64, float64, bool, bool, map[string]interface{}) {
	e.stepCount++

	knobs, err := e.knobSpace.Decode(action)
	if err != nil {
		return e.makeFailureTransition("decode_action_failed", err, knob.Dict{})
	}

	knobsChanged := !e.haveAppliedKnobs || knobs != e.lastAppliedKnobs
	var restarted bool
	if knobsChanged {
		restarted, err = e.supervisor.Apply(ctx, knobs)
		if err != nil {
			return e.makeFailureTransition("apply_knobs_failed", err, knobs)
		}
		e.lastAppliedKnobs, e.haveAppliedKnobs = knobs, true
		e.restartCount++
	}

	switch {
	case knobsChanged && restarted:
		e.logger.Info("broker restarted, waiting for stability", zap.Int("step", e.stepCount))
		if err := e.supervisor.WaitReady(ctx, e.cfg.Episode.BrokerRestartStable); err != nil {
			e.logger.Warn("broker not confirmed ready after restart", zap.Error(err))
		}
		e.restartWorkload(ctx, "post-restart")
		if e.cfg.Episode.PostRestartTelemetryWait > 0 {
			time.Sleep(e.cfg.Episode.PostRestartTelemetryWait)
		}
		e.closeTelemetry()
	case knobsChanged:
		e.logger.Debug("broker reloaded without restart", zap.Int("step", e.stepCount))
		if e.cfg.Episode.BrokerReloadStable > 0 {
			time.Sleep(e.cfg.Episode.BrokerReloadStable)
		}
	default:
		if e.cfg.Episode.StepInterval > 0 {
			time.Sleep(e.cfg.Episode.StepInterval)
		}
	}

	nextState, err := e.sampleState(ctx)
	if err != nil {
		return e.makeFailureTransition("sample_state_failed", err, knobs)
	}
	e.consecutiveFailures = 0

	throughput := extractThroughput(nextState)
	latency := extractLatency(nextState)
	e.throughputHistory.Push(throughput)
	e.latencyHistory.Push(latency)

	reward, components := computeReward(
		e.cfg.Reward.Scale, e.cfg.Reward.WeightBase, e.cfg.Reward.WeightStep,
		e.cfg.Reward.WeightLatencyBase, e.cfg.Reward.WeightLatencyStep,
		e.cfg.Reward.Clip, e.cfg.Reward.DeltaClip, e.cfg.Reward.UseTanh,
		e.cfg.Episode.BaselineMinThroughput, e.cfg.Reward.LatencyFloorNorm,
		e.lastState, nextState, e.initialState,
		e.throughputHistory.Avg(), e.latencyHistory.Avg(),
	)
	e.lastRewardComponents = components

	terminated := e.stepCount >= e.cfg.Episode.MaxSteps
	truncated := false

	info := map[string]interface{}{
		"knobs":                  knobs,
		"step":                   e.stepCount,
		"throughput_norm":        throughput,
		"throughput_msg_per_sec": throughput * msgRateNorm,
		"latency_p50_ms":         latency * latencyNormMs,
		"latency_p95_ms":         safeIndex(nextState, 6) * latencyNormMs,
		"queue_depth_norm":       safeIndex(nextState, 7),
		"cpu_ratio":              safeIndex(nextState, 2),
		"mem_ratio":              safeIndex(nextState, 3),
		"ctxt_ratio":             safeIndex(nextState, 4),
		"restart_count":          e.restartCount,
		"consecutive_failures":   e.consecutiveFailures,
		"reward_components":      components,
	}

	e.lastState = nextState
	return nextState, reward, terminated, truncated, info
}

// makeFailureTransition turns a critical-path error into a learnable
// transition instead of propagating it, the way a training loop expects a
// broker hiccup to cost reward rather than crash the process.
func (e *Env) makeFailureTransition(reason string, err error, knobs knob.Dict) ([]float64, float64, bool, bool, map[string]interface{}) {
	e.consecutiveFailures++

	fallback := make([]float64, StateDim)
	if e.lastState != nil {
		copy(fallback, e.lastState)
	}

	terminated := e.stepCount >= e.cfg.Episode.MaxSteps
	truncated := e.consecutiveFailures >= e.cfg.Episode.MaxConsecutiveFailures
	reward := e.cfg.Reward.FailedStepPenalty

	info := map[string]interface{}{
		"step":                 e.stepCount,
		"knobs":                knobs,
		"error_reason":         reason,
		"error":                err.Error(),
		"consecutive_failures": e.consecutiveFailures,
		"restart_count":        e.restartCount,
		"latency_source":       "error",
		"throughput_norm":      extractThroughput(fallback),
		"latency_p50_ms":       extractLatency(fallback) * latencyNormMs,
	}

	e.logger.Error("step failed", zap.String("reason", reason), zap.Error(err),
		zap.Int("step", e.stepCount), zap.Int("consecutive_failures", e.consecutiveFailures))
	if truncated {
		e.logger.Warn("consecutive failures reached threshold, truncating episode",
			zap.Int("max_consecutive_failures", e.cfg.Episode.MaxConsecutiveFailures))
	}

	return fallback, reward, terminated, truncated, info
}

// sampleState samples $SYS broker telemetry and /proc process metrics and
// folds them into a state vector.
func (e *Env) sampleState(ctx context.Context) ([]float64, error) {
	if err := e.ensureTelemetry(); err != nil {
		return nil, err
	}

	brokerMetrics := e.telemetry.Sample(e.cfg.MQTT.SampleTimeout)
	e.lastBrokerMetrics = brokerMetrics

	var cpuRatio, memRatio, ctxtRatio float64
	if pid := e.supervisor.PID(); pid > 0 {
		sample, err := e.procRead(pid, e.procNorms)
		if err != nil {
			e.logger.Warn("reading process metrics failed, falling back to zero", zap.Error(err))
		} else {
			cpuRatio, memRatio, ctxtRatio = sample.CPURatio, sample.MemRatio, sample.CtxtRatio
		}
	}

	latencyP50 := e.cfg.Episode.LatencyFallbackP50Ms
	latencyP95 := e.cfg.Episode.LatencyFallbackP95Ms
	if e.workload != nil {
		if p50, p95, ok := e.workload.LatencyMetrics(); ok {
			latencyP50, latencyP95 = p50, p95
		} else if e.lastLatencyP50Ms > 0 && e.lastLatencyP95Ms > 0 {
			latencyP50, latencyP95 = e.lastLatencyP50Ms, e.lastLatencyP95Ms
		}
	}

	queueDepth := extractQueueDepth(brokerMetrics)
	e.lastLatencyP50Ms, e.lastLatencyP95Ms, e.lastQueueDepth = latencyP50, latencyP95, queueDepth

	haveHistory := len(e.throughputHistory.Values()) > 0
	state := buildStateVector(
		brokerMetrics, cpuRatio, memRatio, ctxtRatio, queueDepth,
		latencyP50, latencyP95,
		e.throughputHistory.Avg(), e.latencyHistory.Avg(), haveHistory,
		e.cfg.MQTT.Rate1MinWindow.Seconds(),
	)

	for i, v := range state {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return make([]float64, StateDim), nil
		}
		state[i] = clipFloat(v, 1e6)
	}
	return state, nil
}

// ensureTelemetry (re)creates the telemetry sampler if it's missing or has
// dropped its connection, retrying a few times since a broker restart often
// leaves the listener briefly unreachable.
func (e *Env) ensureTelemetry() error {
	if e.telemetry != nil && e.telemetry.IsConnected() {
		return nil
	}
	e.closeTelemetry()

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		t, err := e.newTelemetry()
		if err == nil {
			e.telemetry = t
			return nil
		}
		lastErr = err
		e.logger.Warn("telemetry sampler creation failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		time.Sleep(time.Second)
	}
	return fmt.Errorf("tuner: could not create telemetry sampler: %w", lastErr)
}

func (e *Env) closeTelemetry() {
	if e.telemetry != nil {
		e.telemetry.Close()
		e.telemetry = nil
	}
}

// restartWorkload stops and restarts the workload runner, waits the
// configured stabilization period, and verifies messages are flowing
// again, logging but not failing the caller on error: a stuck
// workload is recoverable by the next step's broker-restart path, not a
// reason to abort the episode.
func (e *Env) restartWorkload(ctx context.Context, why string) {
	if e.workload == nil {
		return
	}
	if e.workload.IsRunning() {
		if err := e.workload.Stop(); err != nil {
			e.logger.Warn("stopping workload before restart failed", zap.String("why", why), zap.Error(err))
		}
	}
	if err := e.workload.Restart(ctx); err != nil {
		e.logger.Warn("restarting workload failed", zap.String("why", why), zap.Error(err))
		return
	}

	if e.cfg.Episode.WorkloadStabilizeWait > 0 {
		time.Sleep(e.cfg.Episode.WorkloadStabilizeWait)
	}

	if err := e.workload.VerifyFlowing(e.cfg.Workload.VerifyTimeout); err != nil {
		e.logger.Warn("workload not confirmed flowing after restart", zap.String("why", why), zap.Error(err))
	}
}

// GetLastBrokerMetrics returns the most recent $SYS snapshot sampled.
func (e *Env) GetLastBrokerMetrics() map[string]float64 {
	out := make(map[string]float64, len(e.lastBrokerMetrics))
	for k, v := range e.lastBrokerMetrics {
		out[k] = v
	}
	return out
}

// Close releases the telemetry sampler's MQTT connection.
func (e *Env) Close() {
	e.closeTelemetry()
}

func safeIndex(state []float64, idx int) float64 {
	if idx < 0 || idx >= len(state) {
		return 0
	}
	return state[idx]
}
