package tuner

import (
	"context"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"brokertuner/internal/broker"
	"brokertuner/internal/config"
	"brokertuner/internal/knob"
	"brokertuner/internal/procprobe"
)

func testEnvConfig() *config.Config {
	return &config.Config{
		MQTT: config.MQTTConfig{
			SampleTimeout:  10 * time.Millisecond,
			Rate1MinWindow: 60 * time.Second,
		},
		Proc: config.ProcConfig{CPUNorm: 400, MemNorm: 1 << 30, CtxtNorm: 1e6},
		Episode: config.EpisodeConfig{
			MaxSteps:                 5,
			StateDim:                 StateDim,
			ActionDim:                knob.ActionDim,
			HistoryWindow:            3,
			BaselineMaxAttempts:      1,
			BaselineRetrySleep:       time.Millisecond,
			BaselineMinClientsNorm:   0,
			BaselineMinThroughput:    0,
			BrokerRestartStable:      time.Millisecond,
			BrokerReloadStable:       time.Millisecond,
			WorkloadStabilizeWait:    time.Millisecond,
			PostRestartTelemetryWait: time.Millisecond,
			LatencyFallbackP50Ms:     20,
			LatencyFallbackP95Ms:     80,
			MaxConsecutiveFailures:   2,
		},
		Reward: config.RewardConfig{
			Scale: 1, WeightBase: 0.8, WeightStep: 0.2,
			WeightLatencyBase: 0.2, WeightLatencyStep: 0.1,
			Clip: 5, DeltaClip: 2, UseTanh: true,
			LatencyFloorNorm: 0.01, FailedStepPenalty: -3,
		},
	}
}

func newTestEnv(telemetry *FakeTelemetry, workload *FakeWorkload, supervisor broker.ProcessSupervisor) *Env {
	factory := func() (Telemetry, error) { return telemetry, nil }
	var wl WorkloadRunner
	if workload != nil {
		wl = workload
	}
	env := New(testEnvConfig(), supervisor, wl, factory, zap.NewNop())
	env.procRead = func(pid int, norms procprobe.Norms) (procprobe.Sample, error) {
		return procprobe.Sample{CPURatio: 0.1, MemRatio: 0.2, CtxtRatio: 0.05}, nil
	}
	return env
}

func TestEnvResetSamplesBaseline(t *testing.T) {
	telemetry := NewFakeTelemetry(map[string]float64{
		"$SYS/broker/clients/connected":       5,
		"$SYS/broker/messages/received_rate": 100,
	})
	env := newTestEnv(telemetry, nil, broker.NewFakeSupervisor(1234))

	state, info, err := env.Reset(context.Background())
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(state) != StateDim {
		t.Fatalf("state has %d dims, want %d", len(state), StateDim)
	}
	if got, want := state[0], 5.0/clientsNorm; got != want {
		t.Errorf("clients_norm = %v, want %v", got, want)
	}
	if info["step"] != 0 {
		t.Errorf("info[step] = %v, want 0", info["step"])
	}
}

func TestEnvStepAppliesKnobsAndComputesReward(t *testing.T) {
	telemetry := NewFakeTelemetry(map[string]float64{
		"$SYS/broker/clients/connected":       5,
		"$SYS/broker/messages/received_rate": 100,
	})
	workload := &FakeWorkload{Running: true}
	supervisor := broker.NewFakeSupervisor(1234)
	env := newTestEnv(telemetry, workload, supervisor)

	ctx := context.Background()
	if _, _, err := env.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	action := make([]float64, knob.ActionDim)
	for i := range action {
		action[i] = 0.5
	}

	state, reward, terminated, truncated, info := env.Step(ctx, action)
	if len(state) != StateDim {
		t.Fatalf("state has %d dims, want %d", len(state), StateDim)
	}
	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		t.Errorf("reward = %v, want finite", reward)
	}
	if terminated {
		t.Error("terminated = true on step 1 of 5")
	}
	if truncated {
		t.Error("truncated = true, want false")
	}
	if info["step"] != 1 {
		t.Errorf("info[step] = %v, want 1", info["step"])
	}
	if info["restart_count"] != 1 {
		t.Errorf("restart_count = %v, want 1 (first knob application)", info["restart_count"])
	}
}

func TestEnvStepTerminatesAtMaxSteps(t *testing.T) {
	telemetry := NewFakeTelemetry(map[string]float64{"$SYS/broker/clients/connected": 1})
	supervisor := broker.NewFakeSupervisor(1234)
	env := newTestEnv(telemetry, nil, supervisor)

	ctx := context.Background()
	if _, _, err := env.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	action := make([]float64, knob.ActionDim)
	var terminated bool
	for i := 0; i < env.cfg.Episode.MaxSteps; i++ {
		_, _, terminated, _, _ = env.Step(ctx, action)
	}
	if !terminated {
		t.Error("terminated = false after MaxSteps steps, want true")
	}
}

func TestEnvStepFailureTransitionOnBadActionShape(t *testing.T) {
	telemetry := NewFakeTelemetry(map[string]float64{})
	supervisor := broker.NewFakeSupervisor(1234)
	env := newTestEnv(telemetry, nil, supervisor)

	ctx := context.Background()
	if _, _, err := env.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	badAction := make([]float64, 3)
	state, reward, terminated, truncated, info := env.Step(ctx, badAction)
	if len(state) != StateDim {
		t.Fatalf("fallback state has %d dims, want %d", len(state), StateDim)
	}
	if reward != env.cfg.Reward.FailedStepPenalty {
		t.Errorf("reward = %v, want failed_step_penalty %v", reward, env.cfg.Reward.FailedStepPenalty)
	}
	if terminated {
		t.Error("terminated = true, want false")
	}
	if truncated {
		t.Error("truncated = true on first failure, want false")
	}
	if info["error_reason"] != "decode_action_failed" {
		t.Errorf("error_reason = %v, want decode_action_failed", info["error_reason"])
	}

	// A second consecutive failure hits max_consecutive_failures (2).
	_, _, _, truncated, _ = env.Step(ctx, badAction)
	if !truncated {
		t.Error("truncated = false after reaching max_consecutive_failures, want true")
	}
}

func TestEnvCloseClosesTelemetry(t *testing.T) {
	telemetry := NewFakeTelemetry(nil)
	env := newTestEnv(telemetry, nil, broker.NewFakeSupervisor(1))
	if _, _, err := env.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	env.Close()
	if !telemetry.CloseCalled {
		t.Error("expected telemetry.Close to be called")
	}
}
