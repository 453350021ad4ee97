package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeTestConfig(t, "broker:\n  binary_path: /usr/sbin/mosquitto\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Broker.BinaryPath != "/usr/sbin/mosquitto" {
		t.Errorf("binary_path = %q, want /usr/sbin/mosquitto", cfg.Broker.BinaryPath)
	}
	if cfg.MQTT.Host != "127.0.0.1" {
		t.Errorf("mqtt.host default = %q, want 127.0.0.1", cfg.MQTT.Host)
	}
	if cfg.MQTT.Port != 1883 {
		t.Errorf("mqtt.port default = %d, want 1883", cfg.MQTT.Port)
	}
	if len(cfg.MQTT.Topics) != 1 || cfg.MQTT.Topics[0] != "$SYS/#" {
		t.Errorf("mqtt.topics default = %v, want [$SYS/#]", cfg.MQTT.Topics)
	}
	if cfg.Episode.StateDim != 10 {
		t.Errorf("episode.state_dim default = %d, want 10", cfg.Episode.StateDim)
	}
	if cfg.Episode.ActionDim != 11 {
		t.Errorf("episode.action_dim default = %d, want 11", cfg.Episode.ActionDim)
	}
	if !cfg.Reward.UseTanh {
		t.Error("reward.use_tanh default = false, want true")
	}
	if cfg.Reward.FailedStepPenalty != -3.0 {
		t.Errorf("reward.failed_step_penalty default = %v, want -3.0", cfg.Reward.FailedStepPenalty)
	}
	if cfg.Workload.Host != cfg.MQTT.Host {
		t.Errorf("workload.host default = %q, want to fall back to mqtt.host %q", cfg.Workload.Host, cfg.MQTT.Host)
	}
	if cfg.Workload.Port != cfg.Broker.ListenPort {
		t.Errorf("workload.port default = %d, want to fall back to broker.listen_port %d", cfg.Workload.Port, cfg.Broker.ListenPort)
	}
}

func TestLoadRespectsExplicitValues(t *testing.T) {
	path := writeTestConfig(t, `
mqtt:
  host: 10.0.0.5
  port: 11883
reward:
  use_tanh: false
  scale: 2.5
episode:
  max_steps: 50
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MQTT.Host != "10.0.0.5" {
		t.Errorf("mqtt.host = %q, want 10.0.0.5", cfg.MQTT.Host)
	}
	if cfg.MQTT.Port != 11883 {
		t.Errorf("mqtt.port = %d, want 11883", cfg.MQTT.Port)
	}
	if cfg.Reward.UseTanh {
		t.Error("reward.use_tanh = true, want false (explicitly set)")
	}
	if cfg.Reward.Scale != 2.5 {
		t.Errorf("reward.scale = %v, want 2.5", cfg.Reward.Scale)
	}
	if cfg.Episode.MaxSteps != 50 {
		t.Errorf("episode.max_steps = %d, want 50", cfg.Episode.MaxSteps)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadDurationFields(t *testing.T) {
	path := writeTestConfig(t, `
mqtt:
  keepalive: 45s
episode:
  step_interval: 5s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MQTT.Keepalive != 45*time.Second {
		t.Errorf("mqtt.keepalive = %v, want 45s", cfg.MQTT.Keepalive)
	}
	if cfg.Episode.StepInterval != 5*time.Second {
		t.Errorf("episode.step_interval = %v, want 5s", cfg.Episode.StepInterval)
	}
}
