// Package config loads brokertuner's configuration from YAML with environment
// overrides, mirroring the shape of a typical Viper-backed Go service config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the tuner.
type Config struct {
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Proc     ProcConfig     `mapstructure:"proc"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Workload WorkloadConfig `mapstructure:"workload"`
	Episode  EpisodeConfig  `mapstructure:"episode"`
	Reward   RewardConfig   `mapstructure:"reward"`
}

// MQTTConfig configures the $SYS telemetry sampler.
type MQTTConfig struct {
	Host                  string        `mapstructure:"host"`
	Port                  int           `mapstructure:"port"`
	ClientIDPrefix        string        `mapstructure:"client_id_prefix"`
	Topics                []string      `mapstructure:"topics"`
	Keepalive             time.Duration `mapstructure:"keepalive"`
	SampleTimeout         time.Duration `mapstructure:"sample_timeout"`
	RateMinInterval       time.Duration `mapstructure:"rate_min_interval"`
	RateMinSamples        int           `mapstructure:"rate_min_samples"`
	Rate1MinDivisor       float64       `mapstructure:"rate_1min_divisor"`
	Rate1MinWindow        time.Duration `mapstructure:"rate_1min_window"`
	SampleWaitForTopics   []string      `mapstructure:"sample_wait_for_topics"`
	SampleWaitForRate     bool          `mapstructure:"sample_wait_for_derived_rate"`
	SamplePollInterval    time.Duration `mapstructure:"sample_poll_interval"`
}

// ProcConfig configures /proc sampling of the broker process.
type ProcConfig struct {
	PID        int     `mapstructure:"pid"`
	BrokerName string  `mapstructure:"broker_name"`
	CPUNorm    float64 `mapstructure:"cpu_norm"`
	MemNorm    float64 `mapstructure:"mem_norm"`
	CtxtNorm   float64 `mapstructure:"ctxt_norm"`
}

// BrokerConfig configures how the broker process is supervised and configured.
// TunerConfigPath names the single generated standalone configuration file
// mosquitto is started against; there is no separate base config.
type BrokerConfig struct {
	BinaryPath      string        `mapstructure:"binary_path"`
	TunerConfigPath string        `mapstructure:"tuner_config_path"`
	PIDFile         string        `mapstructure:"pid_file"`
	SysInterval     int           `mapstructure:"sys_interval"`
	ListenPort      int           `mapstructure:"listen_port"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	DryRun          bool          `mapstructure:"dry_run"`
}

// WorkloadConfig configures the external load-generator subprocess.
type WorkloadConfig struct {
	BinaryPath         string        `mapstructure:"binary_path"`
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	NumPublishers      int           `mapstructure:"num_publishers"`
	NumSubscribers     int           `mapstructure:"num_subscribers"`
	Topic              string        `mapstructure:"topic"`
	MessageRate        int           `mapstructure:"message_rate"`
	MessageSize        int           `mapstructure:"message_size"`
	QoS                byte          `mapstructure:"qos"`
	VerifyTimeout      time.Duration `mapstructure:"verify_timeout"`
	LatencyProbeEnable bool          `mapstructure:"latency_probe_enable"`
	LatencyProbeTopic  string        `mapstructure:"latency_probe_topic"`
	LatencyProbeRate   time.Duration `mapstructure:"latency_probe_rate"`
	LatencyWindow      int           `mapstructure:"latency_window"`
}

// EpisodeConfig configures the per-step/episode orchestration timing.
type EpisodeConfig struct {
	StepInterval             time.Duration `mapstructure:"step_interval"`
	BrokerRestartStable      time.Duration `mapstructure:"broker_restart_stable"`
	BrokerReloadStable       time.Duration `mapstructure:"broker_reload_stable"`
	WorkloadStabilizeWait    time.Duration `mapstructure:"workload_stabilize_wait"`
	PostRestartTelemetryWait time.Duration `mapstructure:"post_restart_telemetry_wait"`
	ApplyDefaultOnReset      bool          `mapstructure:"apply_default_on_reset"`
	BaselinePerEpisode       bool          `mapstructure:"baseline_per_episode"`
	BaselineMinThroughput    float64       `mapstructure:"baseline_min_throughput"`
	BaselineMinClientsNorm   float64       `mapstructure:"baseline_min_clients_norm"`
	BaselineMaxAttempts      int           `mapstructure:"baseline_max_attempts"`
	BaselineRetrySleep       time.Duration `mapstructure:"baseline_retry_sleep"`
	MaxSteps                 int           `mapstructure:"max_steps"`
	StateDim                 int           `mapstructure:"state_dim"`
	ActionDim                int           `mapstructure:"action_dim"`
	HistoryWindow            int           `mapstructure:"history_window"`
	LatencyFallbackP50Ms     float64       `mapstructure:"latency_fallback_p50_ms"`
	LatencyFallbackP95Ms     float64       `mapstructure:"latency_fallback_p95_ms"`
	MaxConsecutiveFailures   int           `mapstructure:"max_consecutive_failures"`
}

// RewardConfig holds the reward function's weights and clipping bounds.
type RewardConfig struct {
	Scale             float64 `mapstructure:"scale"`
	WeightBase        float64 `mapstructure:"weight_base"`
	WeightStep        float64 `mapstructure:"weight_step"`
	WeightLatencyBase float64 `mapstructure:"weight_latency_base"`
	WeightLatencyStep float64 `mapstructure:"weight_latency_step"`
	Clip              float64 `mapstructure:"clip"`
	DeltaClip         float64 `mapstructure:"delta_clip"`
	UseTanh           bool    `mapstructure:"use_tanh"`
	LatencyFloorNorm  float64 `mapstructure:"latency_floor_norm"`
	FailedStepPenalty float64 `mapstructure:"failed_step_penalty"`
}

// Load reads configuration from path, applying environment overrides and
// filling any unset fields with setDefaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetDefault("reward.use_tanh", true)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides layers the compatibility environment variables BrokerTune
// originally read directly (MOSQUITTO_PID, MOSQUITTO_TUNER_CONFIG,
// BROKER_TUNER_DRY_RUN, EMQTT_BENCH_PATH) on top of the YAML-and-viper config,
// for external callers that start the broker or workload driver themselves
// and expect this process to honor the same handoff variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MOSQUITTO_PID"); v != "" {
		if pid, err := strconv.Atoi(v); err == nil {
			cfg.Proc.PID = pid
		}
	}
	if v := os.Getenv("MOSQUITTO_TUNER_CONFIG"); v != "" {
		cfg.Broker.TunerConfigPath = v
	}
	if v, ok := os.LookupEnv("BROKER_TUNER_DRY_RUN"); ok {
		cfg.Broker.DryRun = isTruthy(v)
	}
	if v := os.Getenv("EMQTT_BENCH_PATH"); v != "" {
		cfg.Workload.BinaryPath = v
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// setDefaults fills unset fields with the same defaults the original
// BrokerTune EnvConfig carried.
func setDefaults(cfg *Config) {
	if cfg.MQTT.Host == "" {
		cfg.MQTT.Host = "127.0.0.1"
	}
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.ClientIDPrefix == "" {
		cfg.MQTT.ClientIDPrefix = "broker_tuner_monitor"
	}
	if len(cfg.MQTT.Topics) == 0 {
		cfg.MQTT.Topics = []string{"$SYS/#"}
	}
	if cfg.MQTT.Keepalive == 0 {
		cfg.MQTT.Keepalive = 30 * time.Second
	}
	if cfg.MQTT.SampleTimeout == 0 {
		cfg.MQTT.SampleTimeout = 12 * time.Second
	}
	if cfg.MQTT.RateMinInterval == 0 {
		cfg.MQTT.RateMinInterval = 5 * time.Second
	}
	if cfg.MQTT.RateMinSamples == 0 {
		cfg.MQTT.RateMinSamples = 2
	}
	if cfg.MQTT.Rate1MinDivisor == 0 {
		cfg.MQTT.Rate1MinDivisor = 60.0
	}
	if cfg.MQTT.Rate1MinWindow == 0 {
		cfg.MQTT.Rate1MinWindow = 60 * time.Second
	}
	if len(cfg.MQTT.SampleWaitForTopics) == 0 {
		cfg.MQTT.SampleWaitForTopics = []string{
			"$SYS/broker/messages/received",
			"$SYS/broker/clients/connected",
			"$SYS/broker/uptime",
		}
	}
	if cfg.MQTT.SamplePollInterval == 0 {
		cfg.MQTT.SamplePollInterval = 100 * time.Millisecond
	}

	if cfg.Proc.BrokerName == "" {
		cfg.Proc.BrokerName = "mosquitto"
	}
	if cfg.Proc.CPUNorm == 0 {
		cfg.Proc.CPUNorm = 400.0
	}
	if cfg.Proc.MemNorm == 0 {
		cfg.Proc.MemNorm = 1024 * 1024 * 1024
	}
	if cfg.Proc.CtxtNorm == 0 {
		cfg.Proc.CtxtNorm = 1e6
	}

	if cfg.Broker.BinaryPath == "" {
		cfg.Broker.BinaryPath = "mosquitto"
	}
	if cfg.Broker.TunerConfigPath == "" {
		cfg.Broker.TunerConfigPath = "/etc/mosquitto/conf.d/broker_tuner.conf"
	}
	if cfg.Broker.PIDFile == "" {
		cfg.Broker.PIDFile = "/var/run/mosquitto/broker_tuner.pid"
	}
	if cfg.Broker.SysInterval == 0 {
		cfg.Broker.SysInterval = 10
	}
	if cfg.Broker.ListenPort == 0 {
		cfg.Broker.ListenPort = 1883
	}
	if cfg.Broker.StopTimeout == 0 {
		cfg.Broker.StopTimeout = 5 * time.Second
	}

	if cfg.Workload.BinaryPath == "" {
		cfg.Workload.BinaryPath = "brokerload"
	}
	if cfg.Workload.Host == "" {
		cfg.Workload.Host = cfg.MQTT.Host
	}
	if cfg.Workload.Port == 0 {
		cfg.Workload.Port = cfg.Broker.ListenPort
	}
	if cfg.Workload.Topic == "" {
		cfg.Workload.Topic = "test/topic"
	}
	if cfg.Workload.VerifyTimeout == 0 {
		cfg.Workload.VerifyTimeout = 5 * time.Second
	}
	if cfg.Workload.LatencyProbeTopic == "" {
		cfg.Workload.LatencyProbeTopic = "brokertuner/latency-probe"
	}
	if cfg.Workload.LatencyProbeRate == 0 {
		cfg.Workload.LatencyProbeRate = time.Second
	}
	if cfg.Workload.LatencyWindow == 0 {
		cfg.Workload.LatencyWindow = 50
	}

	if cfg.Episode.StepInterval == 0 {
		cfg.Episode.StepInterval = 12 * time.Second
	}
	if cfg.Episode.BrokerRestartStable == 0 {
		cfg.Episode.BrokerRestartStable = 20 * time.Second
	}
	if cfg.Episode.BrokerReloadStable == 0 {
		cfg.Episode.BrokerReloadStable = 3 * time.Second
	}
	if cfg.Episode.WorkloadStabilizeWait == 0 {
		cfg.Episode.WorkloadStabilizeWait = 30 * time.Second
	}
	if cfg.Episode.PostRestartTelemetryWait == 0 {
		cfg.Episode.PostRestartTelemetryWait = 12 * time.Second
	}
	if cfg.Episode.BaselineMinThroughput == 0 {
		cfg.Episode.BaselineMinThroughput = 0.05
	}
	if cfg.Episode.BaselineMinClientsNorm == 0 {
		cfg.Episode.BaselineMinClientsNorm = 0.001
	}
	if cfg.Episode.BaselineMaxAttempts == 0 {
		cfg.Episode.BaselineMaxAttempts = 5
	}
	if cfg.Episode.BaselineRetrySleep == 0 {
		cfg.Episode.BaselineRetrySleep = 2 * time.Second
	}
	if cfg.Episode.MaxSteps == 0 {
		cfg.Episode.MaxSteps = 200
	}
	if cfg.Episode.StateDim == 0 {
		cfg.Episode.StateDim = 10
	}
	if cfg.Episode.ActionDim == 0 {
		cfg.Episode.ActionDim = 11
	}
	if cfg.Episode.HistoryWindow == 0 {
		cfg.Episode.HistoryWindow = 5
	}
	if cfg.Episode.LatencyFallbackP50Ms == 0 {
		cfg.Episode.LatencyFallbackP50Ms = 20.0
	}
	if cfg.Episode.LatencyFallbackP95Ms == 0 {
		cfg.Episode.LatencyFallbackP95Ms = 80.0
	}
	if cfg.Episode.MaxConsecutiveFailures == 0 {
		cfg.Episode.MaxConsecutiveFailures = 3
	}

	if cfg.Reward.Scale == 0 {
		cfg.Reward.Scale = 5.0
	}
	if cfg.Reward.WeightBase == 0 {
		cfg.Reward.WeightBase = 0.8
	}
	if cfg.Reward.WeightStep == 0 {
		cfg.Reward.WeightStep = 0.2
	}
	if cfg.Reward.WeightLatencyBase == 0 {
		cfg.Reward.WeightLatencyBase = 0.2
	}
	if cfg.Reward.WeightLatencyStep == 0 {
		cfg.Reward.WeightLatencyStep = 0.1
	}
	if cfg.Reward.Clip == 0 {
		cfg.Reward.Clip = 5.0
	}
	if cfg.Reward.DeltaClip == 0 {
		cfg.Reward.DeltaClip = 2.0
	}
	if cfg.Reward.LatencyFloorNorm == 0 {
		cfg.Reward.LatencyFloorNorm = 0.01
	}
	if cfg.Reward.FailedStepPenalty == 0 {
		cfg.Reward.FailedStepPenalty = -3.0
	}
}
