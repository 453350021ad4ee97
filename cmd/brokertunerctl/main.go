package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"brokertuner/internal/broker"
	"brokertuner/internal/config"
	"brokertuner/internal/knob"
	"brokertuner/internal/metrics"
	"brokertuner/internal/tuner"
	"brokertuner/internal/workload"
)

var (
	version = "0.1.0"
	logger  *zap.Logger
)

func init() {
	var err error
	logger, err = zap.NewProduction()
	if err != nil {
		panic(err)
	}
}

var rootCmd = &cobra.Command{
	Use:     "brokertunerctl",
	Version: version,
	Short:   "Apply Mosquitto broker knobs and drive the tuning environment",
	Long: `brokertunerctl applies broker configuration knobs directly, or drives
the tuning environment's Reset/Step loop for a fixed number of steps so the
orchestration (restart, workload recovery, $SYS sampling, reward) can be
exercised without a full reinforcement-learning training harness.`,
}

var applyCmd = &cobra.Command{
	Use:   "apply [config file]",
	Short: "Apply a single knob configuration to the broker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		knobsJSON, _ := cmd.Flags().GetString("knobs")
		d := knob.Default()
		if knobsJSON != "" {
			if err := json.Unmarshal([]byte(knobsJSON), &d); err != nil {
				return fmt.Errorf("parsing --knobs: %w", err)
			}
		}

		supervisor := broker.NewSupervisor(cfg.Broker, cfg.Proc, logger)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		restarted, err := supervisor.Apply(ctx, d)
		if err != nil {
			return fmt.Errorf("applying knobs: %w", err)
		}

		logger.Info("knobs applied", zap.Bool("restarted", restarted))
		if restarted {
			if err := supervisor.WaitReady(ctx, cfg.Episode.BrokerRestartStable); err != nil {
				logger.Warn("broker not confirmed ready", zap.Error(err))
			}
		}
		return nil
	},
}

var demoEpisodeCmd = &cobra.Command{
	Use:   "demo-episode [config file]",
	Short: "Drive the tuning environment through Reset and a fixed number of Steps",
	Long: `demo-episode calls Reset once, then calls Step the given number of
times with the same action vector (the default knob configuration unless
--action overrides it), printing each transition as a JSON line. This
exercises the environment's orchestration without an attached learning
agent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		steps, _ := cmd.Flags().GetInt("steps")
		if steps <= 0 {
			steps = cfg.Episode.MaxSteps
		}
		actionJSON, _ := cmd.Flags().GetString("action")

		action := knob.DefaultSpace().Encode(knob.Default())
		if actionJSON != "" {
			if err := json.Unmarshal([]byte(actionJSON), &action); err != nil {
				return fmt.Errorf("parsing --action: %w", err)
			}
		}

		supervisor := broker.NewSupervisor(cfg.Broker, cfg.Proc, logger)
		wl := workload.NewManager(cfg.Workload, logger)
		newTelemetry := func() (tuner.Telemetry, error) {
			return metrics.NewSampler(cfg.MQTT, logger)
		}

		env := tuner.New(cfg, supervisor, wl, newTelemetry, logger)
		defer env.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			logger.Info("received shutdown signal, stopping episode...")
			cancel()
		}()

		state, info, err := env.Reset(ctx)
		if err != nil {
			return fmt.Errorf("reset: %w", err)
		}
		printTransition(0, state, 0, false, false, info)

		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			var reward float64
			var terminated, truncated bool
			var stepInfo map[string]interface{}
			state, reward, terminated, truncated, stepInfo = env.Step(ctx, action)
			printTransition(i, state, reward, terminated, truncated, stepInfo)

			if terminated || truncated {
				break
			}
		}
		return nil
	},
}

func printTransition(step int, state []float64, reward float64, terminated, truncated bool, info map[string]interface{}) {
	payload := map[string]interface{}{
		"step":       step,
		"state":      state,
		"reward":     reward,
		"terminated": terminated,
		"truncated":  truncated,
		"info":       info,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("marshaling transition failed", zap.Error(err))
		return
	}
	fmt.Println(string(data))
}

func main() {
	defer logger.Sync()

	rootCmd.AddCommand(applyCmd, demoEpisodeCmd)

	applyCmd.Flags().String("knobs", "", "JSON-encoded knob.Dict overriding the broker defaults")
	demoEpisodeCmd.Flags().Int("steps", 0, "number of steps to run (default: episode.max_steps from config)")
	demoEpisodeCmd.Flags().String("action", "", "JSON-encoded 11-element action vector repeated every step (default: the default knob configuration)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
