// Package workload drives the brokerload subprocess binary (publishers,
// subscribers, and connection tests) against the broker under tuning, the way
// BrokerTune drove an external emqtt_bench process.
package workload

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"brokertuner/internal/config"
)

// Manager supervises the brokerload pub/sub subprocesses and an in-process
// latency probe, mirroring WorkloadManager's start/stop/restart/verify shape.
type Manager struct {
	cfg    config.WorkloadConfig
	logger *zap.Logger

	mu        sync.Mutex
	pubCmd    *exec.Cmd
	subCmd    *exec.Cmd
	running   bool
	lastStart time.Time

	probe *LatencyProbe
}

// NewManager returns a Manager for the given workload configuration.
func NewManager(cfg config.WorkloadConfig, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, logger: logger}
}

func (m *Manager) broker() string {
	return fmt.Sprintf("tcp://%s:%d", m.cfg.Host, m.cfg.Port)
}

// Start stops any running subprocesses, computes the per-publisher interval
// from the configured aggregate message rate, spawns a subscriber pool then
// a publisher pool, and starts the latency probe if enabled. It does not
// check that messages are flowing; VerifyFlowing does that separately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		if err := m.stopLocked(); err != nil {
			m.logger.Warn("stopping previous workload before restart", zap.Error(err))
		}
	}

	intervalMs := 1000
	if m.cfg.NumPublishers > 0 && m.cfg.MessageRate > 0 {
		intervalMs = maxInt(1, 1000*m.cfg.NumPublishers/m.cfg.MessageRate)
	}

	if m.cfg.NumSubscribers > 0 {
		subCmd := exec.CommandContext(ctx, m.cfg.BinaryPath, "sub",
			"-b", m.broker(),
			"-c", itoa(m.cfg.NumSubscribers),
			"-t", m.cfg.Topic,
			"--qos", itoa(int(m.cfg.QoS)),
		)
		subCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		subCmd.Stdout, subCmd.Stderr = os.Stdout, os.Stderr
		if err := subCmd.Start(); err != nil {
			return fmt.Errorf("workload: starting subscribers: %w", err)
		}
		m.subCmd = subCmd
	}

	if m.cfg.NumPublishers > 0 {
		pubCmd := exec.CommandContext(ctx, m.cfg.BinaryPath, "pub",
			"-b", m.broker(),
			"-c", itoa(m.cfg.NumPublishers),
			"-i", itoa(intervalMs),
			"-t", m.cfg.Topic,
			"--qos", itoa(int(m.cfg.QoS)),
			"--message-size", itoa(m.cfg.MessageSize),
		)
		pubCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		pubCmd.Stdout, pubCmd.Stderr = os.Stdout, os.Stderr
		if err := pubCmd.Start(); err != nil {
			m.stopLocked()
			return fmt.Errorf("workload: starting publishers: %w", err)
		}
		m.pubCmd = pubCmd
	}

	m.running = true
	m.lastStart = time.Now()

	if m.cfg.LatencyProbeEnable {
		probe, err := NewLatencyProbe(m.cfg, m.logger)
		if err != nil {
			m.logger.Warn("latency probe failed to start", zap.Error(err))
		} else {
			m.probe = probe
		}
	}

	return nil
}

// VerifyFlowing subscribes briefly to cfg.Topic and returns nil if at least
// one message arrives before timeout, or an error otherwise.
func (m *Manager) VerifyFlowing(timeout time.Duration) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.broker())
	opts.SetClientID(fmt.Sprintf("brokertuner-verify-%s", uuid.NewString()[:8]))
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(5 * time.Second)

	received := make(chan struct{}, 1)
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, _ mqtt.Message) {
		select {
		case received <- struct{}{}:
		default:
		}
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		if token.Error() != nil {
			return fmt.Errorf("workload: verify connect: %w", token.Error())
		}
		return fmt.Errorf("workload: verify connect timed out")
	}
	defer client.Disconnect(250)

	subTok := client.Subscribe(m.cfg.Topic, m.cfg.QoS, nil)
	if !subTok.WaitTimeout(5*time.Second) || subTok.Error() != nil {
		return fmt.Errorf("workload: verify subscribe failed")
	}

	select {
	case <-received:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("workload: no messages observed on %q within %s", m.cfg.Topic, timeout)
	}
}

// IsRunning reports whether the subprocesses are believed to still be alive,
// pruning state if either has exited.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return false
	}
	for _, cmd := range []*exec.Cmd{m.pubCmd, m.subCmd} {
		if cmd == nil || cmd.Process == nil {
			continue
		}
		if cmd.ProcessState != nil {
			m.running = false
			continue
		}
		// Reap without blocking so an exited child is noticed here.
		var ws syscall.WaitStatus
		if wpid, err := syscall.Wait4(cmd.Process.Pid, &ws, syscall.WNOHANG, nil); err != nil || wpid == cmd.Process.Pid {
			m.running = false
		}
	}
	return m.running
}

// Restart re-invokes Start with the manager's existing configuration.
func (m *Manager) Restart(ctx context.Context) error {
	return m.Start(ctx)
}

// Stop sends SIGTERM to each subprocess's process group, escalating to
// SIGKILL after 5 seconds, and stops the latency probe.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked()
}

func (m *Manager) stopLocked() error {
	if m.probe != nil {
		m.probe.Close()
		m.probe = nil
	}

	var firstErr error
	for _, cmd := range []*exec.Cmd{m.pubCmd, m.subCmd} {
		if cmd == nil || cmd.Process == nil {
			continue
		}
		if err := stopProcessGroup(cmd, 5*time.Second); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.pubCmd, m.subCmd = nil, nil
	m.running = false
	return firstErr
}

func stopProcessGroup(cmd *exec.Cmd, timeout time.Duration) error {
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		syscall.Kill(-pid, syscall.SIGKILL)
		<-done
		return nil
	}
}

// LatencyMetrics returns the current round-trip latency percentiles observed
// by the probe, or (0, 0, false) if the probe isn't running or has no samples
// yet.
func (m *Manager) LatencyMetrics() (p50Ms, p95Ms float64, ok bool) {
	m.mu.Lock()
	probe := m.probe
	m.mu.Unlock()
	if probe == nil {
		return 0, 0, false
	}
	return probe.Percentiles()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
