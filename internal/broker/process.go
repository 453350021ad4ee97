package broker

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"brokertuner/internal/config"
	"brokertuner/internal/knob"
	"brokertuner/internal/procprobe"
)

// ProcessSupervisor is the seam a tuner Env drives the broker lifecycle
// through. The default implementation manages a real mosquitto process; tests
// substitute a fake.
type ProcessSupervisor interface {
	// Apply writes d to the tuner's standalone config file and reloads or restarts
	// the broker as needed, returning whether a full restart was used.
	Apply(ctx context.Context, d knob.Dict) (restarted bool, err error)
	// WaitReady blocks until the broker is accepting connections on its
	// listen port or maxWait elapses.
	WaitReady(ctx context.Context, maxWait time.Duration) error
	// PID returns the supervised broker's current process ID, or 0 if unknown.
	PID() int
	// Stop terminates the broker, escalating from SIGTERM to SIGKILL.
	Stop(ctx context.Context) error
}

// Supervisor is the standalone-process ProcessSupervisor: it spawns and
// signals mosquitto directly rather than going through systemd, since the
// tuner may run in containers with no init system.
type Supervisor struct {
	cfg    config.BrokerConfig
	proc   config.ProcConfig
	logger *zap.Logger

	cmd       *exec.Cmd
	pid       int
	lastKnobs knob.Dict
	haveKnobs bool
}

// NewSupervisor returns a Supervisor for the given broker/proc configuration.
func NewSupervisor(cfg config.BrokerConfig, proc config.ProcConfig, logger *zap.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, proc: proc, logger: logger, pid: proc.PID}
}

// PID implements ProcessSupervisor.
func (s *Supervisor) PID() int {
	return s.pid
}

// Start launches the broker as a detached child process in its own process
// group, so Stop can signal the whole group rather than just the immediate
// child.
func (s *Supervisor) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.cfg.BinaryPath, "-c", s.cfg.TunerConfigPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if s.cfg.DryRun {
		s.logger.Info("dry run: would start broker", zap.String("binary", s.cfg.BinaryPath), zap.String("config", s.cfg.TunerConfigPath))
		return nil
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("broker: starting process: %w", err)
	}
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	os.Setenv("MOSQUITTO_PID", strconv.Itoa(s.pid))
	s.logger.Info("broker started", zap.Int("pid", s.pid))
	return nil
}

// Apply implements ProcessSupervisor. It renders d into the tuner's
// standalone config file, writes it atomically, and signals the broker: a SIGHUP reload for
// knobs mosquitto picks up live, or a full Stop+Start for knobs in
// RestartRequiredKnobs.
func (s *Supervisor) Apply(ctx context.Context, d knob.Dict) (bool, error) {
	params := TemplateParams{
		PIDFile:     s.cfg.PIDFile,
		ListenPort:  s.cfg.ListenPort,
		SysInterval: s.cfg.SysInterval,
	}
	content := RenderConfig(params, d)

	if s.cfg.DryRun {
		s.logger.Info("dry run: would write broker config", zap.String("path", s.cfg.TunerConfigPath), zap.String("content", content))
		s.lastKnobs, s.haveKnobs = d, true
		return false, nil
	}

	if err := WriteConfig(s.cfg.TunerConfigPath, content); err != nil {
		return false, err
	}

	needsRestart := !s.haveKnobs || NeedsRestart(s.lastKnobs, d)
	s.lastKnobs, s.haveKnobs = d, true

	if needsRestart {
		if err := s.Stop(ctx); err != nil {
			s.logger.Warn("stop before restart failed", zap.Error(err))
		}
		if err := s.Start(ctx); err != nil {
			return true, err
		}
		return true, nil
	}

	if s.pid > 0 {
		if err := syscall.Kill(s.pid, syscall.SIGHUP); err != nil {
			s.logger.Warn("reload signal failed, falling back to restart", zap.Error(err))
			if err := s.Stop(ctx); err != nil {
				s.logger.Warn("stop before fallback restart failed", zap.Error(err))
			}
			if err := s.Start(ctx); err != nil {
				return true, err
			}
			return true, nil
		}
	}
	return false, nil
}

// Stop sends SIGTERM to the broker's process group and escalates to SIGKILL
// if it hasn't exited within cfg.StopTimeout.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cfg.DryRun {
		s.logger.Info("dry run: would stop broker")
		return nil
	}
	if s.pid <= 0 {
		return nil
	}

	pgid := s.pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("broker: sending SIGTERM: %w", err)
	}

	deadline := time.Now().Add(s.cfg.StopTimeout)
	for time.Now().Before(deadline) {
		if !processExists(s.pid) {
			s.pid = 0
			os.Unsetenv("MOSQUITTO_PID")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	s.logger.Warn("broker did not exit after SIGTERM, escalating to SIGKILL", zap.Int("pid", s.pid))
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("broker: sending SIGKILL: %w", err)
	}
	s.pid = 0
	os.Unsetenv("MOSQUITTO_PID")
	return nil
}

// WaitReady polls for port-listening and process-existence, replacing the
// original's "systemctl is-active" check with a direct dual check suitable
// for a standalone (non-systemd-managed) broker process.
func (s *Supervisor) WaitReady(ctx context.Context, maxWait time.Duration) error {
	if s.cfg.DryRun {
		return nil
	}

	deadline := time.Now().Add(maxWait)
	for time.Now().Before(deadline) {
		portReady := probePort(s.cfg.ListenPort, 500*time.Millisecond)
		pidAlive := s.pid > 0 && processExists(s.pid)

		if pidAlive {
			if newPID, err := procprobe.FindPID(s.proc.BrokerName); err == nil && newPID != s.pid {
				s.logger.Info("broker pid changed", zap.Int("old_pid", s.pid), zap.Int("new_pid", newPID))
				s.pid = newPID
			}
		} else if newPID, err := procprobe.FindPID(s.proc.BrokerName); err == nil {
			s.pid = newPID
			pidAlive = true
		}

		if portReady && pidAlive {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}

	return fmt.Errorf("broker: not ready after %s", maxWait)
}

func probePort(port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}
