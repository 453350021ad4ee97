// Package tuner orchestrates the knob-apply / wait-stable / sample / reward
// loop that turns the broker, workload, and metrics packages into a
// step-based tuning environment.
package tuner

import (
	"context"
	"time"

	"brokertuner/internal/procprobe"
)

// Telemetry is the seam Env samples $SYS broker metrics through. The default
// implementation is *metrics.Sampler; tests substitute a fake.
type Telemetry interface {
	Sample(timeout time.Duration) map[string]float64
	IsConnected() bool
	Close()
}

// WorkloadRunner is the seam Env drives the load-generator subprocesses
// through. The default implementation is *workload.Manager.
type WorkloadRunner interface {
	Start(ctx context.Context) error
	Stop() error
	Restart(ctx context.Context) error
	IsRunning() bool
	VerifyFlowing(timeout time.Duration) error
	LatencyMetrics() (p50Ms, p95Ms float64, ok bool)
}

// ProcReader reads CPU/memory/context-switch ratios for a PID. Its default
// value is procprobe.Read; tests substitute a fake so Env can be exercised
// without a real /proc filesystem.
type ProcReader func(pid int, norms procprobe.Norms) (procprobe.Sample, error)
