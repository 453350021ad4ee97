package broker

import (
	"context"
	"time"

	"brokertuner/internal/knob"
)

// FakeSupervisor is an in-memory ProcessSupervisor for tests that exercise
// tuner orchestration without a real mosquitto binary.
type FakeSupervisor struct {
	pid         int
	ApplyErr    error
	ReadyErr    error
	StopErr     error
	LastApplied knob.Dict
	RestartedOn func(prev, next knob.Dict) bool
	applyCount  int
}

// NewFakeSupervisor returns a FakeSupervisor seeded with pid as its initial
// process ID.
func NewFakeSupervisor(pid int) *FakeSupervisor {
	return &FakeSupervisor{pid: pid}
}

func (f *FakeSupervisor) Apply(_ context.Context, d knob.Dict) (bool, error) {
	f.applyCount++
	if f.ApplyErr != nil {
		return false, f.ApplyErr
	}
	prev := f.LastApplied
	restarted := f.applyCount > 1 && NeedsRestart(prev, d)
	f.LastApplied = d
	if f.RestartedOn != nil {
		restarted = f.RestartedOn(prev, d)
	}
	return restarted, nil
}

func (f *FakeSupervisor) WaitReady(_ context.Context, _ time.Duration) error {
	return f.ReadyErr
}

func (f *FakeSupervisor) PID() int {
	return f.pid
}

func (f *FakeSupervisor) Stop(_ context.Context) error {
	if f.StopErr != nil {
		return f.StopErr
	}
	f.pid = 0
	return nil
}
