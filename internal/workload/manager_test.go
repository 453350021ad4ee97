package workload

import (
	"testing"

	"go.uber.org/zap"

	"brokertuner/internal/config"
)

func TestMaxInt(t *testing.T) {
	cases := []struct{ a, b, want int }{
		{1, 2, 2},
		{5, 3, 5},
		{0, 0, 0},
	}
	for _, c := range cases {
		if got := maxInt(c.a, c.b); got != c.want {
			t.Errorf("maxInt(%d, %d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestItoa(t *testing.T) {
	if got := itoa(42); got != "42" {
		t.Errorf("itoa(42) = %q, want %q", got, "42")
	}
}

func TestManagerNotRunningInitially(t *testing.T) {
	m := NewManager(config.WorkloadConfig{}, zap.NewNop())
	if m.IsRunning() {
		t.Error("expected new manager to report not running")
	}
}
