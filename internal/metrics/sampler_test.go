package metrics

import (
	"testing"
	"time"
)

func TestParseNumericPayloadRawFloat(t *testing.T) {
	v, ok := parseNumericPayload("1234.5")
	if !ok || v != 1234.5 {
		t.Errorf("got (%v, %v), want (1234.5, true)", v, ok)
	}
}

func TestParseNumericPayloadSecondsSuffix(t *testing.T) {
	v, ok := parseNumericPayload("42 seconds")
	if !ok || v != 42 {
		t.Errorf("got (%v, %v), want (42, true)", v, ok)
	}
}

func TestParseNumericPayloadJSON(t *testing.T) {
	v, ok := parseNumericPayload(`{"value": 7.5}`)
	if !ok || v != 7.5 {
		t.Errorf("got (%v, %v), want (7.5, true)", v, ok)
	}
}

func TestParseNumericPayloadInvalid(t *testing.T) {
	if _, ok := parseNumericPayload("not a number"); ok {
		t.Error("expected ok=false for non-numeric payload")
	}
}

func newTestSampler() *Sampler {
	return &Sampler{
		values:  make(map[string]float64),
		valueTS: make(map[string]time.Time),
		history: make(map[string]*topicHistory),
	}
}

func TestSamplerRateFromHistoryRequiresTwoSamples(t *testing.T) {
	s := newTestSampler()
	if _, ok := s.rateFromHistory("missing", 0, 2); ok {
		t.Error("expected false for topic with no history")
	}
}

func TestSamplerRateFromHistoryComputesDelta(t *testing.T) {
	s := newTestSampler()
	base := time.Unix(1000, 0)
	s.applySample("$SYS/broker/messages/received", 100, base)
	s.applySample("$SYS/broker/messages/received", 150, base.Add(10*time.Second))

	rate, ok := s.rateFromHistory("$SYS/broker/messages/received", time.Second, 2)
	if !ok {
		t.Fatal("expected rate to be derivable after two samples")
	}
	if rate != 5.0 {
		t.Errorf("got rate %v, want 5.0", rate)
	}
}

func TestSamplerUptimeRestartResetsHistory(t *testing.T) {
	s := newTestSampler()
	base := time.Unix(1000, 0)
	s.applySample("$SYS/broker/uptime", 900, base)
	s.applySample("$SYS/broker/uptime", 1000, base.Add(10*time.Second))
	s.applySample("$SYS/broker/uptime", 5, base.Add(20*time.Second))

	h := s.history["$SYS/broker/uptime"]
	if h.havePrev {
		t.Error("expected history reset (havePrev=false) after uptime decrease")
	}
	if h.count != 1 {
		t.Errorf("expected count reset to 1, got %d", h.count)
	}
	if h.lastValue != 5 {
		t.Errorf("expected lastValue=5 after reset, got %v", h.lastValue)
	}
}

func TestSamplerRequiredTopicsFresh(t *testing.T) {
	s := newTestSampler()
	s.cfg.SampleWaitForTopics = []string{"$SYS/broker/uptime"}
	start := time.Now()

	if s.requiredTopicsFresh(start) {
		t.Error("expected false before any sample has arrived")
	}

	s.applySample("$SYS/broker/uptime", 1, start.Add(time.Millisecond))
	if !s.requiredTopicsFresh(start) {
		t.Error("expected true once the required topic has a fresh sample")
	}
}
