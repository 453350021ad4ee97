// Package metrics subscribes to a Mosquitto broker's $SYS telemetry topics
// and derives per-second rates from the cumulative counters it publishes.
package metrics

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"brokertuner/internal/config"
)

// topicHistory is the 2-entry sliding window a topic's raw value is kept in
// so a rate can be derived from consecutive samples.
type topicHistory struct {
	prevValue, prevTime float64
	lastValue, lastTime float64
	count               int
	havePrev            bool
	haveLast            bool
}

// Sampler maintains a live $SYS/# subscription and answers Sample() with the
// most recently observed broker metrics plus any rate it can derive from them.
type Sampler struct {
	cfg    config.MQTTConfig
	logger *zap.Logger

	client mqtt.Client

	mu        sync.Mutex
	values    map[string]float64
	valueTS   map[string]time.Time
	history   map[string]*topicHistory
	connected bool
}

// NewSampler connects to the broker and subscribes to cfg.Topics. The caller
// owns the returned Sampler's lifecycle and must call Close when done.
func NewSampler(cfg config.MQTTConfig, logger *zap.Logger) (*Sampler, error) {
	s := &Sampler{
		cfg:     cfg,
		logger:  logger,
		values:  make(map[string]float64),
		valueTS: make(map[string]time.Time),
		history: make(map[string]*topicHistory),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(fmt.Sprintf("%s-%s", cfg.ClientIDPrefix, uuid.NewString()[:8]))
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(15 * time.Second)
	opts.SetKeepAlive(cfg.Keepalive)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
		logger.Warn("sampler lost mqtt connection", zap.Error(err))
	})
	opts.SetDefaultPublishHandler(nil)

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(15*time.Second) || token.Error() != nil {
		if token.Error() != nil {
			return nil, fmt.Errorf("metrics: connect: %w", token.Error())
		}
		return nil, fmt.Errorf("metrics: connect timed out")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		connected := s.connected
		s.mu.Unlock()
		if connected {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	return s, nil
}

func (s *Sampler) onConnect(c mqtt.Client) {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	for _, topic := range s.cfg.Topics {
		c.Subscribe(topic, 0, s.onMessage)
	}
}

func (s *Sampler) onMessage(_ mqtt.Client, msg mqtt.Message) {
	value, ok := parseNumericPayload(strings.TrimSpace(string(msg.Payload())))
	if !ok {
		return
	}
	s.applySample(msg.Topic(), value, time.Now())
}

// applySample records value as the latest observation for topic at time now,
// updating the topic's 2-entry history and resetting it if the broker's
// uptime counter has gone backwards (a restart).
func (s *Sampler) applySample(topic string, value float64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[topic] = value
	s.valueTS[topic] = now

	h, exists := s.history[topic]
	if !exists {
		h = &topicHistory{}
		s.history[topic] = h
	}

	nowSec := float64(now.UnixNano()) / 1e9

	if h.haveLast {
		if topic == "$SYS/broker/uptime" && value+1e-6 < h.lastValue {
			// broker restarted: uptime went backwards, so drop cross-restart history.
			h.havePrev = false
			h.lastValue, h.lastTime = value, nowSec
			h.count = 1
			return
		}
		h.prevValue, h.prevTime = h.lastValue, h.lastTime
		h.havePrev = true
		h.lastValue, h.lastTime = value, nowSec
		h.count++
	} else {
		h.lastValue, h.lastTime = value, nowSec
		h.haveLast = true
		h.count = 1
	}
}

// IsConnected reports whether the sampler currently believes its MQTT
// connection is up.
func (s *Sampler) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// rateFromHistory derives a per-second rate for topic from its 2-entry
// history, or returns (0, false) if not enough history has accumulated yet.
func (s *Sampler) rateFromHistory(topic string, minInterval time.Duration, minSamples int) (float64, bool) {
	s.mu.Lock()
	h, ok := s.history[topic]
	s.mu.Unlock()
	if !ok || !h.havePrev || !h.haveLast {
		return 0, false
	}
	if h.count < maxInt(2, minSamples) {
		return 0, false
	}
	if h.lastTime <= h.prevTime {
		return 0, false
	}
	elapsed := h.lastTime - h.prevTime
	if elapsed < minInterval.Seconds() {
		return 0, false
	}
	delta := h.lastValue - h.prevValue
	if delta < 0 {
		return 0, false
	}
	return delta / elapsed, true
}

// Sample blocks for up to cfg.SampleTimeout waiting for the configured
// required topics (and, if enabled, a positive derived message rate) to
// arrive, then returns a snapshot of every numeric metric observed so far,
// plus a synthetic "$SYS/broker/messages/received_rate" key when a rate can
// be derived from history and a ".../received/1min_per_sec" key when the
// broker's 1-minute load counter is positive.
func (s *Sampler) Sample(timeout time.Duration) map[string]float64 {
	if timeout <= 0 {
		timeout = s.cfg.SampleTimeout
	}
	start := time.Now()

	for time.Since(start) < timeout {
		ready := s.requiredTopicsFresh(start)
		if ready && s.cfg.SampleWaitForRate {
			if rate, ok := s.rateFromHistory("$SYS/broker/messages/received", s.cfg.RateMinInterval, s.cfg.RateMinSamples); ok && rate > 0 {
				break
			}
		} else if ready {
			break
		}
		time.Sleep(maxDuration(10*time.Millisecond, s.cfg.SamplePollInterval))
	}

	s.mu.Lock()
	snapshot := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	s.mu.Unlock()

	if rate, ok := s.rateFromHistory("$SYS/broker/messages/received", s.cfg.RateMinInterval, s.cfg.RateMinSamples); ok {
		snapshot["$SYS/broker/messages/received_rate"] = rate
	}
	if raw, ok := snapshot["$SYS/broker/load/messages/received/1min"]; ok && raw > 0 && s.cfg.Rate1MinDivisor > 0 {
		snapshot["$SYS/broker/load/messages/received/1min_per_sec"] = raw / s.cfg.Rate1MinDivisor
	}

	s.logger.Debug("sample complete", zap.Int("metric_count", len(snapshot)))
	return snapshot
}

func (s *Sampler) requiredTopicsFresh(since time.Time) bool {
	if len(s.cfg.SampleWaitForTopics) == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range s.cfg.SampleWaitForTopics {
		ts, ok := s.valueTS[topic]
		if !ok || ts.Before(since) {
			return false
		}
	}
	return true
}

// Close disconnects the sampler's MQTT client.
func (s *Sampler) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

func parseNumericPayload(payload string) (float64, bool) {
	if v, err := strconv.ParseFloat(payload, 64); err == nil {
		return v, true
	}

	lowered := strings.ToLower(payload)
	if strings.Contains(lowered, "second") || strings.HasSuffix(lowered, "s") {
		trimmed := strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(lowered, "seconds", ""), "second", ""))
		fields := strings.Fields(trimmed)
		if len(fields) > 0 {
			if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
				return v, true
			}
		}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(payload), &obj); err == nil {
		if raw, ok := obj["value"]; ok {
			switch n := raw.(type) {
			case float64:
				return n, true
			}
		}
	}

	return 0, false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
