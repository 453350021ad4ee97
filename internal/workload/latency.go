package workload

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"brokertuner/internal/config"
	"brokertuner/internal/metrics"
)

// LatencyProbe publishes timestamped pings to its own topic and measures the
// round-trip time until its own subscription sees them arrive back. The
// original BrokerTune implementation's get_latency_probe_debug always
// returned a zero-sample stub; this replaces that stub with a real probe.
type LatencyProbe struct {
	cfg    config.WorkloadConfig
	logger *zap.Logger
	client mqtt.Client

	mu     sync.Mutex
	window *metrics.Window

	stopCh chan struct{}
}

type pingPayload struct {
	SentUnixNano int64 `json:"sent_unix_nano"`
}

// NewLatencyProbe connects a dedicated client, subscribes to its probe topic,
// and starts publishing pings at cfg.LatencyProbeRate.
func NewLatencyProbe(cfg config.WorkloadConfig, logger *zap.Logger) (*LatencyProbe, error) {
	p := &LatencyProbe{
		cfg:    cfg,
		logger: logger,
		window: metrics.NewWindow(cfg.LatencyWindow),
		stopCh: make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(fmt.Sprintf("brokertuner-latency-%s", uuid.NewString()[:8]))
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	p.client = mqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		if token.Error() != nil {
			return nil, fmt.Errorf("workload: latency probe connect: %w", token.Error())
		}
		return nil, fmt.Errorf("workload: latency probe connect timed out")
	}

	subTok := p.client.Subscribe(cfg.LatencyProbeTopic, 0, p.onMessage)
	if !subTok.WaitTimeout(5*time.Second) || subTok.Error() != nil {
		p.client.Disconnect(250)
		return nil, fmt.Errorf("workload: latency probe subscribe failed")
	}

	go p.publishLoop()
	return p, nil
}

func (p *LatencyProbe) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var ping pingPayload
	if err := json.Unmarshal(msg.Payload(), &ping); err != nil {
		return
	}
	rttMs := float64(time.Now().UnixNano()-ping.SentUnixNano) / 1e6
	if rttMs < 0 {
		return
	}
	p.mu.Lock()
	p.window.Push(rttMs)
	p.mu.Unlock()
}

func (p *LatencyProbe) publishLoop() {
	ticker := time.NewTicker(p.cfg.LatencyProbeRate)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			payload, err := json.Marshal(pingPayload{SentUnixNano: time.Now().UnixNano()})
			if err != nil {
				continue
			}
			p.client.Publish(p.cfg.LatencyProbeTopic, 0, false, payload)
		}
	}
}

// Percentiles returns the p50/p95 round-trip latency in milliseconds over
// the probe's sliding window, or ok=false if no samples have arrived yet.
func (p *LatencyProbe) Percentiles() (p50Ms, p95Ms float64, ok bool) {
	p.mu.Lock()
	samples := append([]float64(nil), p.window.Values()...)
	p.mu.Unlock()

	if len(samples) == 0 {
		return 0, 0, false
	}
	return metrics.Percentile(samples, 50), metrics.Percentile(samples, 95), true
}

// Close stops the probe's publish loop and disconnects its client.
func (p *LatencyProbe) Close() {
	close(p.stopCh)
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
