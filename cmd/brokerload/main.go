// Command brokerload is a small MQTT load generator: a broker, when tuned,
// needs the same kind of continuous publish/subscribe/connect traffic
// BrokerTuner used an external emqtt_bench binary for. This is that binary,
// written in-repo instead of assumed to already be on the machine.
package main

import (
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
)

const (
	maxRetryAttempts  = 5
	initialRetryDelay = 500 * time.Millisecond
)

// stats tracks connection and message counters shared across all client
// goroutines in a single subcommand run.
type stats struct {
	startTime        time.Time
	connectionsTotal  int64
	connectionsOK     int64
	connectionsFailed int64
	messagesTotal     int64
	messagesOK        int64
	messagesFailed    int64
	activeClients     int64

	mu     sync.Mutex
	errors []string
}

func (s *stats) addError(msg string) {
	s.mu.Lock()
	s.errors = append(s.errors, msg)
	s.mu.Unlock()
}

// report is the JSON summary printed when BROKERLOAD_JSON is set.
type report struct {
	Mode             string  `json:"mode"`
	Duration         float64 `json:"duration_sec"`
	ConnectionsTotal int64   `json:"connections_total"`
	ConnectionsOK    int64   `json:"connections_ok"`
	ConnectionsFail  int64   `json:"connections_failed"`
	MessagesTotal    int64   `json:"messages_total"`
	MessagesOK       int64   `json:"messages_ok"`
	MessagesFail     int64   `json:"messages_failed"`
	MessagesPerSec   float64 `json:"messages_per_sec"`
	Errors           []string `json:"errors,omitempty"`
}

func connectClient(broker, clientID string, clean bool, onMessage mqtt.MessageHandler) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(clean)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(15 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	if onMessage != nil {
		opts.SetDefaultPublishHandler(onMessage)
	}

	var lastErr error
	delay := initialRetryDelay
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		client := mqtt.NewClient(opts)
		token := client.Connect()
		if token.Wait() && token.Error() != nil {
			lastErr = token.Error()
			if attempt == maxRetryAttempts {
				return nil, lastErr
			}
			jitter := time.Duration(mathrand.Float64() * float64(delay) * 0.5)
			time.Sleep(delay + jitter)
			delay *= 2
			continue
		}
		return client, nil
	}
	return nil, lastErr
}

// concurrencySettings picks a staggered-connection profile the same way the
// teacher's load tester scales its semaphore and stagger delay to client
// count, so connecting thousands of clients doesn't thunder the broker.
func concurrencySettings(count int) (maxConcurrent int, stagger time.Duration) {
	switch {
	case count <= 500:
		return 200, 5 * time.Millisecond
	case count <= 2000:
		return 400, 10 * time.Millisecond
	default:
		return 600, 15 * time.Millisecond
	}
}

func genPayload(size int, seq int64) []byte {
	if size <= 0 {
		size = 64
	}
	prefix := fmt.Sprintf(`{"seq":%d,"ts":%d,"pad":"`, seq, time.Now().UnixNano())
	suffix := `"}`
	padLen := size - len(prefix) - len(suffix)
	if padLen < 0 {
		padLen = 0
	}
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(strings.Repeat("x", padLen))
	b.WriteString(suffix)
	return []byte(b.String())
}

func maybePrintJSON(mode string, elapsed time.Duration, s *stats) {
	if os.Getenv("BROKERLOAD_JSON") == "" {
		return
	}
	total := atomic.LoadInt64(&s.messagesTotal)
	ok := atomic.LoadInt64(&s.messagesOK)
	fail := atomic.LoadInt64(&s.messagesFailed)
	perSec := 0.0
	if elapsed.Seconds() > 0 {
		perSec = float64(ok) / elapsed.Seconds()
	}
	r := report{
		Mode:             mode,
		Duration:         elapsed.Seconds(),
		ConnectionsTotal: atomic.LoadInt64(&s.connectionsTotal),
		ConnectionsOK:    atomic.LoadInt64(&s.connectionsOK),
		ConnectionsFail:  atomic.LoadInt64(&s.connectionsFailed),
		MessagesTotal:    total,
		MessagesOK:       ok,
		MessagesFail:     fail,
		MessagesPerSec:   perSec,
	}
	s.mu.Lock()
	r.Errors = s.errors
	s.mu.Unlock()

	data, _ := json.MarshalIndent(r, "", "  ")
	fmt.Println(string(data))
}

func main() {
	mathrand.Seed(time.Now().UnixNano())

	root := &cobra.Command{
		Use:   "brokerload",
		Short: "MQTT workload generator for broker tuning runs",
	}
	root.AddCommand(newPubCmd(), newSubCmd(), newConnCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
