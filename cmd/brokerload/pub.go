package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
)

func newPubCmd() *cobra.Command {
	var (
		broker      string
		count       int
		durationSec int
		intervalMs  int
		topic       string
		qos         int
		retain      bool
		messageSize int
	)

	cmd := &cobra.Command{
		Use:   "pub",
		Short: "run N publisher clients against a broker",
		Run: func(cmd *cobra.Command, args []string) {
			runPub(broker, count, time.Duration(durationSec)*time.Second,
				time.Duration(intervalMs)*time.Millisecond, topic, byte(qos), retain, messageSize)
		},
	}

	cmd.Flags().StringVarP(&broker, "broker", "b", "tcp://localhost:1883", "MQTT broker address")
	cmd.Flags().IntVarP(&count, "count", "c", 10, "number of publisher clients")
	cmd.Flags().IntVarP(&durationSec, "duration", "d", 0, "test duration in seconds (0 = run until signaled)")
	cmd.Flags().IntVarP(&intervalMs, "interval-ms", "i", 1000, "publish interval per client in milliseconds")
	cmd.Flags().StringVarP(&topic, "topic", "t", "test/topic", "topic to publish to")
	cmd.Flags().IntVar(&qos, "qos", 0, "QoS level (0, 1, or 2)")
	cmd.Flags().BoolVar(&retain, "retain", false, "set retain flag")
	cmd.Flags().IntVar(&messageSize, "message-size", 100, "approximate payload size in bytes")

	return cmd
}

func runPub(broker string, count int, duration, interval time.Duration, topic string, qos byte, retain bool, messageSize int) {
	s := &stats{startTime: time.Now()}

	maxConcurrent, stagger := concurrencySettings(count)
	semaphore := make(chan struct{}, maxConcurrent)

	clients := make([]mqttPubClient, count)
	var wg sync.WaitGroup

	for i := 0; i < count; i++ {
		clientID := fmt.Sprintf("brokerload-pub-%d", i+1)
		time.Sleep(stagger)

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			atomic.AddInt64(&s.connectionsTotal, 1)
			c, err := connectClient(broker, clientID, true, nil)
			if err != nil {
				atomic.AddInt64(&s.connectionsFailed, 1)
				s.addError(fmt.Sprintf("connect %s: %v", clientID, err))
				return
			}
			atomic.AddInt64(&s.connectionsOK, 1)
			atomic.AddInt64(&s.activeClients, 1)
			clients[idx] = mqttPubClient{id: clientID, client: c, done: make(chan struct{})}
		}(i)
	}
	wg.Wait()

	fmt.Fprintf(os.Stderr, "connected %d/%d publishers\n", atomic.LoadInt64(&s.connectionsOK), count)

	for i := range clients {
		if clients[i].client == nil {
			continue
		}
		wg.Add(1)
		go func(c *mqttPubClient) {
			defer wg.Done()
			publishLoop(c, s, topic, qos, retain, messageSize, interval)
		}(&clients[i])
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	if duration > 0 {
		select {
		case <-time.After(duration):
		case <-sig:
		case <-done:
		}
	} else {
		select {
		case <-sig:
		case <-done:
		}
	}

	for i := range clients {
		if clients[i].client == nil {
			continue
		}
		close(clients[i].done)
		clients[i].client.Disconnect(250)
	}

	elapsed := time.Since(s.startTime)
	fmt.Fprintf(os.Stderr, "published %d/%d (%.1f/s) over %.1fs\n",
		atomic.LoadInt64(&s.messagesOK), atomic.LoadInt64(&s.messagesTotal),
		float64(atomic.LoadInt64(&s.messagesOK))/elapsed.Seconds(), elapsed.Seconds())

	maybePrintJSON("pub", elapsed, s)
}

type mqttPubClient struct {
	id     string
	client mqtt.Client
	done   chan struct{}
}

func publishLoop(c *mqttPubClient, s *stats, topic string, qos byte, retain bool, messageSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var seq int64

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			seq++
			payload := genPayload(messageSize, seq)
			atomic.AddInt64(&s.messagesTotal, 1)
			token := c.client.Publish(topic, qos, retain, payload)
			if token.Wait() && token.Error() != nil {
				atomic.AddInt64(&s.messagesFailed, 1)
				s.addError(fmt.Sprintf("publish %s: %v", c.id, token.Error()))
			} else {
				atomic.AddInt64(&s.messagesOK, 1)
			}
		}
	}
}
