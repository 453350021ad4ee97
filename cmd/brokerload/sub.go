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

func newSubCmd() *cobra.Command {
	var (
		broker      string
		count       int
		durationSec int
		topic       string
		qos         int
	)

	cmd := &cobra.Command{
		Use:   "sub",
		Short: "run N subscriber clients against a broker",
		Run: func(cmd *cobra.Command, args []string) {
			runSub(broker, count, time.Duration(durationSec)*time.Second, topic, byte(qos))
		},
	}

	cmd.Flags().StringVarP(&broker, "broker", "b", "tcp://localhost:1883", "MQTT broker address")
	cmd.Flags().IntVarP(&count, "count", "c", 10, "number of subscriber clients")
	cmd.Flags().IntVarP(&durationSec, "duration", "d", 0, "test duration in seconds (0 = run until signaled)")
	cmd.Flags().StringVarP(&topic, "topic", "t", "test/topic", "topic filter to subscribe to")
	cmd.Flags().IntVar(&qos, "qos", 0, "QoS level (0, 1, or 2)")

	return cmd
}

func runSub(broker string, count int, duration time.Duration, topic string, qos byte) {
	s := &stats{startTime: time.Now()}

	maxConcurrent, stagger := concurrencySettings(count)
	semaphore := make(chan struct{}, maxConcurrent)

	clients := make([]mqtt.Client, count)
	var wg sync.WaitGroup

	onMessage := func(_ mqtt.Client, _ mqtt.Message) {
		atomic.AddInt64(&s.messagesOK, 1)
	}

	for i := 0; i < count; i++ {
		clientID := fmt.Sprintf("brokerload-sub-%d", i+1)
		time.Sleep(stagger)

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			atomic.AddInt64(&s.connectionsTotal, 1)
			c, err := connectClient(broker, clientID, true, onMessage)
			if err != nil {
				atomic.AddInt64(&s.connectionsFailed, 1)
				s.addError(fmt.Sprintf("connect %s: %v", clientID, err))
				return
			}
			if token := c.Subscribe(topic, qos, onMessage); token.Wait() && token.Error() != nil {
				s.addError(fmt.Sprintf("subscribe %s: %v", clientID, token.Error()))
				c.Disconnect(250)
				return
			}
			atomic.AddInt64(&s.connectionsOK, 1)
			atomic.AddInt64(&s.activeClients, 1)
			clients[idx] = c
		}(i)
	}
	wg.Wait()

	fmt.Fprintf(os.Stderr, "connected %d/%d subscribers on %q\n", atomic.LoadInt64(&s.connectionsOK), count, topic)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	if duration > 0 {
		select {
		case <-time.After(duration):
		case <-sig:
		}
	} else {
		<-sig
	}

	for _, c := range clients {
		if c != nil {
			c.Disconnect(250)
		}
	}

	elapsed := time.Since(s.startTime)
	fmt.Fprintf(os.Stderr, "received %d messages over %.1fs\n", atomic.LoadInt64(&s.messagesOK), elapsed.Seconds())
	maybePrintJSON("sub", elapsed, s)
}
