package main

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
)

func newConnCmd() *cobra.Command {
	var (
		broker     string
		count      int
		holdSec    int
	)

	cmd := &cobra.Command{
		Use:   "conn",
		Short: "open N connections and hold them, reporting success/failure counts",
		Run: func(cmd *cobra.Command, args []string) {
			runConn(broker, count, time.Duration(holdSec)*time.Second)
		},
	}

	cmd.Flags().StringVarP(&broker, "broker", "b", "tcp://localhost:1883", "MQTT broker address")
	cmd.Flags().IntVarP(&count, "count", "c", 100, "number of connections to open")
	cmd.Flags().IntVar(&holdSec, "hold", 5, "seconds to hold connections open before disconnecting")

	return cmd
}

func runConn(broker string, count int, hold time.Duration) {
	s := &stats{startTime: time.Now()}

	maxConcurrent, stagger := concurrencySettings(count)
	semaphore := make(chan struct{}, maxConcurrent)

	clients := make([]mqtt.Client, count)
	var wg sync.WaitGroup

	for i := 0; i < count; i++ {
		clientID := fmt.Sprintf("brokerload-conn-%d", i+1)
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
			clients[idx] = c
		}(i)
	}
	wg.Wait()

	fmt.Fprintf(os.Stderr, "connected %d/%d, holding for %s\n", atomic.LoadInt64(&s.connectionsOK), count, hold)
	time.Sleep(hold)

	for _, c := range clients {
		if c != nil {
			c.Disconnect(250)
		}
	}

	elapsed := time.Since(s.startTime)
	maybePrintJSON("conn", elapsed, s)
}
