// Command loadtest drives the MyLB messaging bridge with simulated clients.
// Each client connects over WebSocket, sends chat messages at a fixed rate
// and counts the frames it receives back.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mylb/messaging/loadtest/client"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/ws", "bridge WebSocket endpoint")
		clients  = flag.Int("clients", 100, "number of concurrent clients")
		rate     = flag.Duration("rate", time.Second, "delay between messages per client")
		duration = flag.Duration("duration", 30*time.Second, "test duration")
		baseID   = flag.Int64("base-id", 100000, "first client id; ids are sequential from here")
	)
	flag.Parse()

	log.Printf("loadtest: %d clients against %s for %s", *clients, *url, *duration)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
		totals   client.Metrics
	)

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()

			c, err := client.New(ctx, *url, id)
			if err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
				return
			}
			defer c.Close()

			ticker := time.NewTicker(*rate)
			defer ticker.Stop()
			seq := 0
			for {
				select {
				case <-ctx.Done():
					m := c.GetMetrics()
					mu.Lock()
					totals.MessagesSent += m.MessagesSent
					totals.MessagesReceived += m.MessagesReceived
					totals.Errors += m.Errors
					mu.Unlock()
					return
				case <-ticker.C:
					seq++
					if err := c.Send(fmt.Sprintf("load message %d from %d", seq, id)); err != nil {
						mu.Lock()
						failures++
						mu.Unlock()
						return
					}
				}
			}
		}(*baseID + int64(i))
	}

	wg.Wait()

	log.Printf("loadtest: done")
	log.Printf("  connect failures:  %d", failures)
	log.Printf("  messages sent:     %d", totals.MessagesSent)
	log.Printf("  messages received: %d", totals.MessagesReceived)
	log.Printf("  read errors:       %d", totals.Errors)
}
