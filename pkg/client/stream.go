package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kitbash/meshview/pkg/protocol"
)

// streamOnce performs a single connection attempt against /events and
// forwards parsed events until the stream breaks. connected is called
// once the stream is established, so the supervisor can reset its
// backoff ladder. Returns nil only on context cancellation.
func (c *Client) streamOnce(ctx context.Context, events chan<- protocol.Event, connected func()) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/events", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	if connected != nil {
		connected()
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev protocol.Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev); err != nil {
			continue
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return nil
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return fmt.Errorf("connection closed")
}

// Subscribe starts the event stream under a reconnect supervisor and
// returns the event channel plus the supervisor controlling the
// connection lifecycle. The caller runs the supervisor:
//
//	events, sup := c.Subscribe()
//	go sup.Run(ctx)
func (c *Client) Subscribe() (<-chan protocol.Event, *Supervisor) {
	events := make(chan protocol.Event, 100)
	sup := NewSupervisor(func(ctx context.Context, connected func()) error {
		return c.streamOnce(ctx, events, connected)
	})
	return events, sup
}
