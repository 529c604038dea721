package metrics

import (
	"time"

	"github.com/gnosisguild/enclave/pkg/bus"
	"github.com/gnosisguild/enclave/pkg/events"
	"github.com/gnosisguild/enclave/pkg/router"
)

// Collector drives the event-driven and polled metric updates for a running
// ciphernode: every bus event increments BusEventsPublishedTotal as it's
// published, while a ticker periodically samples the router's active
// context count.
type Collector struct {
	bus    *bus.Bus
	router *router.Router
	inbox  bus.Recipient
	stopCh chan struct{}
}

// NewCollector builds a Collector observing b and r.
func NewCollector(b *bus.Bus, r *router.Router) *Collector {
	return &Collector{
		bus:    b,
		router: r,
		inbox:  bus.NewRecipient(),
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	c.bus.SubscribeAll(c.inbox)
	go c.consumeEvents()

	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collectRouter()
		for {
			select {
			case <-ticker.C:
				c.collectRouter()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.bus.Unsubscribe(c.inbox)
}

func (c *Collector) consumeEvents() {
	for {
		select {
		case ev := <-c.inbox:
			if ev.Type == events.TypeShutdown {
				return
			}
			BusEventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) collectRouter() {
	if c.router == nil {
		return
	}
	RouterActiveContexts.Set(float64(c.router.ActiveContexts()))
}
