// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"time"

	"github.com/firezone/client-core/internal/clock"
	"github.com/firezone/client-core/internal/logging"
)

// Collector polls ambient (non-sans-IO) sources — the buffer pool's
// population counter, the connection pool's peer map — on a ticker and
// mirrors them into gauges. Sans-IO components never call this
// directly: they report counts via the Sampler interface passed to
// NewCollector, keeping the metrics package itself free of knowledge
// about connpool/bufpool internals.
type Collector struct {
	registry *Registry
	logger   *logging.Logger
	clock    clock.Clock
	interval time.Duration
	stopCh   chan struct{}

	sampler Sampler
}

// Sampler is implemented by the long-lived components whose gauges need
// periodic re-sampling rather than event-driven updates. Implementations
// must be safe to call from the collector's own goroutine while the
// sans-IO core runs on the eventloop's.
type Sampler interface {
	SampleBufferPool() (capacity, inUse int)
	SampleConnPool() (stunByServer map[string]string, turnAllocations, turnChannelBinds int)
}

// NewCollector creates a metrics collector sampling sampler every
// interval using clk for timestamps.
func NewCollector(logger *logging.Logger, clk clock.Clock, interval time.Duration, sampler Sampler) *Collector {
	return &Collector{
		registry: Get(),
		logger:   logger,
		clock:    clk,
		interval: interval,
		stopCh:   make(chan struct{}),
		sampler:  sampler,
	}
}

// Start begins the sampling loop. It returns once Stop is called, so
// callers run it in its own goroutine; it never touches sans-IO state
// directly, only the Sampler's already-synchronized accessors.
func (c *Collector) Start() {
	c.logger.Info("starting metrics collector", "interval", c.interval.String())
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sample()
		case <-c.stopCh:
			c.logger.Info("stopping metrics collector")
			return
		}
	}
}

// Stop terminates the sampling loop. Safe to call once.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) sample() {
	if c.sampler == nil {
		return
	}
	cap, inUse := c.sampler.SampleBufferPool()
	c.registry.BufferPoolSize.Set(float64(cap))
	c.registry.BufferPoolInUse.Set(float64(inUse))

	stunStates, allocations, binds := c.sampler.SampleConnPool()
	for server, state := range stunStates {
		c.registry.StunBindingState.WithLabelValues(server, state).Set(1)
	}
	c.registry.TurnAllocations.Set(float64(allocations))
	c.registry.TurnChannelBinds.Set(float64(binds))
}

// RecordBufferPoolExhausted increments the exhaustion counter without
// waiting for the next sample tick. The buffer pools built by
// internal/core do not call it: they increment
// Registry.BufferPoolExhausts directly through their onExhaust hook.
func (c *Collector) RecordBufferPoolExhausted() {
	c.registry.BufferPoolExhausts.Inc()
}

// RecordFlowState sets the flow-state gauge for resource to 1 and every
// other known state to 0, so a Grafana panel can stack states without
// double-counting a resource that transitioned mid-scrape.
func (c *Collector) RecordFlowState(resource string, state string, allStates []string) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		c.registry.FlowState.WithLabelValues(resource, s).Set(v)
	}
}

// RecordConnectionIntent increments the intent counter, tagged by
// whether it was actually emitted or held back by the rate limiter.
func (c *Collector) RecordConnectionIntent(throttled bool) {
	outcome := "emitted"
	if throttled {
		outcome = "throttled"
	}
	c.registry.ConnectionIntents.WithLabelValues(outcome).Inc()
}

// RecordFlowRejection increments the rejection counter for reason (e.g.
// "offline", "unknown").
func (c *Collector) RecordFlowRejection(reason string) {
	c.registry.FlowRejections.WithLabelValues(reason).Inc()
}

// RecordDNSQuery increments the query counter for a transport
// ("udp"|"tcp"|"doh") and result ("answered"|"forwarded"|"servfail"|"truncated").
func (c *Collector) RecordDNSQuery(transport, result string) {
	c.registry.DNSQueriesTotal.WithLabelValues(transport, result).Inc()
	if result == "truncated" {
		c.registry.DNSResponseTruncs.Inc()
	}
}

// RecordPortalReconnect increments the Portal reconnect counter.
func (c *Collector) RecordPortalReconnect() {
	c.registry.PortalReconnects.Inc()
}

// RecordPortalInit stamps the last-Init gauge with now.
func (c *Collector) RecordPortalInit() {
	c.registry.PortalLastInit.Set(float64(c.clock.Now().Unix()))
}

// calculateRate computes the rate between two counter values over
// elapsedSeconds, treating current < previous as a counter reset (the
// delta becomes the post-reset value itself rather than going
// negative). The arithmetic is domain-agnostic and applies equally to
// this module's handshake/intent counters as to any other monotonic
// counter pair.
func calculateRate(current, previous uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}
	var delta uint64
	if current < previous {
		delta = current
	} else {
		delta = current - previous
	}
	return float64(delta) / elapsedSeconds
}
