/*
Package metrics provides Prometheus metrics collection and exposition for a
ciphernode.

The package defines and registers every ciphernode metric using the
Prometheus client library: bus throughput, router context lifecycle and
on-chain write latency, sortition and aggregation timings, keyshare
generation, chain-reader progress, and gossip traffic. Metrics are exposed
via an HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Bus: events published, deduplicated         │          │
	│  │  Router: active contexts, chain writes       │          │
	│  │  Sortition: runs, committee size             │          │
	│  │  Keyshare/Aggregator: generation/agg timing  │          │
	│  │  Chain: blocks/logs processed, tx latency    │          │
	│  │  Net: gossip sent/received/dropped/rejected  │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Collector:
  - Subscribes to every bus event and increments BusEventsPublishedTotal
    by type as they're published (event-driven, not polled)
  - Polls Router.ActiveContexts() on a 15s ticker into RouterActiveContexts

Timer Helper:
  - Start timer, observe duration to a histogram (or a label vector)

# Usage

Recording an operation's duration:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.KeyshareGenerationDuration)

Recording a vector observation:

	timer := metrics.NewTimer()
	// ... publish to chain ...
	timer.ObserveDurationVec(metrics.RouterChainWriteDuration, "publish_committee")

Exposing the endpoint:

	http.Handle("/metrics", metrics.Handler())

# Integration Points

Collector is the only code that records values, into two metrics:

  - pkg/bus: BusEventsPublishedTotal, by event type
  - pkg/router: RouterActiveContexts, from Router.ActiveContexts()

The remaining metrics (bus dedup count, router checkpoints and chain
writes, sortition, keyshare/aggregator timing, chain reader, netmgr gossip)
are registered and served on /metrics, but no package records into them.

# Design Patterns

Package Init Registration:
  - All metrics registered in init(); MustRegister panics on duplicate
    registration, so metrics are available before main() runs.

Label Discipline:
  - Labels stay bounded (event type, role, op) — never e3_id or a raw
    address, which would be unbounded cardinality.

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
