// Package metrics turns operational events into Prometheus metrics. The
// collector only listens on the event bus, so components stay unaware of
// it and metrics never sit on the publish path.
package metrics

import (
	"context"

	"github.com/nugget/beacon/internal/events"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "beacon_"

	resultOK     = "ok"
	resultFailed = "failed"
)

// Collector owns the agent's metric vectors.
type Collector struct {
	connectionEvents *prometheus.CounterVec
	connected        prometheus.Gauge
	keepAlive        prometheus.Gauge

	publishes    *prometheus.CounterVec
	errorReports prometheus.Counter
	overflows    prometheus.Counter
	payloadBytes prometheus.Histogram
	cycleBusy    prometheus.Histogram

	clockSyncs  *prometheus.CounterVec
	clockOffset prometheus.Gauge

	inbound        prometheus.Counter
	inboundDropped *prometheus.CounterVec
}

// New creates a collector and registers it with reg.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connectionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "connection_events_total",
				Help: "Broker connection events by kind",
			},
			[]string{"kind"},
		),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "connected",
			Help: "1 while a broker session is established",
		}),
		keepAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "keep_alive_seconds",
			Help: "Keep-alive interval used for the current session",
		}),
		publishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "publishes_total",
				Help: "Publish attempts by result",
			},
			[]string{"result"},
		),
		errorReports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "error_reports_total",
			Help: "Error payloads published in place of telemetry",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "payload_overflows_total",
			Help: "Payloads that exceeded the byte budget",
		}),
		payloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "payload_bytes",
			Help:    "Size of published payloads",
			Buckets: prometheus.LinearBuckets(32, 64, 10),
		}),
		cycleBusy: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    metricPrefix + "cycle_busy_seconds",
			Help:    "Time spent in a publish cycle before the idle wait",
			Buckets: prometheus.DefBuckets,
		}),
		clockSyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "clock_syncs_total",
				Help: "Clock resync attempts by result",
			},
			[]string{"result"},
		),
		clockOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: metricPrefix + "clock_offset_seconds",
			Help: "Last measured clock offset",
		}),
		inbound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: metricPrefix + "inbound_messages_total",
			Help: "Inbound messages delivered",
		}),
		inboundDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "inbound_dropped_total",
				Help: "Inbound messages discarded by reason",
			},
			[]string{"reason"},
		),
	}

	reg.MustRegister(
		c.connectionEvents, c.connected, c.keepAlive,
		c.publishes, c.errorReports, c.overflows, c.payloadBytes, c.cycleBusy,
		c.clockSyncs, c.clockOffset,
		c.inbound, c.inboundDropped,
	)
	return c
}

// Run consumes events from bus until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, bus *events.Bus) {
	if bus == nil {
		return
	}
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// Observe updates metrics for a single event.
func (c *Collector) Observe(e events.Event) {
	switch e.Source {
	case events.SourceConnection:
		c.connectionEvents.WithLabelValues(e.Kind).Inc()
		switch e.Kind {
		case events.KindConnected:
			c.connected.Set(1)
			if v, ok := number(e.Data["keep_alive"]); ok {
				c.keepAlive.Set(v)
			}
		case events.KindConnectFailed, events.KindReconnect:
			c.connected.Set(0)
		case events.KindKeepAliveChanged:
			if v, ok := number(e.Data["seconds"]); ok {
				c.keepAlive.Set(v)
			}
		}

	case events.SourceCycle:
		switch e.Kind {
		case events.KindPublished:
			c.publishes.WithLabelValues(resultOK).Inc()
			if v, ok := number(e.Data["bytes"]); ok {
				c.payloadBytes.Observe(v)
			}
			if report, _ := e.Data["error_report"].(bool); report {
				c.errorReports.Inc()
			}
		case events.KindPublishFailed:
			c.publishes.WithLabelValues(resultFailed).Inc()
		case events.KindOverflow:
			c.overflows.Inc()
		case events.KindCycleComplete:
			if v, ok := number(e.Data["busy_ms"]); ok {
				c.cycleBusy.Observe(v / 1000)
			}
		}

	case events.SourceClock:
		switch e.Kind {
		case events.KindClockSynced:
			c.clockSyncs.WithLabelValues(resultOK).Inc()
			if v, ok := number(e.Data["offset_ms"]); ok {
				c.clockOffset.Set(v / 1000)
			}
		case events.KindClockSyncFailed:
			c.clockSyncs.WithLabelValues(resultFailed).Inc()
		}

	case events.SourceBroker:
		switch e.Kind {
		case events.KindMessageReceived:
			c.inbound.Inc()
		case events.KindMessageDropped:
			reason, _ := e.Data["reason"].(string)
			c.inboundDropped.WithLabelValues(reason).Inc()
		}
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
