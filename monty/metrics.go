package monty

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"strconv"
	"time"
)

const metricsNamespace = "monty"

const (
	outcomeApplied           = "applied"
	outcomeInsufficientFunds = "insufficient_funds"
	outcomeError             = "error"
	outcomeInvalid           = "invalid_amount"
)

// ledgerMetrics holds the prometheus collectors updated by a Ledger.
type ledgerMetrics struct {
	transactions *prometheus.CounterVec
	accounts     prometheus.Gauge
	credits      *prometheus.CounterVec
}

func newLedgerMetrics(reg prometheus.Registerer) *ledgerMetrics {
	m := &ledgerMetrics{
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "transactions_total",
				Help:      "Transactions requested against the ledger, by outcome.",
			},
			[]string{"outcome"},
		),
		accounts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "accounts",
				Help:      "Number of (guild, user) pairs with a balance.",
			},
		),
		credits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ledger",
				Name:      "credits_total",
				Help:      "Absolute credits moved by applied transactions.",
			},
			[]string{"direction"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.transactions, m.accounts, m.credits)
	}
	return m
}

func (m *ledgerMetrics) observe(outcome string, delta float64) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(outcome).Inc()
	if outcome != outcomeApplied {
		return
	}
	switch {
	case delta > 0:
		m.credits.WithLabelValues("deposit").Add(delta)
	case delta < 0:
		m.credits.WithLabelValues("withdrawal").Add(-delta)
	}
}

func (m *ledgerMetrics) setAccounts(n int) {
	if m == nil {
		return
	}
	m.accounts.Set(float64(n))
}

// commandMetrics counts handled slash commands.
type commandMetrics struct {
	commands *prometheus.CounterVec
}

func newCommandMetrics(reg prometheus.Registerer) *commandMetrics {
	m := &commandMetrics{
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "discord",
				Name:      "commands_total",
				Help:      "Application commands received, by name.",
			},
			[]string{"command"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.commands)
	}
	return m
}

func (m *commandMetrics) observe(command string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command).Inc()
}

// gatewayMetrics tracks the discord gateway connection.
type gatewayMetrics struct {
	events    *prometheus.CounterVec
	connected prometheus.Gauge
}

func newGatewayMetrics(reg prometheus.Registerer) *gatewayMetrics {
	m := &gatewayMetrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "discord",
				Name:      "gateway_events_total",
				Help:      "Gateway connects and disconnects.",
			},
			[]string{"event"},
		),
		connected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "discord",
				Name:      "gateway_connected",
				Help:      "1 while connected to the gateway.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.connected)
	}
	return m
}

func (m *gatewayMetrics) observe(event string, connected bool) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
	if connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// httpMetrics instruments the admin API's gin engine.
type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "API requests, by method, route and status code.",
			},
			[]string{"method", "route", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "API request latency, by method and route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

func (m *httpMetrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
		).Inc()
		m.duration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
