package main

import (
	"context"
	"time"

	"github.com/directim/relay/server/logs"
	"github.com/prometheus/client_golang/prometheus"
)

// Exported metric: the expvar key it is read from and how it is presented to Prometheus.
type metricDef struct {
	key       string
	name      string
	help      string
	valueType prometheus.ValueType
}

var relayMetrics = []metricDef{
	{"LiveSessions", "sessions_live_count", "Number of currently active sessions.", prometheus.GaugeValue},
	{"TotalSessions", "sessions_total", "Total number of sessions since instance start.", prometheus.CounterValue},
	{"OnlineUsers", "users_online_count", "Number of users with at least one connection.", prometheus.GaugeValue},
	{"TotalJoins", "joins_total", "Total number of connections registered for users.", prometheus.CounterValue},
	{"MessagesRelayed", "messages_relayed_total", "Messages and edits delivered to recipients.", prometheus.CounterValue},
	{"MessagesUndelivered", "messages_undelivered_total", "Messages and edits refused because the recipient is offline or did not list the sender.", prometheus.CounterValue},
	{"HistoryWritesFailed", "history_writes_failed_total", "Failed writes of messages to the database.", prometheus.CounterValue},
	{"LivePulls", "pulls_live_count", "History transfers in progress.", prometheus.GaugeValue},
	{"PullsRequested", "pulls_requested_total", "History transfers requested.", prometheus.CounterValue},
	{"PullsCompleted", "pulls_completed_total", "History transfers downloaded in full.", prometheus.CounterValue},
	{"PullsExpired", "pulls_expired_total", "History transfers discarded by the expiry sweeper.", prometheus.CounterValue},
	{"IncomingMessagesWebsockTotal", "incoming_messages_ws_total", "Messages received from websocket clients.", prometheus.CounterValue},
	{"OutgoingMessagesWebsockTotal", "outgoing_messages_ws_total", "Messages sent to websocket clients.", prometheus.CounterValue},
	{"NumGoroutines", "goroutines_count", "Number of goroutines.", prometheus.GaugeValue},
	{"memstats.Alloc", "malloced_bytes", "Number of bytes of memory allocated and in use.", prometheus.GaugeValue},
}

// PromExporter collects metrics in Prometheus format from a relay server.
type PromExporter struct {
	timeout time.Duration
	scraper *Scraper

	up    *prometheus.Desc
	descs []*prometheus.Desc
}

// NewPromExporter returns an initialized Prometheus exporter.
func NewPromExporter(namespace string, timeout time.Duration, scraper *Scraper) *PromExporter {
	e := &PromExporter{
		timeout: timeout,
		scraper: scraper,
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "up"),
			"If the relay instance is reachable.",
			nil,
			nil,
		),
	}
	for _, m := range relayMetrics {
		e.descs = append(e.descs, prometheus.NewDesc(prometheus.BuildFQName(namespace, "", m.name), m.help, nil, nil))
	}
	return e
}

// Describe describes all the metrics exported by the relay exporter. It
// implements prometheus.Collector.
func (e *PromExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.up
	for _, d := range e.descs {
		ch <- d
	}
}

// Collect fetches statistics from the configured relay instance, and
// delivers them as Prometheus metrics. It implements prometheus.Collector.
func (e *PromExporter) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	up := float64(1)
	if stats, err := e.scraper.Scrape(ctx); err != nil {
		logs.Warn.Println("exporter: failed to fetch or parse response", err)
		up = 0
	} else if err := e.parseStats(ch, stats); err != nil {
		logs.Warn.Println("exporter: invalid stats", err)
		up = 0
	}

	ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, up)
}

func (e *PromExporter) parseStats(ch chan<- prometheus.Metric, stats map[string]any) error {
	values := make([]float64, len(relayMetrics))
	for i, m := range relayMetrics {
		v, err := parseMetric(stats, m.key)
		if err != nil {
			return err
		}
		values[i] = v
	}

	for i, m := range relayMetrics {
		ch <- prometheus.MustNewConstMetric(e.descs[i], m.valueType, values[i])
	}
	return nil
}
