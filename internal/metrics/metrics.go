package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallStatsProvider exposes the orchestrator's call counters.
type CallStatsProvider interface {
	LiveCalls() int
	CreatedTotal() uint64
	FinalizedTotal() uint64
}

// PBXLinkProvider reports whether the AMI link is up.
type PBXLinkProvider interface {
	Connected() bool
}

// WebhookStatsProvider exposes the CRM gateway's request counters.
type WebhookStatsProvider interface {
	RequestsTotal() uint64
	FailuresTotal() uint64
}

// Collector is a prometheus.Collector gathering daemon metrics at scrape
// time. Any provider may be nil if unavailable.
type Collector struct {
	calls     CallStatsProvider
	pbx       PBXLinkProvider
	webhook   WebhookStatsProvider
	startTime time.Time

	liveCallsDesc       *prometheus.Desc
	callsCreatedDesc    *prometheus.Desc
	callsFinalizedDesc  *prometheus.Desc
	pbxConnectedDesc    *prometheus.Desc
	webhookCallsDesc    *prometheus.Desc
	webhookFailuresDesc *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

func NewCollector(calls CallStatsProvider, pbx PBXLinkProvider, webhook WebhookStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		pbx:       pbx,
		webhook:   webhook,
		startTime: startTime,

		liveCallsDesc: prometheus.NewDesc(
			"b24link_live_calls",
			"Number of calls currently tracked",
			nil, nil,
		),
		callsCreatedDesc: prometheus.NewDesc(
			"b24link_calls_created_total",
			"Total calls ever tracked",
			nil, nil,
		),
		callsFinalizedDesc: prometheus.NewDesc(
			"b24link_calls_finalized_total",
			"Total calls finalized",
			nil, nil,
		),
		pbxConnectedDesc: prometheus.NewDesc(
			"b24link_ami_connected",
			"Whether the AMI link is up (1=connected)",
			nil, nil,
		),
		webhookCallsDesc: prometheus.NewDesc(
			"b24link_webhook_requests_total",
			"Total Bitrix24 webhook requests issued",
			nil, nil,
		),
		webhookFailuresDesc: prometheus.NewDesc(
			"b24link_webhook_failures_total",
			"Total Bitrix24 webhook requests that failed",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"b24link_uptime_seconds",
			"Seconds since the daemon started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.liveCallsDesc
	ch <- c.callsCreatedDesc
	ch <- c.callsFinalizedDesc
	ch <- c.pbxConnectedDesc
	ch <- c.webhookCallsDesc
	ch <- c.webhookFailuresDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries the providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.liveCallsDesc, prometheus.GaugeValue,
			float64(c.calls.LiveCalls()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.callsCreatedDesc, prometheus.CounterValue,
			float64(c.calls.CreatedTotal()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.callsFinalizedDesc, prometheus.CounterValue,
			float64(c.calls.FinalizedTotal()),
		)
	}

	if c.pbx != nil {
		val := 0.0
		if c.pbx.Connected() {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.pbxConnectedDesc, prometheus.GaugeValue, val)
	}

	if c.webhook != nil {
		ch <- prometheus.MustNewConstMetric(
			c.webhookCallsDesc, prometheus.CounterValue,
			float64(c.webhook.RequestsTotal()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.webhookFailuresDesc, prometheus.CounterValue,
			float64(c.webhook.FailuresTotal()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
