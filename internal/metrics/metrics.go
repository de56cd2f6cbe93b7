package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallCounter exposes the number of active calls.
type CallCounter interface {
	Active() int
}

// BindingCounter exposes the number of live registrations.
type BindingCounter interface {
	Count() int
}

// RelayStatsProvider exposes media relay aggregates.
type RelayStatsProvider interface {
	Count() int
	Totals() (packets, bytes uint64)
}

// DispositionCounter exposes processed-call totals grouped by CDR
// disposition.
type DispositionCounter interface {
	Dispositions() map[string]uint64
}

// VoicemailCounter exposes message totals across all mailboxes.
type VoicemailCounter interface {
	TotalMessages() (newCount, oldCount int, err error)
}

// DigitTotalsFunc adapts a package-level digit counter to the collector.
type DigitTotalsFunc func() (accepted, deduped, dropped uint64)

// Collector is a prometheus.Collector that gathers engine state at
// scrape time. Any provider may be nil; its metrics are simply omitted.
type Collector struct {
	calls     CallCounter
	bindings  BindingCounter
	relay     RelayStatsProvider
	cdr       DispositionCounter
	voicemail VoicemailCounter
	digits    DigitTotalsFunc
	startTime time.Time

	activeCallsDesc   *prometheus.Desc
	registrationsDesc *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	rtpSessionsDesc   *prometheus.Desc
	rtpPacketsDesc    *prometheus.Desc
	rtpBytesDesc      *prometheus.Desc
	voicemailDesc     *prometheus.Desc
	digitsDesc        *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a metrics collector over the given providers.
func NewCollector(
	calls CallCounter,
	bindings BindingCounter,
	relay RelayStatsProvider,
	cdrStats DispositionCounter,
	voicemail VoicemailCounter,
	digits DigitTotalsFunc,
	startTime time.Time,
) *Collector {
	return &Collector{
		calls:     calls,
		bindings:  bindings,
		relay:     relay,
		cdr:       cdrStats,
		voicemail: voicemail,
		digits:    digits,
		startTime: startTime,

		activeCallsDesc: prometheus.NewDesc(
			"ironpbx_active_calls",
			"Number of currently active calls",
			nil, nil,
		),
		registrationsDesc: prometheus.NewDesc(
			"ironpbx_registered_devices",
			"Number of live SIP registrations",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"ironpbx_calls_total",
			"Calls processed since start, by CDR disposition",
			[]string{"disposition"}, nil,
		),
		rtpSessionsDesc: prometheus.NewDesc(
			"ironpbx_rtp_sessions_active",
			"Number of active RTP relay sessions",
			nil, nil,
		),
		rtpPacketsDesc: prometheus.NewDesc(
			"ironpbx_rtp_packets_forwarded_total",
			"RTP packets forwarded since start, both directions",
			nil, nil,
		),
		rtpBytesDesc: prometheus.NewDesc(
			"ironpbx_rtp_bytes_forwarded_total",
			"RTP payload bytes forwarded since start, both directions",
			nil, nil,
		),
		voicemailDesc: prometheus.NewDesc(
			"ironpbx_voicemail_messages",
			"Stored voicemail messages across all mailboxes",
			[]string{"state"}, nil,
		),
		digitsDesc: prometheus.NewDesc(
			"ironpbx_dtmf_digits_total",
			"DTMF digits handled since start, by result",
			[]string{"result"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"ironpbx_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.registrationsDesc
	ch <- c.callsTotalDesc
	ch <- c.rtpSessionsDesc
	ch <- c.rtpPacketsDesc
	ch <- c.rtpBytesDesc
	ch <- c.voicemailDesc
	ch <- c.digitsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.calls.Active()),
		)
	}

	if c.bindings != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registrationsDesc, prometheus.GaugeValue,
			float64(c.bindings.Count()),
		)
	}

	if c.cdr != nil {
		for disposition, n := range c.cdr.Dispositions() {
			ch <- prometheus.MustNewConstMetric(
				c.callsTotalDesc, prometheus.CounterValue,
				float64(n), disposition,
			)
		}
	}

	if c.relay != nil {
		ch <- prometheus.MustNewConstMetric(
			c.rtpSessionsDesc, prometheus.GaugeValue,
			float64(c.relay.Count()),
		)
		packets, bytes := c.relay.Totals()
		ch <- prometheus.MustNewConstMetric(
			c.rtpPacketsDesc, prometheus.CounterValue,
			float64(packets),
		)
		ch <- prometheus.MustNewConstMetric(
			c.rtpBytesDesc, prometheus.CounterValue,
			float64(bytes),
		)
	}

	if c.voicemail != nil {
		newCount, oldCount, err := c.voicemail.TotalMessages()
		if err != nil {
			slog.Error("metrics: failed to count voicemail messages", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.voicemailDesc, prometheus.GaugeValue,
				float64(newCount), "new",
			)
			ch <- prometheus.MustNewConstMetric(
				c.voicemailDesc, prometheus.GaugeValue,
				float64(oldCount), "old",
			)
		}
	}

	if c.digits != nil {
		accepted, deduped, dropped := c.digits()
		ch <- prometheus.MustNewConstMetric(
			c.digitsDesc, prometheus.CounterValue,
			float64(accepted), "accepted",
		)
		ch <- prometheus.MustNewConstMetric(
			c.digitsDesc, prometheus.CounterValue,
			float64(deduped), "deduped",
		)
		ch <- prometheus.MustNewConstMetric(
			c.digitsDesc, prometheus.CounterValue,
			float64(dropped), "dropped",
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
