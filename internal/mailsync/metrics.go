package mailsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the sync engine does. A nil registerer yields working
// but unregistered collectors, which tests rely on.
type Metrics struct {
	EventsIngested    prometheus.Counter
	DuplicatesDropped prometheus.Counter
	DecryptFailures   prometheus.Counter
	BlobFetchFailures prometheus.Counter
	SendsTotal        prometheus.Counter
	MailboxSize       prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "blockmail_events_ingested_total",
			Help: "Announcement events resolved and merged into the mailbox.",
		}),
		DuplicatesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "blockmail_duplicate_events_total",
			Help: "Announcement events dropped because their content id was already merged.",
		}),
		DecryptFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "blockmail_decrypt_failures_total",
			Help: "Envelopes that could not be decrypted and degraded to placeholders.",
		}),
		BlobFetchFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "blockmail_blob_fetch_failures_total",
			Help: "Envelope fetches the blob store could not serve.",
		}),
		SendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "blockmail_sends_total",
			Help: "Messages sealed, uploaded and announced.",
		}),
		MailboxSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blockmail_mailbox_size",
			Help: "Messages currently in the mailbox.",
		}),
	}
}
