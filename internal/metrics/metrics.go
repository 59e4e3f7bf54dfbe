// Package metrics exposes swarm/session counters over Prometheus, scraped
// through an OpenTelemetry meter provider rather than hand-rolled gauges.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Recorder holds the instruments updated as torrents run. All instruments
// are observable: the callback registered in NewRecorder runs once per
// Prometheus scrape,
// which keeps the hot download/upload path free of instrumentation calls.
type Recorder struct {
	reader *prometheus.Exporter
	meter  metric.Meter

	activeTorrents metric.Int64ObservableGauge
	activePeers    metric.Int64ObservableGauge
	downloaded     metric.Int64ObservableCounter
	uploaded       metric.Int64ObservableCounter
	downloadRate   metric.Int64ObservableGauge
	uploadRate     metric.Int64ObservableGauge
	progress       metric.Float64ObservableGauge
}

// Snapshot is the subset of session/torrent state a Recorder needs to
// publish one round of metrics. Session wires this up once at startup;
// Collect is invoked by the Prometheus exporter on every scrape.
type Snapshot struct {
	Name          string
	Peers         int
	TotalUploaded uint64
	TotalDownload uint64
	UploadRate    uint64
	DownloadRate  uint64
	ProgressPct   float64
}

func nameAttr(name string) attribute.KeyValue {
	return attribute.String("torrent", name)
}

// SnapshotFunc returns the current set of per-torrent snapshots. It is
// called synchronously from the Prometheus exporter's Collect path, so it
// must not block on network I/O.
type SnapshotFunc func() []Snapshot

// NewRecorder builds a meter provider backed by a Prometheus exporter and
// registers the observable instruments that read from fn on every scrape.
func NewRecorder(fn SnapshotFunc) (*Recorder, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: new prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("github.com/prxssh/rabbit")

	r := &Recorder{reader: exporter, meter: meter}

	if r.activeTorrents, err = meter.Int64ObservableGauge(
		"rabbit_active_torrents",
		metric.WithDescription("number of torrents currently running"),
	); err != nil {
		return nil, err
	}
	if r.activePeers, err = meter.Int64ObservableGauge(
		"rabbit_active_peers",
		metric.WithDescription("connected peers, summed across torrents"),
	); err != nil {
		return nil, err
	}
	if r.downloaded, err = meter.Int64ObservableCounter(
		"rabbit_bytes_downloaded_total",
		metric.WithDescription("total bytes downloaded, summed across torrents"),
	); err != nil {
		return nil, err
	}
	if r.uploaded, err = meter.Int64ObservableCounter(
		"rabbit_bytes_uploaded_total",
		metric.WithDescription("total bytes uploaded, summed across torrents"),
	); err != nil {
		return nil, err
	}
	if r.downloadRate, err = meter.Int64ObservableGauge(
		"rabbit_download_rate_bytes",
		metric.WithDescription("aggregate download rate in bytes/sec"),
	); err != nil {
		return nil, err
	}
	if r.uploadRate, err = meter.Int64ObservableGauge(
		"rabbit_upload_rate_bytes",
		metric.WithDescription("aggregate upload rate in bytes/sec"),
	); err != nil {
		return nil, err
	}
	if r.progress, err = meter.Float64ObservableGauge(
		"rabbit_torrent_progress_ratio",
		metric.WithDescription("per-torrent completion percentage, labeled by name"),
	); err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		snapshots := fn()

		var peers int
		var down, up, downRate, upRate int64

		for _, s := range snapshots {
			peers += s.Peers
			down += int64(s.TotalDownload)
			up += int64(s.TotalUploaded)
			downRate += int64(s.DownloadRate)
			upRate += int64(s.UploadRate)

			o.ObserveFloat64(r.progress, s.ProgressPct,
				metric.WithAttributes(nameAttr(s.Name)))
		}

		o.ObserveInt64(r.activeTorrents, int64(len(snapshots)))
		o.ObserveInt64(r.activePeers, int64(peers))
		o.ObserveInt64(r.downloaded, down)
		o.ObserveInt64(r.uploaded, up)
		o.ObserveInt64(r.downloadRate, downRate)
		o.ObserveInt64(r.uploadRate, upRate)

		return nil
	},
		r.activeTorrents, r.activePeers, r.downloaded, r.uploaded,
		r.downloadRate, r.uploadRate, r.progress,
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: register callback: %w", err)
	}

	return r, nil
}
