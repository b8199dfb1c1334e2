// Package metrics exports driver events as prometheus metrics
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sdio/core"
)

// Observer is a core.Observer recording prometheus metrics
type Observer struct {
	commands       *prometheus.CounterVec
	transferBlocks *prometheus.CounterVec
	transferErrors *prometheus.CounterVec
	transferTime   *prometheus.HistogramVec
	cardPresent    prometheus.Gauge
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdio_commands_total",
				Help: "SD commands issued, by command index and result code",
			},
			[]string{"cmd", "code"},
		),
		transferBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdio_transfer_blocks_total",
				Help: "Blocks moved by successful transfers",
			},
			[]string{"dir"},
		),
		transferErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdio_transfer_errors_total",
				Help: "Failed block transfers, by result code",
			},
			[]string{"dir", "code"},
		),
		transferTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sdio_transfer_seconds",
				Help:    "Block transfer latency",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"dir"},
		),
		cardPresent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sdio_card_present",
				Help: "1 while an initialized card is inserted",
			},
		),
	}

	for _, c := range []prometheus.Collector{o.commands, o.transferBlocks, o.transferErrors, o.transferTime, o.cardPresent} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func direction(write bool) string {
	if write {
		return "write"
	}
	return "read"
}

// CommandDone counts one command
func (o *Observer) CommandDone(index uint8, err error, elapsed time.Duration) {
	o.commands.WithLabelValues(fmt.Sprintf("CMD%d", index), core.Code(err).String()).Inc()
}

// TransferDone records one block transfer
func (o *Observer) TransferDone(write bool, blocks int, err error, elapsed time.Duration) {
	dir := direction(write)
	o.transferTime.WithLabelValues(dir).Observe(elapsed.Seconds())
	if err != nil {
		o.transferErrors.WithLabelValues(dir, core.Code(err).String()).Inc()
		return
	}
	o.transferBlocks.WithLabelValues(dir).Add(float64(blocks))
}

// CardChanged tracks card presence
func (o *Observer) CardChanged(present bool) {
	if present {
		o.cardPresent.Set(1)
	} else {
		o.cardPresent.Set(0)
	}
}

var _ core.Observer = (*Observer)(nil)
