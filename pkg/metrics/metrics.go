// Copyright 2018-2021 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package metrics holds the prometheus collectors of the storage layer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Namespace defines the namespace for the defines metrics.
	Namespace = "digs"

	// Subsystem defines the subsystem for the defines metrics.
	Subsystem = "storage"
)

// Metrics defines the available metrics.
type Metrics struct {
	Transactions       prometheus.Gauge
	TransfersStarted   *prometheus.CounterVec
	TransfersFinished  *prometheus.CounterVec
	BytesMoved         *prometheus.CounterVec
	ChecksumMismatches *prometheus.CounterVec
	LockedFilesRemoved *prometheus.CounterVec
	HousekeepingRuns   *prometheus.CounterVec
}

var (
	once sync.Once
	m    *Metrics
)

// Get returns the process wide metrics, registering them on first use.
func Get() *Metrics {
	once.Do(func() {
		m = newMetrics(prometheus.DefaultRegisterer)
	})
	return m
}

// New returns a set of metrics registered on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transactions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "transactions_in_flight",
			Help:      "Transactions currently held by the registry",
		}),
		TransfersStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "transfers_started_total",
			Help:      "Transfers started per backend and direction",
		}, []string{"backend", "direction"}),
		TransfersFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "transfers_finished_total",
			Help:      "Transfers ended or cancelled per backend, direction and status code",
		}, []string{"backend", "direction", "code"}),
		BytesMoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "bytes_total",
			Help:      "Bytes moved by the transfer engine",
		}, []string{"direction"}),
		ChecksumMismatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "checksum_mismatches_total",
			Help:      "Commits refused because sender and receiver checksums differed",
		}, []string{"backend"}),
		LockedFilesRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "housekeeping_removed_total",
			Help:      "Stale locked files removed by housekeeping",
		}, []string{"element"}),
		HousekeepingRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Subsystem,
			Name:      "housekeeping_runs_total",
			Help:      "Housekeeping sweeps per element and result",
		}, []string{"element", "result"}),
	}
}
