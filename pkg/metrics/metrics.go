// Copyright 2025 The fleetcore Authors
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

// Package metrics provides Prometheus metrics for the ingestion core.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesTotal counts inbound messages by dispatcher action.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcore_messages_total",
		Help: "The total number of inbound MQTT messages by action.",
	},
		[]string{"action"},
	)

	// PayloadErrorsTotal counts abandoned messages by error kind.
	PayloadErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcore_payload_errors_total",
		Help: "The total number of messages abandoned due to payload errors, by kind.",
	},
		[]string{"kind"},
	)

	// RegistrationsCompletedTotal counts completed registrations by source.
	RegistrationsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetcore_registrations_completed_total",
		Help: "The total number of completed source registrations.",
	},
		[]string{"source"},
	)

	// PropertyUpdatesTotal counts decoded property value publications.
	PropertyUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetcore_property_updates_total",
		Help: "The total number of decoded property value publications.",
	})

	// PendingBufferedTotal counts messages buffered before the API version
	// was known.
	PendingBufferedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetcore_pending_buffered_total",
		Help: "The total number of messages buffered ahead of identity.",
	})

	// PendingDroppedTotal counts buffered messages dropped by the drain
	// budget.
	PendingDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetcore_pending_dropped_total",
		Help: "The total number of buffered messages dropped when the drain budget expired.",
	})
)

// Serve starts an HTTP server to expose the Prometheus metrics.
func Serve(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	log.Printf("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
