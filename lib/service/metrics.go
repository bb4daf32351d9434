/*
 * CrowdPM
 * Copyright (C) 2026  CrowdPM, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package service

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	batchesAdmitted prometheus.Counter
	pointsAdmitted  prometheus.Counter
	batchBytes      prometheus.Histogram
	tokensIssued    *prometheus.CounterVec
	sessionsExpired prometheus.Counter
}

func newMetrics() (*metrics, error) {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crowdpm",
			Name:      "requests_total",
			Help:      "API requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crowdpm",
			Name:      "request_duration_seconds",
			Help:      "API request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		batchesAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crowdpm",
			Name:      "batches_admitted_total",
			Help:      "Measurement batches accepted at the ingest gateway.",
		}),
		pointsAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crowdpm",
			Name:      "points_admitted_total",
			Help:      "Measurement points accepted at the ingest gateway.",
		}),
		batchBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crowdpm",
			Name:      "batch_bytes",
			Help:      "Raw payload size of admitted batches.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crowdpm",
			Name:      "tokens_issued_total",
			Help:      "Tokens minted by kind.",
		}, []string{"kind"}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crowdpm",
			Name:      "pairing_sessions_expired_total",
			Help:      "Pairing sessions removed by garbage collection.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.requests,
		m.requestDuration,
		m.batchesAdmitted,
		m.pointsAdmitted,
		m.batchBytes,
		m.tokensIssued,
		m.sessionsExpired,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return m, nil
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response code for the request counter.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps a route with the request counter and latency histogram.
func (m *metrics) instrument(route string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h(recorder, r, p)
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		m.requests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
	}
}
