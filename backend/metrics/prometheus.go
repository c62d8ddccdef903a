// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	isMetricsInitVar uint32 = 0

	activeRESTConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "efgroup_active_rest_connections",
			Help: "Number of in-flight REST requests",
		},
	)

	responseTimeRESTAPI = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "efgroup_restapi_response_time_milliseconds",
			Help:    "REST API response time distributions",
			Buckets: []float64{1, 10, 50, 100, 200, 300, 400, 500},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Number of live websocket sessions
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "efgroup_realtime_active_sessions",
		Help: "Number of authenticated websocket sessions",
	})

	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "efgroup_realtime_events_received_total",
		Help: "Inbound realtime events by type",
	}, []string{"type"})

	EventsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "efgroup_realtime_events_rejected_total",
		Help: "Inbound realtime events rejected before any side effect",
	}, []string{"reason"})

	Broadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "efgroup_realtime_broadcasts_total",
		Help: "Outbound room broadcasts by event type",
	}, []string{"type"})

	// Sessions whose send buffer overflowed
	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "efgroup_realtime_slow_consumers_total",
		Help: "Sessions dropped because their send buffer was full",
	})

	PushDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "efgroup_push_deliveries_total",
		Help: "Push deliveries by channel and result",
	}, []string{"channel", "result"})

	PushEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "efgroup_push_evictions_total",
		Help: "Push subscriptions evicted after a failed delivery",
	}, []string{"channel"})

	KeyRotations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "efgroup_key_rotations_total",
		Help: "Committed chat key rotations",
	})

	WrappedKeysPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "efgroup_wrapped_keys_pruned_total",
		Help: "Wrapped keys removed by the periodic prune",
	})
)

func InitMetrics() {
	if !atomic.CompareAndSwapUint32(&isMetricsInitVar, 0, 1) {
		return
	}
	prometheus.MustRegister(activeRESTConnections)
	prometheus.MustRegister(responseTimeRESTAPI)
	prometheus.MustRegister(ActiveSessions)
	prometheus.MustRegister(EventsReceived)
	prometheus.MustRegister(EventsRejected)
	prometheus.MustRegister(Broadcasts)
	prometheus.MustRegister(SlowConsumers)
	prometheus.MustRegister(PushDeliveries)
	prometheus.MustRegister(PushEvictions)
	prometheus.MustRegister(KeyRotations)
	prometheus.MustRegister(WrappedKeysPruned)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Middleware records request latency labelled by the matched route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		activeRESTConnections.Inc()
		defer activeRESTConnections.Dec()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		responseTimeRESTAPI.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).
			Observe(float64(time.Since(start).Milliseconds()))
	})
}
