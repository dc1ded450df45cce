// Copyright 2015 Google Inc. All Rights Reserved.
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

package fuse

import (
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
)

var (
	opsPrometheusMetrics sync.Once

	opsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "passthrough_fuse",
			Subsystem: "connection",
			Name:      "requests_total",
			Help:      "Total number of requests finished, by opcode and status.",
		},
		[]string{"opcode", "status"})

	opsDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "passthrough_fuse",
			Subsystem: "connection",
			Name:      "request_duration_seconds",
			Help:      "Time from reading a request to replying to it, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		},
		[]string{"opcode"})
)

// Register the connection metrics with the default registry, once per
// process.
func registerMetrics() {
	opsPrometheusMetrics.Do(func() {
		prometheus.MustRegister(opsTotal)
		prometheus.MustRegister(opsDurationSeconds)
	})
}

// Record a finished request. Statuses are errno names rather than numbers,
// which differ between platforms.
func observeOp(opcode fusekernel.Opcode, errno syscall.Errno, d time.Duration) {
	status := "OK"
	if errno != 0 {
		status = unix.ErrnoName(errno)
		if status == "" {
			status = "UNKNOWN"
		}
	}

	name := opcode.String()
	opsTotal.WithLabelValues(name, status).Inc()
	opsDurationSeconds.WithLabelValues(name).Observe(d.Seconds())
}
