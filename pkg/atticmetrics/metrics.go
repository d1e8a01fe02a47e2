// Copyright 2024 The atticd Authors
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

// Package atticmetrics exposes the engine's Prometheus metrics. Metrics
// are an ambient concern outside spec.md's invariant surface (the spec's
// Non-goals exclude the observability layer proper), but the donor
// carries client_golang in its dependency graph for exactly this kind of
// counter/histogram instrumentation, so this engine does too rather than
// going without.
package atticmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// UploadsTotal counts completed uploads by outcome ("uploaded",
	// "deduplicated", "failed").
	UploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atticd",
		Name:      "uploads_total",
		Help:      "Total number of completed upload requests by outcome.",
	}, []string{"outcome"})

	// ChunksUploadedTotal counts chunk-upload subroutine invocations by
	// outcome ("new", "deduplicated", "failed").
	ChunksUploadedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atticd",
		Name:      "chunks_uploaded_total",
		Help:      "Total number of chunk upload subroutine invocations by outcome.",
	}, []string{"outcome"})

	// UploadBytesHistogram observes the declared nar_size of completed
	// uploads.
	UploadBytesHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "atticd",
		Name:      "upload_nar_size_bytes",
		Help:      "Declared size of uploaded NARs in bytes.",
		Buckets:   prometheus.ExponentialBuckets(1<<10, 4, 12),
	})

	// GCRunsTotal counts garbage collection passes by outcome ("ok", "error").
	GCRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "atticd",
		Name:      "gc_runs_total",
		Help:      "Total number of garbage collection passes by outcome.",
	}, []string{"outcome"})

	// GCObjectsDeletedTotal counts objects removed by the retention sweep.
	GCObjectsDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atticd",
		Name:      "gc_objects_deleted_total",
		Help:      "Total number of objects deleted by the retention sweep.",
	})

	// GCChunksReapedTotal counts chunks whose backend object and row were
	// both successfully deleted by the orphan chunk reaper.
	GCChunksReapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "atticd",
		Name:      "gc_chunks_reaped_total",
		Help:      "Total number of orphan chunks fully reaped.",
	})
)

// MustRegister registers every metric above against reg. Called once
// from cmd/atticd's assembly root.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(UploadsTotal, ChunksUploadedTotal, UploadBytesHistogram,
		GCRunsTotal, GCObjectsDeletedTotal, GCChunksReapedTotal)
}
