// Copyright 2025 Tom Barlow
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

package tracing

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ViewerCounter provides Hub subscription metrics.
type ViewerCounter interface {
	ViewerCount() int
	RunsWithViewers() int
}

// RunCounter provides Run count metrics.
type RunCounter interface {
	RunCount() int
}

// MetricsCollector collects Prometheus-compatible metrics for the
// Gateway: Run lifecycle, Command dispatch, and Event ingest.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	runsTotal           metric.Int64Counter
	commandsTotal       metric.Int64Counter
	eventsIngestedTotal metric.Int64Counter
	eventBytesTotal     metric.Int64Counter

	// Histograms
	runDuration    metric.Float64Histogram
	commandLatency metric.Float64Histogram
	ingestLatency  metric.Float64Histogram

	// Gauges (using observable gauges)
	activeRuns    map[string]bool // Track active Run IDs
	activeRunsMu  sync.RWMutex
	pendingCmds   int64 // Track undelivered Commands across all Runs
	pendingCmdsMu sync.RWMutex

	// Memory metrics sources
	viewerCounter   ViewerCounter
	runCounter      RunCounter
	viewerCounterMu sync.RWMutex
	runCounterMu    sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector using the given meter provider
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("remoterun-gateway")

	mc := &MetricsCollector{
		meter:      meter,
		activeRuns: make(map[string]bool),
	}

	var err error

	// Initialize counters
	mc.runsTotal, err = meter.Int64Counter(
		"remoterun_runs_total",
		metric.WithDescription("Total number of Runs created"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	mc.commandsTotal, err = meter.Int64Counter(
		"remoterun_commands_total",
		metric.WithDescription("Total number of operator Commands dispatched"),
		metric.WithUnit("{command}"),
	)
	if err != nil {
		return nil, err
	}

	mc.eventsIngestedTotal, err = meter.Int64Counter(
		"remoterun_events_ingested_total",
		metric.WithDescription("Total number of Events ingested from Runners"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	mc.eventBytesTotal, err = meter.Int64Counter(
		"remoterun_event_bytes_total",
		metric.WithDescription("Total bytes of Event payload ingested"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	// Initialize histograms
	mc.runDuration, err = meter.Float64Histogram(
		"remoterun_run_duration_seconds",
		metric.WithDescription("Run lifetime from creation to terminal status"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.commandLatency, err = meter.Float64Histogram(
		"remoterun_command_ack_latency_seconds",
		metric.WithDescription("Time from Command enqueue to Runner acknowledgement"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.ingestLatency, err = meter.Float64Histogram(
		"remoterun_ingest_latency_seconds",
		metric.WithDescription("Time to persist one ingest batch to the Store"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	// Initialize observable gauges
	_, err = meter.Int64ObservableGauge(
		"remoterun_active_runs",
		metric.WithDescription("Number of Runs not yet in a terminal status"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeRunsMu.RLock()
			count := len(mc.activeRuns)
			mc.activeRunsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"remoterun_pending_commands",
		metric.WithDescription("Number of Commands enqueued but not yet acknowledged"),
		metric.WithUnit("{command}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.pendingCmdsMu.RLock()
			depth := mc.pendingCmds
			mc.pendingCmdsMu.RUnlock()
			observer.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	// Memory metrics
	_, err = meter.Int64ObservableGauge(
		"remoterun_hub_viewers",
		metric.WithDescription("Number of live WebSocket viewer connections across all Runs"),
		metric.WithUnit("{viewer}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.viewerCounterMu.RLock()
			counter := mc.viewerCounter
			mc.viewerCounterMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.ViewerCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"remoterun_hub_watched_runs",
		metric.WithDescription("Number of Runs with at least one subscribed viewer"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.viewerCounterMu.RLock()
			counter := mc.viewerCounter
			mc.viewerCounterMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.RunsWithViewers()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"remoterun_goroutines",
		metric.WithDescription("Number of active goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"remoterun_runs_in_store",
		metric.WithDescription("Number of Runs known to the Store"),
		metric.WithUnit("{run}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.runCounterMu.RLock()
			counter := mc.runCounter
			mc.runCounterMu.RUnlock()
			if counter != nil {
				observer.Observe(int64(counter.RunCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"remoterun_heap_bytes",
		metric.WithDescription("Current heap allocation in bytes"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			observer.Observe(int64(m.HeapAlloc))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordRunStart records the creation of a Run.
func (mc *MetricsCollector) RecordRunStart(ctx context.Context, runID, workerType string) {
	mc.activeRunsMu.Lock()
	mc.activeRuns[runID] = true
	mc.activeRunsMu.Unlock()

	mc.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("worker_type", workerType)))
}

// RecordRunComplete records a Run reaching a terminal status.
func (mc *MetricsCollector) RecordRunComplete(ctx context.Context, runID, workerType, status string, duration time.Duration) {
	mc.activeRunsMu.Lock()
	delete(mc.activeRuns, runID)
	mc.activeRunsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("worker_type", workerType),
		attribute.String("status", status),
	}

	mc.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCommandAck records a Runner acknowledging a dispatched Command.
func (mc *MetricsCollector) RecordCommandAck(ctx context.Context, kind, status string, latency time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("status", status),
	}

	mc.commandsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.commandLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))
}

// RecordIngest records one ingest batch persisted to the Store.
func (mc *MetricsCollector) RecordIngest(ctx context.Context, runID, stream string, eventCount, byteCount int, latency time.Duration) {
	attrs := []attribute.KeyValue{attribute.String("stream", stream)}

	mc.eventsIngestedTotal.Add(ctx, int64(eventCount), metric.WithAttributes(attrs...))
	mc.ingestLatency.Record(ctx, latency.Seconds(), metric.WithAttributes(attrs...))

	if byteCount > 0 {
		mc.eventBytesTotal.Add(ctx, int64(byteCount), metric.WithAttributes(attrs...))
	}
}

// IncrementPendingCommands increments the undelivered Command gauge.
func (mc *MetricsCollector) IncrementPendingCommands() {
	mc.pendingCmdsMu.Lock()
	mc.pendingCmds++
	mc.pendingCmdsMu.Unlock()
}

// DecrementPendingCommands decrements the undelivered Command gauge.
func (mc *MetricsCollector) DecrementPendingCommands() {
	mc.pendingCmdsMu.Lock()
	if mc.pendingCmds > 0 {
		mc.pendingCmds--
	}
	mc.pendingCmdsMu.Unlock()
}

// SetViewerCounter sets the Hub-backed viewer counter for memory metrics.
func (mc *MetricsCollector) SetViewerCounter(counter ViewerCounter) {
	mc.viewerCounterMu.Lock()
	mc.viewerCounter = counter
	mc.viewerCounterMu.Unlock()
}

// SetRunCounter sets the Store-backed run counter for memory metrics.
func (mc *MetricsCollector) SetRunCounter(counter RunCounter) {
	mc.runCounterMu.Lock()
	mc.runCounter = counter
	mc.runCounterMu.Unlock()
}
