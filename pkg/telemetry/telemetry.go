// Package telemetry wires the server's metric instruments to an OTel
// MeterProvider. Instruments are registered at package init time against
// whatever provider is globally installed at that moment (the no-op default
// until Init runs), mirroring the teacher's doltMetrics: callers anywhere in
// the tree can record against the package-level Metrics value without
// threading a provider through every constructor, and once Init installs the
// real provider those same instruments start exporting automatically.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/liveframe/liveframe"

// Metrics holds every instrument the server records against. Fields are
// populated at init time; a failed instrument registration leaves the
// corresponding field nil-valued-but-safe (the metric API no-ops on a zero
// value instrument), so Init failures never crash a caller mid-request.
var Metrics struct {
	MutationsTotal     metric.Int64Counter
	RejectionsTotal    metric.Int64Counter
	BroadcastsTotal    metric.Int64Counter
	MutationLatencyMs  metric.Float64Histogram
	StorageOpLatencyMs metric.Float64Histogram
	ConnectionsActive  metric.Int64UpDownCounter
	ReconnectAttempts  metric.Int64Counter
}

func init() {
	m := otel.Meter(meterName)

	Metrics.MutationsTotal, _ = m.Int64Counter("liveframe.session.mutations",
		metric.WithDescription("Mutations accepted and broadcast by the session manager"),
		metric.WithUnit("{mutation}"),
	)
	Metrics.RejectionsTotal, _ = m.Int64Counter("liveframe.session.rejections",
		metric.WithDescription("Mutations rejected by validation, a guard, or a storage failure"),
		metric.WithUnit("{mutation}"),
	)
	Metrics.BroadcastsTotal, _ = m.Int64Counter("liveframe.session.broadcasts",
		metric.WithDescription("Envelopes fanned out to subscribed connections"),
		metric.WithUnit("{envelope}"),
	)
	Metrics.MutationLatencyMs, _ = m.Float64Histogram("liveframe.session.mutation_latency_ms",
		metric.WithDescription("Time from receiving a MUTATE envelope to broadcasting or rejecting it"),
		metric.WithUnit("ms"),
	)
	Metrics.StorageOpLatencyMs, _ = m.Float64Histogram("liveframe.storage.op_latency_ms",
		metric.WithDescription("Time spent in a single storage backend call"),
		metric.WithUnit("ms"),
	)
	Metrics.ConnectionsActive, _ = m.Int64UpDownCounter("liveframe.session.connections_active",
		metric.WithDescription("Currently registered client connections"),
		metric.WithUnit("{connection}"),
	)
	Metrics.ReconnectAttempts, _ = m.Int64Counter("liveframe.conn.reconnect_attempts",
		metric.WithDescription("Client reconnect attempts after an unexpected disconnect"),
		metric.WithUnit("{attempt}"),
	)
}

// Init installs a real MeterProvider that exports readings to stdout every
// interval, and points the global otel provider at it so the package-level
// instruments registered above start forwarding. Call it once from a
// server's main; a long-running process should call the returned shutdown
// func during graceful shutdown to flush any buffered readings.
//
// A process that never calls Init keeps recording against the otel no-op
// provider: every Metrics.* call stays safe to make unconditionally, which
// is what lets pkg/session, pkg/storage and pkg/conn record metrics without
// caring whether telemetry is enabled.
func Init(ctx context.Context, serviceName string, interval time.Duration) (shutdown func(context.Context) error, err error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("telemetry: create stdout exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)

	_ = serviceName // reserved for a resource.New(...) attribute once a Resource is threaded through
	return provider.Shutdown, nil
}

// RecordStorageOp records how long a single storage backend call took,
// tagged with the operation name (init/get/get_one/insert/update/batch_get) so the
// histogram can be broken down per op in a dashboard.
func RecordStorageOp(ctx context.Context, op string, start time.Time) {
	Metrics.StorageOpLatencyMs.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("op", op)))
}
