package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestScheduleDelayHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ScheduleDelay.Record(ctx, 0.012)
	m.ScheduleDelay.Record(ctx, 0.340)

	rm := collect(t, reader)
	met := findMetric(rm, "voxkeeper.playback.schedule_delay")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("histogram has no data points")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestFrameCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FramesForwarded.Add(ctx, 3)
	m.RecordFrameDropped(ctx, "muted")
	m.RecordFrameDropped(ctx, "muted")
	m.RecordFrameDropped(ctx, "overflow")

	rm := collect(t, reader)

	fwd := findMetric(rm, "voxkeeper.capture.frames_forwarded")
	if fwd == nil {
		t.Fatal("frames_forwarded not found")
	}
	sum, ok := fwd.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("frames_forwarded has no data points")
	}
	if got := sum.DataPoints[0].Value; got != 3 {
		t.Errorf("frames_forwarded = %d, want 3", got)
	}

	dropped := findMetric(rm, "voxkeeper.capture.frames_dropped")
	if dropped == nil {
		t.Fatal("frames_dropped not found")
	}
	dsum, ok := dropped.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("frames_dropped is not a sum")
	}
	// One data point per reason attribute.
	if len(dsum.DataPoints) != 2 {
		t.Fatalf("frames_dropped has %d data points, want 2", len(dsum.DataPoints))
	}
	byReason := map[string]int64{}
	for _, dp := range dsum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key("reason")); ok {
			byReason[v.AsString()] = dp.Value
		}
	}
	if byReason["muted"] != 2 || byReason["overflow"] != 1 {
		t.Errorf("frames_dropped by reason = %v, want muted:2 overflow:1", byReason)
	}
}

func TestStatusTransitionAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStatusTransition(ctx, "ready", "speaking")
	m.RecordStatusTransition(ctx, "ready", "speaking")

	rm := collect(t, reader)
	met := findMetric(rm, "voxkeeper.session.status_transitions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("status_transitions has no data points")
	}
	dp := sum.DataPoints[0]
	if dp.Value != 2 {
		t.Errorf("transition count = %d, want 2", dp.Value)
	}
	if v, ok := dp.Attributes.Value(attribute.Key("to")); !ok || v.AsString() != "speaking" {
		t.Errorf("to attribute = %v, want speaking", v)
	}
}

func TestActiveSessionsUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "voxkeeper.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("active_sessions has no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active_sessions = %d, want 1", got)
	}
}

func TestDefaultMetricsSingleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}

func TestMetricInstrumentsAreMetricAPI(t *testing.T) {
	// Ensures the exported fields keep their OTel API types.
	m, _ := newTestMetrics(t)
	var _ metric.Float64Histogram = m.ScheduleDelay
	var _ metric.Int64Counter = m.Interruptions
	var _ metric.Int64UpDownCounter = m.ActiveSessions
}
