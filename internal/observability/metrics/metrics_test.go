package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("org_id", "org-1"),
		attribute.String("approval_id", "appr-1"),
		attribute.String("operation", "preauth"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "approval_id" {
			t.Fatalf("approval_id must not be used as a metric label")
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordOperation(ctx, "preauth", "ok")
	m.RecordCredits(ctx, "hold", 10)
	m.RecordLockBusy(ctx, "settle")
	m.RecordHoldsReclaimed(ctx, 2)
}

func TestRecordOperationExportsCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(Config{ServiceName: "paymaster-test"}, provider)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	ctx := context.Background()
	m.RecordOperation(ctx, "preauth", "approved")
	m.RecordOperation(ctx, "preauth", "approved")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, item := range scope.Metrics {
			if item.Name != "paymaster_operations_total" {
				continue
			}
			sum, ok := item.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", item.Data)
			}
			for _, point := range sum.DataPoints {
				total += point.Value
			}
		}
	}
	if total != 2 {
		t.Fatalf("expected 2 operations, got %d", total)
	}
}
