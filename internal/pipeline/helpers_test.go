package pipeline

import (
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voxrelay/voxrelay/internal/observe"
)

// newPipelineTestMetrics builds an isolated Metrics instance so tests never
// touch the global meter provider.
func newPipelineTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}
