package monitoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTracingConfig(t *testing.T) {
	config := DefaultTracingConfig()

	assert.False(t, config.Enabled)
	assert.Equal(t, "faultline", config.ServiceName)
	assert.Equal(t, TracingExporterStdout, config.Exporter)
	assert.Equal(t, 1.0, config.SamplingRatio)
}

func TestInitTracing_DisabledIsNoop(t *testing.T) {
	config := DefaultTracingConfig()
	config.Enabled = false

	shutdown, err := InitTracing(context.Background(), config)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracing_StdoutExporter(t *testing.T) {
	config := DefaultTracingConfig()
	config.Enabled = true
	config.Exporter = TracingExporterStdout

	shutdown, err := InitTracing(context.Background(), config)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	config := DefaultTracingConfig()
	config.Enabled = true
	config.Exporter = TracingExporter("zipkin")

	_, err := InitTracing(context.Background(), config)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown trace exporter")
}

func TestInitTracing_SamplingRatioFallback(t *testing.T) {
	config := DefaultTracingConfig()
	config.Enabled = true
	config.SamplingRatio = -1

	shutdown, err := InitTracing(context.Background(), config)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
