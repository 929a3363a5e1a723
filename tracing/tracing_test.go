package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReturnsUsableTracer(t *testing.T) {
	p, err := New(context.Background(), Config{
		ServiceName: "aimeshd-test",
		Endpoint:    "localhost:4318",
		Insecure:    true,
	})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	assert.NotNil(t, p.Tracer())
}

func TestNewDefaultsSampleRatioToAlwaysSample(t *testing.T) {
	p, err := New(context.Background(), Config{
		ServiceName: "aimeshd-test",
		Endpoint:    "localhost:4318",
		Insecure:    true,
		SampleRatio: 0,
	})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, span := p.Tracer().Start(context.Background(), "probe")
	assert.True(t, span.IsRecording())
	span.End()
}
