package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.ConnectionOpened()
	r.ConnectionOpened()
	r.ConnectionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.connections))

	r.ObservePrompt("end_turn", time.Second)
	r.ObservePrompt("end_turn", time.Second)
	r.ObservePrompt("cancelled", time.Second)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.promptsTotal.WithLabelValues("end_turn")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.promptsTotal.WithLabelValues("cancelled")))

	r.ObserveModelCall("m", true, time.Millisecond)
	r.ObserveModelCall("m", false, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.modelCalls.WithLabelValues("m", "error")))

	r.ObserveToolCall("ls", "completed")
	r.ObservePermission("write_file", "rejected")
	assert.Equal(t, 1.0, testutil.ToFloat64(r.toolCalls.WithLabelValues("ls", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.permissions.WithLabelValues("write_file", "rejected")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 7)
}

func TestSeparateRegistries(t *testing.T) {
	// registering twice on fresh registries must not panic
	assert.NotPanics(t, func() {
		NewPrometheusRecorder(prometheus.NewRegistry())
		NewPrometheusRecorder(prometheus.NewRegistry())
	})
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	r.ConnectionOpened()
	r.ObservePrompt("end_turn", 0)
}
