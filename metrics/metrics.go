// Package metrics records agent and connection metrics with Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is what the agent and server report to.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	ObservePrompt(stopReason string, d time.Duration)
	ObserveModelCall(model string, success bool, d time.Duration)
	ObserveToolCall(tool, status string)
	ObservePermission(tool, outcome string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ConnectionOpened() {}
func (Nop) ConnectionClosed() {}
func (Nop) ObservePrompt(string, time.Duration) {}
func (Nop) ObserveModelCall(string, bool, time.Duration) {}
func (Nop) ObserveToolCall(string, string) {}
func (Nop) ObservePermission(string, string) {}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	connections    prometheus.Gauge
	promptsTotal   *prometheus.CounterVec
	promptDuration prometheus.Histogram
	modelCalls     *prometheus.CounterVec
	modelDuration  *prometheus.HistogramVec
	toolCalls      *prometheus.CounterVec
	permissions    *prometheus.CounterVec
}

// NewPrometheusRecorder registers the agent metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	f := promauto.With(reg)
	return &PrometheusRecorder{
		connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "acp_active_connections",
			Help: "Number of open ACP WebSocket connections",
		}),
		promptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "acp_prompts_total",
				Help: "Total number of prompt turns by stop reason",
			},
			[]string{"stop_reason"},
		),
		promptDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "acp_prompt_duration_seconds",
			Help:    "Duration of prompt turns in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		modelCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of model requests by model and status",
			},
			[]string{"model", "status"},
		),
		modelDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of model requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),
		toolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tool_calls_total",
				Help: "Total number of tool calls by tool and final status",
			},
			[]string{"tool", "status"},
		),
		permissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_permission_requests_total",
				Help: "Permission requests sent to the client by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
	}
}

func (p *PrometheusRecorder) ConnectionOpened() { p.connections.Inc() }
func (p *PrometheusRecorder) ConnectionClosed() { p.connections.Dec() }

func (p *PrometheusRecorder) ObservePrompt(stopReason string, d time.Duration) {
	p.promptsTotal.WithLabelValues(stopReason).Inc()
	p.promptDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveModelCall(model string, success bool, d time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.modelCalls.WithLabelValues(model, status).Inc()
	p.modelDuration.WithLabelValues(model).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveToolCall(tool, status string) {
	p.toolCalls.WithLabelValues(tool, status).Inc()
}

func (p *PrometheusRecorder) ObservePermission(tool, outcome string) {
	p.permissions.WithLabelValues(tool, outcome).Inc()
}
