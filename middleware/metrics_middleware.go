package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"frak-rpc/message"
)

const metricsStartKey = "metrics.start"

// Metrics counts requests and responses per topic and observes the latency
// between a request and each of its responses.
type Metrics struct {
	requests  *prometheus.CounterVec
	responses *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors under namespace and registers them.
func NewMetrics(namespace string, registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Total number of RPC requests",
		}, []string{"topic"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_responses_total",
			Help:      "Total number of RPC responses and stream chunks",
		}, []string{"topic", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_response_duration_seconds",
			Help:      "Time between a request and its responses",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
	}

	for _, collector := range []prometheus.Collector{m.requests, m.responses, m.duration} {
		if err := registerer.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register rpc metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) OnRequest(ctx context.Context, msg *message.Message, mc *Context) (*Context, error) {
	m.requests.WithLabelValues(msg.Topic).Inc()
	return mc.With(metricsStartKey, time.Now()), nil
}

func (m *Metrics) OnResponse(ctx context.Context, msg *message.Message, resp *message.Response, mc *Context) (*message.Response, error) {
	result := "success"
	if resp.IsError() {
		result = "failure"
	}
	m.responses.WithLabelValues(msg.Topic, result).Inc()

	if start, ok := mc.Value(metricsStartKey); ok {
		m.duration.WithLabelValues(msg.Topic).Observe(time.Since(start.(time.Time)).Seconds())
	}
	return resp, nil
}
