package kv

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// errorCode converts an error into an HTTP-like status code label.
func errorCode(err error) string {
	if err == nil {
		return "200"
	}
	if err == context.Canceled {
		return "cancel"
	}
	return "500"
}

type metrics struct {
	c               Client
	requestDuration *prometheus.HistogramVec
}

func newMetricsClient(backend string, c Client, reg prometheus.Registerer) Client {
	return &metrics{
		c: c,
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "streamforge",
			Name:      "kv_request_duration_seconds",
			Help:      "Time spent on kv store requests.",
			Buckets:   prometheus.DefBuckets,
			ConstLabels: prometheus.Labels{
				"type": backend,
			},
		}, []string{"operation", "status_code"}),
	}
}

func (m metrics) collect(operation string, f func() error) error {
	start := time.Now()
	err := f()
	m.requestDuration.WithLabelValues(operation, errorCode(err)).Observe(time.Since(start).Seconds())
	return err
}

func (m metrics) List(ctx context.Context, prefix string) ([]string, error) {
	var result []string
	err := m.collect("List", func() error {
		var err error
		result, err = m.c.List(ctx, prefix)
		return err
	})
	return result, err
}

func (m metrics) Get(ctx context.Context, key string) (interface{}, error) {
	var result interface{}
	err := m.collect("GET", func() error {
		var err error
		result, err = m.c.Get(ctx, key)
		return err
	})
	return result, err
}

func (m metrics) Delete(ctx context.Context, key string) error {
	return m.collect("Delete", func() error {
		return m.c.Delete(ctx, key)
	})
}

func (m metrics) CAS(ctx context.Context, key string, f func(in interface{}) (out interface{}, retry bool, err error)) error {
	return m.collect("CAS", func() error {
		return m.c.CAS(ctx, key, f)
	})
}

func (m metrics) Close() error {
	return Close(m.c)
}
