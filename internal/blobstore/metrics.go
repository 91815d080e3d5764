package blobstore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ops      *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inkrelay",
			Subsystem: "blob",
			Name:      "operations_total",
			Help:      "Blob store operations by backend, op and outcome.",
		}, []string{"backend", "op", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inkrelay",
			Subsystem: "blob",
			Name:      "bytes_total",
			Help:      "Bytes moved through the blob store.",
		}, []string{"backend", "op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inkrelay",
			Subsystem: "blob",
			Name:      "operation_duration_seconds",
			Help:      "Blob store operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "op"}),
	}
	if reg != nil {
		reg.MustRegister(m.ops, m.bytes, m.duration)
	}
	return m
}

type instrumented struct {
	next    Store
	backend string
	metrics *Metrics
}

// Instrument wraps store so every call is counted under backend.
func Instrument(store Store, backend string, metrics *Metrics) Store {
	if store == nil || metrics == nil {
		return store
	}
	return &instrumented{next: store, backend: backend, metrics: metrics}
}

func (s *instrumented) observe(op string, started time.Time, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		outcome = "not_found"
	case err != nil:
		outcome = "error"
	}
	s.metrics.ops.WithLabelValues(s.backend, op, outcome).Inc()
	s.metrics.duration.WithLabelValues(s.backend, op).Observe(time.Since(started).Seconds())
}

func (s *instrumented) Put(ctx context.Context, key Key, data []byte, meta Metadata) error {
	started := time.Now()
	err := s.next.Put(ctx, key, data, meta)
	s.observe("put", started, err)
	if err == nil {
		s.metrics.bytes.WithLabelValues(s.backend, "put").Add(float64(len(data)))
	}
	return err
}

func (s *instrumented) Get(ctx context.Context, key Key) (Object, error) {
	started := time.Now()
	obj, err := s.next.Get(ctx, key)
	s.observe("get", started, err)
	if err == nil {
		s.metrics.bytes.WithLabelValues(s.backend, "get").Add(float64(len(obj.Data)))
	}
	return obj, err
}

func (s *instrumented) Delete(ctx context.Context, key Key) error {
	started := time.Now()
	err := s.next.Delete(ctx, key)
	s.observe("delete", started, err)
	return err
}

func (s *instrumented) List(ctx context.Context, roomID string) ([]ObjectInfo, error) {
	started := time.Now()
	infos, err := s.next.List(ctx, roomID)
	s.observe("list", started, err)
	return infos, err
}

func (s *instrumented) Close() error {
	return Close(s.next)
}
