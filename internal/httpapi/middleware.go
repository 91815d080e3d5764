package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inkrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route group, method and status.",
		}, []string{"route", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "inkrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

// routeGroup keeps metric label cardinality bounded.
func routeGroup(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 1 && (parts[0] == "health" || parts[0] == "metrics" || parts[0] == "dashboard"):
		return parts[0]
	case len(parts) >= 2 && parts[0] == "v1":
		if parts[1] == "rooms" && len(parts) == 4 && parts[3] == "connect" {
			return "connect"
		}
		return parts[1]
	default:
		return "other"
	}
}

func accessLog(next http.Handler, logger logrus.FieldLogger, metrics *httpMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		group := routeGroup(r.URL.Path)
		if metrics != nil {
			metrics.requests.WithLabelValues(group, r.Method, strconv.Itoa(m.Code)).Inc()
			metrics.duration.WithLabelValues(group, r.Method).Observe(m.Duration.Seconds())
		}
		entry := logger.WithFields(logrus.Fields{
			"method":        r.Method,
			"path":          r.URL.Path,
			"status":        m.Code,
			"bytes":         m.Written,
			"duration":      m.Duration.String(),
			"correlationId": getCorrelationID(r),
		})
		switch {
		case m.Code >= 500:
			entry.Warn("[httpapi] request failed")
		case group == "health" || group == "metrics":
			entry.Trace("[httpapi] request")
		default:
			entry.Debug("[httpapi] request")
		}
	})
}
