package room

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	rooms           prometheus.Gauge
	sessions        prometheus.Gauge
	framesReceived  prometheus.Counter
	framesRelayed   prometheus.Counter
	framesRejected  *prometheus.CounterVec
	sessionsDropped prometheus.Counter
	persistSaves    prometheus.Counter
	persistFailures *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inkrelay", Subsystem: "room", Name: "active",
			Help: "Rooms with a running coordinator.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inkrelay", Subsystem: "room", Name: "sessions",
			Help: "Attached realtime sessions.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inkrelay", Subsystem: "room", Name: "frames_received_total",
			Help: "Frames received from clients.",
		}),
		framesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inkrelay", Subsystem: "room", Name: "frames_relayed_total",
			Help: "Frames delivered to peer sessions.",
		}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inkrelay", Subsystem: "room", Name: "frames_rejected_total",
			Help: "Frames dropped before reaching canonical state.",
		}, []string{"reason"}),
		sessionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inkrelay", Subsystem: "room", Name: "sessions_dropped_total",
			Help: "Sessions closed because their outbound buffer was full.",
		}),
		persistSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inkrelay", Subsystem: "room", Name: "persist_saves_total",
			Help: "Room snapshots written to the state backend.",
		}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inkrelay", Subsystem: "room", Name: "persist_failures_total",
			Help: "Failed state backend operations.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.rooms, m.sessions, m.framesReceived, m.framesRelayed,
			m.framesRejected, m.sessionsDropped, m.persistSaves, m.persistFailures)
	}
	return m
}
