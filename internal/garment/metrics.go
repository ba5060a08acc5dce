package garment

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the lifecycle counters. A nil *Metrics records nothing.
type Metrics struct {
	creates      *prometheus.CounterVec
	deletes      prometheus.Counter
	blobCleanups *prometheus.CounterVec
	idCollisions *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		creates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garment_creates_total",
			Help: "Garment create attempts by result",
		}, []string{"result"}),
		deletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "garment_deletes_total",
			Help: "Garment records deleted",
		}),
		blobCleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garment_blob_cleanup_total",
			Help: "Blob deletions issued by compensation or record deletion",
		}, []string{"reason", "result"}),
		idCollisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "garment_id_collisions_total",
			Help: "Generated garment ids that were already taken",
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(m.creates, m.deletes, m.blobCleanups, m.idCollisions)
	}
	return m
}

func (m *Metrics) created(result string) {
	if m != nil {
		m.creates.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) deleted() {
	if m != nil {
		m.deletes.Inc()
	}
}

func (m *Metrics) cleanup(reason string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.blobCleanups.WithLabelValues(reason, result).Inc()
}

func (m *Metrics) collision(stage string) {
	if m != nil {
		m.idCollisions.WithLabelValues(stage).Inc()
	}
}
