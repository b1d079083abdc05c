package obs

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"authvault.org/internal/auth"
)

// Metrics is the Prometheus-backed implementation of auth.Observer.
type Metrics struct {
	tokensIssued      prometheus.Counter
	tokensRotated     prometheus.Counter
	rotationsDenied   *prometheus.CounterVec
	reuseDetected     prometheus.Counter
	stampsRotated     prometheus.Counter
	roleMutations     *prometheus.CounterVec
	permissionLookups prometheus.Counter
}

var _ auth.Observer = (*Metrics)(nil)

// NewMetrics constructs the collector set and registers it with reg
// (defaulting to the global registerer).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tokensIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_refresh_tokens_issued_total",
			Help: "Refresh tokens issued.",
		}),
		tokensRotated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_refresh_tokens_rotated_total",
			Help: "Successful refresh token rotations.",
		}),
		rotationsDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_refresh_rotations_denied_total",
			Help: "Denied rotation attempts by reason.",
		}, []string{"reason"}),
		reuseDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_token_reuse_detected_total",
			Help: "Replay of already-consumed refresh tokens.",
		}),
		stampsRotated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_security_stamps_rotated_total",
			Help: "Security stamp rotations (mass session invalidations).",
		}),
		roleMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_role_mutations_total",
			Help: "Role and assignment mutations by operation.",
		}, []string{"op"}),
		permissionLookups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_permission_lookups_total",
			Help: "Effective permission resolutions.",
		}),
	}
	reg.MustRegister(
		m.tokensIssued,
		m.tokensRotated,
		m.rotationsDenied,
		m.reuseDetected,
		m.stampsRotated,
		m.roleMutations,
		m.permissionLookups,
	)
	return m
}

func (m *Metrics) TokenIssued()                 { m.tokensIssued.Inc() }
func (m *Metrics) TokenRotated()                { m.tokensRotated.Inc() }
func (m *Metrics) RotationDenied(reason string) { m.rotationsDenied.WithLabelValues(reason).Inc() }
func (m *Metrics) ReuseDetected()               { m.reuseDetected.Inc() }
func (m *Metrics) StampRotated()                { m.stampsRotated.Inc() }
func (m *Metrics) RoleMutated(op string)        { m.roleMutations.WithLabelValues(op).Inc() }
func (m *Metrics) PermissionsComputed()         { m.permissionLookups.Inc() }

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
