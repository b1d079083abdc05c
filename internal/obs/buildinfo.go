package obs

import "github.com/prometheus/client_golang/prometheus"

// RegisterBuildInfo publishes a constant gauge carrying the binary version.
func RegisterBuildInfo(reg prometheus.Registerer, version string) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "authvault_build_info",
		Help:        "Build information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
	g.Set(1)
	reg.MustRegister(g)
}
