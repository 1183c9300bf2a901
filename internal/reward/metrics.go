package reward

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var workflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "trivianft",
	Subsystem: "reward",
	Name:      "workflows_total",
	Help:      "Reward workflow outcomes by kind and terminal status.",
}, []string{"kind", "status"})
