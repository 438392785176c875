package controller

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "iobroker_k8s"

type metrics struct {
	configChanges *prometheus.CounterVec
	commands      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		configChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "config_changes_total",
			Help:      "Adapter instance config changes by result.",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "commands_total",
			Help:      "Executed commands by command and exit code.",
		}, []string{"command", "exit_code"}),
	}

	if reg != nil {
		reg.MustRegister(m.configChanges, m.commands)
	}

	return m
}
