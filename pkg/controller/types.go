package controller

import (
	"context"

	"github.com/iobroker-k8s/k8s-controller/pkg/chartrepo"
)

// Sender delivers replies to the messagebox of the command origin
type Sender interface {
	SendTo(ctx context.Context, target, command string, message interface{}) error
}

// ChartResolver selects the chart version to install for an adapter
type ChartResolver interface {
	Resolve(ctx context.Context, adapter string) (*chartrepo.Chart, error)
}

// commandFunc runs a command and returns the exit code, a returned error
// is reported as uncaught exception
type commandFunc func(ctx context.Context, args []string, r *replier) (int, error)

// InstallPhase of an adapter release
type InstallPhase string

const (
	PhasePending        InstallPhase = "Pending"
	PhaseNamespaceReady InstallPhase = "NamespaceReady"
	PhaseConfigMapReady InstallPhase = "ConfigMapReady"
	PhaseReleaseCreated InstallPhase = "ReleaseCreated"
	PhaseSucceeded      InstallPhase = "Succeeded"
	PhaseFailed         InstallPhase = "Failed"
)

// Observed phases are only set from helm job status
func (p InstallPhase) Observed() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}
