package controller

import (
	"context"
	"fmt"

	"arhat.dev/pkg/log"
	kubeerrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/yaml"

	helmv1 "github.com/iobroker-k8s/k8s-controller/pkg/apis/helm/v1"
	"github.com/iobroker-k8s/k8s-controller/pkg/identity"
	"github.com/iobroker-k8s/k8s-controller/pkg/iobroker"
)

const (
	resultIgnored = "ignored"
	resultPatched = "patched"
	resultCreated = "created"
	resultFailed  = "failed"
)

// ReconcileConfigChange pushes the changed config of an adapter instance into the
// values overlay of its release, errors are logged and never retried
func (c *Controller) ReconcileConfigChange(ctx context.Context, change *iobroker.ObjectChange) {
	result := c.reconcileConfigChange(ctx, change)
	c.metrics.configChanges.WithLabelValues(result).Inc()
}

func (c *Controller) reconcileConfigChange(ctx context.Context, change *iobroker.ObjectChange) string {
	logger := c.logger.WithFields(log.String("id", change.ID))

	ai, err := identity.Resolve(change.ID)
	if err != nil {
		logger.I("cannot process config change for invalid adapter instance", log.Error(err))
		return resultIgnored
	}

	if change.Object == nil {
		logger.I("ignoring config deletion for adapter instance")
		return resultIgnored
	}

	rel := ai.Release()
	logger = logger.WithFields(log.String("release", rel.String()))

	c.lockRelease(rel)
	defer c.unlockRelease(rel)

	if c.restartPolicy == RestartBeforePatch {
		c.restart(ctx, logger, ai)
	}

	values, err := renderConfigValues(change.Object)
	if err != nil {
		logger.E("cannot render helm release config", log.Error(err))
		return resultFailed
	}

	logger.I("setting helm release config")
	result := resultPatched
	err = c.kube.PatchHelmChartConfigValues(ctx, rel.Namespace, rel.ReleaseName, values)
	switch {
	case err == nil:
	case kubeerrors.IsNotFound(err):
		logger.I("creating initial helm release config")
		err = c.kube.CreateHelmChartConfig(ctx,
			helmv1.NewHelmChartConfig(rel.Namespace, rel.ReleaseName, releaseLabels(ai), values))
		if err != nil {
			logger.E("cannot create helm release config", log.Error(err))
			return resultFailed
		}
		result = resultCreated
	default:
		logger.E("cannot patch helm release config", log.Error(err))
		return resultFailed
	}

	if c.restartPolicy == RestartAfterPatch {
		c.restart(ctx, logger, ai)
	}

	return result
}

// restart signals the adapter instance to exit, its pod restarts it with new config
func (c *Controller) restart(ctx context.Context, logger log.Interface, ai identity.AdapterInstance) {
	err := c.store.SetState(ctx, ai.ObjectID()+".sigKill", &iobroker.State{
		Val:  -1,
		Ack:  false,
		From: iobroker.HostObjectID(c.hostname),
	})
	if err != nil {
		logger.E("failed to send restart signal", log.Error(err))
	}
}

// renderConfigValues renders the values overlay adapter.config, provenance
// fields are dropped so they do not cause rollouts
func renderConfigValues(obj iobroker.Object) (string, error) {
	data, err := yaml.Marshal(map[string]interface{}{
		"adapter": map[string]interface{}{
			"config": obj.WithoutTransient(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal values: %w", err)
	}

	return string(data), nil
}
