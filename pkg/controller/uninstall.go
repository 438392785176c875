package controller

import (
	"context"

	"github.com/iobroker-k8s/k8s-controller/pkg/constant"
	"github.com/iobroker-k8s/k8s-controller/pkg/identity"
)

func (c *Controller) uninstall(ctx context.Context, args []string, r *replier) (int, error) {
	if len(args) == 0 || args[0] == "" {
		return constant.ExitInvalidArguments, nil
	}

	ai, err := identity.Resolve(args[0])
	if err != nil {
		return constant.ExitInvalidArguments, nil
	}

	rel := ai.Release()

	c.lockRelease(rel)
	defer c.unlockRelease(rel)

	r.Stdout("Deleting Helm release in namespace " + rel.Namespace)
	if err = c.kube.DeleteHelmChart(ctx, rel.Namespace, rel.ReleaseName); err != nil {
		return 0, err
	}

	// namespace and configmap stay, the release is removed by the helm controller
	c.tracker.Delete(rel)

	return constant.ExitSuccess, nil
}

func (c *Controller) status(ctx context.Context, args []string, r *replier) (int, error) {
	if len(args) == 0 {
		releases := c.tracker.List()
		if len(releases) == 0 {
			r.Stdout("No adapter installations tracked")
		}

		for i := range releases {
			r.Stdout(releases[i].String())
		}

		return constant.ExitSuccess, nil
	}

	ai, err := identity.Resolve(args[0])
	if err != nil {
		return constant.ExitInvalidArguments, nil
	}

	s, err := c.tracker.Get(ai.Release())
	if err != nil {
		r.Stderr("No installation tracked for adapter instance " + ai.String())
		return constant.ExitAdapterNotFound, nil
	}

	r.Stdout(s.String())
	return constant.ExitSuccess, nil
}
