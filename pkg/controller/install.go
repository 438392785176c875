package controller

import (
	"context"
	"errors"
	"fmt"

	"arhat.dev/pkg/log"
	corev1 "k8s.io/api/core/v1"
	kubeerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	helmv1 "github.com/iobroker-k8s/k8s-controller/pkg/apis/helm/v1"
	"github.com/iobroker-k8s/k8s-controller/pkg/chartrepo"
	"github.com/iobroker-k8s/k8s-controller/pkg/constant"
	"github.com/iobroker-k8s/k8s-controller/pkg/identity"
)

// installation carries what the install steps of one release need
type installation struct {
	instance identity.AdapterInstance
	release  identity.ReleaseIdentity
	chart    *chartrepo.Chart
	r        *replier
}

// installStep brings the cluster to phase, it must succeed when the
// result of an earlier run already exists
type installStep struct {
	phase InstallPhase
	run   func(ctx context.Context, inst *installation) error
}

func (c *Controller) installSteps() []installStep {
	return []installStep{
		{phase: PhaseNamespaceReady, run: c.ensureNamespace},
		{phase: PhaseConfigMapReady, run: c.ensureConfigMap},
		{phase: PhaseReleaseCreated, run: c.ensureRelease},
	}
}

func (c *Controller) install(ctx context.Context, args []string, r *replier) (int, error) {
	if len(args) == 0 || args[0] == "" {
		return constant.ExitInvalidArguments, nil
	}

	adapter := args[0]
	r.Stdout("Loading Helm repository for " + adapter)

	chart, err := c.charts.Resolve(ctx, adapter)
	switch {
	case err == nil:
	case errors.Is(err, chartrepo.ErrRepositoryNotFound):
		r.Stderr("Cannot find repository for adapter " + adapter)
		return constant.ExitAdapterNotFound, nil
	case errors.Is(err, chartrepo.ErrInvalidIndex):
		r.Stderr("Invalid index.yaml for adapter " + adapter)
		return constant.ExitAdapterNotFound, nil
	case errors.Is(err, chartrepo.ErrChartNotFound):
		r.Stderr(fmt.Sprintf("Cannot find adapter %s in repository", adapter))
		return constant.ExitAdapterNotFound, nil
	case errors.Is(err, chartrepo.ErrNoVersion):
		r.Stderr("Cannot find version information for adapter " + adapter)
		return constant.ExitAdapterNotFound, nil
	default:
		return 0, err
	}

	r.Stdout(fmt.Sprintf("Installing adapter %s version %s (Helm chart version %s)",
		adapter, chart.AppVersion, chart.Version))

	n, err := c.allocator.Allocate(ctx, adapter)
	if err != nil {
		return 0, err
	}

	ai := identity.AdapterInstance{Adapter: adapter, Instance: n}
	inst := &installation{
		instance: ai,
		release:  ai.Release(),
		chart:    chart,
		r:        r,
	}

	c.lockRelease(inst.release)
	defer c.unlockRelease(inst.release)

	c.tracker.Set(ai, PhasePending, "")
	for _, step := range c.installSteps() {
		if err = step.run(ctx, inst); err != nil {
			c.tracker.Set(ai, PhaseFailed, err.Error())
			return 0, err
		}

		c.tracker.Set(ai, step.phase, "")
	}

	// the outcome of the helm job is observed by the tracker
	return constant.ExitSuccess, nil
}

func (c *Controller) ensureNamespace(ctx context.Context, inst *installation) error {
	ns := inst.release.Namespace

	names, err := c.kube.ListNamespaces(ctx, nil)
	if err != nil {
		return err
	}

	for _, name := range names {
		if name == ns {
			return nil
		}
	}

	inst.r.Stdout("Creating namespace " + ns)
	err = c.kube.CreateNamespace(ctx, ns, releaseLabels(inst.instance))
	if err != nil && !kubeerrors.IsAlreadyExists(err) {
		return err
	}

	return nil
}

func (c *Controller) ensureConfigMap(ctx context.Context, inst *installation) error {
	ns := inst.release.Namespace
	inst.r.Stdout("Creating ioBroker ConfigMap in namespace " + ns)

	data, err := c.materializer.Build(c.adapterRedis).Marshal()
	if err != nil {
		return err
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      constant.ConfigMapName,
			Namespace: ns,
			Labels:    releaseLabels(inst.instance),
		},
		Data: map[string]string{
			constant.ConfigMapKey: string(data),
		},
	}

	err = c.kube.CreateConfigMap(ctx, cm)
	if err == nil || !kubeerrors.IsAlreadyExists(err) {
		return err
	}

	c.logger.D("configmap exists, patching", log.String("namespace", ns))
	oldCM, err := c.kube.GetConfigMap(ctx, ns, constant.ConfigMapName)
	if err != nil {
		return err
	}

	newCM := oldCM.DeepCopy()
	if newCM.Data == nil {
		newCM.Data = make(map[string]string)
	}
	newCM.Data[constant.ConfigMapKey] = string(data)

	if newCM.Labels == nil {
		newCM.Labels = make(map[string]string)
	}
	for k, v := range cm.Labels {
		newCM.Labels[k] = v
	}

	return c.kube.PatchConfigMap(ctx, oldCM, newCM)
}

func (c *Controller) ensureRelease(ctx context.Context, inst *installation) error {
	rel := inst.release
	inst.r.Stdout("Creating Helm release in namespace " + rel.Namespace)

	values, err := yaml.Marshal(map[string]interface{}{
		"fullnameOverride": rel.ReleaseName,
		"adapter": map[string]interface{}{
			"instance":      inst.instance.Instance,
			"hostname":      c.hostname,
			"configMapName": constant.ConfigMapName,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to render release values: %w", err)
	}

	backOffLimit := c.helmBackOffLimit
	spec := helmv1.HelmChartSpec{
		TargetNamespace: rel.Namespace,
		Chart:           inst.chart.Name,
		Version:         inst.chart.Version,
		Repo:            inst.chart.Repo,
		ValuesContent:   string(values),
		BackOffLimit:    &backOffLimit,
	}

	err = c.kube.CreateHelmChart(ctx,
		helmv1.NewHelmChart(rel.Namespace, rel.ReleaseName, releaseLabels(inst.instance), spec))
	if err == nil || !kubeerrors.IsAlreadyExists(err) {
		return err
	}

	c.logger.D("helm chart exists, patching", log.String("release", rel.String()))
	return c.kube.PatchHelmChartSpec(ctx, rel.Namespace, rel.ReleaseName, spec)
}

// releaseLabels are set on every object created for an adapter instance
func releaseLabels(ai identity.AdapterInstance) map[string]string {
	return map[string]string{
		constant.LabelManagedBy: constant.LabelManagedByValue,
		constant.LabelName:      ai.ChartName(),
		constant.LabelInstance:  ai.String(),
	}
}
