package controller

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kubeerrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/yaml"

	helmv1 "github.com/iobroker-k8s/k8s-controller/pkg/apis/helm/v1"
	"github.com/iobroker-k8s/k8s-controller/pkg/conf"
	"github.com/iobroker-k8s/k8s-controller/pkg/constant"
	"github.com/iobroker-k8s/k8s-controller/pkg/iobroker"
)

func hueChange() *iobroker.ObjectChange {
	return &iobroker.ObjectChange{
		ID: "system.adapter.hue.0",
		Object: iobroker.Object{
			"common": map[string]interface{}{"enabled": true},
			"native": map[string]interface{}{"bridge": "192.168.1.2"},
			"from":   "system.adapter.admin.0",
			"ts":     1700000000000,
		},
	}
}

var errForbidden = kubeerrors.NewForbidden(helmv1.SchemeGroupVersion.WithResource("helmchartconfigs").GroupResource(),
	"iobroker-hue-0", fmt.Errorf("denied"))

func TestReconcileConfigChangePatch(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	env.ctrl.ReconcileConfigChange(context.TODO(), hueChange())

	assert.Equal(t, []string{"PatchHelmChartConfigValues"}, env.kube.Calls())
	assert.Equal(t, []setState{{
		id: "system.adapter.hue.0.sigKill",
		state: iobroker.State{
			Val:  -1,
			Ack:  false,
			From: "system.host.node-1",
		},
	}}, env.store.States())

	values := make(map[string]interface{})
	require.NoError(t, yaml.Unmarshal([]byte(env.kube.values["iobroker-hue-0/iobroker-hue-0"]), &values))
	assert.Equal(t, map[string]interface{}{
		"adapter": map[string]interface{}{
			"config": map[string]interface{}{
				"common": map[string]interface{}{"enabled": true},
				"native": map[string]interface{}{"bridge": "192.168.1.2"},
			},
		},
	}, values)

	assert.Equal(t, float64(1), testutil.ToFloat64(env.ctrl.metrics.configChanges.WithLabelValues(resultPatched)))
}

func TestReconcileConfigChangeCreate(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.kube.errs["PatchHelmChartConfigValues"] = kubeerrors.NewNotFound(
		helmv1.SchemeGroupVersion.WithResource("helmchartconfigs").GroupResource(), "iobroker-hue-0")

	env.ctrl.ReconcileConfigChange(context.TODO(), hueChange())

	assert.Equal(t, []string{"PatchHelmChartConfigValues", "CreateHelmChartConfig"}, env.kube.Calls())
	assert.Len(t, env.store.States(), 1)

	created := env.kube.chartConfigs["iobroker-hue-0/iobroker-hue-0"]
	require.NotNil(t, created)
	assert.Equal(t, map[string]string{
		constant.LabelManagedBy: "iobroker-k8s-controller",
		constant.LabelName:      "adapter-hue",
		constant.LabelInstance:  "hue.0",
	}, created.Labels)
	assert.Contains(t, created.Spec.ValuesContent, "bridge: 192.168.1.2")
	assert.NotContains(t, created.Spec.ValuesContent, "admin")

	assert.Equal(t, float64(1), testutil.ToFloat64(env.ctrl.metrics.configChanges.WithLabelValues(resultCreated)))
}

func TestReconcileConfigChangePatchFailed(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.kube.errs["PatchHelmChartConfigValues"] = errForbidden

	env.ctrl.ReconcileConfigChange(context.TODO(), hueChange())

	// no create on errors other than not found, the restart is not rolled back
	assert.Equal(t, []string{"PatchHelmChartConfigValues"}, env.kube.Calls())
	assert.Len(t, env.store.States(), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(env.ctrl.metrics.configChanges.WithLabelValues(resultFailed)))
}

func TestReconcileConfigChangeIgnored(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	env.ctrl.ReconcileConfigChange(context.TODO(), &iobroker.ObjectChange{ID: "system.adapter.hue.0"})
	env.ctrl.ReconcileConfigChange(context.TODO(), &iobroker.ObjectChange{
		ID:     "system.adapter..",
		Object: iobroker.Object{"common": map[string]interface{}{}},
	})
	env.ctrl.ReconcileConfigChange(context.TODO(), &iobroker.ObjectChange{
		ID:     "system.adapter.hue.x",
		Object: iobroker.Object{"common": map[string]interface{}{}},
	})

	assert.Empty(t, env.kube.Calls())
	assert.Empty(t, env.store.States())
	assert.Equal(t, float64(3), testutil.ToFloat64(env.ctrl.metrics.configChanges.WithLabelValues(resultIgnored)))
}

func TestReconcileConfigChangeRestartPolicy(t *testing.T) {
	t.Run("after-patch", func(t *testing.T) {
		env := newTestEnv(t, nil, func(c *conf.Config) {
			c.Controller.RestartPolicy = constant.RestartAfterPatch
		})

		env.kube.errs["PatchHelmChartConfigValues"] = errForbidden
		env.ctrl.ReconcileConfigChange(context.TODO(), hueChange())
		assert.Empty(t, env.store.States())

		delete(env.kube.errs, "PatchHelmChartConfigValues")
		env.ctrl.ReconcileConfigChange(context.TODO(), hueChange())
		assert.Len(t, env.store.States(), 1)
	})

	t.Run("never", func(t *testing.T) {
		env := newTestEnv(t, nil, func(c *conf.Config) {
			c.Controller.RestartPolicy = constant.RestartNever
		})

		env.ctrl.ReconcileConfigChange(context.TODO(), hueChange())
		assert.Empty(t, env.store.States())
		assert.Equal(t, []string{"PatchHelmChartConfigValues"}, env.kube.Calls())
	})
}

func TestReconcileConfigChangeKeepsInput(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	change := hueChange()
	env.ctrl.ReconcileConfigChange(context.TODO(), change)

	assert.Contains(t, change.Object, "from")
	assert.Contains(t, change.Object, "ts")
}

func countCalls(calls []string, method string) int {
	n := 0
	for _, c := range calls {
		if c == method {
			n++
		}
	}

	return n
}

func TestReconcileConfigChangeLocksRelease(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	var held int32
	patching, release := make(chan struct{}), make(chan struct{})
	env.kube.onPatchValues = func(namespace string) {
		if namespace == "iobroker-hue-0" && atomic.CompareAndSwapInt32(&held, 0, 1) {
			close(patching)
			<-release
		}
	}

	hue1 := hueChange()
	hue1.ID = "system.adapter.hue.1"

	firstDone := make(chan struct{})
	go func() {
		env.ctrl.ReconcileConfigChange(context.TODO(), hueChange())
		close(firstDone)
	}()
	<-patching

	secondDone := make(chan struct{})
	go func() {
		env.ctrl.ReconcileConfigChange(context.TODO(), hueChange())
		close(secondDone)
	}()

	deleteDone := make(chan struct{})
	go func() {
		env.ctrl.Dispatch(context.TODO(), cmdExecMessage("del hue"), env.store)
		close(deleteDone)
	}()

	otherDone := make(chan struct{})
	go func() {
		env.ctrl.ReconcileConfigChange(context.TODO(), hue1)
		close(otherDone)
	}()

	select {
	case <-otherDone:
	case <-time.After(5 * time.Second):
		t.Fatal("config change of another release blocked")
	}

	time.Sleep(50 * time.Millisecond)
	select {
	case <-secondDone:
		t.Fatal("config change not serialized")
	case <-deleteDone:
		t.Fatal("uninstall not serialized")
	default:
	}

	calls := env.kube.Calls()
	assert.Equal(t, 2, countCalls(calls, "PatchHelmChartConfigValues"))
	assert.Zero(t, countCalls(calls, "DeleteHelmChart"))
	assert.Len(t, env.store.States(), 2)
	assert.Empty(t, env.store.Lines(iobroker.CommandCmdStdout))

	close(release)
	for _, done := range []chan struct{}{firstDone, secondDone, deleteDone} {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("release lock not released")
		}
	}

	env.store.WaitExit(t)

	calls = env.kube.Calls()
	assert.Equal(t, 3, countCalls(calls, "PatchHelmChartConfigValues"))
	assert.Equal(t, 1, countCalls(calls, "DeleteHelmChart"))
	assert.Len(t, env.store.States(), 3)
	assert.Equal(t, []interface{}{constant.ExitSuccess}, env.store.Lines(iobroker.CommandCmdExit))
}
