package kube

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	kubeerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"

	helmv1 "github.com/iobroker-k8s/k8s-controller/pkg/apis/helm/v1"
)

func newTestClient(objects ...runtime.Object) (*Client, *fake.Clientset, *dynamicfake.FakeDynamicClient) {
	kubeClient := fake.NewSimpleClientset(objects...)
	dynamicClient := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{
			helmv1.HelmChartResource:       "HelmChartList",
			helmv1.HelmChartConfigResource: "HelmChartConfigList",
		},
	)

	return NewClient(kubeClient, dynamicClient), kubeClient, dynamicClient
}

func TestClientNamespaces(t *testing.T) {
	ctx := context.TODO()
	c, _, _ := newTestClient(&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "default"}})

	require.NoError(t, c.CreateNamespace(ctx, "iobroker-hue-0", map[string]string{"foo": "bar"}))

	all, err := c.ListNamespaces(ctx, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"default", "iobroker-hue-0"}, all)

	selected, err := c.ListNamespaces(ctx, map[string]string{"foo": "bar"})
	require.NoError(t, err)
	assert.Equal(t, []string{"iobroker-hue-0"}, selected)

	err = c.CreateNamespace(ctx, "default", nil)
	assert.True(t, kubeerrors.IsAlreadyExists(err))
}

func TestClientConfigMap(t *testing.T) {
	ctx := context.TODO()
	c, _, _ := newTestClient()

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "iobroker-config", Namespace: "iobroker-hue-0"},
		Data:       map[string]string{"iobroker.json": "{}"},
	}
	require.NoError(t, c.CreateConfigMap(ctx, cm))

	err := c.CreateConfigMap(ctx, cm)
	assert.True(t, kubeerrors.IsAlreadyExists(err))

	old, err := c.GetConfigMap(ctx, "iobroker-hue-0", "iobroker-config")
	require.NoError(t, err)

	updated := old.DeepCopy()
	updated.Data["iobroker.json"] = `{"system":{}}`
	require.NoError(t, c.PatchConfigMap(ctx, old, updated))

	current, err := c.GetConfigMap(ctx, "iobroker-hue-0", "iobroker-config")
	require.NoError(t, err)
	assert.Equal(t, `{"system":{}}`, current.Data["iobroker.json"])

	_, err = c.GetConfigMap(ctx, "iobroker-hue-0", "missing")
	assert.True(t, kubeerrors.IsNotFound(err))
}

func TestClientHelmChart(t *testing.T) {
	ctx := context.TODO()
	c, _, dynamicClient := newTestClient()

	backOffLimit := int32(3)
	chart := helmv1.NewHelmChart("iobroker-hue-0", "iobroker-hue-0", map[string]string{"a": "b"}, helmv1.HelmChartSpec{
		TargetNamespace: "iobroker-hue-0",
		Chart:           "adapter-hue",
		Version:         "1.0.0",
		Repo:            "https://example.com/adapter-hue",
		BackOffLimit:    &backOffLimit,
		ValuesContent:   "foo: bar\n",
	})
	require.NoError(t, c.CreateHelmChart(ctx, chart))

	obj, err := dynamicClient.Resource(helmv1.HelmChartResource).Namespace("iobroker-hue-0").
		Get(ctx, "iobroker-hue-0", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "helm.cattle.io/v1", obj.GetAPIVersion())
	assert.Equal(t, "HelmChart", obj.GetKind())
	assert.Equal(t, map[string]string{"a": "b"}, obj.GetLabels())

	version, _, _ := unstructured.NestedString(obj.Object, "spec", "version")
	assert.Equal(t, "1.0.0", version)
	limit, _, _ := unstructured.NestedInt64(obj.Object, "spec", "backOffLimit")
	assert.EqualValues(t, 3, limit)

	require.NoError(t, c.PatchHelmChartSpec(ctx, "iobroker-hue-0", "iobroker-hue-0", helmv1.HelmChartSpec{
		Version: "1.1.0",
	}))
	obj, err = dynamicClient.Resource(helmv1.HelmChartResource).Namespace("iobroker-hue-0").
		Get(ctx, "iobroker-hue-0", metav1.GetOptions{})
	require.NoError(t, err)
	version, _, _ = unstructured.NestedString(obj.Object, "spec", "version")
	assert.Equal(t, "1.1.0", version)
	chartName, _, _ := unstructured.NestedString(obj.Object, "spec", "chart")
	assert.Equal(t, "adapter-hue", chartName)

	require.NoError(t, c.DeleteHelmChart(ctx, "iobroker-hue-0", "iobroker-hue-0"))
	err = c.DeleteHelmChart(ctx, "iobroker-hue-0", "iobroker-hue-0")
	assert.True(t, kubeerrors.IsNotFound(err))
}

func TestClientHelmChartConfig(t *testing.T) {
	ctx := context.TODO()
	c, _, dynamicClient := newTestClient()

	err := c.PatchHelmChartConfigValues(ctx, "iobroker-hue-0", "iobroker-hue-0", "a: 1\n")
	require.Error(t, err)
	assert.True(t, kubeerrors.IsNotFound(err))

	require.NoError(t, c.CreateHelmChartConfig(ctx,
		helmv1.NewHelmChartConfig("iobroker-hue-0", "iobroker-hue-0", nil, "a: 1\n")))

	require.NoError(t, c.PatchHelmChartConfigValues(ctx, "iobroker-hue-0", "iobroker-hue-0", "a: 2\n"))

	obj, err := dynamicClient.Resource(helmv1.HelmChartConfigResource).Namespace("iobroker-hue-0").
		Get(ctx, "iobroker-hue-0", metav1.GetOptions{})
	require.NoError(t, err)
	values, _, _ := unstructured.NestedString(obj.Object, "spec", "valuesContent")
	assert.Equal(t, "a: 2\n", values)
}
