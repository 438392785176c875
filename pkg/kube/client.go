package kube

import (
	"context"
	"encoding/json"
	"fmt"

	"arhat.dev/pkg/patchhelper"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	kubeclient "k8s.io/client-go/kubernetes"

	helmv1 "github.com/iobroker-k8s/k8s-controller/pkg/apis/helm/v1"
)

// Interface is the cluster capability used by the controller, errors returned
// keep the kubernetes api status so callers can check them with k8s.io/apimachinery/pkg/api/errors
type Interface interface {
	// ListNamespaces returns names of namespaces matching the label set, all namespaces if empty
	ListNamespaces(ctx context.Context, selector map[string]string) ([]string, error)
	CreateNamespace(ctx context.Context, name string, nsLabels map[string]string) error

	GetConfigMap(ctx context.Context, namespace, name string) (*corev1.ConfigMap, error)
	CreateConfigMap(ctx context.Context, cm *corev1.ConfigMap) error
	// PatchConfigMap patches the difference between old and new with a two way merge patch
	PatchConfigMap(ctx context.Context, oldCM, newCM *corev1.ConfigMap) error

	CreateHelmChart(ctx context.Context, chart *helmv1.HelmChart) error
	// PatchHelmChartSpec merges spec into the spec of an existing HelmChart
	PatchHelmChartSpec(ctx context.Context, namespace, name string, spec helmv1.HelmChartSpec) error
	DeleteHelmChart(ctx context.Context, namespace, name string) error

	// PatchHelmChartConfigValues replaces spec.valuesContent of an existing HelmChartConfig
	PatchHelmChartConfigValues(ctx context.Context, namespace, name, valuesContent string) error
	CreateHelmChartConfig(ctx context.Context, config *helmv1.HelmChartConfig) error
}

var _ Interface = (*Client)(nil)

// NewClient creates the cluster capability, it should be created once and shared
func NewClient(kubeClient kubeclient.Interface, dynamicClient dynamic.Interface) *Client {
	return &Client{
		kubeClient:    kubeClient,
		dynamicClient: dynamicClient,
	}
}

type Client struct {
	kubeClient    kubeclient.Interface
	dynamicClient dynamic.Interface
}

func (c *Client) ListNamespaces(ctx context.Context, selector map[string]string) ([]string, error) {
	nsList, err := c.kubeClient.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selector).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list namespaces: %w", err)
	}

	var ret []string
	for _, ns := range nsList.Items {
		ret = append(ret, ns.Name)
	}

	return ret, nil
}

func (c *Client) CreateNamespace(ctx context.Context, name string, nsLabels map[string]string) error {
	_, err := c.kubeClient.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: nsLabels,
		},
	}, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create namespace %q: %w", name, err)
	}

	return nil
}

func (c *Client) GetConfigMap(ctx context.Context, namespace, name string) (*corev1.ConfigMap, error) {
	cm, err := c.kubeClient.CoreV1().ConfigMaps(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get configmap %s/%s: %w", namespace, name, err)
	}

	return cm, nil
}

func (c *Client) CreateConfigMap(ctx context.Context, cm *corev1.ConfigMap) error {
	_, err := c.kubeClient.CoreV1().ConfigMaps(cm.Namespace).Create(ctx, cm, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create configmap %s/%s: %w", cm.Namespace, cm.Name, err)
	}

	return nil
}

func (c *Client) PatchConfigMap(ctx context.Context, oldCM, newCM *corev1.ConfigMap) error {
	err := patchhelper.TwoWayMergePatch(oldCM, newCM, new(corev1.ConfigMap), func(data []byte) error {
		_, err := c.kubeClient.CoreV1().ConfigMaps(oldCM.Namespace).
			Patch(ctx, oldCM.Name, types.StrategicMergePatchType, data, metav1.PatchOptions{})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to patch configmap %s/%s: %w", oldCM.Namespace, oldCM.Name, err)
	}

	return nil
}

func (c *Client) CreateHelmChart(ctx context.Context, chart *helmv1.HelmChart) error {
	obj, err := toUnstructured(chart)
	if err != nil {
		return err
	}

	_, err = c.dynamicClient.Resource(helmv1.HelmChartResource).Namespace(chart.Namespace).
		Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create helm chart %s/%s: %w", chart.Namespace, chart.Name, err)
	}

	return nil
}

func (c *Client) PatchHelmChartSpec(ctx context.Context, namespace, name string, spec helmv1.HelmChartSpec) error {
	data, err := json.Marshal(map[string]interface{}{"spec": spec})
	if err != nil {
		return fmt.Errorf("failed to marshal helm chart spec patch: %w", err)
	}

	_, err = c.dynamicClient.Resource(helmv1.HelmChartResource).Namespace(namespace).
		Patch(ctx, name, types.MergePatchType, data, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("failed to patch helm chart %s/%s: %w", namespace, name, err)
	}

	return nil
}

func (c *Client) DeleteHelmChart(ctx context.Context, namespace, name string) error {
	err := c.dynamicClient.Resource(helmv1.HelmChartResource).Namespace(namespace).
		Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil {
		return fmt.Errorf("failed to delete helm chart %s/%s: %w", namespace, name, err)
	}

	return nil
}

type jsonPatchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

func (c *Client) PatchHelmChartConfigValues(ctx context.Context, namespace, name, valuesContent string) error {
	data, err := json.Marshal([]jsonPatchOp{{
		Op:    "replace",
		Path:  "/spec/valuesContent",
		Value: valuesContent,
	}})
	if err != nil {
		return fmt.Errorf("failed to marshal json patch: %w", err)
	}

	_, err = c.dynamicClient.Resource(helmv1.HelmChartConfigResource).Namespace(namespace).
		Patch(ctx, name, types.JSONPatchType, data, metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("failed to patch helm chart config %s/%s: %w", namespace, name, err)
	}

	return nil
}

func (c *Client) CreateHelmChartConfig(ctx context.Context, config *helmv1.HelmChartConfig) error {
	obj, err := toUnstructured(config)
	if err != nil {
		return err
	}

	_, err = c.dynamicClient.Resource(helmv1.HelmChartConfigResource).Namespace(config.Namespace).
		Create(ctx, obj, metav1.CreateOptions{})
	if err != nil {
		return fmt.Errorf("failed to create helm chart config %s/%s: %w", config.Namespace, config.Name, err)
	}

	return nil
}

func toUnstructured(obj interface{}) (*unstructured.Unstructured, error) {
	m, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %T to unstructured: %w", obj, err)
	}

	return &unstructured.Unstructured{Object: m}, nil
}
