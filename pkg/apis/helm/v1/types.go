// Package v1 contains the subset of the k3s helm controller api (helm.cattle.io/v1)
// used to manage adapter releases, see https://docs.k3s.io/helm for details
package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

const (
	GroupName = "helm.cattle.io"
	Version   = "v1"

	KindHelmChart       = "HelmChart"
	KindHelmChartConfig = "HelmChartConfig"
)

var (
	SchemeGroupVersion = schema.GroupVersion{Group: GroupName, Version: Version}

	HelmChartResource       = SchemeGroupVersion.WithResource("helmcharts")
	HelmChartConfigResource = SchemeGroupVersion.WithResource("helmchartconfigs")
)

// HelmChart is the install descriptor of a helm release
type HelmChart struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   HelmChartSpec   `json:"spec,omitempty"`
	Status HelmChartStatus `json:"status,omitempty"`
}

type HelmChartSpec struct {
	TargetNamespace string `json:"targetNamespace,omitempty"`
	Chart           string `json:"chart,omitempty"`
	Version         string `json:"version,omitempty"`
	Repo            string `json:"repo,omitempty"`
	ValuesContent   string `json:"valuesContent,omitempty"`
	BackOffLimit    *int32 `json:"backOffLimit,omitempty"`
}

type HelmChartStatus struct {
	JobName string `json:"jobName,omitempty"`
}

// HelmChartConfig overlays values onto the release of the HelmChart with the same name
type HelmChartConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec HelmChartConfigSpec `json:"spec,omitempty"`
}

type HelmChartConfigSpec struct {
	ValuesContent string `json:"valuesContent,omitempty"`
}

func NewHelmChart(namespace, name string, labels map[string]string, spec HelmChartSpec) *HelmChart {
	return &HelmChart{
		TypeMeta: metav1.TypeMeta{
			APIVersion: SchemeGroupVersion.String(),
			Kind:       KindHelmChart,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: spec,
	}
}

func NewHelmChartConfig(namespace, name string, labels map[string]string, valuesContent string) *HelmChartConfig {
	return &HelmChartConfig{
		TypeMeta: metav1.TypeMeta{
			APIVersion: SchemeGroupVersion.String(),
			Kind:       KindHelmChartConfig,
		},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: HelmChartConfigSpec{ValuesContent: valuesContent},
	}
}
