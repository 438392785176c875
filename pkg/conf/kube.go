package conf

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"arhat.dev/pkg/envhelper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	kubeclient "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	"k8s.io/client-go/tools/record"
)

type KubeClientConfig struct {
	// KubeconfigPath to use, in cluster config is used when empty
	KubeconfigPath string `json:"kubeconfig" yaml:"kubeconfig"`

	RateLimit KubeClientRateLimitConfig `json:"rateLimit" yaml:"rateLimit"`
}

type KubeClientRateLimitConfig struct {
	QPS   float32 `json:"qps" yaml:"qps"`
	Burst int     `json:"burst" yaml:"burst"`
}

// NewKubeClient creates the typed and the dynamic client sharing one rest config
func (c *KubeClientConfig) NewKubeClient() (kubeclient.Interface, dynamic.Interface, *rest.Config, error) {
	var (
		restConfig *rest.Config
		err        error
	)

	if c.KubeconfigPath != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", c.KubeconfigPath)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load kube config: %w", err)
	}

	if c.RateLimit.QPS > 0 {
		restConfig.QPS = c.RateLimit.QPS
	}

	if c.RateLimit.Burst > 0 {
		restConfig.Burst = c.RateLimit.Burst
	}

	kubeClient, err := kubeclient.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create kube client: %w", err)
	}

	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	return kubeClient, dynamicClient, restConfig, nil
}

type LeaderElectionConfig struct {
	Identity string                    `json:"identity" yaml:"identity"`
	Lease    LeaderElectionLeaseConfig `json:"lease" yaml:"lease"`
}

type LeaderElectionLeaseConfig struct {
	Name          string        `json:"name" yaml:"name"`
	Namespace     string        `json:"namespace" yaml:"namespace"`
	Duration      time.Duration `json:"duration" yaml:"duration"`
	RenewDeadline time.Duration `json:"renewDeadline" yaml:"renewDeadline"`
	RetryInterval time.Duration `json:"retryInterval" yaml:"retryInterval"`
}

// CreateElector creates a lease based leader elector, namespace defaults to the pod namespace
func (c *LeaderElectionConfig) CreateElector(
	name string,
	kubeClient kubeclient.Interface,
	recorder record.EventRecorder,
	onElected func(context.Context),
	onEjected func(),
	onNewLeader func(identity string),
) (*leaderelection.LeaderElector, error) {
	identity := c.Identity
	if identity == "" {
		var err error
		identity, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to get leader election identity: %w", err)
		}
	}

	namespace := c.Lease.Namespace
	if namespace == "" {
		namespace = envhelper.ThisPodNS()
	}

	return leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock: &resourcelock.LeaseLock{
			LeaseMeta: metav1.ObjectMeta{
				Name:      c.Lease.Name,
				Namespace: namespace,
			},
			Client:    kubeClient.CoordinationV1(),
			LockConfig: resourcelock.ResourceLockConfig{
				Identity:      identity,
				EventRecorder: recorder,
			},
		},
		LeaseDuration:   c.Lease.Duration,
		RenewDeadline:   c.Lease.RenewDeadline,
		RetryPeriod:     c.Lease.RetryInterval,
		ReleaseOnCancel: true,
		Name:            name,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: onElected,
			OnStoppedLeading: onEjected,
			OnNewLeader:      onNewLeader,
		},
	})
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"listen" yaml:"listen"`
	HTTPPath string `json:"httpPath" yaml:"httpPath"`
}

// CreateIfEnabled returns the http handler exposing metrics of gatherer, nil if disabled
func (c *MetricsConfig) CreateIfEnabled(gatherer prometheus.Gatherer) http.Handler {
	if !c.Enabled {
		return nil
	}

	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
