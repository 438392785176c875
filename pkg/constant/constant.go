package constant

import "time"

const (
	// LabelManagedBy marks every cluster object created by this controller
	LabelManagedBy      = "app.kubernetes.io/managed-by"
	LabelManagedByValue = "iobroker-k8s-controller"

	// LabelName carries the chart name, e.g. adapter-hue
	LabelName = "app.kubernetes.io/name"

	// LabelInstance carries the adapter instance, e.g. hue.0
	LabelInstance = "app.kubernetes.io/instance"

	// LabelHelmChart is set by the helm controller on the install/upgrade jobs of a HelmChart
	LabelHelmChart = "helmcharts.helm.cattle.io/chart"
)

const (
	// ConfigMapName is the per namespace ConfigMap holding the runtime configuration
	ConfigMapName = "iobroker-config"
	// ConfigMapKey is the data key of the runtime configuration in ConfigMapName
	ConfigMapKey = "iobroker.json"
)

const (
	DefaultConfigFile          = "/etc/iobroker-k8s/config.yaml"
	DefaultRepoURLTemplate     = "https://iobroker-k8s.github.io/adapter-{{ .Adapter }}"
	DefaultHelmBackOffLimit    = 3
	DefaultExitDelay           = 200 * time.Millisecond
	DefaultRedisPort           = 6379
	DefaultMQTTTopicPrefix     = "iobroker"
	DefaultLeaseName           = "iobroker-k8s-controller"
	DefaultMetricsEndpoint     = ":9876"
	DefaultMetricsHTTPPath     = "/metrics"
	DefaultRuntimeLogLevel     = "debug"
	DefaultLeaderLeaseDuration = 15 * time.Second
	DefaultLeaderRenewDeadline = 10 * time.Second
	DefaultLeaderRetryPeriod   = 2 * time.Second

	EnvPrefix = "IOB_K8S_"
	AppName   = "iobroker"
)

// Exit codes reported with cmdExit replies
const (
	ExitSuccess           = 0
	ExitUncaughtException = 6
	ExitInvalidArguments  = 22
	ExitAdapterNotFound   = 51
)

// Restart policies, when to signal an adapter instance on config change
const (
	RestartBeforePatch = "before-patch"
	RestartAfterPatch  = "after-patch"
	RestartNever       = "never"
)

// Instance allocators
const (
	AllocatorZero     = "zero"
	AllocatorNextFree = "next-free"
)
