package conf

import (
	"fmt"
	"os"
	"time"

	"arhat.dev/pkg/log"
	"go.uber.org/multierr"

	"github.com/iobroker-k8s/k8s-controller/pkg/chartrepo"
	"github.com/iobroker-k8s/k8s-controller/pkg/constant"
	"github.com/iobroker-k8s/k8s-controller/pkg/iobroker"
	"github.com/iobroker-k8s/k8s-controller/pkg/store"
)

// Config of the controller, read from yaml and overridden by flags
type Config struct {
	Controller ControllerConfig `json:"controller" yaml:"controller"`
	IOBroker   IOBrokerConfig   `json:"iobroker" yaml:"iobroker"`
	ChartRepo  chartrepo.Config `json:"chartRepo" yaml:"chartRepo"`
}

type ControllerConfig struct {
	Log            []log.Config         `json:"log" yaml:"log"`
	KubeClient     KubeClientConfig     `json:"kubeClient" yaml:"kubeClient"`
	LeaderElection LeaderElectionConfig `json:"leaderElection" yaml:"leaderElection"`
	Metrics        MetricsConfig        `json:"metrics" yaml:"metrics"`

	// Hostname this controller acts as in the ioBroker installation, defaults to os hostname
	Hostname string `json:"hostname" yaml:"hostname"`

	// ExitDelay between the last output and the cmdExit reply
	ExitDelay time.Duration `json:"exitDelay" yaml:"exitDelay"`

	// RestartPolicy is one of before-patch, after-patch, never
	RestartPolicy string `json:"restartPolicy" yaml:"restartPolicy"`

	// InstanceAllocator is one of zero, next-free
	InstanceAllocator string `json:"instanceAllocator" yaml:"instanceAllocator"`

	HelmBackOffLimit int32 `json:"helmBackOffLimit" yaml:"helmBackOffLimit"`
}

type IOBrokerConfig struct {
	Store store.Config `json:"store" yaml:"store"`

	// AdapterRedis overrides the redis address written to adapter runtime configuration
	AdapterRedis AdapterRedisConfig `json:"adapterRedis" yaml:"adapterRedis"`

	// RuntimeLogLevel is the log level of adapter processes
	RuntimeLogLevel string `json:"runtimeLogLevel" yaml:"runtimeLogLevel"`
}

type AdapterRedisConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// AdapterRedisSpec is the redis connection adapters use, overrides fall back to the
// primary connection, password and db are always shared
func (c *IOBrokerConfig) AdapterRedisSpec() iobroker.RedisSpec {
	spec := c.Store.Redis.RedisSpec
	if c.AdapterRedis.Host != "" {
		spec.Host = c.AdapterRedis.Host
	}

	if c.AdapterRedis.Port != 0 {
		spec.Port = c.AdapterRedis.Port
	}

	return spec
}

// Default returns the config used when no config file is given
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			LeaderElection: LeaderElectionConfig{
				Lease: LeaderElectionLeaseConfig{
					Name:          constant.DefaultLeaseName,
					Duration:      constant.DefaultLeaderLeaseDuration,
					RenewDeadline: constant.DefaultLeaderRenewDeadline,
					RetryInterval: constant.DefaultLeaderRetryPeriod,
				},
			},
			Metrics: MetricsConfig{
				Endpoint: constant.DefaultMetricsEndpoint,
				HTTPPath: constant.DefaultMetricsHTTPPath,
			},
			ExitDelay:         constant.DefaultExitDelay,
			RestartPolicy:     constant.RestartBeforePatch,
			InstanceAllocator: constant.AllocatorZero,
			HelmBackOffLimit:  constant.DefaultHelmBackOffLimit,
		},
		IOBroker: IOBrokerConfig{
			Store: store.Config{
				Method: store.MethodRedis,
				Redis: store.RedisConfig{
					RedisSpec: iobroker.RedisSpec{Port: constant.DefaultRedisPort},
				},
				MQTT: store.MQTTConfig{
					TopicPrefix: constant.DefaultMQTTTopicPrefix,
				},
			},
			RuntimeLogLevel: constant.DefaultRuntimeLogLevel,
		},
		ChartRepo: chartrepo.Config{
			URLTemplate: constant.DefaultRepoURLTemplate,
			Timeout:     30 * time.Second,
		},
	}
}

// Complete fills values derived from the environment
func (c *Config) Complete() error {
	if c.Controller.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}

		c.Controller.Hostname = hostname
	}

	c.IOBroker.Store.Hostname = c.Controller.Hostname

	return nil
}

// Validate checks the config and reports all problems at once
func (c *Config) Validate() error {
	var err error

	if c.Controller.Hostname == "" {
		err = multierr.Append(err, fmt.Errorf("hostname must not be empty"))
	}

	if c.Controller.ExitDelay < 0 {
		err = multierr.Append(err, fmt.Errorf("exitDelay must not be negative"))
	}

	switch c.Controller.RestartPolicy {
	case constant.RestartBeforePatch, constant.RestartAfterPatch, constant.RestartNever:
	default:
		err = multierr.Append(err, fmt.Errorf("unsupported restartPolicy %q", c.Controller.RestartPolicy))
	}

	switch c.Controller.InstanceAllocator {
	case constant.AllocatorZero, constant.AllocatorNextFree:
	default:
		err = multierr.Append(err, fmt.Errorf("unsupported instanceAllocator %q", c.Controller.InstanceAllocator))
	}

	if c.Controller.HelmBackOffLimit < 0 {
		err = multierr.Append(err, fmt.Errorf("helmBackOffLimit must not be negative"))
	}

	switch c.IOBroker.Store.Method {
	case store.MethodRedis, "":
		if c.IOBroker.Store.Redis.Host == "" {
			err = multierr.Append(err, fmt.Errorf("redis host must be set"))
		}
	case store.MethodMQTT:
		if c.IOBroker.Store.MQTT.Broker == "" {
			err = multierr.Append(err, fmt.Errorf("mqtt broker must be set"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("unsupported store method %q", c.IOBroker.Store.Method))
	}

	if spec := c.IOBroker.AdapterRedisSpec(); spec.Host == "" {
		err = multierr.Append(err, fmt.Errorf("adapter redis host must be set"))
	}

	if c.ChartRepo.URLTemplate == "" {
		err = multierr.Append(err, fmt.Errorf("chart repository url must be set"))
	}

	return err
}
