package conf

import (
	"fmt"
	"os"
	"strconv"

	"arhat.dev/pkg/log"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/iobroker-k8s/k8s-controller/pkg/constant"
)

// FlagsForConfig binds command line flags to config, flag names of redis settings
// match the environment variables below constant.EnvPrefix
func FlagsForConfig(config *Config, cliLogConfig *log.Config, verbose *bool) *pflag.FlagSet {
	fs := pflag.NewFlagSet("controller", pflag.ExitOnError)

	// log
	fs.StringVar(&cliLogConfig.Level, "log.level", "info", "log level, one of [verbose, debug, info, error, silent]")
	fs.StringVar(&cliLogConfig.Format, "log.format", "console", "log output format, one of [console, json]")
	fs.StringVar(&cliLogConfig.File, "log.file", "stderr", "log to this file")
	fs.BoolVarP(verbose, "verbose", "v", false, "run with debug logging, same as --log.level=debug")

	// kubernetes
	fs.StringVar(&config.Controller.KubeClient.KubeconfigPath, "kubeconfig", "",
		"path to the kubeconfig file, in cluster config is used when not set")
	fs.StringVar(&config.Controller.LeaderElection.Identity, "leaderElection.identity", "",
		"identity in leader election, defaults to hostname")
	fs.StringVar(&config.Controller.LeaderElection.Lease.Namespace, "leaderElection.namespace", "",
		"namespace of the leader election lease, defaults to the pod namespace")
	fs.BoolVar(&config.Controller.Metrics.Enabled, "metrics.enabled", false, "serve prometheus metrics")
	fs.StringVar(&config.Controller.Metrics.Endpoint, "metrics.listen",
		constant.DefaultMetricsEndpoint, "listen address of the metrics endpoint")

	// controller
	fs.StringVar(&config.Controller.Hostname, "hostname", "",
		"hostname in the ioBroker installation, defaults to os hostname")
	fs.DurationVar(&config.Controller.ExitDelay, "exitDelay", constant.DefaultExitDelay,
		"delay between the last output and the exit code of a command")
	fs.StringVar(&config.Controller.RestartPolicy, "restartPolicy", constant.RestartBeforePatch,
		"when to restart an adapter instance on config change, one of [before-patch, after-patch, never]")
	fs.StringVar(&config.Controller.InstanceAllocator, "instanceAllocator", constant.AllocatorZero,
		"instance number allocation of new adapters, one of [zero, next-free]")

	// iobroker
	fs.StringVar(&config.IOBroker.Store.Method, "store", "redis", "access to ioBroker dbs, one of [redis, mqtt]")
	fs.StringVar(&config.IOBroker.Store.Redis.Host, "redisHost", "", "Redis host")
	fs.IntVar(&config.IOBroker.Store.Redis.Port, "redisPort", constant.DefaultRedisPort, "Redis port")
	fs.StringVar(&config.IOBroker.Store.Redis.Password, "redisPassword", "", "Redis password")
	fs.IntVar(&config.IOBroker.Store.Redis.DB, "redisDb", 0, "Redis database number")
	fs.StringVar(&config.IOBroker.AdapterRedis.Host, "adapterRedisHost", "",
		"Adapter Redis host (if different from main Redis)")
	fs.IntVar(&config.IOBroker.AdapterRedis.Port, "adapterRedisPort", 0,
		"Adapter Redis port (if different from main Redis)")
	fs.StringVar(&config.IOBroker.Store.MQTT.Broker, "mqttBroker", "", "mqtt broker address")
	fs.StringVar(&config.IOBroker.RuntimeLogLevel, "runtimeLogLevel", constant.DefaultRuntimeLogLevel,
		"log level of adapter processes")

	// chart repository
	fs.StringVar(&config.ChartRepo.URLTemplate, "repoURL", constant.DefaultRepoURLTemplate,
		"template of the adapter chart repository url")

	return fs
}

// ReadConfigFile unmarshals the yaml file at path into config
func ReadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err = yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to unmarshal config file %s: %w", path, err)
	}

	return nil
}

// ApplyEnv applies environment variables below constant.EnvPrefix, lookup is
// usually os.LookupEnv
func ApplyEnv(config *Config, lookup func(key string) (string, bool)) (verbose bool, err error) {
	get := func(name string) (string, bool) {
		v, ok := lookup(constant.EnvPrefix + name)
		return v, ok && v != ""
	}

	setInt := func(name string, target *int) {
		v, ok := get(name)
		if !ok {
			return
		}

		i, pErr := strconv.Atoi(v)
		if pErr != nil {
			err = multierr.Append(err, fmt.Errorf("invalid %s%s %q: %w", constant.EnvPrefix, name, v, pErr))
			return
		}

		*target = i
	}

	setString := func(name string, target *string) {
		if v, ok := get(name); ok {
			*target = v
		}
	}

	setString("REDIS_HOST", &config.IOBroker.Store.Redis.Host)
	setInt("REDIS_PORT", &config.IOBroker.Store.Redis.Port)
	setString("REDIS_PASSWORD", &config.IOBroker.Store.Redis.Password)
	setInt("REDIS_DB", &config.IOBroker.Store.Redis.DB)
	setString("ADAPTER_REDIS_HOST", &config.IOBroker.AdapterRedis.Host)
	setInt("ADAPTER_REDIS_PORT", &config.IOBroker.AdapterRedis.Port)

	if v, ok := get("VERBOSE"); ok {
		b, pErr := strconv.ParseBool(v)
		if pErr != nil {
			err = multierr.Append(err, fmt.Errorf("invalid %sVERBOSE %q: %w", constant.EnvPrefix, v, pErr))
		} else {
			verbose = b
		}
	}

	return verbose, err
}
