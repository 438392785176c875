package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"arhat.dev/pkg/envhelper"
	"arhat.dev/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/record"

	"github.com/iobroker-k8s/k8s-controller/pkg/chartrepo"
	"github.com/iobroker-k8s/k8s-controller/pkg/conf"
	"github.com/iobroker-k8s/k8s-controller/pkg/constant"
	"github.com/iobroker-k8s/k8s-controller/pkg/controller"
	"github.com/iobroker-k8s/k8s-controller/pkg/kube"
	"github.com/iobroker-k8s/k8s-controller/pkg/store"
)

const componentName = "iobroker-k8s-controller"

func NewControllerCmd() *cobra.Command {
	var (
		appCtx       context.Context
		configFile   string
		verbose      bool
		config       = conf.Default()
		cliLogConfig = new(log.Config)
	)

	controllerCmd := &cobra.Command{
		Use:           componentName,
		Short:         "Manage ioBroker adapter instances as helm releases",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			flags := cmd.Flags()
			if flags.Changed("config") {
				if err = conf.ReadConfigFile(configFile, config); err != nil {
					return err
				}
			}

			envVerbose, err := conf.ApplyEnv(config, os.LookupEnv)
			if err != nil {
				return err
			}

			// flags take precedence over config file and environment
			if err = cmd.ParseFlags(os.Args); err != nil {
				return err
			}

			if !flags.Changed("verbose") {
				verbose = envVerbose
			}

			logConfigSet := config.Controller.Log
			if len(logConfigSet) > 0 {
				if flags.Changed("log.format") {
					logConfigSet[0].Format = cliLogConfig.Format
				}

				if flags.Changed("log.level") {
					logConfigSet[0].Level = cliLogConfig.Level
				}

				if flags.Changed("log.file") {
					logConfigSet[0].File = cliLogConfig.File
				}
			} else {
				logConfigSet = append(logConfigSet, *cliLogConfig)
			}

			if verbose && !flags.Changed("log.level") {
				logConfigSet[0].Level = "debug"
			}

			err = log.SetDefaultLogger(logConfigSet)
			if err != nil {
				return err
			}

			if err = config.Complete(); err != nil {
				return err
			}

			if err = config.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			var exit context.CancelFunc
			appCtx, exit = context.WithCancel(context.Background())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				exitCount := 0
				for sig := range sigCh {
					switch sig {
					case os.Interrupt, syscall.SIGTERM:
						exitCount++
						if exitCount == 1 {
							exit()
						} else {
							os.Exit(1)
						}
					}
				}
			}()

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(appCtx, config)
		},
	}

	flags := controllerCmd.PersistentFlags()
	// config file
	flags.StringVarP(&configFile, "config", "c",
		constant.DefaultConfigFile, "path to the controller config file")
	flags.AddFlagSet(conf.FlagsForConfig(config, cliLogConfig, &verbose))

	return controllerCmd
}

func run(appCtx context.Context, config *conf.Config) error {
	logger := log.Log.WithName("controller")

	logger.I("creating kube client for initialization")
	kubeClient, dynamicClient, _, err := config.Controller.KubeClient.NewKubeClient()
	if err != nil {
		return fmt.Errorf("failed to create kube client from kubeconfig: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if mtHandler := config.Controller.Metrics.CreateIfEnabled(registry); mtHandler != nil {
		mux := http.NewServeMux()
		mux.Handle(config.Controller.Metrics.HTTPPath, mtHandler)

		srv := &http.Server{
			Handler: mux,
			Addr:    config.Controller.Metrics.Endpoint,
		}

		go func() {
			err2 := srv.ListenAndServe()
			if err2 != nil && !errors.Is(err2, http.ErrServerClosed) {
				panic(err2)
			}
		}()
	}

	logger.I("creating chart repository client")
	charts, err := chartrepo.NewClient(log.Log.WithName("chartrepo"), &config.ChartRepo)
	if err != nil {
		return fmt.Errorf("failed to create chart repository client: %w", err)
	}

	logger.I("creating store", log.String("method", config.IOBroker.Store.Method))
	st, err := store.New(appCtx, log.Log.WithName("store"), &config.IOBroker.Store)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	logger.I("creating controller")
	ctrl, err := controller.NewController(appCtx, config, &controller.Options{
		Kube:       kube.NewClient(kubeClient, dynamicClient),
		Store:      st,
		Charts:     charts,
		KubeClient: kubeClient,
		Registerer: registry,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	evb := record.NewBroadcaster()
	watchEventLogging := evb.StartLogging(func(format string, args ...interface{}) {
		logger.I(fmt.Sprintf(format, args...), log.String("source", "event"))
	})
	watchEventRecording := evb.StartRecordingToSink(&typedcorev1.EventSinkImpl{
		Interface: kubeClient.CoreV1().Events(envhelper.ThisPodNS()),
	})
	defer func() {
		watchEventLogging.Stop()
		watchEventRecording.Stop()
	}()

	logger.V("creating leader elector")
	elector, err := config.Controller.LeaderElection.CreateElector(componentName, kubeClient,
		evb.NewRecorder(scheme.Scheme, corev1.EventSource{
			Component: componentName,
		}),
		// elected
		func(ctx context.Context) {
			logger.I("starting controller")
			if err = ctrl.Start(); err != nil {
				logger.E("failed to start controller", log.Error(err))
				os.Exit(1)
			}
		},
		// ejected
		func() {
			if appCtx.Err() != nil {
				logger.I("leader election stopped")
				return
			}

			logger.E("lost leader-election")
			os.Exit(1)
		},
		func(identity string) {
			logger.I("new leader elected", log.String("identity", identity))
		},
	)
	if err != nil {
		return fmt.Errorf("failed to create elector: %w", err)
	}

	logger.I("running leader election")
	elector.Run(appCtx)

	return nil
}
