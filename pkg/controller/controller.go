package controller

import (
	"context"
	"fmt"
	"time"

	"arhat.dev/pkg/log"
	"github.com/prometheus/client_golang/prometheus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	kubeclient "k8s.io/client-go/kubernetes"
	kubecache "k8s.io/client-go/tools/cache"
	"k8s.io/utils/keymutex"

	"github.com/iobroker-k8s/k8s-controller/pkg/conf"
	"github.com/iobroker-k8s/k8s-controller/pkg/constant"
	"github.com/iobroker-k8s/k8s-controller/pkg/identity"
	"github.com/iobroker-k8s/k8s-controller/pkg/iobroker"
	"github.com/iobroker-k8s/k8s-controller/pkg/kube"
	"github.com/iobroker-k8s/k8s-controller/pkg/store"
)

// number of hashed release locks, fixed so lock sharing between releases
// does not depend on the host
const releaseLocks = 32

// Options are the clients shared by the controller, created once at start
type Options struct {
	Kube   kube.Interface
	Store  store.Interface
	Charts ChartResolver

	// KubeClient watches helm jobs for the status tracker, no jobs are observed if nil
	KubeClient kubeclient.Interface

	Registerer prometheus.Registerer
}

func NewController(appCtx context.Context, config *conf.Config, opts *Options) (*Controller, error) {
	restartPolicy, err := ParseRestartPolicy(config.Controller.RestartPolicy)
	if err != nil {
		return nil, err
	}

	allocator, err := NewInstanceAllocator(config.Controller.InstanceAllocator, opts.Kube)
	if err != nil {
		return nil, err
	}

	ctrlCtx, exitCtrl := context.WithCancel(appCtx)

	logger := log.Log.WithName("controller")
	ctrl := &Controller{
		ctx:  ctrlCtx,
		exit: exitCtrl,

		logger: logger,

		kube:    opts.Kube,
		store:   opts.Store,
		charts:  opts.Charts,
		tracker: NewTracker(log.Log.WithName("tracker")),
		metrics: newMetrics(opts.Registerer),
		locks:   keymutex.NewHashed(releaseLocks),

		hostname: config.Controller.Hostname,
		materializer: &iobroker.Materializer{
			Hostname: config.Controller.Hostname,
			LogLevel: config.IOBroker.RuntimeLogLevel,
		},
		adapterRedis:     config.IOBroker.AdapterRedisSpec(),
		helmBackOffLimit: config.Controller.HelmBackOffLimit,
		exitDelay:        config.Controller.ExitDelay,
		restartPolicy:    restartPolicy,
		allocator:        allocator,
	}

	ctrl.commands = map[string]commandFunc{
		"a":      ctrl.install,
		"add":    ctrl.install,
		"del":    ctrl.uninstall,
		"delete": ctrl.uninstall,
		"s":      ctrl.status,
		"status": ctrl.status,
	}

	if opts.KubeClient != nil {
		ctrl.informerFactory = informers.NewSharedInformerFactoryWithOptions(opts.KubeClient, 0,
			informers.WithTweakListOptions(func(options *metav1.ListOptions) {
				options.LabelSelector = constant.LabelHelmChart
			}),
		)

		jobInformer := ctrl.informerFactory.Batch().V1().Jobs().Informer()
		if _, err = jobInformer.AddEventHandler(ctrl.tracker.JobEventHandler()); err != nil {
			exitCtrl()
			return nil, fmt.Errorf("failed to watch helm jobs: %w", err)
		}

		ctrl.informersSyncWait = append(ctrl.informersSyncWait, jobInformer.HasSynced)
	}

	return ctrl, nil
}

type Controller struct {
	ctx  context.Context
	exit context.CancelFunc

	logger log.Interface

	kube    kube.Interface
	store   store.Interface
	charts  ChartResolver
	tracker *Tracker
	metrics *metrics

	// serializes work on one release across object changes and commands
	locks keymutex.KeyMutex

	informerFactory   informers.SharedInformerFactory
	informersSyncWait []kubecache.InformerSynced

	commands map[string]commandFunc

	hostname         string
	materializer     *iobroker.Materializer
	adapterRedis     iobroker.RedisSpec
	helmBackOffLimit int32
	exitDelay        time.Duration
	restartPolicy    RestartPolicy
	allocator        InstanceAllocator
}

// Start watching helm jobs and consuming store events until the context is done
func (c *Controller) Start() error {
	if c.informerFactory != nil {
		c.informerFactory.Start(c.ctx.Done())

		if !kubecache.WaitForCacheSync(c.ctx.Done(), c.informersSyncWait...) {
			return fmt.Errorf("informer cache not synced")
		}
	}

	if err := c.store.Start(c.ctx.Done()); err != nil {
		return fmt.Errorf("failed to start store: %w", err)
	}

	defer func() {
		if err := c.store.Stop(); err != nil {
			c.logger.I("store stopped with error", log.Error(err))
		}
	}()

	go c.consumeObjectChanges()
	go c.consumeMessages()

	c.logger.I("controller started")
	<-c.ctx.Done()

	return nil
}

func (c *Controller) Tracker() *Tracker {
	return c.tracker
}

func (c *Controller) consumeObjectChanges() {
	ch := c.store.ObjectChanges()
	for {
		select {
		case <-c.ctx.Done():
			return
		case change, more := <-ch:
			if !more {
				return
			}

			c.ReconcileConfigChange(c.ctx, change)
		}
	}
}

func (c *Controller) consumeMessages() {
	ch := c.store.Messages()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, more := <-ch:
			if !more {
				return
			}

			c.Dispatch(c.ctx, msg, c.store)
		}
	}
}

func (c *Controller) lockRelease(rel identity.ReleaseIdentity) {
	c.locks.LockKey(rel.String())
}

func (c *Controller) unlockRelease(rel identity.ReleaseIdentity) {
	if err := c.locks.UnlockKey(rel.String()); err != nil {
		c.logger.I("failed to unlock release", log.String("release", rel.String()), log.Error(err))
	}
}

// Stop the controller started by Start
func (c *Controller) Stop() {
	c.exit()
}
