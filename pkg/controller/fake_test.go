package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	kubeerrors "k8s.io/apimachinery/pkg/api/errors"
	kubeclient "k8s.io/client-go/kubernetes"

	helmv1 "github.com/iobroker-k8s/k8s-controller/pkg/apis/helm/v1"
	"github.com/iobroker-k8s/k8s-controller/pkg/chartrepo"
	"github.com/iobroker-k8s/k8s-controller/pkg/conf"
	"github.com/iobroker-k8s/k8s-controller/pkg/iobroker"
	"github.com/iobroker-k8s/k8s-controller/pkg/kube"
	"github.com/iobroker-k8s/k8s-controller/pkg/store"
)

var (
	_ kube.Interface  = (*fakeKube)(nil)
	_ store.Interface = (*fakeStore)(nil)
)

type fakeKube struct {
	mu    sync.Mutex
	calls []string

	namespaces   []string
	configMaps   map[string]*corev1.ConfigMap
	charts       map[string]*helmv1.HelmChart
	chartSpecs   map[string]helmv1.HelmChartSpec
	chartConfigs map[string]*helmv1.HelmChartConfig
	values       map[string]string

	// errors returned by method name
	errs map[string]error

	// called after PatchHelmChartConfigValues was recorded, may block
	onPatchValues func(namespace string)
}

func newFakeKube() *fakeKube {
	return &fakeKube{
		configMaps:   make(map[string]*corev1.ConfigMap),
		charts:       make(map[string]*helmv1.HelmChart),
		chartSpecs:   make(map[string]helmv1.HelmChartSpec),
		chartConfigs: make(map[string]*helmv1.HelmChartConfig),
		values:       make(map[string]string),
		errs:         make(map[string]error),
	}
}

func (k *fakeKube) call(method string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.calls = append(k.calls, method)
	return k.errs[method]
}

func (k *fakeKube) Calls() []string {
	k.mu.Lock()
	defer k.mu.Unlock()

	return append([]string(nil), k.calls...)
}

func (k *fakeKube) ListNamespaces(ctx context.Context, selector map[string]string) ([]string, error) {
	if err := k.call("ListNamespaces"); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	return append([]string(nil), k.namespaces...), nil
}

func (k *fakeKube) CreateNamespace(ctx context.Context, name string, nsLabels map[string]string) error {
	if err := k.call("CreateNamespace"); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.namespaces = append(k.namespaces, name)
	return nil
}

func (k *fakeKube) GetConfigMap(ctx context.Context, namespace, name string) (*corev1.ConfigMap, error) {
	if err := k.call("GetConfigMap"); err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	cm, ok := k.configMaps[namespace+"/"+name]
	if !ok {
		return nil, kubeerrors.NewNotFound(corev1.Resource("configmaps"), name)
	}

	return cm.DeepCopy(), nil
}

func (k *fakeKube) CreateConfigMap(ctx context.Context, cm *corev1.ConfigMap) error {
	if err := k.call("CreateConfigMap"); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.configMaps[cm.Namespace+"/"+cm.Name] = cm.DeepCopy()
	return nil
}

func (k *fakeKube) PatchConfigMap(ctx context.Context, oldCM, newCM *corev1.ConfigMap) error {
	if err := k.call("PatchConfigMap"); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.configMaps[newCM.Namespace+"/"+newCM.Name] = newCM.DeepCopy()
	return nil
}

func (k *fakeKube) CreateHelmChart(ctx context.Context, chart *helmv1.HelmChart) error {
	if err := k.call("CreateHelmChart"); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.charts[chart.Namespace+"/"+chart.Name] = chart
	return nil
}

func (k *fakeKube) PatchHelmChartSpec(ctx context.Context, namespace, name string, spec helmv1.HelmChartSpec) error {
	if err := k.call("PatchHelmChartSpec"); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.chartSpecs[namespace+"/"+name] = spec
	return nil
}

func (k *fakeKube) DeleteHelmChart(ctx context.Context, namespace, name string) error {
	if err := k.call("DeleteHelmChart"); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	delete(k.charts, namespace+"/"+name)
	return nil
}

func (k *fakeKube) PatchHelmChartConfigValues(ctx context.Context, namespace, name, valuesContent string) error {
	if err := k.call("PatchHelmChartConfigValues"); err != nil {
		return err
	}

	if k.onPatchValues != nil {
		k.onPatchValues(namespace)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.values[namespace+"/"+name] = valuesContent
	return nil
}

func (k *fakeKube) CreateHelmChartConfig(ctx context.Context, config *helmv1.HelmChartConfig) error {
	if err := k.call("CreateHelmChartConfig"); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.chartConfigs[config.Namespace+"/"+config.Name] = config
	return nil
}

type sentMessage struct {
	target  string
	command string
	reply   *iobroker.CmdReply
	at      time.Time
}

type setState struct {
	id    string
	state iobroker.State
}

type fakeStore struct {
	mu     sync.Mutex
	sent   []sentMessage
	states []setState

	objCh chan *iobroker.ObjectChange
	msgCh chan *iobroker.Message

	// signaled for every exit code sent
	exited chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objCh:  make(chan *iobroker.ObjectChange),
		msgCh:  make(chan *iobroker.Message),
		exited: make(chan struct{}, 16),
	}
}

func (s *fakeStore) Start(stop <-chan struct{}) error { return nil }
func (s *fakeStore) Stop() error                      { return nil }

func (s *fakeStore) ObjectChanges() <-chan *iobroker.ObjectChange { return s.objCh }
func (s *fakeStore) Messages() <-chan *iobroker.Message           { return s.msgCh }

func (s *fakeStore) SetState(ctx context.Context, id string, state *iobroker.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states = append(s.states, setState{id: id, state: *state})
	return nil
}

func (s *fakeStore) SendTo(ctx context.Context, target, command string, message interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent = append(s.sent, sentMessage{
		target:  target,
		command: command,
		reply:   message.(*iobroker.CmdReply),
		at:      time.Now(),
	})

	if command == iobroker.CommandCmdExit {
		s.exited <- struct{}{}
	}

	return nil
}

// WaitExit waits for the next exit code
func (s *fakeStore) WaitExit(t *testing.T) {
	select {
	case <-s.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("no exit code sent")
	}
}

func (s *fakeStore) States() []setState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]setState(nil), s.states...)
}

func (s *fakeStore) Sent() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]sentMessage(nil), s.sent...)
}

// Lines returns data of all replies with command
func (s *fakeStore) Lines(command string) []interface{} {
	var ret []interface{}
	for _, m := range s.Sent() {
		if m.command == command {
			ret = append(ret, m.reply.Data)
		}
	}

	return ret
}

type fakeCharts struct {
	chart *chartrepo.Chart
	err   error
	panic interface{}
}

func (f *fakeCharts) Resolve(ctx context.Context, adapter string) (*chartrepo.Chart, error) {
	if f.panic != nil {
		panic(f.panic)
	}

	if f.err != nil {
		return nil, f.err
	}

	return f.chart, nil
}

type testEnv struct {
	ctrl   *Controller
	kube   *fakeKube
	store  *fakeStore
	charts *fakeCharts
	reg    *prometheus.Registry
}

func newTestEnv(t *testing.T, kubeClient kubeclient.Interface, mutate func(c *conf.Config)) *testEnv {
	config := conf.Default()
	config.Controller.Hostname = "node-1"
	config.Controller.ExitDelay = 10 * time.Millisecond
	config.IOBroker.Store.Redis.Host = "redis"
	config.IOBroker.Store.Redis.Password = "secret"
	config.IOBroker.AdapterRedis.Host = "redis.iobroker.svc"
	if mutate != nil {
		mutate(config)
	}

	env := &testEnv{
		kube:  newFakeKube(),
		store: newFakeStore(),
		charts: &fakeCharts{chart: &chartrepo.Chart{
			Name:       "adapter-hue",
			Repo:       "https://iobroker-k8s.github.io/adapter-hue",
			Version:    "0.2.0",
			AppVersion: "3.14.1",
		}},
		reg: prometheus.NewRegistry(),
	}

	ctrl, err := NewController(context.Background(), config, &Options{
		Kube:       env.kube,
		Store:      env.store,
		Charts:     env.charts,
		KubeClient: kubeClient,
		Registerer: env.reg,
	})
	require.NoError(t, err)
	t.Cleanup(ctrl.Stop)

	env.ctrl = ctrl

	return env
}

func cmdExecMessage(line string) *iobroker.Message {
	return &iobroker.Message{
		Command: iobroker.CommandCmdExec,
		Message: []byte(`{"id": 42, "data": "` + line + `"}`),
		From:    "system.adapter.admin.0",
	}
}

// run dispatches a command line and waits for its exit code
func (e *testEnv) run(t *testing.T, line string) {
	e.ctrl.Dispatch(context.TODO(), cmdExecMessage(line), e.store)
	e.store.WaitExit(t)
}
