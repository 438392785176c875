package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"arhat.dev/pkg/log"

	"github.com/iobroker-k8s/k8s-controller/pkg/iobroker"
)

type FactoryFunc func(context.Context, log.Interface, *Config) (Interface, error)

var (
	stores = make(map[string]FactoryFunc)
	mu     = new(sync.RWMutex)
)

func RegisterStore(name string, factory FactoryFunc) {
	mu.Lock()
	defer mu.Unlock()

	stores[name] = factory
}

// Interface is the access to the objects and states db of the ioBroker installation
type Interface interface {
	// Start until stopped by signal
	Start(stop <-chan struct{}) error

	// ObjectChanges of adapter instance objects
	ObjectChanges() <-chan *iobroker.ObjectChange

	// Messages sent to the messagebox of this host
	Messages() <-chan *iobroker.Message

	// SetState writes a state value, e.g. to signal an instance
	SetState(ctx context.Context, id string, state *iobroker.State) error

	// SendTo delivers a message to the messagebox of target
	SendTo(ctx context.Context, target, command string, message interface{}) error

	// Stop this store
	Stop() error
}

type Config struct {
	Method string `json:"method" yaml:"method"`

	// Hostname of this controller, messages to system.host.<Hostname> are received
	Hostname string `json:"-" yaml:"-"`

	// method specific configuration
	Redis RedisConfig `json:"redis" yaml:"redis"`
	MQTT  MQTTConfig  `json:"mqtt" yaml:"mqtt"`
}

func New(ctx context.Context, logger log.Interface, config *Config) (Interface, error) {
	mu.RLock()
	defer mu.RUnlock()

	method := config.Method
	if method == "" {
		method = MethodRedis
	}

	create, ok := stores[method]
	if !ok || create == nil {
		return nil, fmt.Errorf("store %q not found", method)
	}

	return create(ctx, logger, config)
}

const adapterObjectPrefix = "system.adapter."

// isInstanceObject checks whether id has the shape system.adapter.<name>.<n>,
// deeper objects (states, alive flags) are not forwarded
func isInstanceObject(id string) bool {
	if !strings.HasPrefix(id, adapterObjectPrefix) {
		return false
	}

	return len(strings.Split(strings.TrimPrefix(id, adapterObjectPrefix), ".")) == 2
}

// decodeObject parses an object payload, null is a deletion
func decodeObject(id string, payload []byte) (*iobroker.ObjectChange, error) {
	change := &iobroker.ObjectChange{ID: id}

	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" || trimmed == "null" {
		return change, nil
	}

	obj := make(iobroker.Object)
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, fmt.Errorf("failed to decode object %q: %w", id, err)
	}
	change.Object = obj

	return change, nil
}
