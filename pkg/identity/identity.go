package identity

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalid is returned when an id does not denote an adapter instance
var ErrInvalid = errors.New("invalid adapter instance")

// AdapterInstance identifies one configured unit of an adapter
type AdapterInstance struct {
	Adapter  string
	Instance int
}

// ReleaseIdentity locates the helm release of an adapter instance,
// namespace and release name are the same string
type ReleaseIdentity struct {
	Namespace   string
	ReleaseName string
}

func (r ReleaseIdentity) String() string {
	return r.Namespace + "/" + r.ReleaseName
}

// Resolve an adapter instance from a dotted id, leading segments are dropped until
// at most two remain, so system.adapter.hue.0 and hue.0 resolve identically
func Resolve(id string) (AdapterInstance, error) {
	parts := strings.Split(id, ".")
	if len(parts) > 2 {
		parts = parts[len(parts)-2:]
	}

	adapter, instanceStr := parts[0], "0"
	if len(parts) == 2 && parts[1] != "" {
		instanceStr = parts[1]
	}

	if adapter == "" {
		return AdapterInstance{}, fmt.Errorf("%w %q: empty adapter name", ErrInvalid, id)
	}

	instance, err := strconv.Atoi(instanceStr)
	if err != nil || instance < 0 {
		return AdapterInstance{}, fmt.Errorf("%w %q: bad instance number %q", ErrInvalid, id, instanceStr)
	}

	return AdapterInstance{Adapter: adapter, Instance: instance}, nil
}

// Release is the only place where namespace and release names are derived
func (a AdapterInstance) Release() ReleaseIdentity {
	name := "iobroker-" + a.Adapter + "-" + strconv.Itoa(a.Instance)
	return ReleaseIdentity{
		Namespace:   name,
		ReleaseName: name,
	}
}

// ChartName is the conventional chart name of the adapter
func (a AdapterInstance) ChartName() string {
	return ChartName(a.Adapter)
}

func ChartName(adapter string) string {
	return "adapter-" + adapter
}

// String returns the short form, e.g. hue.0
func (a AdapterInstance) String() string {
	return a.Adapter + "." + strconv.Itoa(a.Instance)
}

// ObjectID returns the instance object id, e.g. system.adapter.hue.0
func (a AdapterInstance) ObjectID() string {
	return "system.adapter." + a.String()
}
