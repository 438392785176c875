package controller

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/iobroker-k8s/k8s-controller/pkg/constant"
	"github.com/iobroker-k8s/k8s-controller/pkg/identity"
	"github.com/iobroker-k8s/k8s-controller/pkg/kube"
)

// RestartPolicy decides when a reconfigured adapter instance gets its restart signal
type RestartPolicy string

const (
	// RestartBeforePatch signals before the values are patched, a failed patch
	// does not undo the restart
	RestartBeforePatch RestartPolicy = constant.RestartBeforePatch
	// RestartAfterPatch signals only after the values were stored
	RestartAfterPatch RestartPolicy = constant.RestartAfterPatch
	// RestartNever leaves restarting to the helm rollout
	RestartNever RestartPolicy = constant.RestartNever
)

func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch p := RestartPolicy(s); p {
	case "":
		return RestartBeforePatch, nil
	case RestartBeforePatch, RestartAfterPatch, RestartNever:
		return p, nil
	default:
		return "", fmt.Errorf("restart policy %q not supported", s)
	}
}

// InstanceAllocator picks the instance number of a new adapter installation
type InstanceAllocator interface {
	Allocate(ctx context.Context, adapter string) (int, error)
}

func NewInstanceAllocator(name string, kubeClient kube.Interface) (InstanceAllocator, error) {
	switch name {
	case "", constant.AllocatorZero:
		return ZeroAllocator{}, nil
	case constant.AllocatorNextFree:
		return &NextFreeAllocator{kube: kubeClient}, nil
	default:
		return nil, fmt.Errorf("instance allocator %q not supported", name)
	}
}

// ZeroAllocator always installs instance 0
type ZeroAllocator struct{}

func (ZeroAllocator) Allocate(context.Context, string) (int, error) {
	return 0, nil
}

// NextFreeAllocator returns the lowest instance number without a release namespace
type NextFreeAllocator struct {
	kube kube.Interface
}

func (a *NextFreeAllocator) Allocate(ctx context.Context, adapter string) (int, error) {
	names, err := a.kube.ListNamespaces(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to list namespaces for instance allocation: %w", err)
	}

	prefix := identity.AdapterInstance{Adapter: adapter}.Release().Namespace
	prefix = strings.TrimSuffix(prefix, "0")

	used := make(map[int]struct{})
	for _, name := range names {
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil || n < 0 {
			continue
		}

		used[n] = struct{}{}
	}

	for i := 0; ; i++ {
		if _, ok := used[i]; !ok {
			return i, nil
		}
	}
}
