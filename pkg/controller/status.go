package controller

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"arhat.dev/pkg/log"
	"arhat.dev/pkg/wellknownerrors"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	kubecache "k8s.io/client-go/tools/cache"

	"github.com/iobroker-k8s/k8s-controller/pkg/constant"
	"github.com/iobroker-k8s/k8s-controller/pkg/identity"
)

// ReleaseStatus is the tracked install state of one adapter release
type ReleaseStatus struct {
	Instance identity.AdapterInstance
	Release  identity.ReleaseIdentity
	Phase    InstallPhase
	Message  string
	JobName  string
	Updated  time.Time
}

func (s *ReleaseStatus) String() string {
	ret := fmt.Sprintf("%s: %s", s.Instance.String(), s.Phase)
	if s.JobName != "" {
		ret += " (job " + s.JobName + ")"
	}

	if s.Message != "" {
		ret += ": " + s.Message
	}

	return ret
}

// Tracker keeps install phases of releases, observed phases come from
// the jobs the helm controller runs for a HelmChart
type Tracker struct {
	logger log.Interface

	releases map[identity.ReleaseIdentity]*ReleaseStatus
	mu       *sync.RWMutex

	now func() time.Time
}

func NewTracker(logger log.Interface) *Tracker {
	return &Tracker{
		logger:   logger,
		releases: make(map[identity.ReleaseIdentity]*ReleaseStatus),
		mu:       new(sync.RWMutex),
		now:      time.Now,
	}
}

// Set the phase of a release, tracking starts with the first call
func (t *Tracker) Set(ai identity.AdapterInstance, phase InstallPhase, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rel := ai.Release()
	s, ok := t.releases[rel]
	if !ok {
		s = &ReleaseStatus{Instance: ai, Release: rel}
		t.releases[rel] = s
	}

	s.Phase, s.Message, s.Updated = phase, message, t.now()
	if phase == PhasePending {
		s.JobName = ""
	}
}

func (t *Tracker) Get(rel identity.ReleaseIdentity) (ReleaseStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.releases[rel]
	if !ok {
		return ReleaseStatus{}, fmt.Errorf("release %s: %w", rel.String(), wellknownerrors.ErrNotFound)
	}

	return *s, nil
}

// List all tracked releases ordered by namespace
func (t *Tracker) List() []ReleaseStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ret := make([]ReleaseStatus, 0, len(t.releases))
	for _, s := range t.releases {
		ret = append(ret, *s)
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Release.Namespace < ret[j].Release.Namespace
	})

	return ret
}

func (t *Tracker) Delete(rel identity.ReleaseIdentity) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.releases, rel)
}

// ObserveJob updates the release owning the job, jobs of untracked releases
// and jobs still running leave the tracker untouched
func (t *Tracker) ObserveJob(job *batchv1.Job) {
	chartName, ok := job.Labels[constant.LabelHelmChart]
	if !ok {
		return
	}

	rel := identity.ReleaseIdentity{Namespace: job.Namespace, ReleaseName: chartName}
	logger := t.logger.WithFields(log.String("release", rel.String()), log.String("job", job.Name))

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.releases[rel]
	if !ok {
		logger.V("job of untracked release ignored")
		return
	}

	switch s.Phase {
	case PhaseReleaseCreated, PhaseSucceeded, PhaseFailed:
	default:
		// release not created by us yet
		return
	}

	s.JobName = job.Name

	phase, message := jobPhase(job)
	if phase == "" {
		return
	}

	if s.Phase != phase {
		logger.I("release phase observed", log.String("phase", string(phase)))
	}

	s.Phase, s.Message, s.Updated = phase, message, t.now()
}

// jobPhase derives the install outcome from job status, empty if still running
func jobPhase(job *batchv1.Job) (InstallPhase, string) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}

		switch cond.Type {
		case batchv1.JobComplete:
			return PhaseSucceeded, ""
		case batchv1.JobFailed:
			msg := cond.Message
			if msg == "" {
				msg = cond.Reason
			}
			return PhaseFailed, msg
		}
	}

	if job.Status.Succeeded > 0 {
		return PhaseSucceeded, ""
	}

	return "", ""
}

// JobEventHandler feeds a job informer into the tracker
func (t *Tracker) JobEventHandler() kubecache.ResourceEventHandler {
	observe := func(obj interface{}) {
		if job, ok := obj.(*batchv1.Job); ok {
			t.ObserveJob(job)
		}
	}

	return kubecache.ResourceEventHandlerFuncs{
		AddFunc: observe,
		UpdateFunc: func(oldObj, newObj interface{}) {
			observe(newObj)
		},
	}
}
