package transfer

import (
	"sync"
	"time"
)

// DefaultRetainFinished bounds how many finished jobs the registry remembers.
const DefaultRetainFinished = 1000

// Stats counts jobs by state.
type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Total returns the number of tracked jobs.
func (s Stats) Total() int {
	return s.Queued + s.Running + s.Completed + s.Failed
}

// Registry is an in-memory record of background jobs. It only observes;
// the dispatcher drives every transition.
type Registry struct {
	mu      sync.RWMutex
	jobs    []*Job // creation order
	byID    map[string]*Job
	retain  int
	nowFunc func() time.Time
}

// NewRegistry creates a registry that keeps at most retain finished jobs.
func NewRegistry(retain int) *Registry {
	if retain <= 0 {
		retain = DefaultRetainFinished
	}
	return &Registry{
		byID:    make(map[string]*Job),
		retain:  retain,
		nowFunc: time.Now,
	}
}

// Track registers a queued job.
func (r *Registry) Track(id, versionID string, files int, bytes int64) Job {
	job := &Job{
		ID:               id,
		DatasetVersionID: versionID,
		State:            JobQueued,
		Files:            files,
		Bytes:            bytes,
		CreatedAt:        r.nowFunc(),
	}

	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.byID[id] = job
	r.mu.Unlock()

	return *job
}

// Forget drops a job that never reached a worker.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, j := range r.jobs {
		if j.ID == id {
			r.jobs = append(r.jobs[:i], r.jobs[i+1:]...)
			break
		}
	}
}

// Start marks a job as running.
func (r *Registry) Start(id string) {
	r.update(id, func(j *Job) {
		j.State = JobRunning
		j.StartedAt = r.nowFunc()
	})
}

// SetStage records the pipeline stage a running job is in.
func (r *Registry) SetStage(id, stage string) {
	r.update(id, func(j *Job) {
		j.Stage = stage
	})
}

// Finish marks a job completed, or failed when err is non-nil.
func (r *Registry) Finish(id string, err error) {
	r.update(id, func(j *Job) {
		j.CompletedAt = r.nowFunc()
		if err != nil {
			j.State = JobFailed
			j.Error = err.Error()
			return
		}
		j.State = JobCompleted
	})

	r.mu.Lock()
	r.prune()
	r.mu.Unlock()
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.byID[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// List returns snapshots of all tracked jobs in creation order.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Job, len(r.jobs))
	for i, j := range r.jobs {
		out[i] = *j
	}
	return out
}

// Stats counts tracked jobs by state.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var s Stats
	for _, j := range r.jobs {
		switch j.State {
		case JobQueued:
			s.Queued++
		case JobRunning:
			s.Running++
		case JobCompleted:
			s.Completed++
		case JobFailed:
			s.Failed++
		}
	}
	return s
}

func (r *Registry) update(id string, fn func(*Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j, ok := r.byID[id]; ok {
		fn(j)
	}
}

// prune drops the oldest finished jobs beyond the retain limit. Caller holds mu.
func (r *Registry) prune() {
	finished := 0
	for _, j := range r.jobs {
		if j.State.Finished() {
			finished++
		}
	}
	if finished <= r.retain {
		return
	}

	drop := finished - r.retain
	kept := r.jobs[:0]
	for _, j := range r.jobs {
		if drop > 0 && j.State.Finished() {
			delete(r.byID, j.ID)
			drop--
			continue
		}
		kept = append(kept, j)
	}
	r.jobs = kept
}
