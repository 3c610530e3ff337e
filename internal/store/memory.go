// Package store provides Job persistence backends behind the
// jobs.Store interface: an in-memory default and a sqlite-backed
// durable option, selected by Config.QueueStore.
package store

import (
	"sync"

	"github.com/oceanline/mediaforge/internal/jobs"
)

// MemoryStore keeps jobs in a map with no durability across process
// restarts. It's the default backend and what most tests use. order
// tracks insertion order so LoadJobs satisfies the Store contract of
// returning jobs in creation order even though map iteration doesn't.
type MemoryStore struct {
	mu    sync.RWMutex
	jobs  map[string]*jobs.Job
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*jobs.Job)}
}

func (s *MemoryStore) SaveJob(job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := job.Snapshot()
	if _, exists := s.jobs[job.ID]; !exists {
		s.order = append(s.order, job.ID)
	}
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) LoadJobs() ([]*jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*jobs.Job, 0, len(s.order))
	for _, id := range s.order {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}
