package scheduler

import "sync"

// inFlight is the per-task record: a single-shot
// completion channel, the user callback, and a delivered flag preventing
// double delivery.
type inFlight struct {
	done      chan driverResult
	cb        TaskCallback
	mu        sync.Mutex
	delivered bool
}

func (f *inFlight) markDelivered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.delivered {
		return false
	}
	f.delivered = true
	return true
}

func (f *inFlight) isDelivered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered
}

// driverResult is what the driver's response callback hands back through
// the completion channel.
type driverResult struct {
	ok      bool
	payload map[string]any
}

// inflightStore is a typesafe adapter over sync.Map, keyed by task id.
type inflightStore struct {
	store sync.Map
}

func (s *inflightStore) Set(id string, f *inFlight) {
	s.store.Store(id, f)
}

func (s *inflightStore) Get(id string) (*inFlight, bool) {
	v, ok := s.store.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*inFlight), true
}

func (s *inflightStore) Delete(id string) {
	s.store.Delete(id)
}
