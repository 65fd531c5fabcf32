package service

import (
	"sync"
)

// stampedeTracker counts refreshes in progress per key. A count above one
// means callers missed the same key at once; the refresh group absorbs them,
// this only measures it.
type stampedeTracker struct {
	mu     sync.Mutex
	active map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{
		active: make(map[string]int),
	}
}

// begin records a refresh of key and returns the count including it.
// Every begin must be paired with end.
func (st *stampedeTracker) begin(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.active[key]++
	return st.active[key]
}

func (st *stampedeTracker) end(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.active[key] <= 1 {
		delete(st.active, key)
		return
	}
	st.active[key]--
}
