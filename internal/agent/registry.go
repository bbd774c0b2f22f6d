package agent

import "sync"

// cancelRegistry tracks every in-flight agent turn so a SIGINT handler can
// cancel all of them without knowing who started what. Registration returns a
// scoped release; releasing twice is a no-op.
type cancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]func()
}

// Registry is the process-global instance.
var Registry = &cancelRegistry{cancels: map[string]func(){}}

// Register installs a cancel func under id and returns its release.
func (r *cancelRegistry) Register(id string, cancel func()) (release func()) {
	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.cancels, id)
			r.mu.Unlock()
		})
	}
}

// CancelAll fires every registered cancel. Entries stay registered; the owning
// turn removes itself via its release on the way out.
func (r *cancelRegistry) CancelAll() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.cancels))
	for _, fn := range r.cancels {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Active reports how many turns are currently registered.
func (r *cancelRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
