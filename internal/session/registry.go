package session

import "sync"

// Registry is the worker's live set of running session processes. Shutdown
// and control consumers reach running adapters through it.
type Registry struct {
	mu        sync.Mutex
	processes map[string]*Process
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{processes: make(map[string]*Process)}
}

// Register adds a running process.
func (r *Registry) Register(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[p.SessionID()] = p
}

// Unregister removes a process, usually after its exit resolves.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processes, sessionID)
}

// Get returns the live process for a session, or nil.
func (r *Registry) Get(sessionID string) *Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processes[sessionID]
}

// Len returns the number of live processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processes)
}

// TerminateAll sends SIGTERM to every live process group, used on worker
// shutdown after the drain window lapses.
func (r *Registry) TerminateAll() {
	r.mu.Lock()
	procs := make([]*Process, 0, len(r.processes))
	for _, p := range r.processes {
		procs = append(procs, p)
	}
	r.mu.Unlock()
	for _, p := range procs {
		p.Terminate()
	}
}
