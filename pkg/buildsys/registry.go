package buildsys

import (
	"sort"
	"sync"

	"github.com/rotisserie/eris"
)

// Registry holds the declared tasks and watch sessions. Its dependency graph is always complete
// and acyclic: every registration is validated before it becomes visible.
type Registry struct {
	lock         sync.RWMutex
	tasks        TaskList
	order        []string
	sessions     map[string]*WatchSession
	sessionOrder []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:    make(TaskList),
		sessions: make(map[string]*WatchSession),
	}
}

// Add registers a task implemented in Go.
func (r *Registry) Add(name string, deps []string, action Action) error {
	return r.Register(&Task{Short: name, Deps: deps, Action: action})
}

// Register adds a single task. All of its dependencies have to be registered already.
func (r *Registry) Register(task *Task) error {
	if task.Short == "" {
		return eris.New("tasks need a name")
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.taken(task.Short) {
		return &DuplicateTaskError{Name: task.Short}
	}

	for _, dep := range task.Deps {
		if dep == task.Short {
			return &CycleError{Path: []string{dep, dep}}
		}
		if _, ok := r.tasks[dep]; !ok {
			return &UnknownDependencyError{Task: task.Short, Dependency: dep}
		}
	}

	r.tasks[task.Short] = task
	r.order = append(r.order, task.Short)
	return nil
}

// RegisterAll adds a batch of tasks which may reference each other in any order. Either all tasks
// are registered or, if any of them is invalid, none.
func (r *Registry) RegisterAll(tasks []*Task) error {
	return r.RegisterBatch(tasks, nil)
}

// RegisterBatch adds the tasks and watch sessions declared by one script. Sessions may refer to any
// task of the batch. Either everything is registered or, if anything is invalid, nothing.
func (r *Registry) RegisterBatch(tasks []*Task, sessions []*WatchSession) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	staged := make(TaskList, len(r.tasks)+len(tasks))
	for name, task := range r.tasks {
		staged[name] = task
	}

	names := make([]string, 0, len(tasks))
	for _, task := range tasks {
		if task.Short == "" {
			return eris.New("tasks need a name")
		}
		if _, ok := staged[task.Short]; ok || r.sessions[task.Short] != nil {
			return &DuplicateTaskError{Name: task.Short}
		}

		staged[task.Short] = task
		names = append(names, task.Short)
	}

	for _, task := range tasks {
		for _, dep := range task.Deps {
			if _, ok := staged[dep]; !ok {
				return &UnknownDependencyError{Task: task.Short, Dependency: dep}
			}
		}
	}

	// existing tasks can't depend on new ones so any cycle has to go through the batch
	if cycle := findCycle(staged, names); cycle != nil {
		return &CycleError{Path: cycle}
	}

	sessionNames := make(map[string]bool, len(sessions))
	for _, session := range sessions {
		if session.Name == "" {
			return eris.New("watch sessions need a name")
		}
		if _, ok := staged[session.Name]; ok || r.sessions[session.Name] != nil || sessionNames[session.Name] {
			return &DuplicateTaskError{Name: session.Name}
		}
		if err := checkSession(session, staged); err != nil {
			return err
		}
		sessionNames[session.Name] = true
	}

	r.tasks = staged
	r.order = append(r.order, names...)
	for _, session := range sessions {
		r.sessions[session.Name] = session
		r.sessionOrder = append(r.sessionOrder, session.Name)
	}
	return nil
}

// checkSession verifies that every task session refers to is in tasks.
func checkSession(session *WatchSession, tasks TaskList) error {
	for _, name := range session.Initial {
		if _, ok := tasks[name]; !ok {
			return &UnknownDependencyError{Task: session.Name, Dependency: name}
		}
	}

	for _, binding := range session.Bindings {
		if len(binding.Patterns) == 0 {
			return eris.Errorf("watch session %s contains a binding without patterns", session.Name)
		}

		for _, name := range binding.Tasks {
			if _, ok := tasks[name]; !ok {
				return &UnknownDependencyError{Task: session.Name, Dependency: name}
			}
		}
	}
	return nil
}

// AddWatch registers a watch session. Every task it references has to be registered already.
func (r *Registry) AddWatch(session *WatchSession) error {
	if session.Name == "" {
		return eris.New("watch sessions need a name")
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	if r.taken(session.Name) {
		return &DuplicateTaskError{Name: session.Name}
	}
	if err := checkSession(session, r.tasks); err != nil {
		return err
	}

	r.sessions[session.Name] = session
	r.sessionOrder = append(r.sessionOrder, session.Name)
	return nil
}

func (r *Registry) taken(name string) bool {
	if _, ok := r.tasks[name]; ok {
		return true
	}
	_, ok := r.sessions[name]
	return ok
}

// Lookup returns the named task.
func (r *Registry) Lookup(name string) (*Task, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	task, ok := r.tasks[name]
	return task, ok
}

// Names returns the sorted names of all tasks.
func (r *Registry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tasks returns all tasks in registration order.
func (r *Registry) Tasks() []*Task {
	r.lock.RLock()
	defer r.lock.RUnlock()

	result := make([]*Task, len(r.order))
	for idx, name := range r.order {
		result[idx] = r.tasks[name]
	}
	return result
}

// Sessions returns all watch sessions in registration order.
func (r *Registry) Sessions() []*WatchSession {
	r.lock.RLock()
	defer r.lock.RUnlock()

	result := make([]*WatchSession, len(r.sessionOrder))
	for idx, name := range r.sessionOrder {
		result[idx] = r.sessions[name]
	}
	return result
}

// Session returns the named watch session.
func (r *Registry) Session(name string) (*WatchSession, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	session, ok := r.sessions[name]
	return session, ok
}

// Plan returns the execution order for the given tasks without running anything.
func (r *Registry) Plan(names ...string) ([]string, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return topoOrder(r.tasks, names)
}
