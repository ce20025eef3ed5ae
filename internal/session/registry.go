package session

import "sync"

// Registry tracks which students are currently being graded and which one is
// displayed as active. It is an explicit dependency of sessions and the
// batch scheduler so independent batch runs never share state.
type Registry struct {
	mu         sync.RWMutex
	inProgress map[uint]struct{}
	active     uint
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		inProgress: make(map[uint]struct{}),
	}
}

// MarkInProgress records the student as having an active grading session and
// points the active-student marker at them.
func (r *Registry) MarkInProgress(studentID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inProgress[studentID] = struct{}{}
	r.active = studentID
}

// SetActive moves the active-student marker without touching progress state.
func (r *Registry) SetActive(studentID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.active = studentID
}

// Clear removes the student from the in-progress set and resets the active
// marker when it pointed at them.
func (r *Registry) Clear(studentID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inProgress, studentID)
	if r.active == studentID {
		r.active = 0
	}
}

// InProgress reports whether the student currently has a session.
func (r *Registry) InProgress(studentID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.inProgress[studentID]
	return ok
}

// Active returns the student id currently marked active, zero when none.
func (r *Registry) Active() uint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.active
}

// Count returns how many students have sessions in flight.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.inProgress)
}
