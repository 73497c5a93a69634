package server

import "sync"

// Admission bounds the number of concurrently served sessions. Every
// successful TryAcquire must be paired with exactly one Release.
type Admission struct {
	mu     sync.Mutex
	active int
	max    int
}

func NewAdmission(max int) *Admission {
	return &Admission{max: max}
}

// TryAcquire takes a slot if one is free. It never blocks.
func (a *Admission) TryAcquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active >= a.max {
		return false
	}
	a.active++
	return true
}

func (a *Admission) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active > 0 {
		a.active--
	}
}

func (a *Admission) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *Admission) Max() int {
	return a.max
}
