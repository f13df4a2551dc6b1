package snapshot

import "sync"

// CycleCheckGuard keeps cycle checking enabled on a snapshot until Release
// is called. Guards nest; checking stays on while any is held.
type CycleCheckGuard struct {
	s    *WorkspaceSnapshot
	once sync.Once
}

// EnableCycleCheck turns on cycle checking for AddEdge until the returned
// guard is released.
func (s *WorkspaceSnapshot) EnableCycleCheck() *CycleCheckGuard {
	s.cycleChecks.Add(1)
	return &CycleCheckGuard{s: s}
}

// CycleCheckEnabled reports whether any guard is outstanding.
func (s *WorkspaceSnapshot) CycleCheckEnabled() bool {
	return s.cycleChecks.Load() > 0
}

// Release drops the guard. Calling it more than once is harmless.
func (g *CycleCheckGuard) Release() {
	g.once.Do(func() {
		g.s.cycleChecks.Add(-1)
	})
}
