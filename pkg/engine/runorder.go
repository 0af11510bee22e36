package engine

// RunOrder is the run-order counter for one stage.
// The counter starts at 1 and never decreases.
type RunOrder struct {
	current int
}

// NewRunOrder returns a counter positioned at run-order 1.
func NewRunOrder() *RunOrder {
	return &RunOrder{current: 1}
}

// Allocate returns the current run-order value.
func (r *RunOrder) Allocate() int {
	return r.current
}

// Advance bumps the counter. Non-positive values are ignored.
func (r *RunOrder) Advance(by int) {
	if by > 0 {
		r.current += by
	}
}

// AdvanceTo moves the counter to n when n is ahead of the current value.
func (r *RunOrder) AdvanceTo(n int) {
	if n > r.current {
		r.current = n
	}
}

// Reserve advances by the largest per-region count of emitted run-order slots.
// An empty list, or a list of zeros, leaves the counter untouched.
func (r *RunOrder) Reserve(counts ...int) {
	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}
	r.Advance(maxCount)
}
