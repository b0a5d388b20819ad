package runner

// DefaultFailureBudget is the number of consecutive cycle failures tolerated.
const DefaultFailureBudget = 3

// Governor counts consecutive cycle failures. A success restores the full
// budget; the budget is exhausted when remaining attempts reach zero.
type Governor struct {
	budget    int
	remaining int
}

// NewGovernor creates a governor. A non-positive budget uses
// DefaultFailureBudget.
func NewGovernor(budget int) *Governor {
	if budget <= 0 {
		budget = DefaultFailureBudget
	}
	return &Governor{budget: budget, remaining: budget}
}

// Success resets the remaining attempts to the budget.
func (g *Governor) Success() {
	g.remaining = g.budget
}

// Failure consumes one attempt and reports whether the budget is exhausted.
func (g *Governor) Failure() bool {
	if g.remaining > 0 {
		g.remaining--
	}
	return g.remaining == 0
}

func (g *Governor) Remaining() int { return g.remaining }
func (g *Governor) Budget() int    { return g.budget }
func (g *Governor) Exhausted() bool {
	return g.remaining == 0
}
