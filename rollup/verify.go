package rollup

import (
	"fmt"

	"github.com/warp/hours-engine/core"
)

// Verify checks that every parent carries exactly the sum of its direct
// children and that the report total is the sum of its clients. A
// mismatch is an invariant violation.
func Verify(r *Report) error {
	sum := zeroTotals()
	for _, c := range r.Clients {
		sum = sum.add(c.Totals)
	}
	if !sum.equal(r.Totals) {
		return &core.InvariantViolationError{
			Invariant: "aggregate equals sum of children",
			Detail:    "report total differs from the sum of its clients",
		}
	}

	stack := append([]*Node{}, r.Clients...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if n.Level == core.LevelTask {
			if len(n.Children) > 0 {
				return &core.InvariantViolationError{
					Invariant: "tasks are leaves",
					Detail:    fmt.Sprintf("task %s has %d children", n.ID, len(n.Children)),
				}
			}
			continue
		}

		sum := zeroTotals()
		for _, c := range n.Children {
			sum = sum.add(c.Totals)
			stack = append(stack, c)
		}
		if !sum.equal(n.Totals) {
			return &core.InvariantViolationError{
				Invariant: "aggregate equals sum of children",
				Detail: fmt.Sprintf("%s %s carries est=%s act=%s bonus=%s, children sum est=%s act=%s bonus=%s",
					n.Level, n.ID,
					n.EstimatedMinutes, n.ActualMinutes, n.Bonus,
					sum.EstimatedMinutes, sum.ActualMinutes, sum.Bonus),
			}
		}
	}
	return nil
}

// Walk visits every node depth-first, parents before children, without
// recursion. depth is 0 for clients.
func Walk(r *Report, fn func(n *Node, depth int)) {
	type item struct {
		n     *Node
		depth int
	}
	stack := make([]item, 0, len(r.Clients))
	for i := len(r.Clients) - 1; i >= 0; i-- {
		stack = append(stack, item{r.Clients[i], 0})
	}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(it.n, it.depth)
		for i := len(it.n.Children) - 1; i >= 0; i-- {
			stack = append(stack, item{it.n.Children[i], it.depth + 1})
		}
	}
}
