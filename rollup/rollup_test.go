package rollup_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hours-engine/core"
	"github.com/warp/hours-engine/core/store"
	"github.com/warp/hours-engine/rollup"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func task(id, parent core.NodeID, rid core.ResourceID, est, act float64) core.Node {
	a := core.Hours(act)
	return core.Node{
		ID: id, Level: core.LevelTask, ParentID: parent, ClientID: "c1",
		Name: "Task " + string(id), Status: core.StatusCompleted,
		Estimated: core.Hours(est), Actual: &a, ResourceID: rid,
	}
}

// hierarchy:
//
//	c1
//	└─ p1
//	   ├─ a1
//	   │  ├─ act1: t1 (r1, 10/8, +8€), t2 (r2, 4/5)
//	   │  └─ act2 (empty)
//	   ├─ a2 (empty)
//	   └─ t9 (r1, directly under the project, 0.5/0)
//	c2 (no projects)
func hierarchy() rollup.Input {
	t9 := task("t9", "p1", "r1", 0.5, 0)
	t9.Actual = nil
	t9.Status = core.StatusPlanned
	return rollup.Input{
		Clients: []core.Client{{ID: "c1", Name: "Acme"}, {ID: "c2", Name: "Globex"}},
		Nodes: []core.Node{
			{ID: "p1", Level: core.LevelProject, ClientID: "c1", Name: "Portale"},
			{ID: "a1", Level: core.LevelArea, ParentID: "p1", ClientID: "c1", Name: "Backend"},
			{ID: "a2", Level: core.LevelArea, ParentID: "p1", ClientID: "c1", Name: "Frontend"},
			{ID: "act1", Level: core.LevelActivity, ParentID: "a1", ClientID: "c1", Name: "API"},
			{ID: "act2", Level: core.LevelActivity, ParentID: "a1", ClientID: "c1", Name: "DB"},
			task("t1", "act1", "r1", 10, 8),
			task("t2", "act1", "r2", 4, 5),
			t9,
		},
		Records: []core.BonusRecord{
			{ID: "b1", TaskID: "t1", ResourceID: "r1", Amount: dec("8")},
			{ID: "b2", TaskID: "t2", ResourceID: "r2", Amount: dec("-4.5")},
		},
	}
}

func find(r *rollup.Report, id core.NodeID) *rollup.Node {
	var out *rollup.Node
	rollup.Walk(r, func(n *rollup.Node, _ int) {
		if n.ID == id {
			out = n
		}
	})
	return out
}

func TestAggregate_Organisation(t *testing.T) {
	report, err := rollup.Aggregate(hierarchy())
	require.NoError(t, err)
	require.NoError(t, rollup.Verify(report))

	require.Len(t, report.Clients, 2)
	c1 := report.Clients[0]
	assert.Equal(t, core.NodeID("c1"), c1.ID)
	assert.True(t, c1.EstimatedHours().Equal(dec("14.5")))
	assert.True(t, c1.ActualHours().Equal(dec("13")))
	assert.True(t, c1.Bonus.Equal(dec("3.5")))

	c2 := report.Clients[1]
	assert.Empty(t, c2.Children, "client without projects still appears")
	assert.True(t, c2.EstimatedMinutes.IsZero())

	act1 := find(report, "act1")
	require.NotNil(t, act1)
	assert.True(t, act1.EstimatedHours().Equal(dec("14")))
	assert.Len(t, act1.Children, 2)

	// Partial hierarchies keep zero-valued aggregates.
	for _, id := range []core.NodeID{"act2", "a2"} {
		n := find(report, id)
		require.NotNil(t, n, id)
		assert.Empty(t, n.Children)
		assert.True(t, n.EstimatedMinutes.IsZero())
		assert.True(t, n.Bonus.IsZero())
	}

	p1 := find(report, "p1")
	require.NotNil(t, p1)
	ids := []core.NodeID{}
	for _, c := range p1.Children {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []core.NodeID{"a1", "a2", "t9"}, ids)

	t1 := find(report, "t1")
	require.NotNil(t, t1.BonusRecord)
	assert.Equal(t, "b1", t1.BonusRecord.ID)

	assert.True(t, report.EstimatedHours().Equal(dec("14.5")))
}

func TestAggregate_ResourceScope(t *testing.T) {
	in := hierarchy()
	in.Scope = rollup.Scope{ResourceID: "r1"}
	in.Records = in.Records[:1]

	report, err := rollup.Aggregate(in)
	require.NoError(t, err)
	require.NoError(t, rollup.Verify(report))

	require.Len(t, report.Clients, 1, "only clients the resource works for")
	assert.Nil(t, find(report, "t2"))
	assert.Nil(t, find(report, "a2"), "unrelated branches are left out")
	assert.NotNil(t, find(report, "t9"))
	assert.True(t, report.EstimatedHours().Equal(dec("10.5")))
	assert.True(t, report.Bonus.Equal(dec("8")))
}

func TestAggregate_ResourceScopeIncludesCommittedNodes(t *testing.T) {
	in := hierarchy()
	in.Scope = rollup.Scope{ResourceID: "r2"}
	in.CommittedOn = []core.NodeID{"a2"}

	report, err := rollup.Aggregate(in)
	require.NoError(t, err)

	a2 := find(report, "a2")
	require.NotNil(t, a2, "a node holding the resource's hours appears with zero totals")
	assert.True(t, a2.EstimatedMinutes.IsZero())
}

func TestAggregate_Deterministic(t *testing.T) {
	first, err := rollup.Aggregate(hierarchy())
	require.NoError(t, err)

	// Same records, reversed input order.
	in := hierarchy()
	for i, j := 0, len(in.Nodes)-1; i < j; i, j = i+1, j-1 {
		in.Nodes[i], in.Nodes[j] = in.Nodes[j], in.Nodes[i]
	}
	second, err := rollup.Aggregate(in)
	require.NoError(t, err)

	assert.Equal(t, dump(first), dump(second))
}

func dump(r *rollup.Report) []string {
	var out []string
	rollup.Walk(r, func(n *rollup.Node, depth int) {
		out = append(out, fmt.Sprintf("%d %s %s %s %s", depth, n.ID, n.EstimatedMinutes, n.ActualMinutes, n.Bonus))
	})
	return out
}

func TestAggregate_RejectsCycle(t *testing.T) {
	in := hierarchy()
	in.Nodes = append(in.Nodes,
		core.Node{ID: "x1", Level: core.LevelActivity, ParentID: "x2", ClientID: "c1"},
		core.Node{ID: "x2", Level: core.LevelActivity, ParentID: "x1", ClientID: "c1"},
	)

	_, err := rollup.Aggregate(in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestAggregate_RejectsSelfParent(t *testing.T) {
	in := hierarchy()
	in.Nodes = append(in.Nodes, core.Node{ID: "loop", Level: core.LevelTask, ParentID: "loop", ClientID: "c1"})

	_, err := rollup.Aggregate(in)
	assert.True(t, errors.Is(err, core.ErrCyclicHierarchy))
}

func TestAggregate_RejectsOrphan(t *testing.T) {
	in := hierarchy()
	in.Nodes = append(in.Nodes, task("orphan", "gone", "r1", 1, 1))

	_, err := rollup.Aggregate(in)
	var ve *core.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "parentId", ve.Field)
}

func TestVerify_DetectsMismatch(t *testing.T) {
	report, err := rollup.Aggregate(hierarchy())
	require.NoError(t, err)

	find(report, "a1").Bonus = dec("100")

	err = rollup.Verify(report)
	assert.True(t, errors.Is(err, core.ErrInvariant))
}

func TestBuild_FromStore(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	in := hierarchy()
	for _, c := range in.Clients {
		require.NoError(t, mem.SaveClient(ctx, c))
	}
	for _, n := range in.Nodes {
		require.NoError(t, mem.SaveNode(ctx, n))
	}
	for _, r := range in.Records {
		require.NoError(t, mem.CreateBonusRecord(ctx, r))
	}

	report, err := rollup.New(mem).Build(ctx, rollup.Scope{})
	require.NoError(t, err)
	require.NoError(t, rollup.Verify(report))
	assert.True(t, report.Bonus.Equal(dec("3.5")))

	again, err := rollup.New(mem).Build(ctx, rollup.Scope{})
	require.NoError(t, err)
	assert.Equal(t, dump(report), dump(again))
}
