package reassign_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hours-engine/core"
	"github.com/warp/hours-engine/core/store"
	"github.com/warp/hours-engine/reassign"
)

// =============================================================================
// FIXTURES
// =============================================================================

func completedTask(id core.NodeID, estMin, actMin int64) core.Node {
	act := core.Minutes(actMin)
	return core.Node{
		ID:         id,
		Level:      core.LevelTask,
		ParentID:   "act1",
		ClientID:   "c1",
		Name:       "Task " + string(id),
		Status:     core.StatusCompleted,
		Estimated:  core.Minutes(estMin),
		Actual:     &act,
		ResourceID: "r1",
	}
}

// setup seeds:
//
//	A: credit 50 min    B: debit 40 min
//	C: debit 100 min    P: credit 30 min, bonus paid
//	N: credit 20 min, bonus pending positivo
func setup(t *testing.T) (*reassign.Engine, *store.Memory) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	require.NoError(t, mem.SaveResource(ctx, core.Resource{
		ID: "r1", Name: "Giulia", BaseHourlyCost: decimal.NewFromInt(20),
		AnnualTotalHours: decimal.NewFromInt(1720), NormalHours: decimal.NewFromInt(1500),
		Role: core.RoleContributor,
	}))
	require.NoError(t, mem.SaveClient(ctx, core.Client{ID: "c1", Name: "Acme"}))

	nodes := []core.Node{
		{ID: "p1", Level: core.LevelProject, ClientID: "c1", Name: "Portale"},
		{ID: "a1", Level: core.LevelArea, ParentID: "p1", ClientID: "c1", Name: "Backend"},
		{ID: "act1", Level: core.LevelActivity, ParentID: "a1", ClientID: "c1", Name: "API"},
		completedTask("A", 600, 550),
		completedTask("B", 600, 640),
		completedTask("C", 600, 700),
		completedTask("P", 120, 90),
		completedTask("N", 120, 100),
		{ID: "open", Level: core.LevelTask, ParentID: "act1", ClientID: "c1", Status: core.StatusInProgress, Estimated: core.Hours(3), ResourceID: "r1"},
	}
	for _, n := range nodes {
		require.NoError(t, mem.SaveNode(ctx, n))
	}
	require.NoError(t, mem.CreateBonusRecord(ctx, core.BonusRecord{
		ID: "bp", TaskID: "P", ResourceID: "r1", Classification: core.ClassPositive, State: core.BonusPaid,
	}))
	require.NoError(t, mem.CreateBonusRecord(ctx, core.BonusRecord{
		ID: "bn", TaskID: "N", ResourceID: "r1", Classification: core.ClassPositive, State: core.BonusPending,
	}))

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	eng := reassign.NewEngine(mem, core.NewKeyedMutex(), logger)
	eng.Now = func() time.Time { return time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC) }
	return eng, mem
}

func toTask(src, dst core.NodeID, minutes int64) reassign.Request {
	return reassign.Request{
		SourceTaskID:  src,
		Minutes:       minutes,
		Destination:   reassign.Destination{TaskID: dst},
		Justification: "riequilibrio sprint",
		Actor:         "pm-1",
	}
}

// =============================================================================
// CANDIDATES
// =============================================================================

func TestCandidates(t *testing.T) {
	eng, _ := setup(t)

	c, err := eng.Candidates(context.Background(), reassign.CandidateFilter{})
	require.NoError(t, err)

	require.Len(t, c.Credits, 2, "paid bonus P offers no credit")
	assert.Equal(t, core.NodeID("A"), c.Credits[0].TaskID)
	assert.Equal(t, int64(50), c.Credits[0].Minutes)
	assert.Equal(t, "Portale", c.Credits[0].ProjectName)
	assert.Equal(t, "Giulia", c.Credits[0].ResourceName)
	assert.Equal(t, core.NodeID("N"), c.Credits[1].TaskID)

	require.Len(t, c.Debits, 2)
	assert.Equal(t, core.NodeID("B"), c.Debits[0].TaskID)
	assert.Equal(t, int64(40), c.Debits[0].Minutes)
	assert.Equal(t, core.NodeID("C"), c.Debits[1].TaskID)
	assert.Equal(t, int64(100), c.Debits[1].Minutes)

	c, err = eng.Candidates(context.Background(), reassign.CandidateFilter{ResourceID: "r9"})
	require.NoError(t, err)
	assert.Empty(t, c.Credits)
	assert.Empty(t, c.Debits)
}

// =============================================================================
// EXECUTE
// =============================================================================

func TestExecute_Scenario(t *testing.T) {
	// GIVEN: A has 50 min credit, B has 40 min debit
	// WHEN: Moving 30 min from A to B
	// THEN: A keeps 20, B owes 10, one record with minutes=30

	eng, mem := setup(t)
	ctx := context.Background()

	res, err := eng.Execute(ctx, toTask("A", "B", 30))
	require.NoError(t, err)

	assert.Equal(t, int64(20), res.SourceRemainingCredit)
	assert.Equal(t, int64(10), res.DestinationRemainingDebit)
	assert.Nil(t, res.CreatedTask)
	assert.Equal(t, int64(30), res.Record.Minutes)
	assert.Equal(t, int64(50), res.Record.SourceCreditBefore)
	assert.Equal(t, int64(40), res.Record.DestinationDebitBefore)
	assert.Equal(t, core.NodeID("p1"), res.Record.ProjectID)

	a, err := mem.GetNode(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(20), a.CreditMinutes())
	b, err := mem.GetNode(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.DebitMinutes())

	history, err := eng.History(ctx, "")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, res.Record.ID, history[0].ID)
}

func TestExecute_Conservation(t *testing.T) {
	eng, mem := setup(t)
	ctx := context.Background()

	net := func() int64 {
		var total int64
		for _, id := range []core.NodeID{"A", "B", "C"} {
			n, err := mem.GetNode(ctx, id)
			require.NoError(t, err)
			total += n.CreditMinutes() - n.DebitMinutes()
		}
		return total
	}

	before := net()
	_, err := eng.Execute(ctx, toTask("A", "C", 25))
	require.NoError(t, err)
	_, err = eng.Execute(ctx, toTask("A", "B", 25))
	require.NoError(t, err)
	assert.Equal(t, before, net(), "credit - debit is invariant")
}

func TestExecute_NewTask(t *testing.T) {
	eng, mem := setup(t)
	ctx := context.Background()

	res, err := eng.Execute(ctx, reassign.Request{
		SourceTaskID:  "A",
		Minutes:       45,
		Destination:   reassign.Destination{ProjectID: "p1", NewTaskName: "Hardening"},
		Justification: "nuovo lavoro",
		Actor:         "pm-1",
	})
	require.NoError(t, err)

	require.NotNil(t, res.CreatedTask)
	assert.Equal(t, int64(5), res.SourceRemainingCredit)
	assert.Equal(t, int64(0), res.DestinationRemainingDebit)
	assert.True(t, res.Record.CreatedTask)
	assert.Equal(t, int64(45), res.Record.DestinationDebitBefore)

	task, err := mem.GetNode(ctx, res.CreatedTask.ID)
	require.NoError(t, err)
	assert.True(t, task.FromReassignment)
	assert.Equal(t, core.NodeID("p1"), task.ParentID)
	assert.Equal(t, core.ResourceID("r1"), task.ResourceID)
	assert.Equal(t, int64(45), task.Estimated.Minutes())
	assert.Equal(t, core.StatusPlanned, task.Status)
}

func TestExecute_StaleCredit(t *testing.T) {
	eng, _ := setup(t)
	ctx := context.Background()

	_, err := eng.Execute(ctx, toTask("A", "C", 40))
	require.NoError(t, err)

	// The candidate list said 50 min; only 10 remain.
	_, err = eng.Execute(ctx, toTask("A", "B", 30))
	var se *core.StaleCreditError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, int64(10), se.Current)
	assert.True(t, errors.Is(err, core.ErrConflict))

	expected := int64(50)
	req := toTask("A", "B", 5)
	req.ExpectedCredit = &expected
	_, err = eng.Execute(ctx, req)
	assert.True(t, errors.Is(err, core.ErrStaleCredit), "changed credit is stale even when the request fits")
}

func TestExecute_FractionalSurplusOffersNoCredit(t *testing.T) {
	eng, mem := setup(t)
	ctx := context.Background()

	// 10h estimated, 9.99h actual: 0.6 min saved.
	act := core.HoursDec(decimal.RequireFromString("9.99"))
	require.NoError(t, mem.SaveNode(ctx, core.Node{
		ID: "F", Level: core.LevelTask, ParentID: "act1", ClientID: "c1", Name: "Task F",
		Status: core.StatusCompleted, Estimated: core.Hours(10), Actual: &act, ResourceID: "r1",
	}))

	c, err := eng.Candidates(ctx, reassign.CandidateFilter{})
	require.NoError(t, err)
	for _, cr := range c.Credits {
		assert.NotEqual(t, core.NodeID("F"), cr.TaskID)
	}

	_, err = eng.Execute(ctx, toTask("F", "B", 1))
	var se *core.StaleCreditError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, int64(0), se.Current)
}

func TestExecute_Validation(t *testing.T) {
	eng, _ := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  reassign.Request
		want error
	}{
		{"zero minutes", toTask("A", "B", 0), core.ErrValidation},
		{"negative minutes", toTask("A", "B", -5), core.ErrValidation},
		{"blank justification", reassign.Request{SourceTaskID: "A", Minutes: 5, Destination: reassign.Destination{TaskID: "B"}, Justification: "   "}, core.ErrValidation},
		{"no destination", reassign.Request{SourceTaskID: "A", Minutes: 5, Justification: "x"}, core.ErrValidation},
		{"same task", toTask("A", "A", 5), core.ErrValidation},
		{"new task without name", reassign.Request{SourceTaskID: "A", Minutes: 5, Destination: reassign.Destination{ProjectID: "p1"}, Justification: "x"}, core.ErrValidation},
		{"new task under non-project", reassign.Request{SourceTaskID: "A", Minutes: 5, Destination: reassign.Destination{ProjectID: "a1", NewTaskName: "x"}, Justification: "x"}, core.ErrValidation},
		{"missing source", toTask("Z", "B", 5), core.ErrNotFound},
		{"source not a task", toTask("act1", "B", 5), core.ErrValidation},
		{"more than debit", toTask("A", "B", 45), core.ErrValidation},
		{"no credit", toTask("B", "C", 5), core.ErrStaleCredit},
		{"destination without debit", toTask("A", "open", 5), core.ErrDestinationCompensated},
		{"paid bonus credit", toTask("P", "B", 5), core.ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Execute(ctx, tt.req)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	history, err := eng.History(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, history, "rejected requests write nothing")
}

func TestExecute_FullyCompensatedDestination(t *testing.T) {
	eng, _ := setup(t)
	ctx := context.Background()

	_, err := eng.Execute(ctx, toTask("A", "B", 40))
	require.NoError(t, err)

	_, err = eng.Execute(ctx, toTask("A", "B", 5))
	assert.True(t, errors.Is(err, core.ErrDestinationCompensated))
}

func TestExecute_ConvertsPendingPositiveBonus(t *testing.T) {
	eng, mem := setup(t)
	ctx := context.Background()

	_, err := eng.Execute(ctx, toTask("N", "B", 10))
	require.NoError(t, err)

	rec, err := mem.GetBonusRecordByTask(ctx, "N")
	require.NoError(t, err)
	assert.Equal(t, core.BonusConvertedHours, rec.State)
	assert.Equal(t, "pm-1", rec.ManagedBy)

	// Converted credit stays reassignable.
	res, err := eng.Execute(ctx, toTask("N", "B", 10))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.SourceRemainingCredit)
}

func TestExecute_ConcurrentNoDoubleSpend(t *testing.T) {
	// GIVEN: A has 50 min credit, C has 100 min debit
	// WHEN: 20 goroutines each try to move 10 min
	// THEN: Exactly 5 succeed; the rest see stale credit

	eng, mem := setup(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, stale := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.Execute(ctx, toTask("A", "C", 10))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, core.ErrStaleCredit):
				stale++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, 15, stale)

	a, err := mem.GetNode(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.CreditMinutes())
	assert.Equal(t, int64(50), a.ReassignedMinutes)

	c, err := mem.GetNode(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, int64(50), c.DebitMinutes())
}
