package sqlite_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hours-engine/core"
	"github.com/warp/hours-engine/ledger"
	"github.com/warp/hours-engine/store/sqlite"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDirectory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	res := core.Resource{
		ID: "r1", Name: "Giulia", BaseHourlyCost: dec("20.50"),
		AnnualTotalHours: dec("1720"), NormalHours: dec("1500"), ReserveHours: dec("220"),
		Role: core.RoleAreaManager,
	}
	require.NoError(t, s.SaveResource(ctx, res))
	got, err := s.GetResource(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.BaseHourlyCost.Equal(dec("20.5")))
	assert.Equal(t, core.RoleAreaManager, got.Role)

	missing, err := s.GetResource(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, s.SaveClient(ctx, core.Client{ID: "c1", Name: "Acme", AuthorizedBudget: core.Budget(dec("5000"))}))
	require.NoError(t, s.SaveClient(ctx, core.Client{ID: "c1", Name: "Acme S.p.A.", AuthorizedBudget: core.Budget(dec("6000"))}))
	clients, err := s.ListClients(ctx)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, "Acme S.p.A.", clients[0].Name)
	require.NotNil(t, clients[0].AuthorizedBudget)
	assert.True(t, clients[0].AuthorizedBudget.Equal(dec("6000")))

	require.NoError(t, s.SaveClient(ctx, core.Client{ID: "c2", Name: "Globex"}))
	require.NoError(t, s.SaveClient(ctx, core.Client{ID: "c3", Name: "Initech", AuthorizedBudget: core.Budget(dec("0"))}))
	unset, err := s.GetClient(ctx, "c2")
	require.NoError(t, err)
	assert.Nil(t, unset.AuthorizedBudget)
	zero, err := s.GetClient(ctx, "c3")
	require.NoError(t, err)
	require.NotNil(t, zero.AuthorizedBudget)
	assert.True(t, zero.AuthorizedBudget.IsZero())
}

func TestNodes_ActualAndFilters(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	act := core.Minutes(450)
	nodes := []core.Node{
		{ID: "p1", Level: core.LevelProject, ClientID: "c1", Name: "Portale", Estimated: core.ZeroHours()},
		{ID: "a1", Level: core.LevelArea, ParentID: "p1", ClientID: "c1", Estimated: core.ZeroHours()},
		{
			ID: "t1", Level: core.LevelTask, ParentID: "a1", ClientID: "c1", Name: "Login",
			Status: core.StatusCompleted, Estimated: core.Hours(8), Actual: &act, ResourceID: "r1",
			ReassignedMinutes: 15, FromReassignment: true, CreatedAt: now, UpdatedAt: now,
		},
		{ID: "t2", Level: core.LevelTask, ParentID: "a1", ClientID: "c1", Status: core.StatusPlanned, Estimated: core.Hours(2), ResourceID: "r2"},
	}
	for _, n := range nodes {
		require.NoError(t, s.SaveNode(ctx, n))
	}

	t1, err := s.GetNode(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, t1.Actual)
	assert.Equal(t, core.UnitMinutes, t1.Actual.Unit)
	assert.Equal(t, int64(450), t1.Actual.Minutes())
	assert.Equal(t, int64(15), t1.ReassignedMinutes)
	assert.True(t, t1.FromReassignment)
	assert.Equal(t, int64(15), t1.CreditMinutes())
	assert.True(t, t1.CreatedAt.Equal(now))

	t2, err := s.GetNode(ctx, "t2")
	require.NoError(t, err)
	assert.Nil(t, t2.Actual)

	parent := core.NodeID("a1")
	children, err := s.ListNodes(ctx, core.NodeFilter{ParentID: &parent})
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, core.NodeID("t1"), children[0].ID)

	mine, err := s.ListNodes(ctx, core.NodeFilter{Level: core.LevelTask, ResourceID: "r2"})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, core.NodeID("t2"), mine[0].ID)

	projects, err := s.ListNodes(ctx, core.NodeFilter{Level: core.LevelProject})
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestHours_InsertionOrderAndAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.AppendHours(ctx,
		core.HourTransaction{ID: "h1", ResourceID: "r1", ClientID: "c1", Pool: core.PoolProject, Level: core.LevelTask, NodeID: "t1",
			Delta: core.Hours(-10), Rate: dec("40"), Type: core.TxCommit, CreatedAt: now},
		core.HourTransaction{ID: "h0", ResourceID: "r1", ClientID: "c1", Pool: core.PoolReserve, Level: core.LevelTask, NodeID: "t1",
			Delta: core.Minutes(-30), Rate: dec("40"), Type: core.TxCommit, CreatedAt: now},
	))

	all, err := s.HourTransactions(ctx, core.HourFilter{ResourceID: "r1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "h1", all[0].ID, "insertion order, not id order")
	assert.True(t, all[0].Cost().Equal(dec("-400")))
	assert.True(t, all[1].Cost().Equal(dec("-20")))

	reserve, err := s.HourTransactions(ctx, core.HourFilter{Pool: core.PoolReserve})
	require.NoError(t, err)
	assert.Len(t, reserve, 1)

	err = s.WithTx(ctx, func(tx core.Store) error {
		return tx.AppendHours(ctx, core.HourTransaction{ID: "h1", ResourceID: "r1", Delta: core.Hours(-1)})
	})
	assert.Error(t, err, "ids are unique")
}

func TestMargin_Upsert(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	cfg := core.MarginConfig{
		ID: "m1", ResourceID: "r1", ClientID: "c1", Policy: "additive",
		Components: []core.MarginComponent{
			{Name: "overhead", Percentage: dec("25"), Active: true},
			{Name: "risk", Percentage: dec("12.5"), Active: false},
		},
		BaseHourlyCost: dec("20"), FinalHourlyCost: dec("25"), UpdatedBy: "u1", UpdatedAt: now,
	}
	require.NoError(t, s.SaveMarginConfig(ctx, cfg))

	cfg.FinalHourlyCost = dec("27.5")
	cfg.Components[1].Active = true
	require.NoError(t, s.SaveMarginConfig(ctx, cfg))

	got, err := s.GetMarginConfig(ctx, "r1", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "m1", got.ID)
	assert.True(t, got.FinalHourlyCost.Equal(dec("27.5")))
	require.Len(t, got.Components, 2)
	assert.True(t, got.Components[1].Active)
	assert.True(t, got.Components[1].Percentage.Equal(dec("12.5")))

	none, err := s.GetMarginConfig(ctx, "r1", "c2")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestBonus_OncePerTaskAndManagementUpdate(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	rec := core.BonusRecord{
		ID: "b1", TaskID: "t1", ResourceID: "r1",
		EstimatedHours: dec("10"), ActualHours: dec("8"), VarianceHours: dec("2"),
		Classification: core.ClassPositive, Percentage: dec("10"),
		BaseHourlyCost: dec("20"), FinalHourlyCost: dec("40"), Amount: dec("8"),
		State: core.BonusPending, CreatedBy: "u1", CreatedAt: now,
	}
	require.NoError(t, s.CreateBonusRecord(ctx, rec))

	dup := rec
	dup.ID = "b2"
	err := s.CreateBonusRecord(ctx, dup)
	assert.True(t, errors.Is(err, core.ErrAlreadyEvaluated))

	managed := rec
	managed.State = core.BonusPaid
	managed.ManagedBy = "u2"
	managed.ManagedAt = &now
	managed.Amount = dec("999")
	require.NoError(t, s.UpdateBonusRecord(ctx, managed))

	got, err := s.GetBonusRecordByTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.BonusPaid, got.State)
	assert.Equal(t, "u2", got.ManagedBy)
	require.NotNil(t, got.ManagedAt)
	assert.True(t, got.Amount.Equal(dec("8")), "amount is immutable")

	paid, err := s.ListBonusRecords(ctx, core.BonusFilter{State: core.BonusPaid})
	require.NoError(t, err)
	assert.Len(t, paid, 1)

	err = s.UpdateBonusRecord(ctx, core.BonusRecord{ID: "missing"})
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

func TestReassignments_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	for _, r := range []core.ReassignmentRecord{
		{ID: "x1", SourceTaskID: "a", DestinationTaskID: "b", Minutes: 30, Justification: "first", CreatedAt: now},
		{ID: "x2", SourceTaskID: "a", DestinationTaskID: "c", Minutes: 10, Justification: "second", CreatedTask: true, CreatedAt: now},
	} {
		require.NoError(t, s.AppendReassignment(ctx, r))
	}

	got, err := s.ListReassignments(ctx, core.ReassignmentFilter{TaskID: "a"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "x2", got[0].ID)
	assert.True(t, got[0].CreatedTask)

	err = s.AppendReassignment(ctx, core.ReassignmentRecord{ID: "x3", SourceTaskID: "a", DestinationTaskID: "b", Minutes: 0})
	assert.Error(t, err, "minutes must be positive")
}

func TestWithTx_RollsBack(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx core.Store) error {
		require.NoError(t, tx.SaveClient(ctx, core.Client{ID: "c1", Name: "Acme"}))
		require.NoError(t, tx.AppendHours(ctx, core.HourTransaction{ID: "h1", ResourceID: "r1", Delta: core.Hours(-1), Rate: dec("0")}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	c, err := s.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, c)
	txs, err := s.HourTransactions(ctx, core.HourFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.SaveClient(ctx, core.Client{ID: "c1"}))
	require.NoError(t, s.AppendHours(ctx, core.HourTransaction{ID: "h1", ResourceID: "r1", Delta: core.Hours(-1), Rate: dec("0")}))
	require.NoError(t, s.Reset(ctx))

	clients, err := s.ListClients(ctx)
	require.NoError(t, err)
	assert.Empty(t, clients)
	txs, err := s.HourTransactions(ctx, core.HourFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)

	// Triggers are back in force after the reset.
	require.NoError(t, s.AppendHours(ctx, core.HourTransaction{ID: "h2", ResourceID: "r1", Delta: core.Hours(-1), Rate: dec("0")}))
	require.NoError(t, s.AppendReassignment(ctx, core.ReassignmentRecord{ID: "x1", SourceTaskID: "a", DestinationTaskID: "b", Minutes: 1}))
	err = s.WithTx(ctx, func(tx core.Store) error {
		return tx.AppendHours(ctx, core.HourTransaction{ID: "h2", ResourceID: "r1", Delta: core.Hours(-1), Rate: dec("0")})
	})
	assert.Error(t, err)
}

// The ledger runs unchanged on top of SQLite.
func TestLedgerOnSQLite(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.SaveResource(ctx, core.Resource{
		ID: "r1", Name: "Giulia", BaseHourlyCost: dec("20"),
		AnnualTotalHours: dec("1720"), NormalHours: dec("100"), ReserveHours: dec("20"),
		Role: core.RoleContributor,
	}))
	require.NoError(t, s.SaveClient(ctx, core.Client{ID: "c1", Name: "Acme"}))
	for _, n := range []core.Node{
		{ID: "p1", Level: core.LevelProject, ClientID: "c1", Estimated: core.ZeroHours()},
		{ID: "a1", Level: core.LevelArea, ParentID: "p1", ClientID: "c1", Estimated: core.ZeroHours()},
		{ID: "act1", Level: core.LevelActivity, ParentID: "a1", ClientID: "c1", Estimated: core.ZeroHours()},
		{ID: "t1", Level: core.LevelTask, ParentID: "act1", ClientID: "c1", Estimated: core.Hours(40), ResourceID: "r1"},
	} {
		require.NoError(t, s.SaveNode(ctx, n))
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	svc := ledger.NewService(s, core.NewKeyedMutex(), logger)
	svc.Now = func() time.Time { return now }

	res, err := svc.Assign(ctx, ledger.AssignRequest{
		ResourceID: "r1", ClientID: "c1", Pool: core.PoolProject, Level: core.LevelTask,
		TargetID: "t1", Hours: core.Hours(30), Actor: "u1",
	})
	require.NoError(t, err)
	assert.True(t, res.FinalHourlyCost.Equal(dec("40")))
	assert.True(t, res.RemainingHoursInPool.Value.Equal(dec("70")))

	_, err = svc.Assign(ctx, ledger.AssignRequest{
		ResourceID: "r1", ClientID: "c1", Pool: core.PoolProject, Level: core.LevelTask,
		TargetID: "t1", Hours: core.Hours(150), Actor: "u1",
	})
	assert.True(t, errors.Is(err, core.ErrInsufficientHours))

	pool, err := svc.Pool(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, pool.Project.Available.Value.Equal(dec("70")))

	// Minute deltas are stored with their unit and sum back exactly.
	_, err = svc.Commit(ctx, ledger.CommitRequest{ResourceID: "r1", Pool: core.PoolProject, NodeID: "t1", Hours: core.Minutes(20)})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err = svc.Release(ctx, ledger.ReleaseRequest{ResourceID: "r1", Pool: core.PoolProject, NodeID: "t1", Hours: core.Minutes(10)})
		require.NoError(t, err, "release %d", i)
	}
	held, err := svc.Committed(ctx, "r1", "t1")
	require.NoError(t, err)
	assert.True(t, held.Value.Equal(dec("30")), "held %s", held)

	txs, err := s.HourTransactions(ctx, core.HourFilter{NodeID: "t1"})
	require.NoError(t, err)
	require.Len(t, txs, 4)
	assert.Equal(t, core.UnitMinutes, txs[1].Delta.Unit)
	assert.True(t, txs[1].Delta.Value.Equal(dec("-20")))

	pool, err = svc.Pool(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, pool.Project.Available.Value.Equal(dec("70")))
	assert.True(t, pool.Project.Committed.Value.Equal(dec("30")))
}
