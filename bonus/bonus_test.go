package bonus_test

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

	"github.com/warp/hours-engine/bonus"
	"github.com/warp/hours-engine/core"
	"github.com/warp/hours-engine/core/store"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

// =============================================================================
// PURE EVALUATION
// =============================================================================

func TestEvaluate_ScenarioPositive(t *testing.T) {
	// GIVEN: Estimated 10h, actual 8h, final cost €40/h, 10%
	// WHEN: Evaluating
	// THEN: variance +2h, amount 2 × 40 × 0.10 = €8.00, positivo

	ev, err := bonus.Evaluate(bonus.Input{
		Estimated:       core.Hours(10),
		Actual:          core.Hours(8),
		FinalHourlyCost: dec("40"),
		Percentage:      dec("10"),
	})
	require.NoError(t, err)

	assert.Equal(t, core.ClassPositive, ev.Classification)
	assert.True(t, ev.Variance.Equal(dec("2")))
	assert.Equal(t, "8.00", ev.Amount.StringFixed(2))
}

func TestEvaluate_SignCorrectness(t *testing.T) {
	tests := []struct {
		est, act string
		class    core.Classification
		sign     int
	}{
		{"10", "8", core.ClassPositive, 1},
		{"8", "10", core.ClassNegative, -1},
		{"7.5", "7.5", core.ClassZero, 0},
		{"0", "3", core.ClassNegative, -1},
		{"3", "0", core.ClassPositive, 1},
		{"1", "0.99", core.ClassPositive, 1},
	}

	for _, tt := range tests {
		t.Run(tt.est+"-"+tt.act, func(t *testing.T) {
			ev, err := bonus.Evaluate(bonus.Input{
				Estimated:       core.HoursDec(dec(tt.est)),
				Actual:          core.HoursDec(dec(tt.act)),
				FinalHourlyCost: dec("33.3"),
				Percentage:      dec("15"),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.class, ev.Classification)
			assert.Equal(t, tt.sign, ev.Amount.Sign())
		})
	}
}

func TestEvaluate_Minutes(t *testing.T) {
	ev, err := bonus.Evaluate(bonus.Input{
		Estimated:       core.Minutes(600),
		Actual:          core.Minutes(690),
		FinalHourlyCost: dec("40"),
		Percentage:      dec("10"),
	})
	require.NoError(t, err)
	assert.Equal(t, core.ClassNegative, ev.Classification)
	assert.True(t, ev.Variance.Equal(dec("-1.5")))
	assert.True(t, ev.Amount.Equal(dec("-6")))
}

func TestEvaluate_InvalidRateFailsClosed(t *testing.T) {
	for _, rate := range []string{"0", "-1"} {
		_, err := bonus.Evaluate(bonus.Input{
			Estimated: core.Hours(10), Actual: core.Hours(8),
			FinalHourlyCost: dec(rate), Percentage: dec("10"),
		})
		var ir *core.InvalidRateError
		require.True(t, errors.As(err, &ir), "rate %s", rate)
		assert.Equal(t, core.KindComputation, core.KindOf(err))
	}
}

func TestEvaluate_RejectsBadPercentage(t *testing.T) {
	_, err := bonus.Evaluate(bonus.Input{
		Estimated: core.Hours(10), Actual: core.Hours(8),
		FinalHourlyCost: dec("40"), Percentage: dec("101"),
	})
	assert.True(t, errors.Is(err, core.ErrValidation))
}

// =============================================================================
// SERVICE
// =============================================================================

func newService(t *testing.T) (*bonus.Service, *store.Memory) {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()

	require.NoError(t, mem.SaveResource(ctx, core.Resource{
		ID: "r1", Name: "Giulia", BaseHourlyCost: dec("20"),
		AnnualTotalHours: dec("1720"), NormalHours: dec("1500"), ReserveHours: dec("100"),
		Role: core.RoleContributor,
	}))
	require.NoError(t, mem.SaveClient(ctx, core.Client{ID: "c1", Name: "Acme"}))
	require.NoError(t, mem.SaveNode(ctx, core.Node{ID: "p1", Level: core.LevelProject, ClientID: "c1", Name: "Portale"}))
	require.NoError(t, mem.SaveNode(ctx, core.Node{ID: "act1", Level: core.LevelActivity, ParentID: "p1", ClientID: "c1", Name: "API"}))
	for _, id := range []core.NodeID{"t1", "t2", "t3"} {
		require.NoError(t, mem.SaveNode(ctx, core.Node{
			ID: id, Level: core.LevelTask, ParentID: "act1", ClientID: "c1",
			Name: "Task " + string(id), Status: core.StatusInProgress,
			Estimated: core.Hours(10), ResourceID: "r1",
		}))
	}
	require.NoError(t, mem.SaveMarginConfig(ctx, core.MarginConfig{
		ID: "m1", ResourceID: "r1", ClientID: "c1", Policy: "additive",
		BaseHourlyCost: dec("20"), FinalHourlyCost: dec("40"),
	}))

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	svc := bonus.NewService(mem, core.NewKeyedMutex(), logger)
	svc.Now = func() time.Time { return time.Date(2025, 6, 30, 18, 0, 0, 0, time.UTC) }
	return svc, mem
}

func TestEvaluateTask_CompletesTaskAndCreatesPendingRecord(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()

	rec, err := svc.EvaluateTask(ctx, bonus.EvaluateRequest{TaskID: "t1", ActualHours: dec("8"), Actor: "pm-1"})
	require.NoError(t, err)

	assert.Equal(t, core.BonusPending, rec.State)
	assert.Equal(t, core.ClassPositive, rec.Classification)
	assert.True(t, rec.FinalHourlyCost.Equal(dec("40")), "rate from stored margin config")
	assert.True(t, rec.BaseHourlyCost.Equal(dec("20")))
	assert.True(t, rec.Percentage.Equal(dec("10")), "default percentage")
	assert.True(t, rec.Amount.Equal(dec("8")))
	assert.NotEmpty(t, rec.ID)

	task, err := mem.GetNode(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, task.Status)
	require.NotNil(t, task.Actual)
	assert.True(t, task.Actual.Value.Equal(dec("8")))
	assert.Equal(t, int64(120), task.CreditMinutes())
}

func TestEvaluateTask_OnlyOnce(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.EvaluateTask(ctx, bonus.EvaluateRequest{TaskID: "t1", ActualHours: dec("8")})
	require.NoError(t, err)

	_, err = svc.EvaluateTask(ctx, bonus.EvaluateRequest{TaskID: "t1", ActualHours: dec("5")})
	assert.True(t, errors.Is(err, core.ErrAlreadyEvaluated))

	rec, err := svc.GetByTask(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, rec.ActualHours.Equal(dec("8")), "never recomputed")
}

func TestEvaluateTask_RequestOverrides(t *testing.T) {
	svc, _ := newService(t)

	rec, err := svc.EvaluateTask(context.Background(), bonus.EvaluateRequest{
		TaskID:          "t1",
		EstimatedHours:  ptr(dec("12")),
		ActualHours:     dec("15"),
		FinalHourlyCost: ptr(dec("50")),
		BonusPercentage: ptr(dec("20")),
	})
	require.NoError(t, err)
	assert.Equal(t, core.ClassNegative, rec.Classification)
	assert.True(t, rec.EstimatedHours.Equal(dec("12")))
	assert.True(t, rec.Amount.Equal(dec("-30")), "3 × 50 × 0.20")
}

func TestEvaluateTask_InvalidRateWritesNothing(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()

	_, err := svc.EvaluateTask(ctx, bonus.EvaluateRequest{TaskID: "t1", ActualHours: dec("8"), FinalHourlyCost: ptr(decimal.Zero)})
	assert.True(t, errors.Is(err, core.ErrInvalidRate))

	task, err := mem.GetNode(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, core.StatusInProgress, task.Status, "task completion rolls back")
	rec, err := mem.GetBonusRecordByTask(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestEvaluateTask_NoMarginConfigIsInvalidRate(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	require.NoError(t, mem.SaveClient(ctx, core.Client{ID: "c2"}))
	require.NoError(t, mem.SaveNode(ctx, core.Node{
		ID: "x1", Level: core.LevelTask, ClientID: "c2", Estimated: core.Hours(1), ResourceID: "r1",
	}))

	_, err := svc.EvaluateTask(ctx, bonus.EvaluateRequest{TaskID: "x1", ActualHours: dec("1")})
	assert.True(t, errors.Is(err, core.ErrInvalidRate))
}

func TestEvaluateTask_RejectsNonTask(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.EvaluateTask(context.Background(), bonus.EvaluateRequest{TaskID: "act1", ActualHours: dec("1")})
	assert.True(t, errors.Is(err, core.ErrValidation))

	_, err = svc.EvaluateTask(context.Background(), bonus.EvaluateRequest{TaskID: "missing", ActualHours: dec("1")})
	assert.True(t, errors.Is(err, core.ErrNotFound))
}

// =============================================================================
// MANAGEMENT ACTIONS
// =============================================================================

func TestPay(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	rec, err := svc.EvaluateTask(ctx, bonus.EvaluateRequest{TaskID: "t1", ActualHours: dec("8")})
	require.NoError(t, err)

	paid, err := svc.Pay(ctx, rec.ID, "hr-1")
	require.NoError(t, err)
	assert.Equal(t, core.BonusPaid, paid.State)
	assert.Equal(t, "hr-1", paid.ManagedBy)
	require.NotNil(t, paid.ManagedAt)

	_, err = svc.Pay(ctx, rec.ID, "hr-1")
	assert.True(t, errors.Is(err, core.ErrInvalidState), "only pending records can be managed")

	_, err = svc.Pay(ctx, rec.ID, "")
	assert.True(t, errors.Is(err, core.ErrValidation))
}

func TestConvertToHours_OnlyPositive(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	pos, err := svc.EvaluateTask(ctx, bonus.EvaluateRequest{TaskID: "t1", ActualHours: dec("8")})
	require.NoError(t, err)
	neg, err := svc.EvaluateTask(ctx, bonus.EvaluateRequest{TaskID: "t2", ActualHours: dec("12")})
	require.NoError(t, err)

	_, err = svc.ConvertToHours(ctx, neg.ID, "pm-1")
	assert.True(t, errors.Is(err, core.ErrInvalidState))

	conv, err := svc.ConvertToHours(ctx, pos.ID, "pm-1")
	require.NoError(t, err)
	assert.Equal(t, core.BonusConvertedHours, conv.State)
}

func TestCreateRecoveryTask(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()

	neg, err := svc.EvaluateTask(ctx, bonus.EvaluateRequest{TaskID: "t2", ActualHours: dec("13.5")})
	require.NoError(t, err)

	rec, task, err := svc.CreateRecoveryTask(ctx, neg.ID, "pm-1", "")
	require.NoError(t, err)

	assert.Equal(t, core.BonusConvertedRecovery, rec.State)
	assert.Equal(t, task.ID, rec.RecoveryTaskID)
	assert.Equal(t, core.NodeID("act1"), task.ParentID)
	assert.Equal(t, core.ResourceID("r1"), task.ResourceID)
	assert.True(t, task.Estimated.Value.Equal(dec("3.5")))
	assert.Equal(t, "Recupero Task t2", task.Name)

	stored, err := mem.GetNode(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	pos, err := svc.EvaluateTask(ctx, bonus.EvaluateRequest{TaskID: "t1", ActualHours: dec("8")})
	require.NoError(t, err)
	_, _, err = svc.CreateRecoveryTask(ctx, pos.ID, "pm-1", "x")
	assert.True(t, errors.Is(err, core.ErrInvalidState))
}

func TestList(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	for _, id := range []core.NodeID{"t1", "t2", "t3"} {
		_, err := svc.EvaluateTask(ctx, bonus.EvaluateRequest{TaskID: id, ActualHours: dec("9")})
		require.NoError(t, err)
	}
	recs, err := svc.List(ctx, core.BonusFilter{ResourceID: "r1"})
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	recs, err = svc.List(ctx, core.BonusFilter{ResourceID: "r9"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}
