package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hours-engine/core"
	"github.com/warp/hours-engine/store/sqlite"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", "", "--policy-file", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestMarginPreview(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		final string
	}{
		{"default additive", []string{"--base", "20"}, "40.00"},
		{"full stack", []string{"--base", "20", "--policy", "full_stack"}, "100.00"},
		{"decimal base", []string{"--base", "17.5"}, "35.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, append([]string{"margin", "preview"}, tt.args...)...)
			require.NoError(t, err)
			assert.Contains(t, out, tt.final)
			assert.Contains(t, out, "costo_azienda")
		})
	}
}

func TestMarginPreview_Rejections(t *testing.T) {
	_, err := run(t, "margin", "preview")
	assert.Error(t, err)

	_, err = run(t, "margin", "preview", "--base", "twenty")
	assert.Error(t, err)

	_, err = run(t, "margin", "preview", "--base", "20", "--policy", "stacked")
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = run(t, "margin", "preview", "--base", "20", "--preset", "missing")
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestReportDrilldown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hours.db")
	store, err := sqlite.New(dbPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.SaveResource(ctx, core.Resource{
		ID: "res-1", Name: "Anna", BaseHourlyCost: decimal.NewFromInt(20),
		AnnualTotalHours: decimal.NewFromInt(110), NormalHours: decimal.NewFromInt(100), ReserveHours: decimal.NewFromInt(10),
		Role: core.RoleContributor,
	}))
	require.NoError(t, store.SaveClient(ctx, core.Client{ID: "client-1", Name: "Client One"}))
	actual := core.Hours(3)
	for _, n := range []core.Node{
		{ID: "p", Level: core.LevelProject, ClientID: "client-1", Name: "Portal"},
		{ID: "a", Level: core.LevelArea, ParentID: "p", ClientID: "client-1", Name: "Backend"},
		{ID: "act", Level: core.LevelActivity, ParentID: "a", ClientID: "client-1", Name: "API"},
		{ID: "t1", Level: core.LevelTask, ParentID: "act", ClientID: "client-1", Name: "Login",
			Estimated: core.Hours(4), Actual: &actual, Status: core.StatusCompleted, ResourceID: "res-1"},
		{ID: "t2", Level: core.LevelTask, ParentID: "act", ClientID: "client-1", Name: "Logout",
			Estimated: core.Hours(2), Status: core.StatusPlanned, ResourceID: "res-1"},
	} {
		require.NoError(t, store.SaveNode(ctx, n))
	}
	require.NoError(t, store.Close())

	out, err := run(t, "report", "drilldown", "--db", dbPath, "--resource", "res-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Client One")
	assert.Contains(t, out, "      Login")
	assert.Contains(t, out, "6.00")
	assert.Contains(t, out, "3.00")

	_, err = run(t, "report", "drilldown", "--db", dbPath, "--log-level", "loud")
	assert.Error(t, err)
}
