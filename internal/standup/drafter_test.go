package standup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/rhythms/internal/activity"
	"github.com/zulandar/rhythms/internal/models"
)

func TestIsAffirmative(t *testing.T) {
	for _, s := range []string{"Looks good", "looks good!", "LGTM", " yes ", "ok.", "Ship it!"} {
		assert.True(t, IsAffirmative(s), s)
	}
	for _, s := range []string{"", "no", "looks good but drop: CI", "plan: docs"} {
		assert.False(t, IsAffirmative(s), s)
	}
}

func TestTemplateDrafter_Draft(t *testing.T) {
	d, err := TemplateDrafter{}.Draft(context.Background(), DraftRequest{
		Owner: "alice",
		Activity: activity.Summary{
			Completed:  []string{"Closed PR: Fix login", "Closed PR: Fix login"},
			InProgress: []string{"Working on PR: Add API"},
			Blockers:   []string{"Open issue: Flaky CI"},
		},
		Carried: []string{"Waiting on infra", "open issue: flaky  ci"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Closed PR: Fix login"}, d.Texts(models.ItemAccomplishment))
	assert.Equal(t, []string{"Working on PR: Add API"}, d.Texts(models.ItemPlan))
	assert.Equal(t, []string{"Open issue: Flaky CI", "Waiting on infra"}, d.Texts(models.ItemBlocker))
}

func TestTemplateDrafter_Revise(t *testing.T) {
	d := Draft{Items: []Item{
		{Type: models.ItemAccomplishment, Text: "Closed PR: Fix login"},
		{Type: models.ItemBlocker, Text: "Open issue: Flaky CI"},
	}}

	out, err := TemplateDrafter{}.Revise(context.Background(), d,
		"Done: paired with bob\nplan: write docs\n- review #14\nblocked: waiting on design\ndrop: flaky ci")
	require.NoError(t, err)

	assert.Equal(t, []string{"Closed PR: Fix login", "paired with bob"}, out.Texts(models.ItemAccomplishment))
	assert.Equal(t, []string{"write docs", "review #14"}, out.Texts(models.ItemPlan))
	assert.Equal(t, []string{"waiting on design"}, out.Texts(models.ItemBlocker))

	// The input draft is untouched.
	assert.Len(t, d.Items, 2)
	assert.Equal(t, "Open issue: Flaky CI", d.Items[1].Text)
}

func TestDraft_Render(t *testing.T) {
	d := Draft{Items: []Item{
		{Type: models.ItemPlan, Text: "write docs"},
		{Type: models.ItemAccomplishment, Text: "shipped search"},
	}}
	want := "Accomplishments:\n- shipped search\n\nPlans:\n- write docs\n\nBlockers:\n- none\n"
	assert.Equal(t, want, d.Render())

	groups := d.Groups()
	require.Len(t, groups, 3)
	assert.Equal(t, "Blockers", groups[2].Name)
	assert.Empty(t, groups[2].Items)
}
