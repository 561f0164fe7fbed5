package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagegen/internal/backend"
	"pagegen/internal/domain"
)

func TestValidateTasksNormalizes(t *testing.T) {
	in := []domain.GenerationTask{
		{ID: " pillar ", Title: "Coffee", Kind: domain.PagePillar, Subheadings: []string{"Beans"}},
		{ID: "c1", Title: "Espresso", TargetLength: 400},
	}
	out, err := ValidateTasks(in)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "pillar", out[0].ID)
	assert.Equal(t, backend.DefaultTargetLength, out[0].TargetLength)
	assert.Equal(t, domain.PageCluster, out[1].Kind)
	assert.Equal(t, 400, out[1].TargetLength)

	out[0].Subheadings[0] = "changed"
	assert.Equal(t, "Beans", in[0].Subheadings[0], "input is not aliased")
	assert.Equal(t, 0, in[0].TargetLength)
}

func TestValidateTasksRejects(t *testing.T) {
	cases := map[string][]domain.GenerationTask{
		"empty":        nil,
		"blank id":     {{ID: " ", Title: "A"}},
		"duplicate id": {{ID: "a", Title: "A"}, {ID: "a", Title: "B"}},
		"blank title":  {{ID: "a", Title: ""}},
		"negative":     {{ID: "a", Title: "A", TargetLength: -1}},
		"two pillars":  {{ID: "a", Title: "A", Kind: domain.PagePillar}, {ID: "b", Title: "B", Kind: domain.PagePillar}},
		"unknown kind": {{ID: "a", Title: "A", Kind: "landing"}},
	}
	for name, tasks := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ValidateTasks(tasks)
			require.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}
