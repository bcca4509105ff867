package validate_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"riskline/internal/domain"
	"riskline/internal/validate"
)

func validHazard() domain.Hazard {
	return domain.Hazard{
		ID:          "haz-1",
		Category:    "electrical",
		Description: "Exposed live conductors near the work area",
		Effect:      15,
		Exposure:    3,
		Probability: 1,
		Controls: []domain.ControlMeasure{
			{Type: "engineering", Description: "Lock out and tag out the circuit", Status: "planned"},
		},
	}
}

func asValidationError(t *testing.T, err error) *validate.ValidationError {
	t.Helper()
	var verr *validate.ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	return verr
}

func fields(verr *validate.ValidationError) []string {
	out := make([]string, len(verr.Violations))
	for i, v := range verr.Violations {
		out[i] = v.Field
	}
	return out
}

func TestHazardValid(t *testing.T) {
	require.NoError(t, validate.Hazard(validHazard(), nil))
}

func TestHazardCollectsAllViolations(t *testing.T) {
	h := domain.Hazard{
		Category:    "radiation",
		Description: "short",
		Effect:      2,
		Exposure:    1,
		Probability: 1,
	}
	err := validate.Hazard(h, nil)
	verr := asValidationError(t, err)
	got := fields(verr)
	require.Contains(t, got, "description")
	require.Contains(t, got, "category")
	require.Contains(t, got, "control_measures")
	require.Contains(t, got, "effect")
	require.Len(t, got, 4)
}

func TestHazardCustomCategories(t *testing.T) {
	h := validHazard()
	h.Category = "submarine"
	require.Error(t, validate.Hazard(h, nil))
	require.NoError(t, validate.Hazard(h, []string{"submarine"}))
}

func TestHazardResidualFactorsChecked(t *testing.T) {
	h := validHazard()
	h.Residual = &domain.ResidualRisk{Effect: 2, Exposure: 1, Probability: 0.1}
	verr := asValidationError(t, validate.Hazard(h, nil))
	require.Contains(t, fields(verr), "residual_risk.effect")
}

func TestControlHierarchyWarnings(t *testing.T) {
	ppeFirst := []domain.ControlMeasure{
		{Type: "ppe", Description: "Insulated gloves"},
		{Type: "administrative", Description: "Permit to work"},
	}
	warnings := validate.ControlHierarchy(ppeFirst)
	require.Len(t, warnings, 1)
	require.Equal(t, "ppe_top_priority", warnings[0].Code)

	buried := []domain.ControlMeasure{
		{Type: "administrative", Description: "Permit to work"},
		{Type: "elimination", Description: "De-energize the line"},
	}
	warnings = validate.ControlHierarchy(buried)
	require.Len(t, warnings, 1)
	require.Equal(t, "hierarchy_order", warnings[0].Code)

	ordered := []domain.ControlMeasure{
		{Type: "elimination", Description: "De-energize the line"},
		{Type: "ppe", Description: "Insulated gloves"},
	}
	require.Empty(t, validate.ControlHierarchy(ordered))
	require.Empty(t, validate.ControlHierarchy(nil))
}

func TestTaskStepSequence(t *testing.T) {
	ok := []domain.TaskStep{{StepNumber: 2}, {StepNumber: 1}, {StepNumber: 3}}
	require.NoError(t, validate.TaskStepSequence(ok))

	missing := []domain.TaskStep{{StepNumber: 1}, {StepNumber: 2}, {StepNumber: 4}}
	verr := asValidationError(t, validate.TaskStepSequence(missing))
	require.Contains(t, verr.Violations[0].Message, "missing step 3")

	dup := []domain.TaskStep{{StepNumber: 1}, {StepNumber: 1}}
	verr = asValidationError(t, validate.TaskStepSequence(dup))
	require.Contains(t, verr.Violations[0].Message, "duplicate step number 1")

	startsAtTwo := []domain.TaskStep{{StepNumber: 2}, {StepNumber: 3}}
	verr = asValidationError(t, validate.TaskStepSequence(startsAtTwo))
	require.Contains(t, verr.Violations[0].Message, "missing step 1")

	require.Error(t, validate.TaskStepSequence(nil))
}

func TestTRACollectsNestedViolations(t *testing.T) {
	tra := domain.TRA{
		TaskSteps: []domain.TaskStep{
			{StepNumber: 1, Description: "Isolate", Hazards: []domain.Hazard{validHazard()}},
			{StepNumber: 2, Description: "Inspect"},
		},
	}
	verr := asValidationError(t, validate.TRA(tra, nil))
	require.Contains(t, fields(verr), "task_steps[2].hazards")

	tra.TaskSteps[1].Hazards = []domain.Hazard{{Category: "nope", Description: "short", Effect: 1, Exposure: 1, Probability: 1, Controls: []domain.ControlMeasure{{Type: "ppe", Description: "gloves"}}}}
	verr = asValidationError(t, validate.TRA(tra, nil))
	require.Contains(t, fields(verr), "task_steps[2].hazards[0].category")
	require.Contains(t, fields(verr), "task_steps[2].hazards[0].description")
}

func TestTRAValid(t *testing.T) {
	tra := domain.TRA{
		TaskSteps: []domain.TaskStep{
			{StepNumber: 1, Description: "Isolate", Hazards: []domain.Hazard{validHazard()}},
		},
	}
	require.NoError(t, validate.TRA(tra, nil))
}
