package validate

import (
	"fmt"
	"sort"
	"strings"

	"riskline/internal/domain"
	"riskline/internal/risk"
)

// DefaultHazardCategories is the closed category set used when the org
// config does not override it.
var DefaultHazardCategories = []string{
	"electrical",
	"mechanical",
	"chemical",
	"biological",
	"physical",
	"ergonomic",
	"fall_from_height",
	"fire_explosion",
	"confined_space",
	"environmental",
	"traffic",
}

const minDescriptionLen = 10

// hierarchyRank orders control types by hierarchy-of-controls preference,
// lowest rank preferred.
var hierarchyRank = map[string]int{
	"elimination":    0,
	"substitution":   1,
	"engineering":    2,
	"administrative": 3,
	"ppe":            4,
}

type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every violated field so callers can surface all
// problems at once instead of failing on the first.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Field + ": " + v.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Add(field, format string, args ...any) {
	e.Violations = append(e.Violations, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns nil when no violations were collected.
func (e *ValidationError) OrNil() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}

// Warning is a non-fatal policy finding.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Hazard checks structural rules on a single hazard: description length,
// closed category set, factor scales and at least one control measure.
func Hazard(h domain.Hazard, categories []string) error {
	if len(categories) == 0 {
		categories = DefaultHazardCategories
	}
	verr := &ValidationError{}
	if len(strings.TrimSpace(h.Description)) < minDescriptionLen {
		verr.Add("description", "must be at least %d characters", minDescriptionLen)
	}
	if !contains(categories, h.Category) {
		verr.Add("category", "unknown category %q", h.Category)
	}
	if len(h.Controls) == 0 {
		verr.Add("control_measures", "at least one control measure required")
	}
	for i, c := range h.Controls {
		if _, ok := hierarchyRank[c.Type]; !ok {
			verr.Add(fmt.Sprintf("control_measures[%d].type", i), "unknown control type %q", c.Type)
		}
		if strings.TrimSpace(c.Description) == "" {
			verr.Add(fmt.Sprintf("control_measures[%d].description", i), "description required")
		}
	}
	if _, err := risk.Compute(h.Effect, h.Exposure, h.Probability); err != nil {
		if inv, ok := err.(risk.InvalidScoreValueError); ok {
			verr.Add(inv.Factor, "value %g not in the %s scale", inv.Value, inv.Factor)
		} else {
			verr.Add("risk_factors", "%v", err)
		}
	}
	if h.Residual != nil {
		if _, err := risk.Compute(h.Residual.Effect, h.Residual.Exposure, h.Residual.Probability); err != nil {
			if inv, ok := err.(risk.InvalidScoreValueError); ok {
				verr.Add("residual_risk."+inv.Factor, "value %g not in the %s scale", inv.Value, inv.Factor)
			}
		}
	}
	return verr.OrNil()
}

// ControlHierarchy is a policy check, not a gate: it reports warnings when
// the ordering of controls contradicts the hierarchy-of-controls preference.
func ControlHierarchy(controls []domain.ControlMeasure) []Warning {
	if len(controls) == 0 {
		return nil
	}
	var warnings []Warning
	top := controls[0]
	if top.Type == "ppe" {
		warnings = append(warnings, Warning{
			Code:    "ppe_top_priority",
			Message: "PPE listed as the top-priority control; prefer higher-order controls first",
		})
	}
	bestRank := hierarchyRank[top.Type]
	for _, c := range controls[1:] {
		r, ok := hierarchyRank[c.Type]
		if !ok {
			continue
		}
		if (c.Type == "elimination" || c.Type == "substitution") && r < bestRank {
			warnings = append(warnings, Warning{
				Code:    "hierarchy_order",
				Message: fmt.Sprintf("%s control listed below a lower-order control; move it to the top", c.Type),
			})
		}
	}
	return warnings
}

// TaskStepSequence checks that step numbers, once sorted, form a contiguous
// run starting at 1. The error names the first missing number.
func TaskStepSequence(steps []domain.TaskStep) error {
	verr := &ValidationError{}
	if len(steps) == 0 {
		verr.Add("task_steps", "at least one task step required")
		return verr
	}
	numbers := make([]int, len(steps))
	for i, s := range steps {
		numbers[i] = s.StepNumber
	}
	sort.Ints(numbers)
	seen := map[int]bool{}
	for _, n := range numbers {
		if seen[n] {
			verr.Add("task_steps", "duplicate step number %d", n)
			return verr
		}
		seen[n] = true
	}
	for i, n := range numbers {
		want := i + 1
		if n != want {
			verr.Add("task_steps", "step numbers not contiguous: missing step %d", want)
			return verr
		}
	}
	return nil
}

// TRA runs the full structural validation used at submission time: step
// sequencing plus every hazard of every step. All violations are collected.
func TRA(t domain.TRA, categories []string) error {
	verr := &ValidationError{}
	if seqErr := TaskStepSequence(t.TaskSteps); seqErr != nil {
		var ve *ValidationError
		if asValidation(seqErr, &ve) {
			verr.Violations = append(verr.Violations, ve.Violations...)
		}
	}
	for _, step := range t.TaskSteps {
		if len(step.Hazards) == 0 {
			verr.Add(fmt.Sprintf("task_steps[%d].hazards", step.StepNumber), "at least one hazard required")
		}
		for hi, h := range step.Hazards {
			if hazErr := Hazard(h, categories); hazErr != nil {
				var ve *ValidationError
				if asValidation(hazErr, &ve) {
					for _, v := range ve.Violations {
						verr.Add(fmt.Sprintf("task_steps[%d].hazards[%d].%s", step.StepNumber, hi, v.Field), "%s", v.Message)
					}
				}
			}
		}
	}
	return verr.OrNil()
}

func asValidation(err error, target **ValidationError) bool {
	ve, ok := err.(*ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

func contains(in []string, v string) bool {
	for _, s := range in {
		if s == v {
			return true
		}
	}
	return false
}
