package onboarding

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"onboardmail/models"
)

var ErrInvalidSteps = errors.New("invalid onboarding step configuration")

// StepDefinition is one scheduled email of the drip campaign.
type StepDefinition struct {
	StepID   models.StepID `json:"step_id"`
	Offset   time.Duration `json:"offset"`
	Template string        `json:"template"`
}

// DueAt returns when the step becomes due for a sequence started at startedAt.
func (d StepDefinition) DueAt(startedAt time.Time) time.Time {
	return startedAt.Add(d.Offset)
}

// DefaultSteps is the standard four-email onboarding campaign.
func DefaultSteps() []StepDefinition {
	return []StepDefinition{
		{StepID: models.Step0, Offset: 0, Template: "welcome"},
		{StepID: models.Step1, Offset: 24 * time.Hour, Template: "getting_started"},
		{StepID: models.Step2, Offset: 48 * time.Hour, Template: "tips"},
		{StepID: models.Step3, Offset: 72 * time.Hour, Template: "check_in"},
	}
}

// ValidateSteps checks that steps form a usable campaign: non-empty, step_0
// first at offset zero, ids in ordinal order, strictly increasing offsets and
// a template on every step.
func ValidateSteps(steps []StepDefinition) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: no steps defined", ErrInvalidSteps)
	}
	if steps[0].StepID != models.Step0 || steps[0].Offset != 0 {
		return fmt.Errorf("%w: first step must be %s at offset 0", ErrInvalidSteps, models.Step0)
	}

	for i, step := range steps {
		if !step.StepID.Sendable() {
			return fmt.Errorf("%w: step %d has unknown id %q", ErrInvalidSteps, i, step.StepID)
		}
		if strings.TrimSpace(step.Template) == "" {
			return fmt.Errorf("%w: step %s has no template", ErrInvalidSteps, step.StepID)
		}
		if i == 0 {
			continue
		}
		prev := steps[i-1]
		if step.StepID.Ordinal() <= prev.StepID.Ordinal() {
			return fmt.Errorf("%w: step %s must come after %s", ErrInvalidSteps, step.StepID, prev.StepID)
		}
		if step.Offset <= prev.Offset {
			return fmt.Errorf("%w: offset of %s (%s) must be greater than %s (%s)",
				ErrInvalidSteps, step.StepID, step.Offset, prev.StepID, prev.Offset)
		}
	}
	return nil
}

// ValidateTemplates checks every step against the templates the gateway can
// render, so an unknown reference fails at startup rather than on each tick.
func ValidateTemplates(steps []StepDefinition, known func(name string) bool) error {
	for _, step := range steps {
		if !known(step.Template) {
			return fmt.Errorf("%w: step %s uses unknown template %q", ErrInvalidSteps, step.StepID, step.Template)
		}
	}
	return nil
}
