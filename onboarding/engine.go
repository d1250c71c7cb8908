// Package onboarding holds the pure decision logic of the drip campaign and
// the start/status operations exposed to the request layer.
package onboarding

import (
	"time"

	"github.com/google/uuid"
	"onboardmail/models"
)

// deliveryNamespace scopes the deterministic delivery keys.
var deliveryNamespace = uuid.MustParse("6f1c1b9e-3a52-4d8e-9a0e-2b7d5e8c4f10")

// DecideDueStep returns the first step not yet sent, provided it is due at now.
// At most one step is returned per call; a user several days behind catches up
// one step per tick.
func DecideDueStep(seq models.OnboardingSequence, now time.Time, steps []StepDefinition) (StepDefinition, bool) {
	next, ok := nextUnsent(seq, steps)
	if !ok {
		return StepDefinition{}, false
	}
	if next.DueAt(seq.StartedAt).After(now) {
		return StepDefinition{}, false
	}
	return next, true
}

// NextState computes the sequence after sentStep was delivered at sentAt.
// Sending the last defined step completes the sequence. The version is left
// as is; the store bumps it when the update is applied.
func NextState(seq models.OnboardingSequence, sentStep models.StepID, sentAt time.Time, steps []StepDefinition) models.OnboardingSequence {
	next := seq
	at := sentAt
	next.LastSentAt = &at
	next.LastError = ""

	// never move backwards
	if sentStep.Ordinal() > seq.CurrentStep.Ordinal() {
		next.CurrentStep = sentStep
	}
	if len(steps) > 0 && next.CurrentStep.Ordinal() >= steps[len(steps)-1].StepID.Ordinal() {
		next.CurrentStep = models.StepCompleted
	}
	return next
}

// NextDue reports the next unsent step and when it becomes due, regardless of
// whether that time has passed.
func NextDue(seq models.OnboardingSequence, steps []StepDefinition) (StepDefinition, time.Time, bool) {
	next, ok := nextUnsent(seq, steps)
	if !ok {
		return StepDefinition{}, time.Time{}, false
	}
	return next, next.DueAt(seq.StartedAt), true
}

// DeliveryKey is a stable idempotency token for delivering step to userID.
// Providers that de-duplicate on it can drop the resend that follows a crash
// between send and persist.
func DeliveryKey(userID string, step models.StepID) string {
	return uuid.NewSHA1(deliveryNamespace, []byte(userID+"/"+string(step))).String()
}

func nextUnsent(seq models.OnboardingSequence, steps []StepDefinition) (StepDefinition, bool) {
	if seq.IsCompleted() {
		return StepDefinition{}, false
	}
	current := seq.CurrentStep.Ordinal()
	for _, step := range steps {
		if step.StepID.Ordinal() > current {
			return step, true
		}
	}
	return StepDefinition{}, false
}
