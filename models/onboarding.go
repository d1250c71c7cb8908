package models

import "time"

// StepID identifies a position in the onboarding step list.
type StepID string

const (
	StepNotStarted StepID = "not_started"
	Step0          StepID = "step_0"
	Step1          StepID = "step_1"
	Step2          StepID = "step_2"
	Step3          StepID = "step_3"
	StepCompleted  StepID = "completed"
)

var stepOrder = []StepID{StepNotStarted, Step0, Step1, Step2, Step3, StepCompleted}

// Ordinal returns the position of the step in the fixed ordering, or -1 for unknown ids.
func (s StepID) Ordinal() int {
	for i, id := range stepOrder {
		if id == s {
			return i
		}
	}
	return -1
}

// Sendable reports whether the id names a deliverable step (not the start/end markers).
func (s StepID) Sendable() bool {
	o := s.Ordinal()
	return o > StepNotStarted.Ordinal() && o < StepCompleted.Ordinal()
}

// OnboardingSequence tracks one user's progress through the onboarding drip campaign
type OnboardingSequence struct {
	UserID string `gorm:"primaryKey;size:191" json:"user_id"`
	Email  string `gorm:"not null" json:"email"`

	// Progress
	CurrentStep StepID     `gorm:"not null;size:32;index;default:'not_started'" json:"current_step"`
	StartedAt   time.Time  `gorm:"not null" json:"started_at"`
	LastSentAt  *time.Time `json:"last_sent_at,omitempty"`

	// Last failed attempt, informational only
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`

	// Optimistic concurrency token, bumped on every advance
	Version int64 `gorm:"not null;default:1" json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsCompleted reports whether every step has been delivered.
func (s OnboardingSequence) IsCompleted() bool {
	return s.CurrentStep == StepCompleted
}

// OnboardingDelivery records a successfully delivered step
type OnboardingDelivery struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	UserID    string    `gorm:"not null;size:191;uniqueIndex:idx_onboarding_delivery_user_step" json:"user_id"`
	StepID    StepID    `gorm:"not null;size:32;uniqueIndex:idx_onboarding_delivery_user_step" json:"step_id"`
	MessageID string    `json:"message_id"`
	SentAt    time.Time `gorm:"not null" json:"sent_at"`
	CreatedAt time.Time `json:"created_at"`
}
