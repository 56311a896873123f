package domain

import "time"

// DividendGoal is a user's target passive income.
type DividendGoal struct {
	ID            string    `json:"id"`
	TargetMonthly float64   `json:"target_monthly"`
	TargetAnnual  float64   `json:"target_annual"`
	Currency      string    `json:"currency"`
	Deadline      string    `json:"deadline,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// GoalUpdate carries optional changes to a goal. Nil fields are left alone.
type GoalUpdate struct {
	TargetMonthly *float64
	TargetAnnual  *float64
	Deadline      *string
	Notes         *string
}

// Feedback is a binary rating of one answer, keyed by its trace id.
type Feedback struct {
	TraceID   string    `json:"trace_id"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
