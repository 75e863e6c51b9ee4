package models

import "time"

// Milestone is a student-defined progress checkpoint linkable to guidance
// sessions. Requesting guidance requires at least one existing milestone.
type Milestone struct {
	ID          string     `db:"id" json:"id"`
	StudentID   string     `db:"student_id" json:"student_id"`
	ThesisID    string     `db:"thesis_id" json:"thesis_id"`
	Title       string     `db:"title" json:"title"`
	TargetDate  *time.Time `db:"target_date" json:"target_date,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}
