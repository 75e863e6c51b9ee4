package models

import "time"

// ThesisStage marks how far a thesis has progressed past the readiness gates.
type ThesisStage string

const (
	ThesisStageGuidance  ThesisStage = "GUIDANCE"
	ThesisStageSeminar   ThesisStage = "SEMINAR"
	ThesisStageDefence   ThesisStage = "DEFENCE"
	ThesisStageGraduated ThesisStage = "GRADUATED"
)

// Thesis is the read model the workflow engine derives approver sets from.
type Thesis struct {
	ID               string      `db:"id" json:"id"`
	StudentID        string      `db:"student_id" json:"student_id"`
	Title            string      `db:"title" json:"title"`
	Topic            string      `db:"topic" json:"topic"`
	Supervisor1ID    string      `db:"supervisor1_id" json:"supervisor1_id"`
	Supervisor2ID    *string     `db:"supervisor2_id" json:"supervisor2_id,omitempty"`
	DepartmentHeadID string      `db:"department_head_id" json:"department_head_id"`
	FinalDocumentRef *string     `db:"final_document_ref" json:"final_document_ref,omitempty"`
	Stage            ThesisStage `db:"stage" json:"stage"`
	CreatedAt        time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at" json:"updated_at"`
}

// SupervisorIDs returns the currently assigned supervisors in order.
func (t *Thesis) SupervisorIDs() []string {
	ids := []string{t.Supervisor1ID}
	if t.Supervisor2ID != nil && *t.Supervisor2ID != "" {
		ids = append(ids, *t.Supervisor2ID)
	}
	return ids
}

// IsSupervisor reports whether the user currently supervises the thesis.
func (t *Thesis) IsSupervisor(userID string) bool {
	for _, id := range t.SupervisorIDs() {
		if id == userID {
			return true
		}
	}
	return false
}

// PastGate reports whether the thesis has progressed beyond the readiness
// gate for the given chain kind, which freezes revocation.
func (t *Thesis) PastGate(kind ChainKind) bool {
	switch kind {
	case ChainKindSeminar:
		return t.Stage == ThesisStageSeminar || t.Stage == ThesisStageDefence || t.Stage == ThesisStageGraduated
	case ChainKindDefence:
		return t.Stage == ThesisStageDefence || t.Stage == ThesisStageGraduated
	}
	return false
}
