// Package models holds the KYC requirement lists and the derived status
// types. Status is never stored: it is computed from a user's documents on
// every read.
package models

import (
	"time"

	docmodels "dossier/internal/documents/models"
	id "dossier/pkg/domain"
)

// Status is the derived KYC state of one (user, role) pair.
type Status string

const (
	StatusNotStarted       Status = "NOT_STARTED"
	StatusInProgress       Status = "IN_PROGRESS"
	StatusPendingReview    Status = "PENDING_REVIEW"
	StatusApproved         Status = "APPROVED"
	StatusRejected         Status = "REJECTED"
	StatusRequiresRevision Status = "REQUIRES_REVISION"
)

// Requirement is one document category a role must (or may) supply.
type Requirement struct {
	Category id.DocumentCategory `json:"category"`
	Required bool                `json:"required"`
}

// RequirementStatus binds a requirement to the user's latest document in
// that category, if any.
type RequirementStatus struct {
	Category       id.DocumentCategory      `json:"category"`
	Required       bool                     `json:"required"`
	DocumentID     *id.DocumentID           `json:"document_id,omitempty"`
	ApprovalStatus docmodels.ApprovalStatus `json:"approval_status,omitempty"`
	UploadedAt     *time.Time               `json:"uploaded_at,omitempty"`
}

// Bound reports whether a document is attached to the requirement.
func (r RequirementStatus) Bound() bool { return r.DocumentID != nil }

// Summary is the derived KYC view for one user and role. Counts cover
// required categories only.
type Summary struct {
	UserID       id.UserID           `json:"user_id"`
	Role         id.Role             `json:"role"`
	Status       Status              `json:"status"`
	Total        int                 `json:"total"`
	Uploaded     int                 `json:"uploaded"`
	Approved     int                 `json:"approved"`
	Rejected     int                 `json:"rejected"`
	Completion   float64             `json:"completion"`
	Requirements []RequirementStatus `json:"requirements"`
}

// PendingDocument is one entry of a reviewer's queue.
type PendingDocument struct {
	DocumentID id.DocumentID       `json:"document_id"`
	Category   id.DocumentCategory `json:"category"`
	Filename   string              `json:"filename"`
	Score      float64             `json:"validation_score"`
	Verdict    string              `json:"scan_verdict"`
	Unscanned  bool                `json:"unscanned"`
	UploadedAt time.Time           `json:"uploaded_at"`
}

// PendingReview groups a user's under-review documents.
type PendingReview struct {
	UserID       id.UserID         `json:"user_id"`
	Documents    []PendingDocument `json:"documents"`
	LatestUpload time.Time         `json:"latest_upload"`
}

// Decision is the outcome a reviewer applied to a user's submission.
type Decision struct {
	UserID     id.UserID                `json:"user_id"`
	Outcome    docmodels.ApprovalStatus `json:"outcome"`
	ReviewerID id.UserID                `json:"reviewer_id"`
	ReviewedAt time.Time                `json:"reviewed_at"`
	Documents  []id.DocumentID          `json:"documents"`
}
