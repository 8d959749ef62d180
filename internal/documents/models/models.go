package models

import (
	"time"

	id "dossier/pkg/domain"
)

// ApprovalStatus is the per-document review state.
type ApprovalStatus string

const (
	StatusPending     ApprovalStatus = "pending"
	StatusUnderReview ApprovalStatus = "under_review"
	StatusApproved    ApprovalStatus = "approved"
	StatusRejected    ApprovalStatus = "rejected"
)

func (s ApprovalStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusUnderReview, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// IsReviewed reports whether a reviewer has decided the document.
func (s ApprovalStatus) IsReviewed() bool {
	return s == StatusApproved || s == StatusRejected
}

// Document is an ingested, encrypted upload owned by one user. ReviewerID is
// a back-reference to whoever decided it, never an owner.
type Document struct {
	ID               id.DocumentID
	OwnerID          id.UserID
	Category         id.DocumentCategory
	OriginalFilename string
	MIMEType         string
	DeclaredSize     int64
	StoredSize       int64
	StoragePath      string
	EncryptionKeyID  string
	ChecksumSHA256   string
	ValidationScore  float64
	ScanVerdict      string
	ScanID           id.ScanID
	Unscanned        bool
	ApprovalStatus   ApprovalStatus
	CreatedAt        time.Time
	ReviewedAt       *time.Time
	ReviewerID       *id.UserID
	RejectionReason  string
	ReviewNotes      string
}

// IsEncrypted is true iff a key ID accompanies the stored bytes.
func (d *Document) IsEncrypted() bool {
	return d.EncryptionKeyID != ""
}

// Review is a status transition applied by the workflow.
type Review struct {
	Status          ApprovalStatus
	ReviewerID      *id.UserID
	ReviewedAt      *time.Time
	RejectionReason string
	Notes           string
}

// ValidationCheck is an immutable record of one check in one ingestion
// attempt.
type ValidationCheck struct {
	DocumentID id.DocumentID
	Type       string
	Passed     bool
	Score      float64
	Details    string
	DurationMS int64
	CreatedAt  time.Time
}

// ScanResult is one backend row, or the consensus row, for one scan.
type ScanResult struct {
	DocumentID  id.DocumentID
	ScanID      id.ScanID
	ScannerID   string
	Verdict     string
	ThreatNames []string
	DurationMS  int64
	CreatedAt   time.Time
}

// Rejection records an upload that was refused before a document existed.
// AttemptID is the scan ID of the run that decided it; Checks and
// ScanResults carry a nil DocumentID.
type Rejection struct {
	AttemptID      id.ScanID
	OwnerID        id.UserID
	Category       id.DocumentCategory
	Filename       string
	ChecksumSHA256 string
	Verdict        string
	Reason         string
	Checks         []ValidationCheck
	ScanResults    []ScanResult
	CreatedAt      time.Time
}
