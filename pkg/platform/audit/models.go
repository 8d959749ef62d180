package audit

import (
	"context"
	"time"

	id "dossier/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance: document
	// intake and every KYC approval transition. Fail-closed, long retention.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring:
	// decryption failures, unscanned documents, infected uploads.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity that can be sampled.
	CategoryOperations EventCategory = "operations"
)

// Event is the transport-agnostic record persisted by stores and shipped by
// sinks.
type Event struct {
	Category   EventCategory
	Timestamp  time.Time
	UserID     id.UserID
	DocumentID string
	Subject    string
	Action     string
	// PreviousState and Decision carry status transitions (e.g. pending ->
	// under_review). Decision alone carries outcomes such as a scan verdict.
	PreviousState string
	Decision      string
	Reason        string
	RequestID     string
	// ActorID is who performed the action when different from UserID
	// (reviewers acting on a customer's documents).
	ActorID     string
	ActorClient string
	Severity    Severity
}

type AuditEvent string

const (
	// Document intake
	EventDocumentUploaded  AuditEvent = "document_uploaded"
	EventDocumentRejected  AuditEvent = "document_rejected"
	EventDocumentDeleted   AuditEvent = "document_deleted"
	EventDocumentRescanned AuditEvent = "document_rescanned"

	// Review lifecycle
	EventDocumentStatusChanged AuditEvent = "document_status_changed"
	EventKYCSubmitted          AuditEvent = "kyc_submitted"
	EventKYCApproved           AuditEvent = "kyc_approved"
	EventKYCRejected           AuditEvent = "kyc_rejected"

	// Security
	EventDecryptionFailed   AuditEvent = "decryption_failed"
	EventEncryptionFailed   AuditEvent = "encryption_failed"
	EventScanUnscanned      AuditEvent = "scan_unscanned"
	EventMalwareDetected    AuditEvent = "malware_detected"
	EventScannerCircuitOpen AuditEvent = "scanner_circuit_opened"

	// Operations
	EventDocumentDownloaded AuditEvent = "document_downloaded"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventDocumentUploaded:      CategoryCompliance,
	EventDocumentRejected:      CategoryCompliance,
	EventDocumentDeleted:       CategoryCompliance,
	EventDocumentRescanned:     CategoryCompliance,
	EventDocumentStatusChanged: CategoryCompliance,
	EventKYCSubmitted:          CategoryCompliance,
	EventKYCApproved:           CategoryCompliance,
	EventKYCRejected:           CategoryCompliance,

	EventDecryptionFailed:   CategorySecurity,
	EventEncryptionFailed:   CategorySecurity,
	EventScanUnscanned:      CategorySecurity,
	EventMalwareDetected:    CategorySecurity,
	EventScannerCircuitOpen: CategorySecurity,

	EventDocumentDownloaded: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events. Postgres writes join the caller's
// transaction when one is present in ctx.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// -----------------------------------------------------------------------------
// Right-sized event types per publisher
// -----------------------------------------------------------------------------

// ComplianceEvent is emitted synchronously and fails the calling operation
// when it cannot be persisted.
type ComplianceEvent struct {
	Timestamp     time.Time
	UserID        id.UserID // required
	DocumentID    string
	Action        string // required
	PreviousState string
	Decision      string
	Reason        string
	RequestID     string
	ActorID       string
	ActorClient   string
}

func (e ComplianceEvent) Category() EventCategory { return CategoryCompliance }

func (e ComplianceEvent) ToEvent() Event {
	return Event{
		Category:      CategoryCompliance,
		Timestamp:     e.Timestamp,
		UserID:        e.UserID,
		DocumentID:    e.DocumentID,
		Subject:       e.DocumentID,
		Action:        e.Action,
		PreviousState: e.PreviousState,
		Decision:      e.Decision,
		Reason:        e.Reason,
		RequestID:     e.RequestID,
		ActorID:       e.ActorID,
		ActorClient:   e.ActorClient,
	}
}

// SecurityEvent is buffered and shipped asynchronously.
type SecurityEvent struct {
	Timestamp time.Time
	UserID    id.UserID
	Subject   string // document ID, scanner ID or key ID
	Action    string
	Reason    string
	RequestID string
	Severity  Severity
}

// Severity levels for security events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (e SecurityEvent) Category() EventCategory { return CategorySecurity }

func (e SecurityEvent) ToEvent() Event {
	return Event{
		Category:  CategorySecurity,
		Timestamp: e.Timestamp,
		UserID:    e.UserID,
		Subject:   e.Subject,
		Action:    e.Action,
		Reason:    e.Reason,
		RequestID: e.RequestID,
		Severity:  e.Severity,
	}
}

// OpsEvent captures routine activity. Emission is sampled and best-effort.
type OpsEvent struct {
	Timestamp time.Time
	UserID    id.UserID
	Subject   string
	Action    string
	RequestID string
	ActorID   string
}

func (e OpsEvent) Category() EventCategory { return CategoryOperations }

func (e OpsEvent) ToEvent() Event {
	return Event{
		Category:  CategoryOperations,
		Timestamp: e.Timestamp,
		UserID:    e.UserID,
		Subject:   e.Subject,
		Action:    e.Action,
		RequestID: e.RequestID,
		ActorID:   e.ActorID,
	}
}
