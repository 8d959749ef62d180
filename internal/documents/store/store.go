// Package store persists documents with their validation and scan records.
//
// Every mutation that spans more than one row for an owner runs inside
// Tx.RunInTx, which serialises work per owner: a review decision and a
// concurrent upload for the same user never interleave.
package store

import (
	"context"

	"dossier/internal/documents/models"
	id "dossier/pkg/domain"
)

// Store is implemented by InMemoryStore and PostgresStore.
type Store interface {
	// Save inserts a new document. Duplicate IDs return sentinel.ErrConflict.
	Save(ctx context.Context, doc *models.Document) error
	SaveValidationChecks(ctx context.Context, checks []models.ValidationCheck) error
	SaveScanResults(ctx context.Context, results []models.ScanResult) error
	// SaveRejection records a refused upload with the check and scan rows of
	// the attempt. Duplicate attempt IDs return sentinel.ErrConflict.
	SaveRejection(ctx context.Context, rejection *models.Rejection) error

	FindByID(ctx context.Context, documentID id.DocumentID) (*models.Document, error)
	// ListByOwner returns documents oldest first.
	ListByOwner(ctx context.Context, ownerID id.UserID) ([]*models.Document, error)
	// ListByStatus returns documents newest first.
	ListByStatus(ctx context.Context, status models.ApprovalStatus) ([]*models.Document, error)
	ListScanResults(ctx context.Context, documentID id.DocumentID) ([]models.ScanResult, error)
	ListValidationChecks(ctx context.Context, documentID id.DocumentID) ([]models.ValidationCheck, error)
	// ListRejections returns an owner's refused uploads, oldest first.
	ListRejections(ctx context.Context, ownerID id.UserID) ([]*models.Rejection, error)

	// UpdateReview applies review only if the document is still in from.
	// Otherwise it returns sentinel.ErrInvalidState and changes nothing.
	UpdateReview(ctx context.Context, documentID id.DocumentID, from models.ApprovalStatus, review models.Review) error
	UpdateScan(ctx context.Context, documentID id.DocumentID, verdict string, scanID id.ScanID, unscanned bool) error
	Delete(ctx context.Context, documentID id.DocumentID) error
}

// Tx provides the per-owner transactional boundary. fn receives a context
// that carries the transaction for audit stores that join it.
type Tx interface {
	RunInTx(ctx context.Context, ownerID id.UserID, fn func(ctx context.Context, s Store) error) error
}
