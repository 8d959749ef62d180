package service

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"dossier/internal/documents/models"
	"dossier/internal/documents/store"
	"dossier/internal/encryption"
	"dossier/internal/scan"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	audit "dossier/pkg/platform/audit"
	"dossier/pkg/requestcontext"
)

// Download is a decrypted document with its record.
type Download struct {
	Document *models.Document
	Data     []byte
}

// RescanResult reports a fresh validation and scan of a stored document.
type RescanResult struct {
	DocumentID id.DocumentID
	ScanID     id.ScanID
	Verdict    scan.Verdict
	Threats    []string
	Unscanned  bool
	Valid      bool
	Score      float64
}

// Get returns a document record. Customers only see their own documents.
func (s *Service) Get(ctx context.Context, documentID id.DocumentID, requesterID id.UserID) (*models.Document, error) {
	return s.authorised(ctx, documentID, requesterID)
}

// ListByOwner returns an owner's documents, oldest first.
func (s *Service) ListByOwner(ctx context.Context, ownerID id.UserID) ([]*models.Document, error) {
	docs, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, translateStoreErr(err, "documents")
	}
	return docs, nil
}

// ListRejections returns an owner's refused uploads with the check and scan
// rows of each attempt, oldest first.
func (s *Service) ListRejections(ctx context.Context, ownerID id.UserID) ([]*models.Rejection, error) {
	out, err := s.store.ListRejections(ctx, ownerID)
	if err != nil {
		return nil, translateStoreErr(err, "rejections")
	}
	return out, nil
}

// Fetch decrypts a stored document for its owner or a reviewer. The
// plaintext hash is compared with the checksum recorded at intake so
// tampering is caught independently of the cipher.
func (s *Service) Fetch(ctx context.Context, documentID id.DocumentID, requesterID id.UserID) (*Download, error) {
	doc, err := s.authorised(ctx, documentID, requesterID)
	if err != nil {
		s.metrics.IncDownload("denied")
		return nil, err
	}
	data, err := s.plaintext(ctx, doc)
	if err != nil {
		s.metrics.IncDownload("failed")
		return nil, err
	}
	s.metrics.IncDownload("ok")
	s.emitOps(ctx, audit.OpsEvent{
		UserID:    doc.OwnerID,
		Subject:   doc.ID.String(),
		Action:    string(audit.EventDocumentDownloaded),
		RequestID: requestcontext.RequestID(ctx),
		ActorID:   requesterID.String(),
	})
	return &Download{Document: doc, Data: data}, nil
}

// Delete removes a pending or rejected document owned by ownerID. Documents
// under review or approved are evidence and stay.
func (s *Service) Delete(ctx context.Context, documentID id.DocumentID, ownerID id.UserID) error {
	var storagePath string
	err := s.tx.RunInTx(ctx, ownerID, func(ctx context.Context, st store.Store) error {
		doc, err := st.FindByID(ctx, documentID)
		if err != nil {
			return translateStoreErr(err, "document")
		}
		if doc.OwnerID != ownerID {
			return dErrors.New(dErrors.CodeNotFound, "document not found")
		}
		if doc.ApprovalStatus != models.StatusPending && doc.ApprovalStatus != models.StatusRejected {
			return dErrors.New(dErrors.CodeConflict, "only pending or rejected documents can be deleted")
		}
		if err := st.Delete(ctx, documentID); err != nil {
			return translateStoreErr(err, "document")
		}
		storagePath = doc.StoragePath
		return s.compliance.Emit(ctx, audit.ComplianceEvent{
			Timestamp:     requestcontext.Now(ctx),
			UserID:        ownerID,
			DocumentID:    documentID.String(),
			Action:        string(audit.EventDocumentDeleted),
			PreviousState: string(doc.ApprovalStatus),
			RequestID:     requestcontext.RequestID(ctx),
			ActorID:       ownerID.String(),
		})
	})
	if err != nil {
		return translateStoreErr(err, "document")
	}
	s.metrics.IncDeletion()

	if err := s.blobs.Delete(context.WithoutCancel(ctx), storagePath); err != nil {
		s.logger.ErrorContext(ctx, "document record deleted but bytes remain",
			"document_id", documentID.String(),
			"storage_path", storagePath,
			"error", err,
		)
	}
	return nil
}

// Rescan re-runs validation and scanning over a stored document under the
// lease "document:<id>", so only one pass per document runs at a time. The
// new scan rows are appended and the document's verdict is replaced.
func (s *Service) Rescan(ctx context.Context, documentID id.DocumentID) (*RescanResult, error) {
	ctx, span := s.tracer.Start(ctx, "documents.rescan",
		trace.WithAttributes(attribute.String("document.id", documentID.String())))
	defer span.End()

	l, err := s.acquire(ctx, "document:"+documentID.String(), "document is already being processed")
	if err != nil {
		return nil, err
	}
	defer s.release(ctx, l)

	doc, err := s.store.FindByID(ctx, documentID)
	if err != nil {
		return nil, translateStoreErr(err, "document")
	}
	data, err := s.plaintext(ctx, doc)
	if err != nil {
		return nil, err
	}

	a, err := s.analyse(ctx, IngestRequest{
		OwnerID:      doc.OwnerID,
		Category:     doc.Category,
		Filename:     doc.OriginalFilename,
		DeclaredMIME: doc.MIMEType,
		DeclaredSize: doc.DeclaredSize,
		Data:         data,
	})
	if err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	err = s.tx.RunInTx(ctx, doc.OwnerID, func(ctx context.Context, st store.Store) error {
		if err := st.SaveValidationChecks(ctx, validationRows(doc.ID, a.validation, now)); err != nil {
			return err
		}
		if err := st.SaveScanResults(ctx, scanRows(doc.ID, a.scan, now)); err != nil {
			return err
		}
		if err := st.UpdateScan(ctx, doc.ID, string(a.scan.Verdict), a.scan.ScanID, a.scan.Unscanned); err != nil {
			return err
		}
		return s.compliance.Emit(ctx, audit.ComplianceEvent{
			Timestamp:     now,
			UserID:        doc.OwnerID,
			DocumentID:    doc.ID.String(),
			Action:        string(audit.EventDocumentRescanned),
			PreviousState: doc.ScanVerdict,
			Decision:      string(a.scan.Verdict),
			RequestID:     requestcontext.RequestID(ctx),
			ActorID:       requestcontext.ActorID(ctx).String(),
		})
	})
	if err != nil {
		return nil, translateStoreErr(err, "document")
	}

	if a.scan.Verdict == scan.VerdictInfected {
		s.logger.WarnContext(ctx, "stored document flagged as infected on rescan",
			"document_id", doc.ID.String(),
			"threats", a.scan.Threats,
		)
		s.emitSecurity(ctx, audit.SecurityEvent{
			UserID:    doc.OwnerID,
			Subject:   doc.ID.String(),
			Action:    string(audit.EventMalwareDetected),
			Reason:    strings.Join(a.scan.Threats, ","),
			RequestID: requestcontext.RequestID(ctx),
			Severity:  audit.SeverityCritical,
		})
	}
	s.metrics.IncRescan(string(a.scan.Verdict))

	return &RescanResult{
		DocumentID: doc.ID,
		ScanID:     a.scan.ScanID,
		Verdict:    a.scan.Verdict,
		Threats:    a.scan.Threats,
		Unscanned:  a.scan.Unscanned,
		Valid:      a.validation.IsValid,
		Score:      a.validation.Score,
	}, nil
}

// authorised loads a document the requester may read: their own, or any
// document when the caller is a reviewer. Other users get not-found so
// document IDs cannot be probed.
func (s *Service) authorised(ctx context.Context, documentID id.DocumentID, requesterID id.UserID) (*models.Document, error) {
	doc, err := s.store.FindByID(ctx, documentID)
	if err != nil {
		return nil, translateStoreErr(err, "document")
	}
	if doc.OwnerID != requesterID && requestcontext.ActorRoleFrom(ctx) != requestcontext.RoleReviewer {
		return nil, dErrors.New(dErrors.CodeNotFound, "document not found")
	}
	return doc, nil
}

func (s *Service) plaintext(ctx context.Context, doc *models.Document) ([]byte, error) {
	if !doc.IsEncrypted() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "document has no encryption key")
	}
	ciphertext, err := s.blobs.Get(ctx, doc.StoragePath)
	if err != nil {
		return nil, translateStoreErr(err, "document content")
	}
	data, err := s.cipher.Decrypt(ctx, ciphertext, doc.EncryptionKeyID, doc.ID.String(), doc.OwnerID.String())
	if err != nil {
		return nil, err
	}
	if encryption.HashContent(data) != doc.ChecksumSHA256 {
		s.logger.ErrorContext(ctx, "document checksum mismatch",
			"document_id", doc.ID.String(),
			"request_id", requestcontext.RequestID(ctx),
		)
		s.emitSecurity(ctx, audit.SecurityEvent{
			UserID:    doc.OwnerID,
			Subject:   doc.ID.String(),
			Action:    string(audit.EventDecryptionFailed),
			Reason:    "checksum_mismatch",
			RequestID: requestcontext.RequestID(ctx),
			Severity:  audit.SeverityCritical,
		})
		return nil, dErrors.New(dErrors.CodeDecryptionFailed, "document content does not match its checksum")
	}
	return data, nil
}
