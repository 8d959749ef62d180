package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"dossier/internal/documents/metrics"
	"dossier/internal/documents/models"
	"dossier/internal/documents/store"
	"dossier/internal/encryption"
	"dossier/internal/scan"
	"dossier/internal/storage"
	"dossier/internal/validation"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	audit "dossier/pkg/platform/audit"
	"dossier/pkg/requestcontext"
)

// IngestRequest is one upload as received from the caller.
type IngestRequest struct {
	OwnerID      id.UserID
	Category     id.DocumentCategory
	Filename     string
	DeclaredMIME string
	DeclaredSize int64
	Data         []byte
}

// IngestResult reports the decision. DocumentID and StorageRef are empty
// when the upload was rejected.
type IngestResult struct {
	Valid       bool
	Score       float64
	Errors      []string
	Warnings    []string
	ScanVerdict scan.Verdict
	ScanID      id.ScanID
	Unscanned   bool
	StorageRef  string
	DocumentID  id.DocumentID
}

// Accepted reports whether a document record was created.
func (r *IngestResult) Accepted() bool {
	return !r.DocumentID.IsNil()
}

type analysis struct {
	validation *validation.Result
	scan       *scan.Outcome
	err        error
}

// Ingest validates, scans, encrypts, stores and records one upload.
// Rejections (invalid content, malware, or an unscanned upload under the
// fail-closed policy) are returned as a result with Valid false, not as an
// error. Errors are reserved for bad input, the budget running out and
// infrastructure failures.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "documents.ingest",
		trace.WithAttributes(
			attribute.String("document.category", string(req.Category)),
			attribute.Int("document.bytes", len(req.Data)),
		))
	defer span.End()

	res, outcome, err := s.ingest(ctx, req)
	s.metrics.ObserveIngest(outcome, time.Since(start))
	span.SetAttributes(attribute.String("ingest.outcome", outcome))
	if err != nil {
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}
	return res, nil
}

func (s *Service) ingest(ctx context.Context, req IngestRequest) (*IngestResult, string, error) {
	if req.OwnerID.IsNil() {
		return nil, metrics.OutcomeInvalid, dErrors.New(dErrors.CodeInvalidInput, "owner is required")
	}
	if !req.Category.IsValid() {
		return nil, metrics.OutcomeInvalid, dErrors.New(dErrors.CodeInvalidInput, "unsupported document category")
	}
	if err := s.validator.Precheck(req.Data, req.Filename); err != nil {
		return nil, metrics.OutcomeInvalid, err
	}

	checksum := encryption.HashContent(req.Data)
	l, err := s.acquire(ctx, fmt.Sprintf("ingest:%s:%s", req.OwnerID, checksum),
		"an identical upload is already in progress")
	if err != nil {
		return nil, metrics.OutcomeError, err
	}
	defer s.release(ctx, l)

	a, err := s.analyse(ctx, req)
	if err != nil {
		if dErrors.Is(err, dErrors.CodeTimeout) {
			s.logger.WarnContext(ctx, "ingestion budget exceeded",
				"user_id", req.OwnerID.String(),
				"budget", s.budget,
			)
			return nil, metrics.OutcomeTimeout, err
		}
		return nil, metrics.OutcomeError, err
	}

	res := &IngestResult{
		Valid:       a.validation.IsValid,
		Score:       a.validation.Score,
		Errors:      append([]string(nil), a.validation.Errors...),
		Warnings:    append([]string(nil), a.validation.Warnings...),
		ScanVerdict: a.scan.Verdict,
		ScanID:      a.scan.ScanID,
		Unscanned:   a.scan.Unscanned,
	}

	if outcome, reason := rejection(a); outcome != "" {
		res.Valid = false
		if a.scan.Verdict != scan.VerdictClean {
			res.Errors = append(res.Errors, reason)
		}
		if err := s.recordRejection(ctx, req, a, checksum, reason); err != nil {
			return nil, metrics.OutcomeError, err
		}
		return res, outcome, nil
	}
	if a.scan.Unscanned {
		res.Warnings = append(res.Warnings, "document was not scanned by any malware backend")
	}

	doc, err := s.persist(ctx, req, a, checksum)
	if err != nil {
		return nil, metrics.OutcomeError, err
	}
	res.DocumentID = doc.ID
	res.StorageRef = doc.StoragePath

	s.logger.InfoContext(ctx, "document ingested",
		"document_id", doc.ID.String(),
		"user_id", req.OwnerID.String(),
		"category", string(req.Category),
		"score", a.validation.Score,
		"scan_verdict", string(a.scan.Verdict),
		"unscanned", a.scan.Unscanned,
		"request_id", requestcontext.RequestID(ctx),
	)
	return res, metrics.OutcomeAccepted, nil
}

// analyse runs validation and scanning concurrently. When the budget runs
// out it returns CodeTimeout immediately; scans already running are left to
// finish or time out on their own.
func (s *Service) analyse(ctx context.Context, req IngestRequest) (analysis, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	meta := validation.Metadata{
		Filename:     req.Filename,
		DeclaredMIME: req.DeclaredMIME,
		DeclaredSize: req.DeclaredSize,
		Category:     req.Category,
	}
	scanCtx := context.WithoutCancel(ctx)

	done := make(chan analysis, 1)
	go func() {
		var (
			a analysis
			g errgroup.Group
		)
		g.Go(func() error {
			a.validation = s.validator.Validate(req.Data, meta)
			return nil
		})
		g.Go(func() error {
			out, err := s.scanner.Scan(scanCtx, req.Data)
			a.scan = out
			return err
		})
		a.err = g.Wait()
		done <- a
	}()

	select {
	case a := <-done:
		if a.err != nil {
			return analysis{}, a.err
		}
		return a, nil
	case <-budgetCtx.Done():
		if ctx.Err() != nil {
			return analysis{}, dErrors.Wrap(ctx.Err(), dErrors.CodeTimeout, "ingestion cancelled")
		}
		return analysis{}, dErrors.New(dErrors.CodeTimeout, "ingestion exceeded its time budget")
	}
}

// rejection returns the metrics outcome and a client-safe reason when the
// upload must not be stored.
func rejection(a analysis) (string, string) {
	switch {
	case a.scan.Verdict == scan.VerdictInfected:
		return metrics.OutcomeInfected, "malware detected: " + strings.Join(a.scan.Threats, ", ")
	case a.scan.Verdict == scan.VerdictError:
		return metrics.OutcomeUnscanned, "document could not be scanned for malware"
	case !a.validation.IsValid:
		return metrics.OutcomeInvalid, "document failed validation"
	default:
		return "", ""
	}
}

// recordRejection keeps the attempt's check and scan rows under its scan ID
// together with the compliance event, in one per-owner transaction.
func (s *Service) recordRejection(ctx context.Context, req IngestRequest, a analysis, checksum, reason string) error {
	if a.scan.Verdict == scan.VerdictInfected {
		s.logger.WarnContext(ctx, "upload rejected: malware detected",
			"user_id", req.OwnerID.String(),
			"scan_id", a.scan.ScanID.String(),
			"threats", a.scan.Threats,
		)
		s.emitSecurity(ctx, audit.SecurityEvent{
			UserID:    req.OwnerID,
			Subject:   a.scan.ScanID.String(),
			Action:    string(audit.EventMalwareDetected),
			Reason:    strings.Join(a.scan.Threats, ","),
			RequestID: requestcontext.RequestID(ctx),
			Severity:  audit.SeverityCritical,
		})
	}

	now := requestcontext.Now(ctx)
	attemptID := a.scan.ScanID
	if attemptID.IsNil() {
		attemptID = id.NewScanID()
	}
	rejected := &models.Rejection{
		AttemptID:      attemptID,
		OwnerID:        req.OwnerID,
		Category:       req.Category,
		Filename:       req.Filename,
		ChecksumSHA256: checksum,
		Verdict:        string(a.scan.Verdict),
		Reason:         reason,
		Checks:         validationRows(id.DocumentID{}, a.validation, now),
		ScanResults:    scanRows(id.DocumentID{}, a.scan, now),
		CreatedAt:      now,
	}
	err := s.tx.RunInTx(ctx, req.OwnerID, func(ctx context.Context, st store.Store) error {
		if err := st.SaveRejection(ctx, rejected); err != nil {
			return err
		}
		return s.compliance.Emit(ctx, audit.ComplianceEvent{
			Timestamp: now,
			UserID:    req.OwnerID,
			Action:    string(audit.EventDocumentRejected),
			Decision:  string(a.scan.Verdict),
			Reason:    reason,
			RequestID: requestcontext.RequestID(ctx),
			ActorID:   req.OwnerID.String(),
		})
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record rejection")
	}
	return nil
}

// persist encrypts and stores the bytes, then records the document. A failed
// record write removes the stored object again.
func (s *Service) persist(ctx context.Context, req IngestRequest, a analysis, checksum string) (*models.Document, error) {
	docID := id.NewDocumentID()
	sealed, err := s.cipher.Encrypt(ctx, req.Data, docID.String(), req.OwnerID.String())
	if err != nil {
		return nil, err
	}
	if sealed.ContentHash != checksum {
		return nil, dErrors.New(dErrors.CodeEncryptionFailed, "content hash mismatch after encryption")
	}

	key := storage.DocumentKey(req.OwnerID.String(), docID.String())
	put, err := s.blobs.Put(ctx, key, sealed.Ciphertext, storage.Meta{
		ContentType: "application/octet-stream",
		OwnerID:     req.OwnerID.String(),
		DocumentID:  docID.String(),
		KeyID:       sealed.KeyID,
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to store document")
	}

	now := requestcontext.Now(ctx)
	mimeType := a.validation.DetectedMIME
	if mimeType == "" {
		mimeType = req.DeclaredMIME
	}
	doc := &models.Document{
		ID:               docID,
		OwnerID:          req.OwnerID,
		Category:         req.Category,
		OriginalFilename: req.Filename,
		MIMEType:         mimeType,
		DeclaredSize:     req.DeclaredSize,
		StoredSize:       put.Size,
		StoragePath:      key,
		EncryptionKeyID:  sealed.KeyID,
		ChecksumSHA256:   checksum,
		ValidationScore:  a.validation.Score,
		ScanVerdict:      string(a.scan.Verdict),
		ScanID:           a.scan.ScanID,
		Unscanned:        a.scan.Unscanned,
		ApprovalStatus:   models.StatusPending,
		CreatedAt:        now,
	}

	err = s.tx.RunInTx(ctx, req.OwnerID, func(ctx context.Context, st store.Store) error {
		if err := st.Save(ctx, doc); err != nil {
			return err
		}
		if err := st.SaveValidationChecks(ctx, validationRows(docID, a.validation, now)); err != nil {
			return err
		}
		if err := st.SaveScanResults(ctx, scanRows(docID, a.scan, now)); err != nil {
			return err
		}
		return s.compliance.Emit(ctx, audit.ComplianceEvent{
			Timestamp:  now,
			UserID:     req.OwnerID,
			DocumentID: docID.String(),
			Action:     string(audit.EventDocumentUploaded),
			Decision:   string(models.StatusPending),
			RequestID:  requestcontext.RequestID(ctx),
			ActorID:    req.OwnerID.String(),
		})
	})
	if err != nil {
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			s.logger.ErrorContext(ctx, "failed to remove orphaned document bytes",
				"document_id", docID.String(),
				"error", delErr,
			)
		}
		return nil, translateStoreErr(err, "document")
	}
	return doc, nil
}

func validationRows(docID id.DocumentID, res *validation.Result, at time.Time) []models.ValidationCheck {
	rows := make([]models.ValidationCheck, 0, len(res.Checks))
	for _, c := range res.Checks {
		rows = append(rows, models.ValidationCheck{
			DocumentID: docID,
			Type:       string(c.Type),
			Passed:     c.Passed,
			Score:      c.Score,
			Details:    c.Details,
			DurationMS: c.Duration.Milliseconds(),
			CreatedAt:  at,
		})
	}
	return rows
}

func scanRows(docID id.DocumentID, out *scan.Outcome, at time.Time) []models.ScanResult {
	rows := make([]models.ScanResult, 0, len(out.Results))
	for _, r := range out.Results {
		rows = append(rows, models.ScanResult{
			DocumentID:  docID,
			ScanID:      out.ScanID,
			ScannerID:   r.ScannerID,
			Verdict:     string(r.Verdict),
			ThreatNames: append([]string(nil), r.Threats...),
			DurationMS:  r.Duration.Milliseconds(),
			CreatedAt:   at,
		})
	}
	return rows
}
