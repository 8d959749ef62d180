package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dossier/internal/documents/models"
	"dossier/internal/platform/postgres"
	id "dossier/pkg/domain"
	"dossier/pkg/platform/sentinel"
	txcontext "dossier/pkg/platform/tx"
)

const documentColumns = `id, owner_id, category, original_filename, mime_type, declared_size, stored_size,
	storage_path, encryption_key_id, checksum_sha256, validation_score, scan_verdict, scan_id, unscanned,
	approval_status, created_at, reviewed_at, reviewer_id, rejection_reason, review_notes`

// PostgresStore persists documents in PostgreSQL. Queries run on the
// transaction carried in ctx when there is one.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, doc *models.Document) error {
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		uuid.UUID(doc.ID),
		uuid.UUID(doc.OwnerID),
		string(doc.Category),
		doc.OriginalFilename,
		doc.MIMEType,
		doc.DeclaredSize,
		doc.StoredSize,
		doc.StoragePath,
		nullString(doc.EncryptionKeyID),
		doc.ChecksumSHA256,
		doc.ValidationScore,
		doc.ScanVerdict,
		nullScanID(doc.ScanID),
		doc.Unscanned,
		string(doc.ApprovalStatus),
		doc.CreatedAt,
		nullTime(doc.ReviewedAt),
		nullUserID(doc.ReviewerID),
		nullString(doc.RejectionReason),
		nullString(doc.ReviewNotes),
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveValidationChecks(ctx context.Context, checks []models.ValidationCheck) error {
	exec := txcontext.Exec(ctx, s.db)
	for _, c := range checks {
		_, err := exec.ExecContext(ctx, `
			INSERT INTO validation_checks (document_id, check_type, passed, score, details, duration_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.UUID(c.DocumentID), c.Type, c.Passed, c.Score, c.Details, c.DurationMS, c.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("save validation check: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveScanResults(ctx context.Context, results []models.ScanResult) error {
	exec := txcontext.Exec(ctx, s.db)
	for _, r := range results {
		threats := r.ThreatNames
		if threats == nil {
			threats = []string{}
		}
		threatJSON, err := json.Marshal(threats)
		if err != nil {
			return fmt.Errorf("marshal threat names: %w", err)
		}
		_, err = exec.ExecContext(ctx, `
			INSERT INTO scan_results (document_id, scan_id, scanner_id, verdict, threat_names, duration_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.UUID(r.DocumentID), uuid.UUID(r.ScanID), r.ScannerID, r.Verdict, threatJSON, r.DurationMS, r.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("save scan result: %w", err)
		}
	}
	return nil
}

// attemptCheck and attemptScan are the JSONB shapes of a rejected attempt's
// rows.
type attemptCheck struct {
	Type       string    `json:"type"`
	Passed     bool      `json:"passed"`
	Score      float64   `json:"score"`
	Details    string    `json:"details,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

type attemptScan struct {
	ScanID      id.ScanID `json:"scan_id"`
	ScannerID   string    `json:"scanner_id"`
	Verdict     string    `json:"verdict"`
	ThreatNames []string  `json:"threat_names"`
	DurationMS  int64     `json:"duration_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *PostgresStore) SaveRejection(ctx context.Context, rejection *models.Rejection) error {
	checks := make([]attemptCheck, 0, len(rejection.Checks))
	for _, c := range rejection.Checks {
		checks = append(checks, attemptCheck{
			Type:       c.Type,
			Passed:     c.Passed,
			Score:      c.Score,
			Details:    c.Details,
			DurationMS: c.DurationMS,
			CreatedAt:  c.CreatedAt,
		})
	}
	scans := make([]attemptScan, 0, len(rejection.ScanResults))
	for _, r := range rejection.ScanResults {
		threats := r.ThreatNames
		if threats == nil {
			threats = []string{}
		}
		scans = append(scans, attemptScan{
			ScanID:      r.ScanID,
			ScannerID:   r.ScannerID,
			Verdict:     r.Verdict,
			ThreatNames: threats,
			DurationMS:  r.DurationMS,
			CreatedAt:   r.CreatedAt,
		})
	}
	checkJSON, err := json.Marshal(checks)
	if err != nil {
		return fmt.Errorf("marshal rejected checks: %w", err)
	}
	scanJSON, err := json.Marshal(scans)
	if err != nil {
		return fmt.Errorf("marshal rejected scan results: %w", err)
	}

	_, err = txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO rejected_uploads (attempt_id, owner_id, category, original_filename, checksum_sha256,
			verdict, reason, validation_checks, scan_results, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.UUID(rejection.AttemptID),
		uuid.UUID(rejection.OwnerID),
		string(rejection.Category),
		rejection.Filename,
		rejection.ChecksumSHA256,
		rejection.Verdict,
		rejection.Reason,
		checkJSON,
		scanJSON,
		rejection.CreatedAt,
	)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("save rejection: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRejections(ctx context.Context, ownerID id.UserID) ([]*models.Rejection, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT attempt_id, owner_id, category, original_filename, checksum_sha256, verdict, reason,
			validation_checks, scan_results, created_at
		FROM rejected_uploads WHERE owner_id = $1 ORDER BY created_at ASC, attempt_id ASC`, uuid.UUID(ownerID))
	if err != nil {
		return nil, fmt.Errorf("list rejections: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Rejection, 0)
	for rows.Next() {
		var (
			r         models.Rejection
			attemptID uuid.UUID
			owner     uuid.UUID
			category  string
			checkJSON []byte
			scanJSON  []byte
			checks    []attemptCheck
			scans     []attemptScan
		)
		err := rows.Scan(&attemptID, &owner, &category, &r.Filename, &r.ChecksumSHA256, &r.Verdict, &r.Reason,
			&checkJSON, &scanJSON, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("list rejections: %w", err)
		}
		if err := json.Unmarshal(checkJSON, &checks); err != nil {
			return nil, fmt.Errorf("unmarshal rejected checks: %w", err)
		}
		if err := json.Unmarshal(scanJSON, &scans); err != nil {
			return nil, fmt.Errorf("unmarshal rejected scan results: %w", err)
		}
		r.AttemptID = id.ScanID(attemptID)
		r.OwnerID = id.UserID(owner)
		r.Category = id.DocumentCategory(category)
		for _, c := range checks {
			r.Checks = append(r.Checks, models.ValidationCheck{
				Type:       c.Type,
				Passed:     c.Passed,
				Score:      c.Score,
				Details:    c.Details,
				DurationMS: c.DurationMS,
				CreatedAt:  c.CreatedAt,
			})
		}
		for _, sc := range scans {
			r.ScanResults = append(r.ScanResults, models.ScanResult{
				ScanID:      sc.ScanID,
				ScannerID:   sc.ScannerID,
				Verdict:     sc.Verdict,
				ThreatNames: sc.ThreatNames,
				DurationMS:  sc.DurationMS,
				CreatedAt:   sc.CreatedAt,
			})
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rejections: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, documentID id.DocumentID) (*models.Document, error) {
	row := txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, uuid.UUID(documentID))
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find document by id: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) ListByOwner(ctx context.Context, ownerID id.UserID) ([]*models.Document, error) {
	return s.queryDocuments(ctx, "list documents by owner",
		`SELECT `+documentColumns+` FROM documents WHERE owner_id = $1 ORDER BY created_at ASC, id ASC`,
		uuid.UUID(ownerID))
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status models.ApprovalStatus) ([]*models.Document, error) {
	return s.queryDocuments(ctx, "list documents by status",
		`SELECT `+documentColumns+` FROM documents WHERE approval_status = $1 ORDER BY created_at DESC, id DESC`,
		string(status))
}

func (s *PostgresStore) queryDocuments(ctx context.Context, op, query string, args ...any) ([]*models.Document, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	docs := make([]*models.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return docs, nil
}

func (s *PostgresStore) ListScanResults(ctx context.Context, documentID id.DocumentID) ([]models.ScanResult, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT document_id, scan_id, scanner_id, verdict, threat_names, duration_ms, created_at
		FROM scan_results WHERE document_id = $1 ORDER BY id ASC`, uuid.UUID(documentID))
	if err != nil {
		return nil, fmt.Errorf("list scan results: %w", err)
	}
	defer rows.Close()

	out := make([]models.ScanResult, 0)
	for rows.Next() {
		var (
			r          models.ScanResult
			docID      uuid.UUID
			scanID     uuid.UUID
			threatJSON []byte
		)
		if err := rows.Scan(&docID, &scanID, &r.ScannerID, &r.Verdict, &threatJSON, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("list scan results: %w", err)
		}
		if err := json.Unmarshal(threatJSON, &r.ThreatNames); err != nil {
			return nil, fmt.Errorf("unmarshal threat names: %w", err)
		}
		r.DocumentID = id.DocumentID(docID)
		r.ScanID = id.ScanID(scanID)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListValidationChecks(ctx context.Context, documentID id.DocumentID) ([]models.ValidationCheck, error) {
	rows, err := txcontext.Exec(ctx, s.db).QueryContext(ctx, `
		SELECT document_id, check_type, passed, score, details, duration_ms, created_at
		FROM validation_checks WHERE document_id = $1 ORDER BY id ASC`, uuid.UUID(documentID))
	if err != nil {
		return nil, fmt.Errorf("list validation checks: %w", err)
	}
	defer rows.Close()

	out := make([]models.ValidationCheck, 0)
	for rows.Next() {
		var (
			c     models.ValidationCheck
			docID uuid.UUID
		)
		if err := rows.Scan(&docID, &c.Type, &c.Passed, &c.Score, &c.Details, &c.DurationMS, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("list validation checks: %w", err)
		}
		c.DocumentID = id.DocumentID(docID)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateReview(ctx context.Context, documentID id.DocumentID, from models.ApprovalStatus, review models.Review) error {
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE documents
		SET approval_status = $3, reviewer_id = $4, reviewed_at = $5, rejection_reason = $6, review_notes = $7
		WHERE id = $1 AND approval_status = $2`,
		uuid.UUID(documentID),
		string(from),
		string(review.Status),
		nullUserID(review.ReviewerID),
		nullTime(review.ReviewedAt),
		nullString(review.RejectionReason),
		nullString(review.Notes),
	)
	if err != nil {
		return fmt.Errorf("update document review: %w", err)
	}
	return s.requireRow(ctx, res, documentID)
}

func (s *PostgresStore) UpdateScan(ctx context.Context, documentID id.DocumentID, verdict string, scanID id.ScanID, unscanned bool) error {
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE documents SET scan_verdict = $2, scan_id = $3, unscanned = $4 WHERE id = $1`,
		uuid.UUID(documentID), verdict, nullScanID(scanID), unscanned,
	)
	if err != nil {
		return fmt.Errorf("update document scan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document scan: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, documentID id.DocumentID) error {
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, uuid.UUID(documentID))
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// requireRow distinguishes a missing document from one in the wrong state
// after a conditional update touched no rows.
func (s *PostgresStore) requireRow(ctx context.Context, res sql.Result, documentID id.DocumentID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document review: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists bool
	err = txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, uuid.UUID(documentID)).Scan(&exists)
	if err != nil {
		return fmt.Errorf("update document review: %w", err)
	}
	if !exists {
		return sentinel.ErrNotFound
	}
	return sentinel.ErrInvalidState
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		doc        models.Document
		docID      uuid.UUID
		ownerID    uuid.UUID
		category   string
		keyID      sql.NullString
		scanID     uuid.NullUUID
		status     string
		reviewedAt sql.NullTime
		reviewerID uuid.NullUUID
		reason     sql.NullString
		notes      sql.NullString
	)
	err := row.Scan(
		&docID, &ownerID, &category, &doc.OriginalFilename, &doc.MIMEType, &doc.DeclaredSize, &doc.StoredSize,
		&doc.StoragePath, &keyID, &doc.ChecksumSHA256, &doc.ValidationScore, &doc.ScanVerdict, &scanID, &doc.Unscanned,
		&status, &doc.CreatedAt, &reviewedAt, &reviewerID, &reason, &notes,
	)
	if err != nil {
		return nil, err
	}
	doc.ID = id.DocumentID(docID)
	doc.OwnerID = id.UserID(ownerID)
	doc.Category = id.DocumentCategory(category)
	doc.EncryptionKeyID = keyID.String
	if scanID.Valid {
		doc.ScanID = id.ScanID(scanID.UUID)
	}
	doc.ApprovalStatus = models.ApprovalStatus(status)
	if reviewedAt.Valid {
		t := reviewedAt.Time
		doc.ReviewedAt = &t
	}
	if reviewerID.Valid {
		r := id.UserID(reviewerID.UUID)
		doc.ReviewerID = &r
	}
	doc.RejectionReason = reason.String
	doc.ReviewNotes = notes.String
	return &doc, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullUserID(u *id.UserID) uuid.NullUUID {
	if u == nil || u.IsNil() {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*u), Valid: true}
}

func nullScanID(s id.ScanID) uuid.NullUUID {
	if s.IsNil() {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(s), Valid: true}
}
