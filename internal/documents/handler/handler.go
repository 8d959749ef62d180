package handler

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"dossier/internal/documents/models"
	"dossier/internal/documents/service"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/httputil"
	"dossier/pkg/platform/middleware/admin"
	"dossier/pkg/platform/middleware/auth"
	"dossier/pkg/requestcontext"
)

// multipartOverhead is allowed on top of the largest accepted file for
// form boundaries and fields.
const multipartOverhead = 64 << 10

// Service defines the document operations exposed over HTTP.
type Service interface {
	Ingest(ctx context.Context, req service.IngestRequest) (*service.IngestResult, error)
	Get(ctx context.Context, documentID id.DocumentID, requesterID id.UserID) (*models.Document, error)
	ListByOwner(ctx context.Context, ownerID id.UserID) ([]*models.Document, error)
	ListRejections(ctx context.Context, ownerID id.UserID) ([]*models.Rejection, error)
	Fetch(ctx context.Context, documentID id.DocumentID, requesterID id.UserID) (*service.Download, error)
	Delete(ctx context.Context, documentID id.DocumentID, ownerID id.UserID) error
	Rescan(ctx context.Context, documentID id.DocumentID) (*service.RescanResult, error)
}

type documentResponse struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	Category        string     `json:"category"`
	Filename        string     `json:"filename"`
	MIMEType        string     `json:"mime_type"`
	Size            int64      `json:"size"`
	ValidationScore float64    `json:"validation_score"`
	ScanVerdict     string     `json:"scan_verdict"`
	Unscanned       bool       `json:"unscanned"`
	Status          string     `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

type rejectionResponse struct {
	AttemptID string         `json:"attempt_id"`
	Category  string         `json:"category"`
	Filename  string         `json:"filename"`
	Verdict   string         `json:"scan_verdict"`
	Reason    string         `json:"reason"`
	Checks    []checkResult  `json:"checks"`
	Scans     []scannerEntry `json:"scans"`
	CreatedAt time.Time      `json:"created_at"`
}

type checkResult struct {
	Type    string  `json:"type"`
	Passed  bool    `json:"passed"`
	Score   float64 `json:"score"`
	Details string  `json:"details,omitempty"`
}

type scannerEntry struct {
	ScannerID string   `json:"scanner_id"`
	Verdict   string   `json:"verdict"`
	Threats   []string `json:"threats"`
}

type ingestResponse struct {
	Valid       bool     `json:"valid"`
	Score       float64  `json:"score"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	ScanVerdict string   `json:"scan_verdict"`
	Unscanned   bool     `json:"unscanned"`
	StorageRef  string   `json:"storage_ref,omitempty"`
	DocumentID  string   `json:"document_id,omitempty"`
}

// Handler serves customer document endpoints and the reviewer rescan.
type Handler struct {
	logger       *slog.Logger
	documents    Service
	jwtValidator auth.JWTValidator
	maxUpload    int64
	uploadLimit  func(http.Handler) http.Handler
}

type Option func(*Handler)

// WithUploadLimit wraps the upload route, typically with a rate limiter.
func WithUploadLimit(mw func(http.Handler) http.Handler) Option {
	return func(h *Handler) {
		if mw != nil {
			h.uploadLimit = mw
		}
	}
}

// New builds the handler. maxUpload is the absolute size ceiling; larger
// request bodies are cut off before the service sees them.
func New(documents Service, jwtValidator auth.JWTValidator, maxUpload int64, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{
		logger:       logger,
		documents:    documents,
		jwtValidator: jwtValidator,
		maxUpload:    maxUpload,
		uploadLimit:  func(next http.Handler) http.Handler { return next },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(h.jwtValidator, h.logger))
		r.With(h.uploadLimit).Post("/documents", h.handleUpload)
		r.Get("/documents", h.handleList)
		r.Get("/documents/rejections", h.handleRejections)
		r.Get("/documents/{documentID}", h.handleGet)
		r.Get("/documents/{documentID}/content", h.handleContent)
		r.Delete("/documents/{documentID}", h.handleDelete)

		r.With(admin.RequireReviewer(h.logger)).Post("/admin/documents/{documentID}/rescan", h.handleRescan)
	})
}

// handleUpload accepts multipart/form-data with a "category" field, a
// "file" part and an optional "size" field carrying the client's declared
// byte count.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+multipartOverhead)

	category, err := id.ParseDocumentCategory(r.FormValue("category"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "a file part is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidInput, "upload could not be read"))
		return
	}

	declaredSize, err := declaredSize(r.FormValue("size"), header.Header.Get("Content-Length"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	declaredMIME := header.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(declaredMIME); err == nil {
		declaredMIME = mt
	}
	res, err := h.documents.Ingest(ctx, service.IngestRequest{
		OwnerID:      requestcontext.ActorID(ctx),
		Category:     category,
		Filename:     header.Filename,
		DeclaredMIME: declaredMIME,
		DeclaredSize: declaredSize,
		Data:         data,
	})
	if err != nil {
		h.fail(ctx, w, "document ingestion failed", err)
		return
	}

	status := http.StatusCreated
	if !res.Accepted() {
		status = http.StatusUnprocessableEntity
	}
	httputil.WriteJSON(w, status, ingestResponse{
		Valid:       res.Valid,
		Score:       res.Score,
		Errors:      res.Errors,
		Warnings:    res.Warnings,
		ScanVerdict: string(res.ScanVerdict),
		Unscanned:   res.Unscanned,
		StorageRef:  res.StorageRef,
		DocumentID:  documentIDString(res.DocumentID),
	})
}

// declaredSize prefers the "size" form field over the part's
// Content-Length. Zero means the client declared nothing.
func declaredSize(field, contentLength string) (int64, error) {
	raw := field
	if raw == "" {
		raw = contentLength
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, dErrors.New(dErrors.CodeInvalidInput, "declared size must be a non-negative integer")
	}
	return n, nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docs, err := h.documents.ListByOwner(ctx, requestcontext.ActorID(ctx))
	if err != nil {
		h.fail(ctx, w, "failed to list documents", err)
		return
	}
	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		out = append(out, toResponse(d))
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRejections(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rejections, err := h.documents.ListRejections(ctx, requestcontext.ActorID(ctx))
	if err != nil {
		h.fail(ctx, w, "failed to list rejected uploads", err)
		return
	}
	out := make([]rejectionResponse, 0, len(rejections))
	for _, rj := range rejections {
		resp := rejectionResponse{
			AttemptID: rj.AttemptID.String(),
			Category:  string(rj.Category),
			Filename:  rj.Filename,
			Verdict:   rj.Verdict,
			Reason:    rj.Reason,
			Checks:    make([]checkResult, 0, len(rj.Checks)),
			Scans:     make([]scannerEntry, 0, len(rj.ScanResults)),
			CreatedAt: rj.CreatedAt,
		}
		for _, c := range rj.Checks {
			resp.Checks = append(resp.Checks, checkResult{Type: c.Type, Passed: c.Passed, Score: c.Score, Details: c.Details})
		}
		for _, sr := range rj.ScanResults {
			threats := sr.ThreatNames
			if threats == nil {
				threats = []string{}
			}
			resp.Scans = append(resp.Scans, scannerEntry{ScannerID: sr.ScannerID, Verdict: sr.Verdict, Threats: threats})
		}
		out = append(out, resp)
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID, err := id.ParseDocumentID(chi.URLParam(r, "documentID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	doc, err := h.documents.Get(ctx, docID, requestcontext.ActorID(ctx))
	if err != nil {
		h.fail(ctx, w, "failed to load document", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResponse(doc))
}

func (h *Handler) handleContent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID, err := id.ParseDocumentID(chi.URLParam(r, "documentID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	dl, err := h.documents.Fetch(ctx, docID, requestcontext.ActorID(ctx))
	if err != nil {
		h.fail(ctx, w, "failed to fetch document", err)
		return
	}

	w.Header().Set("Content-Type", dl.Document.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(dl.Data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": dl.Document.OriginalFilename,
	}))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(dl.Data)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID, err := id.ParseDocumentID(chi.URLParam(r, "documentID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.documents.Delete(ctx, docID, requestcontext.ActorID(ctx)); err != nil {
		h.fail(ctx, w, "failed to delete document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRescan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docID, err := id.ParseDocumentID(chi.URLParam(r, "documentID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	res, err := h.documents.Rescan(ctx, docID)
	if err != nil {
		h.fail(ctx, w, "document rescan failed", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"document_id": res.DocumentID.String(),
		"scan_id":     res.ScanID.String(),
		"verdict":     string(res.Verdict),
		"threats":     res.Threats,
		"unscanned":   res.Unscanned,
		"valid":       res.Valid,
		"score":       res.Score,
	})
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	} else {
		h.logger.WarnContext(ctx, msg,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	httputil.WriteError(w, err)
}

func toResponse(d *models.Document) documentResponse {
	return documentResponse{
		ID:              d.ID.String(),
		OwnerID:         d.OwnerID.String(),
		Category:        string(d.Category),
		Filename:        d.OriginalFilename,
		MIMEType:        d.MIMEType,
		Size:            d.DeclaredSize,
		ValidationScore: d.ValidationScore,
		ScanVerdict:     d.ScanVerdict,
		Unscanned:       d.Unscanned,
		Status:          string(d.ApprovalStatus),
		CreatedAt:       d.CreatedAt,
		ReviewedAt:      d.ReviewedAt,
		RejectionReason: d.RejectionReason,
	}
}

func documentIDString(docID id.DocumentID) string {
	if docID.IsNil() {
		return ""
	}
	return docID.String()
}
