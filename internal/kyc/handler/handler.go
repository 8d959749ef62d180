package handler

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"dossier/internal/kyc/models"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/httputil"
	"dossier/pkg/platform/middleware/admin"
	"dossier/pkg/platform/middleware/auth"
	"dossier/pkg/requestcontext"
)

// Service defines the KYC workflow operations exposed over HTTP.
type Service interface {
	Status(ctx context.Context, userID id.UserID, role id.Role) (*models.Summary, error)
	SubmitForReview(ctx context.Context, userID id.UserID, role id.Role) (*models.Summary, error)
	Approve(ctx context.Context, userID, reviewerID id.UserID, notes string) (*models.Decision, error)
	Reject(ctx context.Context, userID, reviewerID id.UserID, reason string) (*models.Decision, error)
	PendingReviews(ctx context.Context, role id.Role) ([]models.PendingReview, error)
}

type submitRequest struct {
	Role string `json:"role"`
}

type approveRequest struct {
	Notes string `json:"notes"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type pendingResponse struct {
	Users []models.PendingReview `json:"users"`
	Count int                    `json:"count"`
}

// Handler serves the customer status endpoints and the reviewer console.
type Handler struct {
	logger       *slog.Logger
	kyc          Service
	jwtValidator auth.JWTValidator
}

func New(kyc Service, jwtValidator auth.JWTValidator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		logger:       logger,
		kyc:          kyc,
		jwtValidator: jwtValidator,
	}
}

// Register mounts the KYC routes. Every route requires a bearer token;
// /admin/kyc additionally requires the reviewer role.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(h.jwtValidator, h.logger))
		r.Get("/kyc/{userID}/status", h.handleStatus)
		r.Post("/kyc/{userID}/submit", h.handleSubmit)

		r.Route("/admin/kyc", func(r chi.Router) {
			r.Use(admin.RequireReviewer(h.logger))
			r.Get("/pending", h.handlePending)
			r.Post("/{userID}/approve", h.handleApprove)
			r.Post("/{userID}/reject", h.handleReject)
		})
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.subject(w, r)
	if !ok {
		return
	}
	role, err := id.ParseRole(r.URL.Query().Get("role"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	sum, err := h.kyc.Status(ctx, userID, role)
	if err != nil {
		h.fail(ctx, w, "failed to read kyc status", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sum)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.subject(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	role, err := id.ParseRole(req.Role)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	sum, err := h.kyc.SubmitForReview(ctx, userID, role)
	if err != nil {
		h.fail(ctx, w, "failed to submit kyc", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sum)
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var role id.Role
	if raw := r.URL.Query().Get("role"); raw != "" {
		parsed, err := id.ParseRole(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		role = parsed
	}

	queue, err := h.kyc.PendingReviews(ctx, role)
	if err != nil {
		h.fail(ctx, w, "failed to list pending reviews", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pendingResponse{Users: queue, Count: len(queue)})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req approveRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	dec, err := h.kyc.Approve(ctx, userID, requestcontext.ActorID(ctx), req.Notes)
	if err != nil {
		h.fail(ctx, w, "failed to approve kyc", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, dec)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req rejectRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	dec, err := h.kyc.Reject(ctx, userID, requestcontext.ActorID(ctx), req.Reason)
	if err != nil {
		h.fail(ctx, w, "failed to reject kyc", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, dec)
}

// subject parses {userID} and enforces that customers only address
// themselves. Reviewers may address anyone.
func (h *Handler) subject(w http.ResponseWriter, r *http.Request) (id.UserID, bool) {
	ctx := r.Context()
	userID, err := id.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.UserID{}, false
	}
	if requestcontext.ActorRoleFrom(ctx) != requestcontext.RoleReviewer && requestcontext.ActorID(ctx) != userID {
		h.logger.WarnContext(ctx, "kyc access to another user refused",
			"actor_id", requestcontext.ActorID(ctx).String(),
			"user_id", userID.String(),
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeForbidden, "cannot access another user's kyc"))
		return id.UserID{}, false
	}
	return userID, true
}

// fail logs at error level for internal failures and at warn level for
// workflow refusals, then writes the mapped response.
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
