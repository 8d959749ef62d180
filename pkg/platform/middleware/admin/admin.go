package admin

import (
	"log/slog"
	"net/http"

	"dossier/pkg/requestcontext"
)

// RequireReviewer admits only callers authenticated with the reviewer role.
// It must run after auth.RequireAuth.
func RequireReviewer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if requestcontext.ActorRoleFrom(ctx) != requestcontext.RoleReviewer {
				logger.WarnContext(ctx, "reviewer role required",
					"actor_id", requestcontext.ActorID(ctx).String(),
					"request_id", requestcontext.RequestID(ctx),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"forbidden","error_description":"reviewer role required"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
