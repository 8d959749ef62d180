package testutil

import (
	"net/http"

	id "dossier/pkg/domain"
	"dossier/pkg/requestcontext"
)

// AsReviewer marks the request as coming from an authenticated reviewer.
// This simulates what the reviewer auth middleware does.
func AsReviewer(req *http.Request, reviewerID id.UserID) *http.Request {
	ctx := requestcontext.WithActor(req.Context(), reviewerID, requestcontext.RoleReviewer)
	return req.WithContext(ctx)
}

// AsCustomer marks the request as coming from an authenticated customer.
func AsCustomer(req *http.Request, userID id.UserID) *http.Request {
	ctx := requestcontext.WithActor(req.Context(), userID, requestcontext.RoleCustomer)
	return req.WithContext(ctx)
}
