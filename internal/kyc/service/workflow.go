package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	docmodels "dossier/internal/documents/models"
	"dossier/internal/documents/store"
	"dossier/internal/kyc/models"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	audit "dossier/pkg/platform/audit"
	"dossier/pkg/requestcontext"
)

// Status derives the current KYC summary for userID under role.
func (s *Service) Status(ctx context.Context, userID id.UserID, role id.Role) (*models.Summary, error) {
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "user ID is required")
	}
	reqs, err := s.requirements.For(role)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.ListByOwner(ctx, userID)
	if err != nil {
		return nil, translateStoreErr(err)
	}
	sum := models.Evaluate(userID, role, reqs, docs)
	s.metrics.IncStatusRead(string(sum.Status))
	return sum, nil
}

// SubmitForReview moves every pending document bound to role's required
// categories to under_review in one transaction. It fails with
// CodeIncompleteSubmission, changing nothing, unless every required
// category has an uploaded document.
func (s *Service) SubmitForReview(ctx context.Context, userID id.UserID, role id.Role) (*models.Summary, error) {
	ctx, span := s.tracer.Start(ctx, "kyc.submit",
		trace.WithAttributes(attribute.String("kyc.role", string(role))))
	defer span.End()

	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "user ID is required")
	}
	reqs, err := s.requirements.For(role)
	if err != nil {
		return nil, err
	}

	var (
		summary   *models.Summary
		submitted int
	)
	err = s.tx.RunInTx(ctx, userID, func(ctx context.Context, st store.Store) error {
		docs, err := st.ListByOwner(ctx, userID)
		if err != nil {
			return err
		}
		before := models.Evaluate(userID, role, reqs, docs)
		if before.Uploaded < before.Total {
			return dErrors.New(dErrors.CodeIncompleteSubmission,
				fmt.Sprintf("%d of %d required documents uploaded", before.Uploaded, before.Total))
		}

		now := requestcontext.Now(ctx)
		actor := actorOr(ctx, userID)
		var flipped []id.DocumentID
		for _, doc := range models.Bound(reqs, docs) {
			if doc.ApprovalStatus != docmodels.StatusPending {
				continue
			}
			if err := st.UpdateReview(ctx, doc.ID, docmodels.StatusPending, docmodels.Review{
				Status: docmodels.StatusUnderReview,
			}); err != nil {
				return err
			}
			if err := s.compliance.Emit(ctx, audit.ComplianceEvent{
				Timestamp:     now,
				UserID:        userID,
				DocumentID:    doc.ID.String(),
				Action:        string(audit.EventDocumentStatusChanged),
				PreviousState: string(docmodels.StatusPending),
				Decision:      string(docmodels.StatusUnderReview),
				RequestID:     requestcontext.RequestID(ctx),
				ActorID:       actor.String(),
				ActorClient:   describeClient(requestcontext.UserAgent(ctx)),
			}); err != nil {
				return err
			}
			flipped = append(flipped, doc.ID)
		}
		if len(flipped) == 0 {
			return dErrors.New(dErrors.CodeAlreadySubmitted, "no pending documents to submit")
		}
		if err := s.compliance.Emit(ctx, audit.ComplianceEvent{
			Timestamp:     now,
			UserID:        userID,
			Action:        string(audit.EventKYCSubmitted),
			PreviousState: string(before.Status),
			Decision:      string(role),
			Reason:        fmt.Sprintf("%d documents submitted", len(flipped)),
			RequestID:     requestcontext.RequestID(ctx),
			ActorID:       actor.String(),
			ActorClient:   describeClient(requestcontext.UserAgent(ctx)),
		}); err != nil {
			return err
		}

		after, err := st.ListByOwner(ctx, userID)
		if err != nil {
			return err
		}
		summary = models.Evaluate(userID, role, reqs, after)
		submitted = len(flipped)
		return nil
	})
	if err != nil {
		return nil, s.refuse("submit", translateStoreErr(err))
	}
	s.metrics.IncTransition(string(docmodels.StatusPending), string(docmodels.StatusUnderReview), submitted)

	s.logger.InfoContext(ctx, "kyc submitted for review",
		"user_id", userID.String(),
		"role", string(role),
		"documents", submitted,
		"request_id", requestcontext.RequestID(ctx),
	)
	return summary, nil
}

// Approve approves all of userID's under-review documents as one unit.
func (s *Service) Approve(ctx context.Context, userID, reviewerID id.UserID, notes string) (*models.Decision, error) {
	return s.review(ctx, userID, reviewerID, docmodels.StatusApproved, strings.TrimSpace(notes), "")
}

// Reject rejects all of userID's under-review documents as one unit. A
// blank reason fails with CodeValidation before anything is read.
func (s *Service) Reject(ctx context.Context, userID, reviewerID id.UserID, reason string) (*models.Decision, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, s.refuse("reject", dErrors.New(dErrors.CodeValidation, "a rejection reason is required"))
	}
	return s.review(ctx, userID, reviewerID, docmodels.StatusRejected, "", reason)
}

// review applies outcome under the owner's transaction. The first reviewer
// wins: a second attempt finds nothing under review and fails with
// CodeAlreadyReviewed.
func (s *Service) review(ctx context.Context, userID, reviewerID id.UserID, outcome docmodels.ApprovalStatus, notes, reason string) (*models.Decision, error) {
	ctx, span := s.tracer.Start(ctx, "kyc.review",
		trace.WithAttributes(attribute.String("kyc.outcome", string(outcome))))
	defer span.End()

	action := "approve"
	kycEvent := audit.EventKYCApproved
	if outcome == docmodels.StatusRejected {
		action = "reject"
		kycEvent = audit.EventKYCRejected
	}

	if userID.IsNil() || reviewerID.IsNil() {
		return nil, s.refuse(action, dErrors.New(dErrors.CodeInvalidInput, "user and reviewer are required"))
	}
	if userID == reviewerID {
		return nil, s.refuse(action, dErrors.New(dErrors.CodeForbidden, "reviewers cannot decide their own submission"))
	}

	decision := &models.Decision{UserID: userID, Outcome: outcome, ReviewerID: reviewerID}
	err := s.tx.RunInTx(ctx, userID, func(ctx context.Context, st store.Store) error {
		docs, err := st.ListByOwner(ctx, userID)
		if err != nil {
			return err
		}
		pending := slices.DeleteFunc(slices.Clone(docs), func(d *docmodels.Document) bool {
			return d.ApprovalStatus != docmodels.StatusUnderReview
		})
		if len(pending) == 0 {
			if reviewedSinceLastUpload(docs) {
				return dErrors.New(dErrors.CodeAlreadyReviewed, "submission has already been reviewed")
			}
			return dErrors.New(dErrors.CodeNotUnderReview, "no documents are under review")
		}

		now := requestcontext.Now(ctx)
		client := describeClient(requestcontext.UserAgent(ctx))
		for _, doc := range pending {
			if err := s.decide(ctx, st, doc, reviewerID, outcome, notes, reason, now, client); err != nil {
				return err
			}
			decision.Documents = append(decision.Documents, doc.ID)
		}
		decision.ReviewedAt = now
		return s.compliance.Emit(ctx, audit.ComplianceEvent{
			Timestamp:     now,
			UserID:        userID,
			Action:        string(kycEvent),
			PreviousState: string(docmodels.StatusUnderReview),
			Decision:      string(outcome),
			Reason:        reason,
			RequestID:     requestcontext.RequestID(ctx),
			ActorID:       reviewerID.String(),
			ActorClient:   client,
		})
	})
	if err != nil {
		return nil, s.refuse(action, translateStoreErr(err))
	}

	s.metrics.IncTransition(string(docmodels.StatusUnderReview), string(outcome), len(decision.Documents))
	s.logger.InfoContext(ctx, "kyc submission reviewed",
		"user_id", userID.String(),
		"reviewer_id", reviewerID.String(),
		"outcome", string(outcome),
		"documents", len(decision.Documents),
		"request_id", requestcontext.RequestID(ctx),
	)
	return decision, nil
}

// reviewedSinceLastUpload reports whether the owner's latest batch has been
// decided: some document was reviewed no earlier than the newest upload.
func reviewedSinceLastUpload(docs []*docmodels.Document) bool {
	var newest time.Time
	for _, d := range docs {
		if d.CreatedAt.After(newest) {
			newest = d.CreatedAt
		}
	}
	return slices.ContainsFunc(docs, func(d *docmodels.Document) bool {
		return d.ApprovalStatus.IsReviewed() && d.ReviewedAt != nil && !d.ReviewedAt.Before(newest)
	})
}

func (s *Service) decide(ctx context.Context, st store.Store, doc *docmodels.Document, reviewerID id.UserID,
	outcome docmodels.ApprovalStatus, notes, reason string, now time.Time, client string) error {
	if err := st.UpdateReview(ctx, doc.ID, docmodels.StatusUnderReview, docmodels.Review{
		Status:          outcome,
		ReviewerID:      &reviewerID,
		ReviewedAt:      &now,
		RejectionReason: reason,
		Notes:           notes,
	}); err != nil {
		return err
	}
	return s.compliance.Emit(ctx, audit.ComplianceEvent{
		Timestamp:     now,
		UserID:        doc.OwnerID,
		DocumentID:    doc.ID.String(),
		Action:        string(audit.EventDocumentStatusChanged),
		PreviousState: string(docmodels.StatusUnderReview),
		Decision:      string(outcome),
		Reason:        reason,
		RequestID:     requestcontext.RequestID(ctx),
		ActorID:       reviewerID.String(),
		ActorClient:   client,
	})
}

// PendingReviews returns the reviewer queue: users with at least one
// under-review document, most recent upload first. A non-empty role keeps
// only documents in that role's categories.
func (s *Service) PendingReviews(ctx context.Context, role id.Role) ([]models.PendingReview, error) {
	if role != "" {
		if _, err := s.requirements.For(role); err != nil {
			return nil, err
		}
	}
	docs, err := s.store.ListByStatus(ctx, docmodels.StatusUnderReview)
	if err != nil {
		return nil, translateStoreErr(err)
	}

	index := make(map[id.UserID]int)
	queue := make([]models.PendingReview, 0)
	for _, d := range docs {
		if role != "" && !s.requirements.Covers(role, d.Category) {
			continue
		}
		i, ok := index[d.OwnerID]
		if !ok {
			i = len(queue)
			index[d.OwnerID] = i
			queue = append(queue, models.PendingReview{UserID: d.OwnerID})
		}
		entry := &queue[i]
		entry.Documents = append(entry.Documents, models.PendingDocument{
			DocumentID: d.ID,
			Category:   d.Category,
			Filename:   d.OriginalFilename,
			Score:      d.ValidationScore,
			Verdict:    d.ScanVerdict,
			Unscanned:  d.Unscanned,
			UploadedAt: d.CreatedAt,
		})
		if d.CreatedAt.After(entry.LatestUpload) {
			entry.LatestUpload = d.CreatedAt
		}
	}

	slices.SortStableFunc(queue, func(a, b models.PendingReview) int {
		return b.LatestUpload.Compare(a.LatestUpload)
	})
	s.metrics.SetPending(len(queue))
	return queue, nil
}

// actorOr returns the authenticated caller, or fallback outside HTTP.
func actorOr(ctx context.Context, fallback id.UserID) id.UserID {
	if actor := requestcontext.ActorID(ctx); !actor.IsNil() {
		return actor
	}
	return fallback
}
