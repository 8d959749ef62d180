package models

import (
	docmodels "dossier/internal/documents/models"
	id "dossier/pkg/domain"
)

// Evaluate derives the KYC summary of userID under role from the role's
// requirements and the user's documents. Each requirement binds the most
// recent document in its category. A bound document counts as uploaded
// unless it was rejected.
//
// The status rules, in order:
//   - APPROVED when every required category is approved
//   - REJECTED when every bound document is rejected
//   - REQUIRES_REVISION when some, but not all, bound documents are rejected
//   - PENDING_REVIEW when every required category is uploaded
//   - IN_PROGRESS when some are uploaded
//   - NOT_STARTED otherwise
func Evaluate(userID id.UserID, role id.Role, reqs []Requirement, docs []*docmodels.Document) *Summary {
	latest := latestByCategory(docs)

	sum := &Summary{
		UserID:       userID,
		Role:         role,
		Requirements: make([]RequirementStatus, 0, len(reqs)),
	}
	bound, boundRejected := 0, 0
	for _, req := range reqs {
		rs := RequirementStatus{Category: req.Category, Required: req.Required}
		if doc, ok := latest[req.Category]; ok {
			docID := doc.ID
			createdAt := doc.CreatedAt
			rs.DocumentID = &docID
			rs.ApprovalStatus = doc.ApprovalStatus
			rs.UploadedAt = &createdAt
		}
		sum.Requirements = append(sum.Requirements, rs)

		if !req.Required {
			continue
		}
		sum.Total++
		if !rs.Bound() {
			continue
		}
		bound++
		switch rs.ApprovalStatus {
		case docmodels.StatusRejected:
			boundRejected++
		case docmodels.StatusApproved:
			sum.Approved++
			sum.Uploaded++
		default:
			sum.Uploaded++
		}
	}
	sum.Rejected = boundRejected
	if sum.Total > 0 {
		sum.Completion = 100 * float64(sum.Uploaded) / float64(sum.Total)
	}
	sum.Status = deriveStatus(sum.Total, sum.Uploaded, sum.Approved, bound, boundRejected)
	return sum
}

func deriveStatus(total, uploaded, approved, bound, rejected int) Status {
	switch {
	case total > 0 && approved == total:
		return StatusApproved
	case rejected > 0 && rejected == bound:
		return StatusRejected
	case rejected > 0:
		return StatusRequiresRevision
	case total > 0 && uploaded == total:
		return StatusPendingReview
	case uploaded > 0:
		return StatusInProgress
	default:
		return StatusNotStarted
	}
}

// latestByCategory keeps the most recent document per category. Documents
// with equal timestamps resolve to the later one in docs.
func latestByCategory(docs []*docmodels.Document) map[id.DocumentCategory]*docmodels.Document {
	out := make(map[id.DocumentCategory]*docmodels.Document, len(docs))
	for _, d := range docs {
		if cur, ok := out[d.Category]; !ok || !d.CreatedAt.Before(cur.CreatedAt) {
			out[d.Category] = d
		}
	}
	return out
}

// Bound returns the documents bound to role's required categories.
func Bound(reqs []Requirement, docs []*docmodels.Document) []*docmodels.Document {
	latest := latestByCategory(docs)
	out := make([]*docmodels.Document, 0, len(reqs))
	for _, req := range reqs {
		if !req.Required {
			continue
		}
		if doc, ok := latest[req.Category]; ok {
			out = append(out, doc)
		}
	}
	return out
}
