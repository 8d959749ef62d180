package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	docmodels "dossier/internal/documents/models"
	"dossier/internal/documents/store"
	"dossier/internal/kyc/models"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	audit "dossier/pkg/platform/audit"
	"dossier/pkg/platform/audit/publishers/compliance"
	auditmemory "dossier/pkg/platform/audit/store/memory"
	"dossier/pkg/requestcontext"
)

type WorkflowSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	store    *store.InMemoryStore
	audit    *auditmemory.InMemoryStore
	svc      *Service
	user     id.UserID
	reviewer id.UserID
}

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(WorkflowSuite))
}

func (s *WorkflowSuite) SetupTest() {
	s.now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.store = store.NewInMemoryStore()
	s.audit = auditmemory.NewInMemoryStore()
	s.user = id.UserID(uuid.New())
	s.reviewer = id.UserID(uuid.New())

	svc, err := New(s.store, store.NewShardedTx(s.store), compliance.New(s.audit))
	s.Require().NoError(err)
	s.svc = svc
}

func (s *WorkflowSuite) seed(owner id.UserID, category id.DocumentCategory, status docmodels.ApprovalStatus, minute int) *docmodels.Document {
	doc := &docmodels.Document{
		ID:               id.NewDocumentID(),
		OwnerID:          owner,
		Category:         category,
		OriginalFilename: string(category) + ".pdf",
		MIMEType:         "application/pdf",
		StoragePath:      "documents/" + owner.String() + "/x.bin",
		EncryptionKeyID:  "v1:100000:salt",
		ChecksumSHA256:   "abc",
		ValidationScore:  100,
		ScanVerdict:      "clean",
		ApprovalStatus:   status,
		CreatedAt:        s.now.Add(time.Duration(minute) * time.Minute),
	}
	if status.IsReviewed() {
		reviewedAt := doc.CreatedAt.Add(time.Hour)
		doc.ReviewedAt = &reviewedAt
		doc.ReviewerID = &s.reviewer
	}
	s.Require().NoError(s.store.Save(s.ctx, doc))
	return doc
}

func (s *WorkflowSuite) seedAll(owner id.UserID, status docmodels.ApprovalStatus) []*docmodels.Document {
	return []*docmodels.Document{
		s.seed(owner, id.CategoryGovernmentID, status, 1),
		s.seed(owner, id.CategoryProofOfAddress, status, 2),
		s.seed(owner, id.CategorySelfie, status, 3),
	}
}

func (s *WorkflowSuite) statusOf(docID id.DocumentID) docmodels.ApprovalStatus {
	doc, err := s.store.FindByID(s.ctx, docID)
	s.Require().NoError(err)
	return doc.ApprovalStatus
}

func (s *WorkflowSuite) events(action audit.AuditEvent) []audit.Event {
	events, err := s.audit.ListByAction(s.ctx, action)
	s.Require().NoError(err)
	return events
}

func (s *WorkflowSuite) TestStatus() {
	s.Run("all uploaded none approved", func() {
		s.seedAll(s.user, docmodels.StatusPending)
		sum, err := s.svc.Status(s.ctx, s.user, id.RoleIndividual)
		s.Require().NoError(err)
		s.Equal(models.StatusPendingReview, sum.Status)
		s.InDelta(100.0, sum.Completion, 0.001)
	})

	s.Run("one of three uploaded", func() {
		other := id.UserID(uuid.New())
		s.seed(other, id.CategorySelfie, docmodels.StatusPending, 1)
		sum, err := s.svc.Status(s.ctx, other, id.RoleIndividual)
		s.Require().NoError(err)
		s.Equal(models.StatusInProgress, sum.Status)
		s.InDelta(33.33, sum.Completion, 0.01)
	})

	s.Run("unknown role", func() {
		_, err := s.svc.Status(s.ctx, s.user, "auditor")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})
}

func (s *WorkflowSuite) TestSubmitIncompleteChangesNothing() {
	a := s.seed(s.user, id.CategoryGovernmentID, docmodels.StatusPending, 1)
	b := s.seed(s.user, id.CategoryProofOfAddress, docmodels.StatusPending, 2)

	_, err := s.svc.SubmitForReview(s.ctx, s.user, id.RoleIndividual)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeIncompleteSubmission))

	s.Equal(docmodels.StatusPending, s.statusOf(a.ID))
	s.Equal(docmodels.StatusPending, s.statusOf(b.ID))
	s.Empty(s.events(audit.EventKYCSubmitted))
}

func (s *WorkflowSuite) TestSubmitFlipsBoundDocuments() {
	docs := s.seedAll(s.user, docmodels.StatusPending)
	stray := s.seed(s.user, id.CategoryBusinessLicense, docmodels.StatusPending, 4)

	sum, err := s.svc.SubmitForReview(s.ctx, s.user, id.RoleIndividual)
	s.Require().NoError(err)
	s.Equal(models.StatusPendingReview, sum.Status)

	for _, d := range docs {
		s.Equal(docmodels.StatusUnderReview, s.statusOf(d.ID))
	}
	s.Equal(docmodels.StatusPending, s.statusOf(stray.ID), "documents outside the role are untouched")

	changes := s.events(audit.EventDocumentStatusChanged)
	s.Len(changes, 3)
	for _, e := range changes {
		s.Equal(string(docmodels.StatusPending), e.PreviousState)
		s.Equal(string(docmodels.StatusUnderReview), e.Decision)
		s.Equal(s.now, e.Timestamp)
	}
	s.Len(s.events(audit.EventKYCSubmitted), 1)

	_, err = s.svc.SubmitForReview(s.ctx, s.user, id.RoleIndividual)
	s.True(dErrors.HasCode(err, dErrors.CodeAlreadySubmitted))
}

func (s *WorkflowSuite) TestRejectWithoutReasonChangesNothing() {
	docs := s.seedAll(s.user, docmodels.StatusUnderReview)

	for _, reason := range []string{"", "   "} {
		_, err := s.svc.Reject(s.ctx, s.user, s.reviewer, reason)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	}
	for _, d := range docs {
		s.Equal(docmodels.StatusUnderReview, s.statusOf(d.ID))
	}
	s.Empty(s.events(audit.EventDocumentStatusChanged))
}

func (s *WorkflowSuite) TestApprove() {
	docs := s.seedAll(s.user, docmodels.StatusUnderReview)
	ctx := requestcontext.WithClientMetadata(s.ctx, "10.0.0.1",
		"Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0")

	dec, err := s.svc.Approve(ctx, s.user, s.reviewer, " looks good ")
	s.Require().NoError(err)
	s.Equal(docmodels.StatusApproved, dec.Outcome)
	s.Len(dec.Documents, 3)
	s.Equal(s.now, dec.ReviewedAt)

	for _, d := range docs {
		got, err := s.store.FindByID(s.ctx, d.ID)
		s.Require().NoError(err)
		s.Equal(docmodels.StatusApproved, got.ApprovalStatus)
		s.Require().NotNil(got.ReviewerID)
		s.Equal(s.reviewer, *got.ReviewerID)
		s.Equal("looks good", got.ReviewNotes)
	}

	sum, err := s.svc.Status(s.ctx, s.user, id.RoleIndividual)
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, sum.Status)

	changes := s.events(audit.EventDocumentStatusChanged)
	s.Require().Len(changes, 3)
	s.Equal(s.reviewer.String(), changes[0].ActorID)
	s.Contains(changes[0].ActorClient, "Firefox")
	s.Len(s.events(audit.EventKYCApproved), 1)
}

func (s *WorkflowSuite) TestReject() {
	docs := s.seedAll(s.user, docmodels.StatusUnderReview)

	dec, err := s.svc.Reject(s.ctx, s.user, s.reviewer, "address document expired")
	s.Require().NoError(err)
	s.Equal(docmodels.StatusRejected, dec.Outcome)

	for _, d := range docs {
		got, err := s.store.FindByID(s.ctx, d.ID)
		s.Require().NoError(err)
		s.Equal(docmodels.StatusRejected, got.ApprovalStatus)
		s.Equal("address document expired", got.RejectionReason)
	}
	sum, err := s.svc.Status(s.ctx, s.user, id.RoleIndividual)
	s.Require().NoError(err)
	s.Equal(models.StatusRejected, sum.Status)

	rejected := s.events(audit.EventKYCRejected)
	s.Require().Len(rejected, 1)
	s.Equal("address document expired", rejected[0].Reason)
}

func (s *WorkflowSuite) TestReviewErrors() {
	s.Run("nothing submitted", func() {
		s.seedAll(s.user, docmodels.StatusPending)
		_, err := s.svc.Approve(s.ctx, s.user, s.reviewer, "")
		s.True(dErrors.HasCode(err, dErrors.CodeNotUnderReview))
	})

	s.Run("own submission", func() {
		_, err := s.svc.Approve(s.ctx, s.user, s.user, "")
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("already reviewed", func() {
		other := id.UserID(uuid.New())
		s.seedAll(other, docmodels.StatusApproved)
		_, err := s.svc.Reject(s.ctx, other, s.reviewer, "late")
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyReviewed))
	})

	s.Run("earlier decision followed by a new upload", func() {
		returning := id.UserID(uuid.New())
		s.seedAll(returning, docmodels.StatusApproved)
		s.seed(returning, id.CategoryProofOfAddress, docmodels.StatusPending, 24*60)
		_, err := s.svc.Approve(s.ctx, returning, s.reviewer, "")
		s.True(dErrors.HasCode(err, dErrors.CodeNotUnderReview))
	})
}

func (s *WorkflowSuite) TestConcurrentReviewsFirstWriterWins() {
	s.seedAll(s.user, docmodels.StatusUnderReview)
	second := id.UserID(uuid.New())

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = s.svc.Approve(s.ctx, s.user, s.reviewer, "")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = s.svc.Reject(s.ctx, s.user, second, "blurry")
	}()
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			failures++
			s.True(dErrors.HasCode(err, dErrors.CodeAlreadyReviewed))
		}
	}
	s.Equal(1, failures)

	docs, err := s.store.ListByOwner(s.ctx, s.user)
	s.Require().NoError(err)
	first := docs[0].ApprovalStatus
	for _, d := range docs {
		s.Equal(first, d.ApprovalStatus, "the batch is decided as one unit")
	}
}

func (s *WorkflowSuite) TestPendingReviews() {
	early := id.UserID(uuid.New())
	late := id.UserID(uuid.New())
	merchant := id.UserID(uuid.New())

	s.seed(early, id.CategoryGovernmentID, docmodels.StatusUnderReview, 1)
	s.seed(early, id.CategorySelfie, docmodels.StatusUnderReview, 2)
	s.seed(late, id.CategoryProofOfAddress, docmodels.StatusUnderReview, 10)
	s.seed(merchant, id.CategoryBusinessLicense, docmodels.StatusUnderReview, 5)
	s.seed(s.user, id.CategoryGovernmentID, docmodels.StatusPending, 20)

	queue, err := s.svc.PendingReviews(s.ctx, "")
	s.Require().NoError(err)
	s.Require().Len(queue, 3)
	s.Equal(late, queue[0].UserID)
	s.Equal(merchant, queue[1].UserID)
	s.Equal(early, queue[2].UserID)
	s.Len(queue[2].Documents, 2)
	s.Equal(s.now.Add(2*time.Minute), queue[2].LatestUpload)

	queue, err = s.svc.PendingReviews(s.ctx, id.RoleMerchant)
	s.Require().NoError(err)
	s.Require().Len(queue, 2, "merchant categories include government_id")
	s.Equal(merchant, queue[0].UserID)
	s.Equal(early, queue[1].UserID)
	s.Len(queue[1].Documents, 1)

	_, err = s.svc.PendingReviews(s.ctx, "auditor")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func TestDescribeClient(t *testing.T) {
	assert.Empty(t, describeClient(""))
	assert.Equal(t, "Firefox 128.0 (Linux x86_64)",
		describeClient("Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0"))
	assert.Contains(t, describeClient("Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"), "bot")
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}
