package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"dossier/internal/documents/models"
	id "dossier/pkg/domain"
	"dossier/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	ctx   context.Context
	owner id.UserID
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.store = NewInMemoryStore()
	s.ctx = context.Background()
	s.owner = id.UserID(uuid.New())
}

func (s *InMemoryStoreSuite) newDoc(createdAt time.Time, status models.ApprovalStatus) *models.Document {
	return &models.Document{
		ID:               id.NewDocumentID(),
		OwnerID:          s.owner,
		Category:         id.CategoryGovernmentID,
		OriginalFilename: "passport.pdf",
		MIMEType:         "application/pdf",
		DeclaredSize:     2048,
		StoredSize:       2076,
		StoragePath:      "documents/x",
		EncryptionKeyID:  "derived-v1",
		ChecksumSHA256:   "abc",
		ValidationScore:  100,
		ScanVerdict:      "clean",
		ScanID:           id.NewScanID(),
		ApprovalStatus:   status,
		CreatedAt:        createdAt,
	}
}

func (s *InMemoryStoreSuite) TestSaveAndFind() {
	doc := s.newDoc(time.Now(), models.StatusPending)
	s.Require().NoError(s.store.Save(s.ctx, doc))

	s.Run("duplicate id conflicts", func() {
		s.ErrorIs(s.store.Save(s.ctx, doc), sentinel.ErrConflict)
	})

	s.Run("returned copies are isolated", func() {
		found, err := s.store.FindByID(s.ctx, doc.ID)
		s.Require().NoError(err)
		found.ApprovalStatus = models.StatusApproved

		again, err := s.store.FindByID(s.ctx, doc.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusPending, again.ApprovalStatus)
	})

	s.Run("missing document", func() {
		_, err := s.store.FindByID(s.ctx, id.NewDocumentID())
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestListOrdering() {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first := s.newDoc(base, models.StatusPending)
	second := s.newDoc(base, models.StatusPending)
	third := s.newDoc(base.Add(time.Minute), models.StatusPending)
	for _, d := range []*models.Document{third, first, second} {
		s.Require().NoError(s.store.Save(s.ctx, d))
	}

	byOwner, err := s.store.ListByOwner(s.ctx, s.owner)
	s.Require().NoError(err)
	s.Require().Len(byOwner, 3)
	s.Equal(first.ID, byOwner[0].ID)
	s.Equal(second.ID, byOwner[1].ID)
	s.Equal(third.ID, byOwner[2].ID)

	byStatus, err := s.store.ListByStatus(s.ctx, models.StatusPending)
	s.Require().NoError(err)
	s.Require().Len(byStatus, 3)
	s.Equal(third.ID, byStatus[0].ID)
	s.Equal(second.ID, byStatus[1].ID)
	s.Equal(first.ID, byStatus[2].ID)
}

func (s *InMemoryStoreSuite) TestUpdateReviewIsConditional() {
	doc := s.newDoc(time.Now(), models.StatusUnderReview)
	s.Require().NoError(s.store.Save(s.ctx, doc))

	reviewer := id.UserID(uuid.New())
	now := time.Now()
	approve := models.Review{Status: models.StatusApproved, ReviewerID: &reviewer, ReviewedAt: &now}

	s.Require().NoError(s.store.UpdateReview(s.ctx, doc.ID, models.StatusUnderReview, approve))
	s.ErrorIs(s.store.UpdateReview(s.ctx, doc.ID, models.StatusUnderReview, approve), sentinel.ErrInvalidState)
	s.ErrorIs(s.store.UpdateReview(s.ctx, id.NewDocumentID(), models.StatusUnderReview, approve), sentinel.ErrNotFound)

	found, err := s.store.FindByID(s.ctx, doc.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, found.ApprovalStatus)
	s.Require().NotNil(found.ReviewerID)
	s.Equal(reviewer, *found.ReviewerID)
}

func (s *InMemoryStoreSuite) TestChildRecords() {
	doc := s.newDoc(time.Now(), models.StatusPending)
	s.Require().NoError(s.store.Save(s.ctx, doc))

	s.Require().NoError(s.store.SaveValidationChecks(s.ctx, []models.ValidationCheck{
		{DocumentID: doc.ID, Type: "format", Passed: true, Score: 100},
		{DocumentID: doc.ID, Type: "size", Passed: true, Score: 100},
	}))
	s.Require().NoError(s.store.SaveScanResults(s.ctx, []models.ScanResult{
		{DocumentID: doc.ID, ScanID: doc.ScanID, ScannerID: "signature", Verdict: "clean"},
		{DocumentID: doc.ID, ScanID: doc.ScanID, ScannerID: "consensus", Verdict: "clean"},
	}))

	checks, err := s.store.ListValidationChecks(s.ctx, doc.ID)
	s.Require().NoError(err)
	s.Len(checks, 2)
	scans, err := s.store.ListScanResults(s.ctx, doc.ID)
	s.Require().NoError(err)
	s.Len(scans, 2)
	s.Equal("consensus", scans[1].ScannerID)

	s.ErrorIs(s.store.SaveValidationChecks(s.ctx, []models.ValidationCheck{{DocumentID: id.NewDocumentID()}}), sentinel.ErrNotFound)

	s.Require().NoError(s.store.Delete(s.ctx, doc.ID))
	checks, err = s.store.ListValidationChecks(s.ctx, doc.ID)
	s.Require().NoError(err)
	s.Empty(checks)
	s.ErrorIs(s.store.Delete(s.ctx, doc.ID), sentinel.ErrNotFound)
}

func (s *InMemoryStoreSuite) TestUpdateScan() {
	doc := s.newDoc(time.Now(), models.StatusPending)
	s.Require().NoError(s.store.Save(s.ctx, doc))

	scanID := id.NewScanID()
	s.Require().NoError(s.store.UpdateScan(s.ctx, doc.ID, "infected", scanID, false))
	found, err := s.store.FindByID(s.ctx, doc.ID)
	s.Require().NoError(err)
	s.Equal("infected", found.ScanVerdict)
	s.Equal(scanID, found.ScanID)
}

func (s *InMemoryStoreSuite) TestRejections() {
	rejection := &models.Rejection{
		AttemptID:      id.NewScanID(),
		OwnerID:        s.owner,
		Category:       id.CategoryProofOfAddress,
		Filename:       "bill.pdf",
		ChecksumSHA256: "abc",
		Verdict:        "infected",
		Reason:         "malware detected: Eicar-Signature",
		Checks:         []models.ValidationCheck{{Type: "size", Passed: true, Score: 100}},
		ScanResults: []models.ScanResult{
			{ScannerID: "clamav", Verdict: "infected", ThreatNames: []string{"Eicar-Signature"}},
			{ScannerID: "consensus", Verdict: "infected", ThreatNames: []string{"Eicar-Signature"}},
		},
		CreatedAt: time.Now(),
	}
	s.Require().NoError(s.store.SaveRejection(s.ctx, rejection))
	s.ErrorIs(s.store.SaveRejection(s.ctx, rejection), sentinel.ErrConflict)

	rejection.ScanResults[0].ThreatNames[0] = "mutated"

	got, err := s.store.ListRejections(s.ctx, s.owner)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal("Eicar-Signature", got[0].ScanResults[0].ThreatNames[0])
	s.Len(got[0].Checks, 1)

	others, err := s.store.ListRejections(s.ctx, id.UserID(uuid.New()))
	s.Require().NoError(err)
	s.Empty(others)
}

func TestShardedTx(t *testing.T) {
	t.Run("serialises work for one owner", func(t *testing.T) {
		tx := NewShardedTx(NewInMemoryStore())
		owner := id.UserID(uuid.New())

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			active  int
			overlap bool
		)
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = tx.RunInTx(context.Background(), owner, func(_ context.Context, _ Store) error {
					mu.Lock()
					active++
					if active > 1 {
						overlap = true
					}
					mu.Unlock()
					time.Sleep(time.Millisecond)
					mu.Lock()
					active--
					mu.Unlock()
					return nil
				})
			}()
		}
		wg.Wait()
		if overlap {
			t.Fatal("transactions for the same owner overlapped")
		}
	})

	t.Run("cancelled context aborts before fn", func(t *testing.T) {
		tx := NewShardedTx(NewInMemoryStore())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		called := false
		err := tx.RunInTx(ctx, id.UserID(uuid.New()), func(context.Context, Store) error {
			called = true
			return nil
		})
		if err == nil || called {
			t.Fatalf("expected abort without calling fn, err=%v called=%v", err, called)
		}
	})
}
