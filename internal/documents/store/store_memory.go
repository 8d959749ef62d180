package store

import (
	"context"
	"slices"
	"sync"

	"dossier/internal/documents/models"
	id "dossier/pkg/domain"
	"dossier/pkg/platform/sentinel"
)

// InMemoryStore is used in development and tests. Records are copied in and
// out so callers never share memory with the store.
type InMemoryStore struct {
	mu       sync.RWMutex
	docs     map[id.DocumentID]*models.Document
	checks   map[id.DocumentID][]models.ValidationCheck
	scans    map[id.DocumentID][]models.ScanResult
	sequence map[id.DocumentID]int
	next     int

	rejections []*models.Rejection
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		docs:     make(map[id.DocumentID]*models.Document),
		checks:   make(map[id.DocumentID][]models.ValidationCheck),
		scans:    make(map[id.DocumentID][]models.ScanResult),
		sequence: make(map[id.DocumentID]int),
	}
}

func (s *InMemoryStore) Save(_ context.Context, doc *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return sentinel.ErrConflict
	}
	s.docs[doc.ID] = copyDocument(doc)
	s.sequence[doc.ID] = s.next
	s.next++
	return nil
}

func (s *InMemoryStore) SaveValidationChecks(_ context.Context, checks []models.ValidationCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range checks {
		if _, ok := s.docs[c.DocumentID]; !ok {
			return sentinel.ErrNotFound
		}
		s.checks[c.DocumentID] = append(s.checks[c.DocumentID], c)
	}
	return nil
}

func (s *InMemoryStore) SaveScanResults(_ context.Context, results []models.ScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		if _, ok := s.docs[r.DocumentID]; !ok {
			return sentinel.ErrNotFound
		}
		r.ThreatNames = slices.Clone(r.ThreatNames)
		s.scans[r.DocumentID] = append(s.scans[r.DocumentID], r)
	}
	return nil
}

func (s *InMemoryStore) SaveRejection(_ context.Context, rejection *models.Rejection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rejections {
		if r.AttemptID == rejection.AttemptID {
			return sentinel.ErrConflict
		}
	}
	s.rejections = append(s.rejections, copyRejection(rejection))
	return nil
}

func (s *InMemoryStore) ListRejections(_ context.Context, ownerID id.UserID) ([]*models.Rejection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Rejection, 0)
	for _, r := range s.rejections {
		if r.OwnerID == ownerID {
			out = append(out, copyRejection(r))
		}
	}
	return out, nil
}

func (s *InMemoryStore) FindByID(_ context.Context, documentID id.DocumentID) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyDocument(doc), nil
}

func (s *InMemoryStore) ListByOwner(_ context.Context, ownerID id.UserID) ([]*models.Document, error) {
	return s.list(func(d *models.Document) bool { return d.OwnerID == ownerID }, false), nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, status models.ApprovalStatus) ([]*models.Document, error) {
	return s.list(func(d *models.Document) bool { return d.ApprovalStatus == status }, true), nil
}

func (s *InMemoryStore) list(match func(*models.Document) bool, newestFirst bool) []*models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Document, 0)
	for _, d := range s.docs {
		if match(d) {
			out = append(out, copyDocument(d))
		}
	}
	// Insertion order breaks created_at ties so listings are stable.
	slices.SortFunc(out, func(a, b *models.Document) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = s.sequence[a.ID] - s.sequence[b.ID]
		}
		if newestFirst {
			return -c
		}
		return c
	})
	return out
}

func (s *InMemoryStore) ListScanResults(_ context.Context, documentID id.DocumentID) ([]models.ScanResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.scans[documentID]), nil
}

func (s *InMemoryStore) ListValidationChecks(_ context.Context, documentID id.DocumentID) ([]models.ValidationCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.checks[documentID]), nil
}

func (s *InMemoryStore) UpdateReview(_ context.Context, documentID id.DocumentID, from models.ApprovalStatus, review models.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if doc.ApprovalStatus != from {
		return sentinel.ErrInvalidState
	}
	doc.ApprovalStatus = review.Status
	doc.ReviewerID = review.ReviewerID
	doc.ReviewedAt = review.ReviewedAt
	doc.RejectionReason = review.RejectionReason
	doc.ReviewNotes = review.Notes
	return nil
}

func (s *InMemoryStore) UpdateScan(_ context.Context, documentID id.DocumentID, verdict string, scanID id.ScanID, unscanned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return sentinel.ErrNotFound
	}
	doc.ScanVerdict = verdict
	doc.ScanID = scanID
	doc.Unscanned = unscanned
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, documentID id.DocumentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[documentID]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.docs, documentID)
	delete(s.checks, documentID)
	delete(s.scans, documentID)
	delete(s.sequence, documentID)
	return nil
}

func copyDocument(d *models.Document) *models.Document {
	c := *d
	if d.ReviewedAt != nil {
		t := *d.ReviewedAt
		c.ReviewedAt = &t
	}
	if d.ReviewerID != nil {
		r := *d.ReviewerID
		c.ReviewerID = &r
	}
	return &c
}

func copyRejection(r *models.Rejection) *models.Rejection {
	c := *r
	c.Checks = slices.Clone(r.Checks)
	c.ScanResults = make([]models.ScanResult, len(r.ScanResults))
	for i, sr := range r.ScanResults {
		sr.ThreatNames = slices.Clone(sr.ThreatNames)
		c.ScanResults[i] = sr
	}
	return &c
}
