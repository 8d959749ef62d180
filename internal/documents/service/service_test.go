package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"dossier/internal/documents/models"
	"dossier/internal/documents/service"
	"dossier/internal/documents/store"
	"dossier/internal/encryption"
	"dossier/internal/platform/lease"
	"dossier/internal/scan"
	"dossier/internal/storage"
	storagemocks "dossier/internal/storage/mocks"
	"dossier/internal/validation"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	audit "dossier/pkg/platform/audit"
	"dossier/pkg/platform/audit/publishers/compliance"
	auditmemory "dossier/pkg/platform/audit/store/memory"
	"dossier/pkg/requestcontext"
	"dossier/pkg/testutil"
)

type stubScanner struct {
	id       string
	delay    time.Duration
	infected atomic.Bool
	calls    atomic.Int32
}

func (f *stubScanner) ID() string                   { return f.id }
func (f *stubScanner) Timeout() time.Duration       { return 5 * time.Second }
func (f *stubScanner) Health(context.Context) error { return nil }

func (f *stubScanner) ScanBuffer(_ context.Context, _ []byte) (*scan.Detection, error) {
	time.Sleep(f.delay)
	f.calls.Add(1)
	if f.infected.Load() {
		return &scan.Detection{Infected: true, Threats: []string{"Test.Threat"}}, nil
	}
	return &scan.Detection{}, nil
}

type securityRecorder struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (r *securityRecorder) Emit(_ context.Context, e audit.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *securityRecorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

type IngestSuite struct {
	suite.Suite
	ctx      context.Context
	owner    id.UserID
	store    *store.InMemoryStore
	blobs    *storage.MemoryStorage
	audit    *auditmemory.InMemoryStore
	security *securityRecorder
	locker   *lease.MemoryLocker
	scanner  *stubScanner
	cipher   *encryption.Service
	svc      *service.Service
}

func TestIngestSuite(t *testing.T) {
	suite.Run(t, new(IngestSuite))
}

func (s *IngestSuite) SetupTest() {
	s.ctx = context.Background()
	s.owner = id.UserID(uuid.New())
	s.store = store.NewInMemoryStore()
	s.blobs = storage.NewMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.security = &securityRecorder{}
	s.locker = lease.NewMemoryLocker()
	s.scanner = &stubScanner{id: "stub"}

	keys, err := encryption.NewDerivedKeyManager("test-master-key", 100_000)
	s.Require().NoError(err)
	s.cipher = encryption.New(keys)

	s.svc = s.newService(s.blobs, s.scanEngine(scan.FailOpen, s.scanner))
}

func (s *IngestSuite) scanEngine(policy scan.Policy, scanners ...scan.Scanner) *scan.Engine {
	reg := scan.NewRegistry()
	for _, sc := range scanners {
		s.Require().NoError(reg.Register(sc))
	}
	return scan.New(reg, scan.WithPolicy(policy))
}

func (s *IngestSuite) newService(blobs storage.Storage, scanner service.Scanner, opts ...service.Option) *service.Service {
	validator, err := validation.New(validation.Config{
		MinBytes:          64,
		MaxBytes:          1 << 20,
		AbsoluteMaxBytes:  2 << 20,
		AllowedMIMETypes:  []string{"application/pdf", "image/jpeg", "image/png"},
		AllowedExtensions: []string{".pdf", ".jpg", ".jpeg", ".png"},
	})
	s.Require().NoError(err)

	opts = append([]service.Option{service.WithSecurityAuditor(s.security)}, opts...)
	svc, err := service.New(service.Dependencies{
		Store:      s.store,
		Tx:         store.NewShardedTx(s.store),
		Storage:    blobs,
		Validator:  validator,
		Scanner:    scanner,
		Cipher:     s.cipher,
		Compliance: compliance.New(s.audit),
		Locker:     s.locker,
	}, opts...)
	s.Require().NoError(err)
	return svc
}

func (s *IngestSuite) pdfRequest(text string) service.IngestRequest {
	data := testutil.PDF(text)
	return service.IngestRequest{
		OwnerID:      s.owner,
		Category:     id.CategoryProofOfAddress,
		Filename:     "utility-bill.pdf",
		DeclaredMIME: "application/pdf",
		DeclaredSize: int64(len(data)),
		Data:         data,
	}
}

func (s *IngestSuite) auditActions(action audit.AuditEvent) []audit.Event {
	events, err := s.audit.ListByAction(s.ctx, action)
	s.Require().NoError(err)
	return events
}

// =============================================================================
// Ingest
// =============================================================================

func (s *IngestSuite) TestAcceptedUploadIsEncryptedAndRecorded() {
	req := s.pdfRequest("Utility bill for 1 Main Street")
	res, err := s.svc.Ingest(s.ctx, req)
	s.Require().NoError(err)

	s.True(res.Valid)
	s.True(res.Accepted())
	s.Equal(float64(100), res.Score)
	s.Equal(scan.VerdictClean, res.ScanVerdict)
	s.False(res.Unscanned)
	s.Equal(storage.DocumentKey(s.owner.String(), res.DocumentID.String()), res.StorageRef)

	doc, err := s.store.FindByID(s.ctx, res.DocumentID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, doc.ApprovalStatus)
	s.Equal(encryption.HashContent(req.Data), doc.ChecksumSHA256)
	s.True(doc.IsEncrypted())
	s.Equal("application/pdf", doc.MIMEType)

	stored, err := s.blobs.Get(s.ctx, doc.StoragePath)
	s.Require().NoError(err)
	s.NotEqual(req.Data, stored)
	s.Equal(doc.StoredSize, int64(len(stored)))

	scans, err := s.store.ListScanResults(s.ctx, doc.ID)
	s.Require().NoError(err)
	s.Require().Len(scans, 2)
	s.Equal("stub", scans[0].ScannerID)
	s.Equal(scan.ConsensusScannerID, scans[1].ScannerID)

	checks, err := s.store.ListValidationChecks(s.ctx, doc.ID)
	s.Require().NoError(err)
	s.NotEmpty(checks)

	s.Len(s.auditActions(audit.EventDocumentUploaded), 1)
}

func (s *IngestSuite) TestInvalidUploadIsRejectedWithoutRecord() {
	data := testutil.PNG(32, 32)
	res, err := s.svc.Ingest(s.ctx, service.IngestRequest{
		OwnerID:      s.owner,
		Category:     id.CategoryProofOfAddress,
		Filename:     "bill.exe",
		DeclaredMIME: "application/pdf",
		DeclaredSize: 99999,
		Data:         data,
	})
	s.Require().NoError(err)

	s.False(res.Valid)
	s.False(res.Accepted())
	s.NotEmpty(res.Errors)
	s.Zero(s.blobs.Len())

	docs, err := s.store.ListByOwner(s.ctx, s.owner)
	s.Require().NoError(err)
	s.Empty(docs)
	s.Len(s.auditActions(audit.EventDocumentRejected), 1)

	attempts, err := s.store.ListRejections(s.ctx, s.owner)
	s.Require().NoError(err)
	s.Require().Len(attempts, 1)
	s.Equal("bill.exe", attempts[0].Filename)
	s.NotEmpty(attempts[0].Checks)
	s.NotEmpty(attempts[0].ScanResults)
}

func (s *IngestSuite) TestInfectedUploadIsRejected() {
	s.scanner.infected.Store(true)
	res, err := s.svc.Ingest(s.ctx, s.pdfRequest("Utility bill"))
	s.Require().NoError(err)

	s.False(res.Valid)
	s.False(res.Accepted())
	s.Equal(scan.VerdictInfected, res.ScanVerdict)
	s.Contains(res.Errors, "malware detected: Test.Threat")
	s.Zero(s.blobs.Len())
	s.Contains(s.security.actions(), string(audit.EventMalwareDetected))

	rejected := s.auditActions(audit.EventDocumentRejected)
	s.Require().Len(rejected, 1)
	s.Equal(string(scan.VerdictInfected), rejected[0].Decision)

	attempts, err := s.store.ListRejections(s.ctx, s.owner)
	s.Require().NoError(err)
	s.Require().Len(attempts, 1)
	s.Equal(res.ScanID, attempts[0].AttemptID)
	s.Equal(string(scan.VerdictInfected), attempts[0].Verdict)
	s.NotEmpty(attempts[0].Checks)
	s.Require().Len(attempts[0].ScanResults, 2)
	s.Equal("stub", attempts[0].ScanResults[0].ScannerID)
	s.Equal([]string{"Test.Threat"}, attempts[0].ScanResults[0].ThreatNames)
	s.Equal(scan.ConsensusScannerID, attempts[0].ScanResults[1].ScannerID)
	s.Equal(string(scan.VerdictInfected), attempts[0].ScanResults[1].Verdict)
}

func (s *IngestSuite) TestNoScannersFailOpenAcceptsAsUnscanned() {
	svc := s.newService(s.blobs, s.scanEngine(scan.FailOpen))
	res, err := svc.Ingest(s.ctx, s.pdfRequest("Utility bill"))
	s.Require().NoError(err)

	s.True(res.Accepted())
	s.True(res.Unscanned)
	s.Equal(scan.VerdictClean, res.ScanVerdict)
	s.Contains(res.Warnings, "document was not scanned by any malware backend")

	doc, err := s.store.FindByID(s.ctx, res.DocumentID)
	s.Require().NoError(err)
	s.True(doc.Unscanned)
}

func (s *IngestSuite) TestNoScannersFailClosedRejects() {
	svc := s.newService(s.blobs, s.scanEngine(scan.FailClosed))
	res, err := svc.Ingest(s.ctx, s.pdfRequest("Utility bill"))
	s.Require().NoError(err)

	s.False(res.Accepted())
	s.False(res.Valid)
	s.Equal(scan.VerdictError, res.ScanVerdict)
	s.True(res.Unscanned)
	s.Zero(s.blobs.Len())
}

func (s *IngestSuite) TestBudgetExceededDoesNotCancelScans() {
	slow := &stubScanner{id: "slow", delay: 300 * time.Millisecond}
	svc := s.newService(s.blobs, s.scanEngine(scan.FailOpen, slow), service.WithBudget(30*time.Millisecond))

	_, err := svc.Ingest(s.ctx, s.pdfRequest("Utility bill"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))

	s.Eventually(func() bool { return slow.calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond,
		"in-flight scan should run to completion")
	s.Zero(s.blobs.Len())
}

func (s *IngestSuite) TestPrecheckRejectsBeforeAnyWork() {
	_, err := s.svc.Ingest(s.ctx, service.IngestRequest{
		OwnerID:  s.owner,
		Category: id.CategorySelfie,
		Filename: "selfie.png",
	})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
	s.Zero(s.scanner.calls.Load())
}

func (s *IngestSuite) TestRequestValidation() {
	req := s.pdfRequest("Utility bill")
	req.OwnerID = id.UserID{}
	_, err := s.svc.Ingest(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))

	req = s.pdfRequest("Utility bill")
	req.Category = "passport_selfie_combo"
	_, err = s.svc.Ingest(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

func (s *IngestSuite) TestIdenticalConcurrentUploadIsRefused() {
	req := s.pdfRequest("Utility bill")
	held, err := s.locker.Acquire(s.ctx, "ingest:"+s.owner.String()+":"+encryption.HashContent(req.Data), time.Minute)
	s.Require().NoError(err)
	defer func() { _ = held.Release(s.ctx) }()

	_, err = s.svc.Ingest(s.ctx, req)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *IngestSuite) TestStorageFailureLeavesNoRecord() {
	ctrl := gomock.NewController(s.T())
	blobs := storagemocks.NewMockStorage(ctrl)
	blobs.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(storage.PutResult{}, errors.New("disk full"))

	svc := s.newService(blobs, s.scanEngine(scan.FailOpen, s.scanner))
	_, err := svc.Ingest(s.ctx, s.pdfRequest("Utility bill"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))

	docs, err := s.store.ListByOwner(s.ctx, s.owner)
	s.Require().NoError(err)
	s.Empty(docs)
	s.Empty(s.auditActions(audit.EventDocumentUploaded))
}

// =============================================================================
// Fetch, Delete, Rescan
// =============================================================================

func (s *IngestSuite) ingestOK(text string) *service.IngestResult {
	res, err := s.svc.Ingest(s.ctx, s.pdfRequest(text))
	s.Require().NoError(err)
	s.Require().True(res.Accepted())
	return res
}

func (s *IngestSuite) TestFetchAccess() {
	res := s.ingestOK("Utility bill")
	want := testutil.PDF("Utility bill")

	s.Run("owner", func() {
		dl, err := s.svc.Fetch(s.ctx, res.DocumentID, s.owner)
		s.Require().NoError(err)
		s.Equal(want, dl.Data)
	})

	s.Run("other customer sees not found", func() {
		_, err := s.svc.Fetch(s.ctx, res.DocumentID, id.UserID(uuid.New()))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("reviewer", func() {
		reviewer := id.UserID(uuid.New())
		ctx := requestcontext.WithActor(s.ctx, reviewer, requestcontext.RoleReviewer)
		dl, err := s.svc.Fetch(ctx, res.DocumentID, reviewer)
		s.Require().NoError(err)
		s.Equal(want, dl.Data)
	})
}

func (s *IngestSuite) TestFetchDetectsTampering() {
	res := s.ingestOK("Utility bill")
	stored, err := s.blobs.Get(s.ctx, res.StorageRef)
	s.Require().NoError(err)
	stored[len(stored)-1] ^= 0xFF
	s.blobs.Overwrite(res.StorageRef, stored)

	_, err = s.svc.Fetch(s.ctx, res.DocumentID, s.owner)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeDecryptionFailed))
}

func (s *IngestSuite) TestDelete() {
	s.Run("pending document is removed with its bytes", func() {
		res := s.ingestOK("Bill one")
		s.Require().NoError(s.svc.Delete(s.ctx, res.DocumentID, s.owner))

		_, err := s.store.FindByID(s.ctx, res.DocumentID)
		s.Error(err)
		_, err = s.blobs.Get(s.ctx, res.StorageRef)
		s.Error(err)
		s.Len(s.auditActions(audit.EventDocumentDeleted), 1)
	})

	s.Run("document under review stays", func() {
		res := s.ingestOK("Bill two")
		s.Require().NoError(s.store.UpdateReview(s.ctx, res.DocumentID, models.StatusPending,
			models.Review{Status: models.StatusUnderReview}))

		err := s.svc.Delete(s.ctx, res.DocumentID, s.owner)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("other owner cannot delete", func() {
		res := s.ingestOK("Bill three")
		err := s.svc.Delete(s.ctx, res.DocumentID, id.UserID(uuid.New()))
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *IngestSuite) TestRescanReplacesVerdict() {
	res := s.ingestOK("Utility bill")
	s.scanner.infected.Store(true)

	out, err := s.svc.Rescan(s.ctx, res.DocumentID)
	s.Require().NoError(err)
	s.Equal(scan.VerdictInfected, out.Verdict)
	s.NotEqual(res.ScanID, out.ScanID)

	doc, err := s.store.FindByID(s.ctx, res.DocumentID)
	s.Require().NoError(err)
	s.Equal(string(scan.VerdictInfected), doc.ScanVerdict)
	s.Equal(out.ScanID, doc.ScanID)

	scans, err := s.store.ListScanResults(s.ctx, res.DocumentID)
	s.Require().NoError(err)
	s.Len(scans, 4)
	s.Contains(s.security.actions(), string(audit.EventMalwareDetected))
	s.Len(s.auditActions(audit.EventDocumentRescanned), 1)
}

func (s *IngestSuite) TestRescanHonoursDocumentLease() {
	res := s.ingestOK("Utility bill")
	held, err := s.locker.Acquire(s.ctx, "document:"+res.DocumentID.String(), time.Minute)
	s.Require().NoError(err)
	defer func() { _ = held.Release(s.ctx) }()

	_, err = s.svc.Rescan(s.ctx, res.DocumentID)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := service.New(service.Dependencies{})
	if !dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}
