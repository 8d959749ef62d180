package scan_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"dossier/internal/scan"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/audit"
	"dossier/pkg/platform/circuit"
)

type fakeScanner struct {
	id        string
	timeout   time.Duration
	delay     time.Duration
	det       *scan.Detection
	err       error
	healthErr error
	calls     atomic.Int32
}

func (f *fakeScanner) ID() string { return f.id }
func (f *fakeScanner) Timeout() time.Duration { return f.timeout }

// ScanBuffer deliberately ignores ctx while sleeping.
func (f *fakeScanner) ScanBuffer(_ context.Context, _ []byte) (*scan.Detection, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.det, f.err
}

func (f *fakeScanner) Health(context.Context) error { return f.healthErr }

func clean(sid string) *fakeScanner {
	return &fakeScanner{id: sid, timeout: time.Second, det: &scan.Detection{}}
}

func infected(sid string, threats ...string) *fakeScanner {
	return &fakeScanner{id: sid, timeout: time.Second, det: &scan.Detection{Infected: true, Threats: threats}}
}

func failing(sid string) *fakeScanner {
	return &fakeScanner{id: sid, timeout: time.Second, err: errors.New("connection refused")}
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []audit.SecurityEvent
}

func (r *recordingAuditor) Emit(_ context.Context, e audit.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAuditor) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Action
	}
	return out
}

type EngineSuite struct {
	suite.Suite
	registry *scan.Registry
	auditor  *recordingAuditor
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.registry = scan.NewRegistry()
	s.auditor = &recordingAuditor{}
}

func (s *EngineSuite) engine(opts ...scan.Option) *scan.Engine {
	return scan.New(s.registry, append([]scan.Option{scan.WithSecurityAuditor(s.auditor)}, opts...)...)
}

func (s *EngineSuite) register(scanners ...scan.Scanner) {
	for _, sc := range scanners {
		s.Require().NoError(s.registry.Register(sc))
	}
}

var payload = []byte("%PDF-1.4 harmless")

// =============================================================================
// Consensus
// =============================================================================

func (s *EngineSuite) TestAllCleanIsClean() {
	s.register(clean("a"), clean("b"))

	out, err := s.engine().Scan(context.Background(), payload)
	s.Require().NoError(err)
	s.Equal(scan.VerdictClean, out.Verdict)
	s.False(out.Unscanned)
	s.Empty(out.Threats)
	s.False(out.ScanID.IsNil())
	s.Require().Len(out.Results, 3)
	s.Equal("a", out.Results[0].ScannerID)
	s.Equal("b", out.Results[1].ScannerID)
	s.Equal(scan.ConsensusScannerID, out.Consensus().ScannerID)
	s.Equal(2, out.Determined())
}

// Justification: a single infected report must win, and the consensus
// threats must contain every backend's threats.
func (s *EngineSuite) TestAnyInfectedWinsWithThreatUnion() {
	s.register(
		clean("a"),
		infected("b", "Eicar-Signature"),
		infected("c", "Trojan.Generic", "Eicar-Signature"),
	)

	out, err := s.engine().Scan(context.Background(), payload)
	s.Require().NoError(err)
	s.Equal(scan.VerdictInfected, out.Verdict)
	s.Equal([]string{"Eicar-Signature", "Trojan.Generic"}, out.Threats)
	for _, r := range out.Results {
		s.Subset(out.Threats, r.Threats)
	}
	s.Equal(out.Threats, out.Consensus().Threats)
}

func (s *EngineSuite) TestThreatNamesWithoutInfectedFlagAreInfected() {
	s.register(&fakeScanner{id: "a", timeout: time.Second, det: &scan.Detection{Threats: []string{"PUA.Macro"}}})

	out, err := s.engine().Scan(context.Background(), payload)
	s.Require().NoError(err)
	s.Equal(scan.VerdictInfected, out.Verdict)
	s.Equal(scan.VerdictInfected, out.Results[0].Verdict)
}

func (s *EngineSuite) TestBareSuspicionIsFlaggedButClean() {
	s.register(clean("a"), &fakeScanner{id: "b", timeout: time.Second, det: &scan.Detection{Suspicious: true}})

	out, err := s.engine().Scan(context.Background(), payload)
	s.Require().NoError(err)
	s.Equal(scan.VerdictClean, out.Verdict)
	s.True(out.Suspicious)
	s.Equal(scan.VerdictSuspicious, out.Results[1].Verdict)
}

// =============================================================================
// Failures and timeouts
// =============================================================================

// A backend that times out is excluded and the clean one decides.
func (s *EngineSuite) TestTimedOutBackendIsExcluded() {
	slow := &fakeScanner{id: "slow", timeout: 50 * time.Millisecond, delay: 2 * time.Second, det: &scan.Detection{Infected: true}}
	s.register(clean("fast"), slow)

	start := time.Now()
	out, err := s.engine().Scan(context.Background(), payload)
	s.Require().NoError(err)

	s.Less(time.Since(start), time.Second)
	s.Equal(scan.VerdictClean, out.Verdict)
	s.False(out.Unscanned)
	s.Equal(scan.VerdictClean, out.Results[0].Verdict)
	s.Equal("slow", out.Results[1].ScannerID)
	s.Equal(scan.VerdictError, out.Results[1].Verdict)
	s.Equal(string(scan.ErrorTimeout), out.Results[1].Error)
	s.Empty(s.auditor.actions())
}

func (s *EngineSuite) TestErroringBackendIsExcluded() {
	s.register(clean("a"), failing("b"))

	out, err := s.engine().Scan(context.Background(), payload)
	s.Require().NoError(err)
	s.Equal(scan.VerdictClean, out.Verdict)
	s.False(out.Unscanned)
	s.Equal(string(scan.ErrorInternal), out.Results[1].Error)
}

func (s *EngineSuite) TestCallerCancellationDoesNotAbortBackends() {
	s.register(clean("a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := s.engine().Scan(ctx, payload)
	s.Require().NoError(err)
	s.Equal(scan.VerdictClean, out.Verdict)
	s.False(out.Unscanned)
}

func (s *EngineSuite) TestEmptyBufferIsInputError() {
	_, err := s.engine().Scan(context.Background(), nil)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}

// =============================================================================
// Policy
// =============================================================================

func (s *EngineSuite) TestZeroBackendsFailOpen() {
	out, err := s.engine().Scan(context.Background(), payload)
	s.Require().NoError(err)
	s.Equal(scan.VerdictClean, out.Verdict)
	s.True(out.Unscanned)
	s.Len(out.Results, 1)

	s.Require().Len(s.auditor.events, 1)
	s.Equal(string(audit.EventScanUnscanned), s.auditor.events[0].Action)
	s.Equal(audit.SeverityCritical, s.auditor.events[0].Severity)
}

func (s *EngineSuite) TestAllFailedFailOpen() {
	s.register(failing("a"), failing("b"))

	out, err := s.engine().Scan(context.Background(), payload)
	s.Require().NoError(err)
	s.Equal(scan.VerdictClean, out.Verdict)
	s.True(out.Unscanned)
	s.Equal(0, out.Determined())
}

func (s *EngineSuite) TestFailClosed() {
	s.register(failing("a"))

	out, err := s.engine(scan.WithPolicy(scan.FailClosed)).Scan(context.Background(), payload)
	s.Require().NoError(err)
	s.Equal(scan.VerdictError, out.Verdict)
	s.True(out.Unscanned)
	s.Equal([]string{string(audit.EventScanUnscanned)}, s.auditor.actions())
}

// =============================================================================
// Circuit breaker
// =============================================================================

func (s *EngineSuite) TestBreakerSkipsFailingBackendUntilHealthy() {
	broken := failing("flaky")
	s.register(clean("steady"), broken)
	engine := s.engine(scan.WithBreakerThresholds(2, 1))
	ctx := context.Background()

	for range 2 {
		_, err := engine.Scan(ctx, payload)
		s.Require().NoError(err)
	}
	s.Equal(circuit.StateOpen, engine.BreakerState("flaky"))
	s.Equal([]string{string(audit.EventScannerCircuitOpen)}, s.auditor.actions())

	out, err := engine.Scan(ctx, payload)
	s.Require().NoError(err)
	s.Equal(int32(2), broken.calls.Load())
	s.Equal(string(scan.ErrorCircuitOpen), out.Results[0].Error)
	s.Equal(scan.VerdictClean, out.Verdict)

	broken.healthErr = errors.New("still down")
	engine.ProbeHealth(ctx)
	s.Equal(circuit.StateOpen, engine.BreakerState("flaky"))

	broken.healthErr = nil
	engine.ProbeHealth(ctx)
	s.Equal(circuit.StateClosed, engine.BreakerState("flaky"))
}

// =============================================================================
// Registry and prober
// =============================================================================

func TestRegistry(t *testing.T) {
	r := scan.NewRegistry()
	require.NoError(t, r.Register(clean("zeta")))
	require.NoError(t, r.Register(clean("alpha")))

	err := r.Register(clean("alpha"))
	assert.ErrorIs(t, err, scan.ErrScannerRegistered)
	assert.Error(t, r.Register(clean("consensus")))
	assert.Error(t, r.Register(clean("")))

	ids := []string{}
	for _, sc := range r.All() {
		ids = append(ids, sc.ID())
	}
	assert.Equal(t, []string{"alpha", "zeta"}, ids)
	assert.Equal(t, 2, r.Len())

	_, ok := r.Get("zeta")
	assert.True(t, ok)
}

func TestHealthProber(t *testing.T) {
	engine := scan.New(scan.NewRegistry())

	_, err := scan.NewHealthProber(engine, "not a schedule")
	require.Error(t, err)

	prober, err := scan.NewHealthProber(engine, "@every 1h")
	require.NoError(t, err)
	prober.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	prober.Stop(ctx)
}

func TestParsePolicy(t *testing.T) {
	p, ok := scan.ParsePolicy("")
	assert.True(t, ok)
	assert.Equal(t, scan.FailOpen, p)

	p, ok = scan.ParsePolicy("fail_closed")
	assert.True(t, ok)
	assert.Equal(t, scan.FailClosed, p)

	_, ok = scan.ParsePolicy("maybe")
	assert.False(t, ok)
}
