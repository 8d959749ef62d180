package scan

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"dossier/internal/scan/metrics"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
	"dossier/pkg/platform/audit"
	"dossier/pkg/platform/circuit"
	"dossier/pkg/platform/strings"
	"dossier/pkg/requestcontext"
)

const defaultBackendTimeout = 30 * time.Second

// SecurityAuditor receives operational warnings that need security follow-up.
type SecurityAuditor interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// Engine fans a buffer out to every registered backend and resolves one
// verdict.
type Engine struct {
	registry *Registry
	policy   Policy
	logger   *slog.Logger
	metrics  *metrics.Metrics
	auditor  SecurityAuditor
	tracer   trace.Tracer

	failureThreshold int
	successThreshold int

	breakersMu sync.Mutex
	breakers   map[string]*circuit.Breaker
}

type Option func(*Engine)

func WithPolicy(p Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithSecurityAuditor(a SecurityAuditor) Option {
	return func(e *Engine) {
		e.auditor = a
	}
}

// WithBreakerThresholds sets how many consecutive failures open a backend's
// breaker and how many healthy probes close it again.
func WithBreakerThresholds(failures, successes int) Option {
	return func(e *Engine) {
		e.failureThreshold = failures
		e.successThreshold = successes
	}
}

func New(registry *Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		policy:   FailOpen,
		logger:   slog.New(slog.DiscardHandler),
		tracer:   otel.Tracer("dossier/internal/scan"),
		breakers: make(map[string]*circuit.Breaker),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Policy() Policy { return e.policy }

// Scan runs every registered backend concurrently and returns the consensus.
// Backend calls are detached from ctx cancellation and bounded only by their
// own timeouts, so Scan returns once every backend has answered or timed out.
// Backend failures never fail the scan.
func (e *Engine) Scan(ctx context.Context, data []byte) (*Outcome, error) {
	if len(data) == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "nothing to scan")
	}

	scanID := id.NewScanID()
	ctx, span := e.tracer.Start(ctx, "scan.consensus",
		trace.WithAttributes(
			attribute.String("scan.id", scanID.String()),
			attribute.Int("scan.bytes", len(data)),
		))
	defer span.End()

	start := time.Now()
	scanners := e.registry.All()
	results := make([]Result, len(scanners))

	var g errgroup.Group
	for i, s := range scanners {
		g.Go(func() error {
			results[i] = e.runBackend(ctx, s, data)
			return nil
		})
	}
	_ = g.Wait()

	out := e.consensus(scanID, results)
	out.Results = append(out.Results, Result{
		ScannerID: ConsensusScannerID,
		Verdict:   out.Verdict,
		Threats:   out.Threats,
		Duration:  time.Since(start),
	})

	span.SetAttributes(
		attribute.String("scan.verdict", string(out.Verdict)),
		attribute.Bool("scan.unscanned", out.Unscanned),
		attribute.Int("scan.backends", len(scanners)),
	)
	if out.Unscanned {
		span.SetStatus(codes.Error, "no backend reached a determination")
		e.reportUnscanned(ctx, out, len(scanners))
	}
	if out.Verdict == VerdictInfected {
		e.logger.WarnContext(ctx, "malware detected",
			"scan_id", scanID.String(),
			"threats", out.Threats,
		)
	}
	e.metrics.ObserveScan(string(out.Verdict), out.Unscanned, string(e.policy))
	return out, nil
}

// consensus is clean iff no determined backend reported infected and the
// union of threat names is empty.
func (e *Engine) consensus(scanID id.ScanID, results []Result) *Outcome {
	out := &Outcome{
		ScanID:  scanID,
		Verdict: VerdictClean,
		Threats: []string{},
		Results: results,
	}

	determined, infected := 0, false
	threatLists := make([][]string, 0, len(results))
	for _, r := range results {
		if r.Verdict == VerdictError {
			continue
		}
		determined++
		threatLists = append(threatLists, r.Threats)
		switch r.Verdict {
		case VerdictInfected:
			infected = true
		case VerdictSuspicious:
			out.Suspicious = true
		}
	}
	out.Threats = strings.SortedUnion(threatLists...)

	if determined == 0 {
		out.Unscanned = true
		if e.policy == FailClosed {
			out.Verdict = VerdictError
		}
		return out
	}
	if infected || len(out.Threats) > 0 {
		out.Verdict = VerdictInfected
	}
	return out
}

func (e *Engine) runBackend(ctx context.Context, s Scanner, data []byte) Result {
	sid := s.ID()
	breaker := e.breaker(sid)
	if breaker.IsOpen() {
		e.metrics.IncBackendError(sid, string(ErrorCircuitOpen))
		return Result{ScannerID: sid, Verdict: VerdictError, Threats: []string{}, Error: string(ErrorCircuitOpen)}
	}

	timeout := s.Timeout()
	if timeout <= 0 {
		timeout = defaultBackendTimeout
	}
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	bctx, span := e.tracer.Start(bctx, "scan.backend", trace.WithAttributes(attribute.String("scan.scanner", sid)))
	defer span.End()

	start := time.Now()
	det, err := callWithDeadline(bctx, s, data)
	elapsed := time.Since(start)

	if err != nil {
		category := CategoryOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(category))
		e.metrics.IncBackendError(sid, string(category))
		e.logger.WarnContext(ctx, "scanner backend failed",
			"scanner", sid,
			"category", category,
			"duration", elapsed,
			"error", err,
		)
		e.recordFailure(ctx, breaker)
		return Result{ScannerID: sid, Verdict: VerdictError, Threats: []string{}, Duration: elapsed, Error: string(category)}
	}

	breaker.RecordSuccess()
	threats := strings.SortedUnion(det.Threats)
	verdict := det.Verdict()
	if verdict == VerdictClean && len(threats) > 0 {
		verdict = VerdictInfected
	}
	e.metrics.ObserveBackend(sid, string(verdict), elapsed)
	return Result{ScannerID: sid, Verdict: verdict, Threats: threats, Duration: elapsed}
}

type backendAnswer struct {
	det *Detection
	err error
}

// callWithDeadline enforces the deadline even against a backend that ignores
// its context. The backend goroutine is left to finish on its own.
func callWithDeadline(ctx context.Context, s Scanner, data []byte) (*Detection, error) {
	ch := make(chan backendAnswer, 1)
	go func() {
		det, err := s.ScanBuffer(ctx, data)
		ch <- backendAnswer{det: det, err: err}
	}()
	select {
	case a := <-ch:
		if a.err == nil && a.det == nil {
			return nil, NewScannerError(ErrorBadResponse, s.ID(), "empty detection", nil)
		}
		return a.det, a.err
	case <-ctx.Done():
		return nil, NewScannerError(ErrorTimeout, s.ID(), "scan timed out", ctx.Err())
	}
}

func (e *Engine) recordFailure(ctx context.Context, b *circuit.Breaker) {
	_, change := b.RecordFailure()
	if !change.Opened {
		return
	}
	e.metrics.SetBreakerOpen(b.Name(), true)
	e.logger.ErrorContext(ctx, "scanner circuit opened", "scanner", b.Name())
	e.emit(ctx, audit.SecurityEvent{
		Subject:  b.Name(),
		Action:   string(audit.EventScannerCircuitOpen),
		Reason:   "consecutive scanner failures",
		Severity: audit.SeverityWarning,
	})
}

func (e *Engine) reportUnscanned(ctx context.Context, out *Outcome, registered int) {
	e.logger.ErrorContext(ctx, "document could not be scanned by any backend",
		"scan_id", out.ScanID.String(),
		"policy", e.policy,
		"registered_backends", registered,
		"verdict", out.Verdict,
	)
	e.emit(ctx, audit.SecurityEvent{
		Subject:  out.ScanID.String(),
		Action:   string(audit.EventScanUnscanned),
		Reason:   "no scanner backend reached a determination; policy " + string(e.policy),
		Severity: audit.SeverityCritical,
	})
}

func (e *Engine) emit(ctx context.Context, ev audit.SecurityEvent) {
	if e.auditor == nil {
		return
	}
	ev.Timestamp = requestcontext.Now(ctx)
	ev.RequestID = requestcontext.RequestID(ctx)
	if uid := requestcontext.ActorID(ctx); !uid.IsNil() {
		ev.UserID = uid
	}
	e.auditor.Emit(ctx, ev)
}

func (e *Engine) breaker(sid string) *circuit.Breaker {
	e.breakersMu.Lock()
	defer e.breakersMu.Unlock()
	b, ok := e.breakers[sid]
	if !ok {
		b = circuit.New(sid,
			circuit.WithFailureThreshold(e.failureThreshold),
			circuit.WithSuccessThreshold(e.successThreshold),
		)
		e.breakers[sid] = b
	}
	return b
}

// BreakerState reports the breaker state of a backend.
func (e *Engine) BreakerState(sid string) circuit.State {
	return e.breaker(sid).State()
}
