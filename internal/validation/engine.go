package validation

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"dossier/internal/validation/metrics"
	id "dossier/pkg/domain"
	dErrors "dossier/pkg/domain-errors"
)

// Config bounds what the engine accepts.
type Config struct {
	MinBytes          int64
	MaxBytes          int64
	AbsoluteMaxBytes  int64
	Threshold         float64
	Strict            bool
	AllowedMIMETypes  []string
	AllowedExtensions []string
	ImageBounds       Bounds
	CategoryBounds    map[id.DocumentCategory]Bounds
}

// DefaultThreshold is the lenient-mode pass mark.
const DefaultThreshold = 75

// DefaultCategoryBounds holds the per-category image limits.
var DefaultCategoryBounds = map[id.DocumentCategory]Bounds{
	id.CategorySelfie:       {MinWidth: 480, MinHeight: 480, MaxWidth: 8000, MaxHeight: 8000},
	id.CategoryGovernmentID: {MinWidth: 600, MinHeight: 400, MaxWidth: 10000, MaxHeight: 10000},
}

// Engine scores document buffers against an ordered list of weighted checks.
// It holds no per-call state and is safe for concurrent use.
type Engine struct {
	cfg       Config
	checks    []WeightedCheck
	aggregate Aggregation
	extractor FieldExtractor
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Engine)

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

// WithAggregation replaces the default weighted average.
func WithAggregation(a Aggregation) Option {
	return func(e *Engine) {
		if a != nil {
			e.aggregate = a
		}
	}
}

// WithFieldExtractor enables the advisory ocr step.
func WithFieldExtractor(x FieldExtractor) Option {
	return func(e *Engine) {
		e.extractor = x
	}
}

// WithWeight overrides the weight of a built-in check.
func WithWeight(t CheckType, weight float64) Option {
	return func(e *Engine) {
		for i := range e.checks {
			if e.checks[i].Check.Type() == t {
				e.checks[i].Weight = weight
			}
		}
	}
}

// WithCheck appends a scored check after the built-ins.
func WithCheck(c Check, weight float64) Option {
	return func(e *Engine) {
		e.checks = append(e.checks, WeightedCheck{Check: c, Weight: weight})
	}
}

// New builds an engine. A zero Threshold takes DefaultThreshold; a zero
// AbsoluteMaxBytes falls back to MaxBytes.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.MaxBytes <= 0 || cfg.MinBytes < 0 || cfg.MinBytes > cfg.MaxBytes {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "validation size bounds are inconsistent")
	}
	if cfg.AbsoluteMaxBytes == 0 {
		cfg.AbsoluteMaxBytes = cfg.MaxBytes
	}
	if cfg.AbsoluteMaxBytes < cfg.MaxBytes {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "absolute ceiling is below the maximum size")
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Threshold < 0 || cfg.Threshold > 100 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "threshold must be within 0-100")
	}
	if cfg.CategoryBounds == nil {
		cfg.CategoryBounds = DefaultCategoryBounds
	}

	e := &Engine{
		cfg: cfg,
		checks: []WeightedCheck{
			{Check: FormatCheck{Allowed: cfg.AllowedMIMETypes}, Weight: 1},
			{Check: SizeCheck{Min: cfg.MinBytes, Max: cfg.MaxBytes}, Weight: 1},
			{Check: SecurityCheck{AllowedExtensions: cfg.AllowedExtensions, Ceiling: cfg.AbsoluteMaxBytes}, Weight: 1},
			{Check: PDFTextCheck{Skip: []id.DocumentCategory{id.CategorySelfie}}, Weight: 1},
			{Check: ImageDimensionsCheck{Default: cfg.ImageBounds, ByCategory: cfg.CategoryBounds}, Weight: 1},
		},
		aggregate: WeightedAverage,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Precheck rejects input that is not worth validating: an empty buffer, a
// buffer above the absolute ceiling, or one whose type cannot be detected.
// Its errors carry CodeInvalidInput and are never retried.
func (e *Engine) Precheck(data []byte, filename string) error {
	if len(data) == 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "file is empty")
	}
	if int64(len(data)) > e.cfg.AbsoluteMaxBytes {
		return dErrors.New(dErrors.CodeInvalidInput,
			fmt.Sprintf("file exceeds the maximum upload size of %d bytes", e.cfg.AbsoluteMaxBytes))
	}
	if mimetype.Detect(data).Is("application/octet-stream") {
		return dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("file type of %q could not be determined", filename))
	}
	return nil
}

// Validate runs every applicable check in order without short-circuiting.
// For identical inputs and configuration the result is identical apart from
// check durations.
func (e *Engine) Validate(data []byte, meta Metadata) *Result {
	in := newInput(data, meta)
	res := &Result{
		DetectedMIME: in.Detected(),
		Errors:       []string{},
		Warnings:     []string{},
	}

	scored := make([]CheckResult, 0, len(e.checks))
	for _, wc := range e.checks {
		if !wc.Check.Applies(in) {
			continue
		}
		start := time.Now()
		out := wc.Check.Run(in)
		cr := CheckResult{
			Type:     wc.Check.Type(),
			Passed:   out.Passed,
			Weight:   wc.Weight,
			Details:  out.Details,
			Duration: time.Since(start),
		}
		if out.Passed {
			cr.Score = 100
		}
		res.Errors = append(res.Errors, out.Errors...)
		res.Warnings = append(res.Warnings, out.Warnings...)
		res.Checks = append(res.Checks, cr)
		scored = append(scored, cr)
	}

	if e.extractor != nil {
		res.Checks = append(res.Checks, e.runExtractor(in, res))
	}

	res.Score = e.aggregate(scored)
	if e.cfg.Strict {
		res.IsValid = AllMustPass(scored) == 100
	} else {
		res.IsValid = res.Score >= e.cfg.Threshold
	}

	failed := make([]string, 0)
	for _, t := range res.FailedChecks() {
		failed = append(failed, string(t))
	}
	e.metrics.ObserveResult(res.IsValid, res.Score, failed)
	e.logger.Debug("document validated",
		"valid", res.IsValid,
		"score", res.Score,
		"detected_mime", res.DetectedMIME,
		"failed_checks", failed,
	)
	return res
}

func (e *Engine) runExtractor(in *Input, res *Result) CheckResult {
	start := time.Now()
	cr := CheckResult{Type: CheckOCR, Optional: true}
	fields, err := e.extractor.Extract(in)
	cr.Duration = time.Since(start)
	if err != nil {
		cr.Details = err.Error()
		res.Warnings = append(res.Warnings, "field extraction: "+err.Error())
		return cr
	}
	cr.Passed = true
	cr.Score = 100
	cr.Details = describeFields(fields)
	return cr
}

// Threshold reports the effective pass mark.
func (e *Engine) Threshold() float64 { return e.cfg.Threshold }
