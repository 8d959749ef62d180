package validation

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"

	id "dossier/pkg/domain"
)

// Input is the per-call view shared by checks. It memoises derived values
// (sniffed type, extracted text) for one Validate call only.
type Input struct {
	Data []byte
	Meta Metadata

	detected  *mimetype.MIME
	text      string
	textErr   error
	textReady bool
}

func newInput(data []byte, meta Metadata) *Input {
	return &Input{Data: data, Meta: meta, detected: mimetype.Detect(data)}
}

// Detected is the sniffed MIME type without parameters.
func (in *Input) Detected() string {
	return baseMIME(in.detected.String())
}

func (in *Input) IsPDF() bool { return in.detected.Is("application/pdf") }
func (in *Input) IsImage() bool { return strings.HasPrefix(in.Detected(), "image/") }

// Text returns the plain text of a PDF buffer.
func (in *Input) Text() (string, error) {
	if !in.textReady {
		in.text, in.textErr = extractPDFText(in.Data)
		in.textReady = true
	}
	return in.text, in.textErr
}

// Outcome is what a Check reports.
type Outcome struct {
	Passed   bool
	Details  string
	Errors   []string
	Warnings []string
}

func pass(details string, warnings ...string) Outcome {
	return Outcome{Passed: true, Details: details, Warnings: warnings}
}

func fail(details string, errs ...string) Outcome {
	if len(errs) == 0 {
		errs = []string{details}
	}
	return Outcome{Passed: false, Details: details, Errors: errs}
}

// Check is one validation rule. Applies reports whether the check is
// relevant to the input; inapplicable checks are neither run nor scored.
type Check interface {
	Type() CheckType
	Applies(in *Input) bool
	Run(in *Input) Outcome
}

// -----------------------------------------------------------------------------
// format
// -----------------------------------------------------------------------------

// FormatCheck fails only when the sniffed type is neither allow-listed nor
// the declared type.
type FormatCheck struct {
	Allowed []string
}

func (FormatCheck) Type() CheckType { return CheckFormat }
func (FormatCheck) Applies(*Input) bool { return true }

func (c FormatCheck) Run(in *Input) Outcome {
	detected := in.Detected()
	declared := baseMIME(in.Meta.DeclaredMIME)
	allowed := slices.Contains(c.Allowed, detected)
	matchesDeclared := declared != "" && in.detected.Is(declared)

	switch {
	case allowed && matchesDeclared:
		return pass("detected " + detected)
	case allowed:
		return pass("detected "+detected,
			fmt.Sprintf("declared type %q does not match detected type %q", in.Meta.DeclaredMIME, detected))
	case matchesDeclared:
		return pass("detected "+detected+" matches declared type",
			fmt.Sprintf("type %q is not on the allow-list", detected))
	default:
		return fail("detected "+detected,
			fmt.Sprintf("file type %q is not allowed and does not match declared type %q", detected, in.Meta.DeclaredMIME))
	}
}

// -----------------------------------------------------------------------------
// size
// -----------------------------------------------------------------------------

// SizeCheck enforces [Min, Max] on the actual length. Drift between the
// declared and actual size up to max(1KB, 1% of declared) is tolerated with
// a warning; larger drift fails.
type SizeCheck struct {
	Min int64
	Max int64
}

const driftFloor = 1024

func (SizeCheck) Type() CheckType { return CheckSize }
func (SizeCheck) Applies(*Input) bool { return true }

func (c SizeCheck) Run(in *Input) Outcome {
	actual := int64(len(in.Data))
	details := fmt.Sprintf("%d bytes", actual)

	if actual < c.Min {
		return fail(details, fmt.Sprintf("file is %d bytes, minimum is %d", actual, c.Min))
	}
	if actual > c.Max {
		return fail(details, fmt.Sprintf("file is %d bytes, maximum is %d", actual, c.Max))
	}

	declared := in.Meta.DeclaredSize
	if declared <= 0 {
		return pass(details)
	}
	drift := actual - declared
	if drift < 0 {
		drift = -drift
	}
	if drift == 0 {
		return pass(details)
	}
	if drift > DriftTolerance(declared) {
		return fail(details, fmt.Sprintf("declared size %d differs from actual size %d", declared, actual))
	}
	return pass(details, fmt.Sprintf("declared size %d differs from actual size %d within tolerance", declared, actual))
}

// DriftTolerance is max(1KB, 1% of declared).
func DriftTolerance(declared int64) int64 {
	return max(driftFloor, declared/100)
}

// -----------------------------------------------------------------------------
// security
// -----------------------------------------------------------------------------

// SecurityCheck applies the extension allow-list, filename hygiene and the
// absolute size ceiling.
type SecurityCheck struct {
	AllowedExtensions []string
	Ceiling           int64
}

func (SecurityCheck) Type() CheckType { return CheckSecurity }
func (SecurityCheck) Applies(*Input) bool { return true }

func (c SecurityCheck) Run(in *Input) Outcome {
	name := in.Meta.Filename
	var errs []string

	if strings.ContainsAny(name, "/\\\x00") {
		errs = append(errs, "filename contains path or control characters")
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || !slices.Contains(c.AllowedExtensions, ext) {
		errs = append(errs, fmt.Sprintf("extension %q is not allowed", ext))
	}
	if int64(len(in.Data)) > c.Ceiling {
		errs = append(errs, fmt.Sprintf("file exceeds the %d byte ceiling", c.Ceiling))
	}
	if len(errs) > 0 {
		return fail("extension "+ext, errs...)
	}
	return pass("extension " + ext)
}

// -----------------------------------------------------------------------------
// pdf_text
// -----------------------------------------------------------------------------

// PDFTextCheck requires a PDF to carry extractable text. Categories listed
// in Skip (e.g. selfies exported as PDF) are exempt.
type PDFTextCheck struct {
	Skip []id.DocumentCategory
}

func (PDFTextCheck) Type() CheckType { return CheckPDFText }

func (c PDFTextCheck) Applies(in *Input) bool {
	return in.IsPDF() && !slices.Contains(c.Skip, in.Meta.Category)
}

func (PDFTextCheck) Run(in *Input) Outcome {
	text, err := in.Text()
	if err != nil {
		return fail("unreadable pdf", "PDF could not be parsed: "+err.Error())
	}
	n := len(strings.TrimSpace(text))
	if n == 0 {
		return fail("no extractable text", "PDF contains no extractable text")
	}
	return pass(fmt.Sprintf("%d characters of text", n))
}

// -----------------------------------------------------------------------------
// image_dimensions
// -----------------------------------------------------------------------------

// Bounds are inclusive pixel limits.
type Bounds struct {
	MinWidth, MinHeight int
	MaxWidth, MaxHeight int
}

// ImageDimensionsCheck bounds decoded image dimensions, per category when
// configured.
type ImageDimensionsCheck struct {
	Default    Bounds
	ByCategory map[id.DocumentCategory]Bounds
}

func (ImageDimensionsCheck) Type() CheckType { return CheckImageDimensions }
func (ImageDimensionsCheck) Applies(in *Input) bool { return in.IsImage() }

func (c ImageDimensionsCheck) Run(in *Input) Outcome {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(in.Data))
	if err != nil {
		return fail("undecodable image", "image header could not be decoded")
	}
	b := c.Default
	if cb, ok := c.ByCategory[in.Meta.Category]; ok {
		b = cb
	}
	details := fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
	if cfg.Width < b.MinWidth || cfg.Height < b.MinHeight {
		return fail(details, fmt.Sprintf("image is %s, minimum is %dx%d", details, b.MinWidth, b.MinHeight))
	}
	if (b.MaxWidth > 0 && cfg.Width > b.MaxWidth) || (b.MaxHeight > 0 && cfg.Height > b.MaxHeight) {
		return fail(details, fmt.Sprintf("image is %s, maximum is %dx%d", details, b.MaxWidth, b.MaxHeight))
	}
	return pass(details)
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func baseMIME(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// extractPDFText recovers from parser panics on malformed input.
func extractPDFText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}
