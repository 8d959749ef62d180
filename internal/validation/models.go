package validation

import (
	"time"

	id "dossier/pkg/domain"
)

// CheckType names a validation check. Values are persisted.
type CheckType string

const (
	CheckFormat          CheckType = "format"
	CheckSize            CheckType = "size"
	CheckSecurity        CheckType = "security"
	CheckPDFText         CheckType = "pdf_text"
	CheckImageDimensions CheckType = "image_dimensions"
	CheckOCR             CheckType = "ocr"
)

// Metadata is what the uploader declared about the buffer.
type Metadata struct {
	Filename     string
	DeclaredMIME string
	DeclaredSize int64
	Category     id.DocumentCategory
}

// CheckResult is one check's outcome for one validation pass.
// Optional results are recorded but never scored.
type CheckResult struct {
	Type     CheckType
	Passed   bool
	Score    float64
	Weight   float64
	Optional bool
	Details  string
	Duration time.Duration
}

// Result is the outcome of Validate.
type Result struct {
	IsValid      bool
	Score        float64
	DetectedMIME string
	Errors       []string
	Warnings     []string
	Checks       []CheckResult
}

// FailedChecks returns the scored checks that did not pass.
func (r *Result) FailedChecks() []CheckType {
	var out []CheckType
	for _, c := range r.Checks {
		if !c.Optional && !c.Passed {
			out = append(out, c.Type)
		}
	}
	return out
}
