package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	id "dossier/pkg/domain"
)

// FieldExtractor pulls structured fields out of a document. It is advisory:
// its failures become warnings and never change validity or score.
type FieldExtractor interface {
	Extract(in *Input) (map[string]string, error)
}

// TextFieldExtractor matches labelled fields in the extracted text of a PDF.
// Images carry no text layer and are reported as unsupported.
type TextFieldExtractor struct {
	patterns map[id.DocumentCategory]map[string]*regexp.Regexp
}

// NewTextFieldExtractor returns an extractor with patterns for the common
// identity and business categories.
func NewTextFieldExtractor() *TextFieldExtractor {
	docNumber := regexp.MustCompile(`(?i)(?:document|passport|licen[cs]e|id)\s*(?:no\.?|number|#)\s*[:\-]?\s*([A-Z0-9\-]{5,20})`)
	date := func(label string) *regexp.Regexp {
		return regexp.MustCompile(`(?i)` + label + `\s*[:\-]?\s*(\d{4}-\d{2}-\d{2}|\d{2}[./]\d{2}[./]\d{4})`)
	}
	return &TextFieldExtractor{patterns: map[id.DocumentCategory]map[string]*regexp.Regexp{
		id.CategoryGovernmentID: {
			"document_number": docNumber,
			"date_of_birth":   date(`(?:date of birth|dob)`),
			"expiry_date":     date(`(?:expiry|expires|date of expiry)`),
		},
		id.CategoryProofOfAddress: {
			"postcode":   regexp.MustCompile(`\b([A-Z]{1,2}\d[A-Z\d]?\s*\d[A-Z]{2}|\d{5}(?:-\d{4})?)\b`),
			"issue_date": date(`(?:issue date|statement date|date)`),
		},
		id.CategoryBusinessLicense: {
			"license_number": docNumber,
			"expiry_date":    date(`(?:expiry|expires|valid until)`),
		},
		id.CategoryTaxCertificate: {
			"tax_id": regexp.MustCompile(`(?i)(?:tax id|tin|ein|vat)\s*(?:no\.?|number)?\s*[:\-]?\s*([A-Z0-9\-]{6,20})`),
		},
		id.CategoryIncorporationRecord: {
			"registration_number": regexp.MustCompile(`(?i)(?:registration|company)\s*(?:no\.?|number)\s*[:\-]?\s*([A-Z0-9\-]{5,20})`),
		},
	}}
}

func (e *TextFieldExtractor) Extract(in *Input) (map[string]string, error) {
	if !in.IsPDF() {
		return nil, fmt.Errorf("field extraction is not supported for %s", in.Detected())
	}
	patterns, ok := e.patterns[in.Meta.Category]
	if !ok {
		return map[string]string{}, nil
	}
	text, err := in.Text()
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	fields := make(map[string]string, len(patterns))
	for name, re := range patterns {
		if m := re.FindStringSubmatch(text); len(m) > 1 {
			fields[name] = strings.TrimSpace(m[1])
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("no %s fields recognised", in.Meta.Category)
	}
	return fields, nil
}

func describeFields(fields map[string]string) string {
	if len(fields) == 0 {
		return "no fields"
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return "fields: " + strings.Join(names, ", ")
}
