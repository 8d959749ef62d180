// Package httpscan is a scanner backend for REST malware-scanning services
// that accept a raw body and answer with a JSON verdict.
package httpscan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"dossier/internal/scan"
)

const ScannerID = "httpscan"

// scanResponse is the wire format of POST /v1/scan.
type scanResponse struct {
	Infected   *bool    `json:"infected"`
	Suspicious bool     `json:"suspicious"`
	Threats    []string `json:"threats"`
}

type Scanner struct {
	id      string
	client  *resty.Client
	timeout time.Duration
}

type Option func(*Scanner)

// WithID overrides the scanner ID when more than one REST backend is
// registered.
func WithID(sid string) Option {
	return func(s *Scanner) {
		if sid != "" {
			s.id = sid
		}
	}
}

func New(baseURL, apiKey string, timeout time.Duration, opts ...Option) *Scanner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("X-API-Key", apiKey)
	}
	s := &Scanner{id: ScannerID, client: client, timeout: timeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scanner) ID() string { return s.id }
func (s *Scanner) Timeout() time.Duration { return s.timeout }

func (s *Scanner) ScanBuffer(ctx context.Context, data []byte) (*scan.Detection, error) {
	var body scanResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(data).
		SetResult(&body).
		Post("/v1/scan")
	if err != nil {
		return nil, s.transportError(err)
	}
	if err := s.statusError(resp); err != nil {
		return nil, err
	}
	if body.Infected == nil {
		return nil, scan.NewScannerError(scan.ErrorBadResponse, s.id, "response missing infected field", nil)
	}
	threats := body.Threats
	if threats == nil {
		threats = []string{}
	}
	return &scan.Detection{
		Infected:   *body.Infected,
		Suspicious: body.Suspicious,
		Threats:    threats,
	}, nil
}

func (s *Scanner) Health(ctx context.Context) error {
	resp, err := s.client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return s.transportError(err)
	}
	return s.statusError(resp)
}

func (s *Scanner) transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return scan.NewScannerError(scan.ErrorTimeout, s.id, "request timed out", err)
	}
	return scan.NewScannerError(scan.ErrorOutage, s.id, "request failed", err)
}

func (s *Scanner) statusError(resp *resty.Response) error {
	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return scan.NewScannerError(scan.ErrorAuthentication, s.id, fmt.Sprintf("status %d", code), nil)
	case code >= 500 || code == http.StatusTooManyRequests:
		return scan.NewScannerError(scan.ErrorOutage, s.id, fmt.Sprintf("status %d", code), nil)
	case code >= 400:
		return scan.NewScannerError(scan.ErrorBadResponse, s.id, fmt.Sprintf("status %d", code), nil)
	}
	return nil
}
