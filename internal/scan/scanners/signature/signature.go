// Package signature is an in-process scanner backend matching the EICAR
// test signature and a SHA-256 blocklist of known-bad files.
package signature

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"dossier/internal/scan"
)

const (
	ScannerID = "signature"

	ThreatEICAR     = "EICAR-Test-File"
	ThreatBlocklist = "Blocklisted.SHA256"
)

var eicar = []byte(`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`)

type Scanner struct {
	blocklist map[string]struct{}
	timeout   time.Duration
}

type Option func(*Scanner)

// WithBlocklist adds hex SHA-256 digests of files to flag.
func WithBlocklist(digests ...string) Option {
	return func(s *Scanner) {
		for _, d := range digests {
			d = strings.ToLower(strings.TrimSpace(d))
			if d != "" {
				s.blocklist[d] = struct{}{}
			}
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Scanner) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(opts ...Option) *Scanner {
	s := &Scanner{
		blocklist: make(map[string]struct{}),
		timeout:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scanner) ID() string { return ScannerID }
func (s *Scanner) Timeout() time.Duration { return s.timeout }
func (s *Scanner) Health(_ context.Context) error { return nil }

func (s *Scanner) ScanBuffer(ctx context.Context, data []byte) (*scan.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, scan.NewScannerError(scan.ErrorTimeout, ScannerID, "scan cancelled", err)
	}
	det := &scan.Detection{Threats: []string{}}
	if bytes.Contains(data, eicar) {
		det.Infected = true
		det.Threats = append(det.Threats, ThreatEICAR)
	}
	if len(s.blocklist) > 0 {
		sum := sha256.Sum256(data)
		if _, ok := s.blocklist[hex.EncodeToString(sum[:])]; ok {
			det.Infected = true
			det.Threats = append(det.Threats, ThreatBlocklist)
		}
	}
	return det, nil
}
