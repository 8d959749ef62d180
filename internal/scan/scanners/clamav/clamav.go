// Package clamav scans buffers with a clamd daemon through go-clamd.
package clamav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dutchcoders/go-clamd"

	"dossier/internal/scan"
)

const ScannerID = "clamav"

// Scanner talks to clamd on a TCP address such as "clamav:3310" or a
// go-clamd address such as "unix:/run/clamav/clamd.ctl".
type Scanner struct {
	client  *clamd.Clamd
	timeout time.Duration
}

func New(addr string, timeout time.Duration) *Scanner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if !strings.Contains(addr, "://") && !strings.HasPrefix(addr, "unix:") {
		addr = "tcp://" + addr
	}
	return &Scanner{client: clamd.NewClamd(addr), timeout: timeout}
}

func (s *Scanner) ID() string             { return ScannerID }
func (s *Scanner) Timeout() time.Duration { return s.timeout }

// ScanBuffer streams data with INSTREAM. go-clamd takes no context, so ctx
// is enforced by closing the abort channel, which drops the connection.
func (s *Scanner) ScanBuffer(ctx context.Context, data []byte) (*scan.Detection, error) {
	abort := make(chan bool)
	defer close(abort)

	type reply struct {
		results []*clamd.ScanResult
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		ch, err := s.client.ScanStream(bytes.NewReader(data), abort)
		if err != nil {
			done <- reply{err: err}
			return
		}
		var results []*clamd.ScanResult
		for r := range ch {
			results = append(results, r)
		}
		done <- reply{results: results}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, s.classify("scan stream", r.err)
		}
		return parseResults(r.results)
	case <-ctx.Done():
		return nil, s.classify("scan stream", ctx.Err())
	}
}

// Health sends PING and expects PONG.
func (s *Scanner) Health(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		// Ping dereferences the first reply, which is nil when clamd hangs up
		// without answering.
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("clamd closed the connection without a reply: %v", r)
			}
		}()
		done <- s.client.Ping()
	}()

	select {
	case err := <-done:
		if err != nil {
			return s.classify("ping clamd", err)
		}
		return nil
	case <-ctx.Done():
		return s.classify("ping clamd", ctx.Err())
	}
}

// classify maps transport failures to outages and anything clamd said that
// go-clamd could not accept to a bad response.
func (s *Scanner) classify(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return scan.NewScannerError(scan.ErrorTimeout, ScannerID, msg, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return scan.NewScannerError(scan.ErrorTimeout, ScannerID, msg, err)
		}
		return scan.NewScannerError(scan.ErrorOutage, ScannerID, msg, err)
	}
	if errors.Is(err, context.Canceled) {
		return scan.NewScannerError(scan.ErrorOutage, ScannerID, msg, err)
	}
	return scan.NewScannerError(scan.ErrorBadResponse, ScannerID, msg, err)
}

// parseResults folds clamd's reply lines for one stream into a detection.
// Any FOUND line marks the stream infected.
func parseResults(results []*clamd.ScanResult) (*scan.Detection, error) {
	if len(results) == 0 {
		return nil, scan.NewScannerError(scan.ErrorBadResponse, ScannerID, "empty reply", nil)
	}
	det := &scan.Detection{Threats: []string{}}
	for _, r := range results {
		switch r.Status {
		case clamd.RES_OK:
		case clamd.RES_FOUND:
			det.Infected = true
			if name := strings.TrimSpace(r.Description); name != "" {
				det.Threats = append(det.Threats, name)
			}
		case clamd.RES_ERROR:
			msg := strings.TrimSpace(r.Description)
			if msg == "" {
				msg = r.Raw
			}
			return nil, scan.NewScannerError(scan.ErrorOutage, ScannerID, msg, nil)
		default:
			return nil, scan.NewScannerError(scan.ErrorBadResponse, ScannerID,
				fmt.Sprintf("unrecognised reply %q", r.Raw), nil)
		}
	}
	return det, nil
}
