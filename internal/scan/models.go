package scan

import (
	"time"

	id "dossier/pkg/domain"
)

// Verdict values are persisted on scan_results and documents.
type Verdict string

const (
	VerdictClean      Verdict = "clean"
	VerdictInfected   Verdict = "infected"
	VerdictSuspicious Verdict = "suspicious"
	VerdictError      Verdict = "error"
)

// ConsensusScannerID names the synthetic row carrying the combined verdict.
const ConsensusScannerID = "consensus"

// Policy decides the verdict when no backend reached a determination.
type Policy string

const (
	// FailOpen reports clean with Unscanned set.
	FailOpen Policy = "fail_open"
	// FailClosed reports VerdictError with Unscanned set.
	FailClosed Policy = "fail_closed"
)

// ParsePolicy accepts the config spelling of a policy.
func ParsePolicy(s string) (Policy, bool) {
	switch Policy(s) {
	case FailOpen, "":
		return FailOpen, true
	case FailClosed:
		return FailClosed, true
	default:
		return "", false
	}
}

// Detection is what one backend found in a buffer.
type Detection struct {
	Infected   bool
	Suspicious bool
	Threats    []string
}

// Verdict maps a detection to its per-backend verdict.
func (d *Detection) Verdict() Verdict {
	switch {
	case d.Infected:
		return VerdictInfected
	case d.Suspicious:
		return VerdictSuspicious
	default:
		return VerdictClean
	}
}

// Result is one scan_results row: a backend's outcome, or the consensus.
type Result struct {
	ScannerID string
	Verdict   Verdict
	Threats   []string
	Duration  time.Duration
	// Error is the failure category for VerdictError rows.
	Error string
}

// Outcome is the consensus for one scan run.
type Outcome struct {
	ScanID    id.ScanID
	Verdict   Verdict
	Threats   []string
	Unscanned bool
	// Suspicious is set when a backend flagged the buffer without naming a
	// threat. It does not change the verdict.
	Suspicious bool
	// Results holds one row per registered backend followed by the
	// consensus row.
	Results []Result
}

// Consensus returns the synthetic consensus row.
func (o *Outcome) Consensus() Result {
	return o.Results[len(o.Results)-1]
}

// Determined counts backends that produced a usable answer.
func (o *Outcome) Determined() int {
	n := 0
	for _, r := range o.Results {
		if r.ScannerID != ConsensusScannerID && r.Verdict != VerdictError {
			n++
		}
	}
	return n
}
