package signature

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dossier/pkg/testutil"
)

func TestScanBuffer(t *testing.T) {
	bad := []byte("known bad payload")
	sum := sha256.Sum256(bad)
	s := New(WithBlocklist(" " + hex.EncodeToString(sum[:]) + " "))
	ctx := context.Background()

	tests := []struct {
		name     string
		data     []byte
		infected bool
		threats  []string
	}{
		{"clean", testutil.PDF("hello"), false, []string{}},
		{"eicar embedded", append([]byte("prefix "), testutil.EICAR...), true, []string{ThreatEICAR}},
		{"blocklisted", bad, true, []string{ThreatBlocklist}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			det, err := s.ScanBuffer(ctx, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.infected, det.Infected)
			assert.Equal(t, tt.threats, det.Threats)
		})
	}
}

func TestScanBuffer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().ScanBuffer(ctx, []byte("x"))
	assert.Error(t, err)
}
