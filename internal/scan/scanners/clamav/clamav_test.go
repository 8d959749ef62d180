package clamav

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/dutchcoders/go-clamd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dossier/internal/scan"
	"dossier/pkg/testutil"
)

// fakeClamd answers newline-delimited INSTREAM and PING the way clamd does,
// flagging any stream that contains the EICAR string.
func fakeClamd(t *testing.T, stall time.Duration) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveClamd(conn, stall)
		}
	}()
	return ln.Addr().String()
}

func serveClamd(conn net.Conn, stall time.Duration) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	cmd, err := r.ReadString('\n')
	if err != nil {
		return
	}
	switch cmd {
	case "nPING\n":
		_, _ = conn.Write([]byte("PONG\n"))
	case "nINSTREAM\n":
		var stream bytes.Buffer
		var size [4]byte
		for {
			if _, err := io.ReadFull(r, size[:]); err != nil {
				return
			}
			n := binary.BigEndian.Uint32(size[:])
			if n == 0 {
				break
			}
			if _, err := io.CopyN(&stream, r, int64(n)); err != nil {
				return
			}
		}
		time.Sleep(stall)
		if bytes.Contains(stream.Bytes(), []byte(testutil.EICAR)) {
			_, _ = conn.Write([]byte("stream: Win.Test.EICAR_HDB-1 FOUND\n"))
			return
		}
		_, _ = conn.Write([]byte("stream: OK\n"))
	default:
		_, _ = conn.Write([]byte("UNKNOWN COMMAND\n"))
	}
}

func TestScanBuffer(t *testing.T) {
	s := New(fakeClamd(t, 0), time.Second)
	ctx := context.Background()

	det, err := s.ScanBuffer(ctx, bytes.Repeat([]byte("clean data "), 20_000))
	require.NoError(t, err)
	assert.False(t, det.Infected)
	assert.Empty(t, det.Threats)

	det, err = s.ScanBuffer(ctx, []byte("x "+testutil.EICAR))
	require.NoError(t, err)
	assert.True(t, det.Infected)
	assert.Equal(t, []string{"Win.Test.EICAR_HDB-1"}, det.Threats)

	require.NoError(t, s.Health(ctx))
}

func TestScanBuffer_Timeout(t *testing.T) {
	s := New(fakeClamd(t, 500*time.Millisecond), 50*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout())
	defer cancel()

	_, err := s.ScanBuffer(ctx, []byte("data"))
	require.Error(t, err)
	assert.Equal(t, scan.ErrorTimeout, scan.CategoryOf(err))
}

func TestScanBuffer_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = New(addr, time.Second).ScanBuffer(context.Background(), []byte("data"))
	require.Error(t, err)
	assert.Equal(t, scan.ErrorOutage, scan.CategoryOf(err))
}

// A listener that never accepts leaves PING unanswered.
func TestHealth_Timeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = New(ln.Addr().String(), time.Second).Health(ctx)
	require.Error(t, err)
	assert.Equal(t, scan.ErrorTimeout, scan.CategoryOf(err))
}

func TestParseResults(t *testing.T) {
	det, err := parseResults([]*clamd.ScanResult{{Raw: "stream: OK", Path: "stream", Status: clamd.RES_OK}})
	require.NoError(t, err)
	assert.False(t, det.Infected)

	det, err = parseResults([]*clamd.ScanResult{
		{Raw: "stream: Eicar-Signature FOUND", Path: "stream", Description: "Eicar-Signature", Status: clamd.RES_FOUND},
	})
	require.NoError(t, err)
	assert.True(t, det.Infected)
	assert.Equal(t, []string{"Eicar-Signature"}, det.Threats)

	_, err = parseResults([]*clamd.ScanResult{
		{Raw: "stream: Can't allocate memory ERROR", Path: "stream", Description: "Can't allocate memory", Status: clamd.RES_ERROR},
	})
	assert.Equal(t, scan.ErrorOutage, scan.CategoryOf(err))

	_, err = parseResults([]*clamd.ScanResult{{Raw: "garbage", Status: clamd.RES_PARSE_ERROR}})
	assert.Equal(t, scan.ErrorBadResponse, scan.CategoryOf(err))

	_, err = parseResults(nil)
	assert.Equal(t, scan.ErrorBadResponse, scan.CategoryOf(err))
}
