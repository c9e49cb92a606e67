package remote

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeTestKey writes a throwaway PEM private key usable by ssh.ParsePrivateKey.
func writeTestKey(t *testing.T) string {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "guest-key")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path
}

func TestPingUnreachableGuest(t *testing.T) {
	c := NewClient(ClientConfig{
		Host:           "127.0.0.1",
		Port:           1, // nothing listens here
		User:           "amd",
		KeyPath:        writeTestKey(t),
		ConnectTimeout: 200 * time.Millisecond,
	}, testLogger())

	err := c.Ping(context.Background())
	require.Error(t, err)

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "127.0.0.1:1", ce.Addr)
	assert.NotNil(t, ce.Err)
}

func TestExecMissingKey(t *testing.T) {
	c := NewClient(ClientConfig{
		Host:    "127.0.0.1",
		Port:    1,
		User:    "amd",
		KeyPath: filepath.Join(t.TempDir(), "does-not-exist"),
	}, testLogger())

	_, err := c.Exec(context.Background(), "true")
	require.Error(t, err)
	var ce *ConnectError
	assert.False(t, errors.As(err, &ce), "missing key is not a connectivity failure")
	assert.Contains(t, err.Error(), "read ssh key")
}

func TestCommandErrorCarriesBothStreams(t *testing.T) {
	err := &CommandError{
		Command:  "dmesg",
		ExitCode: 3,
		Stdout:   "partial output",
		Stderr:   "permission denied",
	}
	msg := err.Error()
	assert.Contains(t, msg, `"dmesg"`)
	assert.Contains(t, msg, "exited 3")
	assert.Contains(t, msg, "partial output")
	assert.Contains(t, msg, "permission denied")
}

func TestDefaultConnectTimeout(t *testing.T) {
	c := NewClient(ClientConfig{Host: "h", Port: 22, User: "u", KeyPath: "k"}, testLogger())
	assert.Equal(t, DefaultConnectTimeout, c.cfg.ConnectTimeout)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "'/tmp/report.bin'", quote("/tmp/report.bin"))
	assert.Equal(t, `'it'\''s'`, quote("it's"))
}
